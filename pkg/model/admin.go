package model

import "time"

type Grant struct {
	Owner     string    `json:"owner" yaml:"owner"`
	Number    int       `json:"number" yaml:"number"`
	Grantee   string    `json:"grantee" yaml:"grantee"`
	GrantedBy string    `json:"granted_by,omitempty" yaml:"granted_by,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

type GrantListResponse struct {
	Items []Grant `json:"items"`
}

type Admin struct {
	Principal string    `json:"principal" yaml:"principal"`
	AddedBy   string    `json:"added_by,omitempty" yaml:"added_by,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

type AddAdminRequest struct {
	Principal string `json:"principal" binding:"required"`
}

// SettingsResponse holds the notification destinations. An empty value means
// that kind of notification is discarded.
type SettingsResponse struct {
	LogChannel     string `json:"log_channel" yaml:"log_channel"`
	RenewalChannel string `json:"renewal_channel" yaml:"renewal_channel"`
}

type UpdateSettingsRequest struct {
	LogChannel     *string `json:"log_channel"`
	RenewalChannel *string `json:"renewal_channel"`
}

const (
	ExportAPIVersion = "sandboxd/v1"
	ExportKind       = "RegistrySnapshot"
)

// ExportDocument is a point-in-time snapshot of the registry.
type ExportDocument struct {
	APIVersion string           `yaml:"apiVersion" json:"apiVersion"`
	Kind       string           `yaml:"kind" json:"kind"`
	ExportedAt time.Time        `yaml:"exported_at" json:"exported_at"`
	Admins     []Admin          `yaml:"admins" json:"admins"`
	Settings   SettingsResponse `yaml:"settings" json:"settings"`
	Sandboxes  []Sandbox        `yaml:"sandboxes" json:"sandboxes"`
	Grants     []Grant          `yaml:"grants" json:"grants"`
}
