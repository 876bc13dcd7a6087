package model

import "time"

// Command statuses. Every command produces exactly one.
const (
	StatusOK           = "ok"
	StatusDenied       = "denied"
	StatusNotFound     = "not_found"
	StatusConflict     = "conflict"
	StatusInvalid      = "invalid"
	StatusError        = "error"
	StatusInconsistent = "inconsistent"
)

type Profile struct {
	OS       string  `json:"os" yaml:"os"`
	RAMGiB   int     `json:"ram_gib" yaml:"ram_gib"`
	CPUCores float64 `json:"cpu_cores" yaml:"cpu_cores"`
	DiskGiB  int     `json:"disk_gib" yaml:"disk_gib"`
}

type Sandbox struct {
	Owner        string    `json:"owner" yaml:"owner"`
	Number       int       `json:"number" yaml:"number"`
	EngineRef    string    `json:"engine_ref" yaml:"engine_ref"`
	Status       string    `json:"status" yaml:"status"`
	StatusReason string    `json:"status_reason,omitempty" yaml:"status_reason,omitempty"`
	Profile      Profile   `json:"profile" yaml:"profile"`
	AssignedPort *int      `json:"assigned_port,omitempty" yaml:"assigned_port,omitempty"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
	ExpiresAt    time.Time `json:"expires_at" yaml:"expires_at"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"updated_at"`
}

type SandboxListResponse struct {
	Items []Sandbox `json:"items"`
}

// CommandRequest is one command as issued by a chat front-end. Owner and
// Number address the target sandbox where the operation has one.
type CommandRequest struct {
	Operation string            `json:"operation" binding:"required"`
	Owner     string            `json:"owner,omitempty"`
	Number    int               `json:"number,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

type CommandResult struct {
	Status    string                      `json:"status"`
	Message   string                      `json:"message"`
	Sandbox   *Sandbox                    `json:"sandbox,omitempty"`
	Sandboxes []Sandbox                   `json:"sandboxes,omitempty"`
	Grants    []Grant                     `json:"grants,omitempty"`
	Session   string                      `json:"session,omitempty"`
	History   []HistoryEntry              `json:"history,omitempty"`
	Run       *ReconcileRunDetailResponse `json:"reconcile,omitempty"`
	Export    string                      `json:"export,omitempty"`
}

type CreateSandboxRequest struct {
	OS       string  `json:"os" binding:"required"`
	RAMGiB   int     `json:"ram_gib" binding:"required"`
	CPUCores float64 `json:"cpu_cores" binding:"required"`
	DiskGiB  int     `json:"disk_gib" binding:"required"`
}

type SuspendRequest struct {
	Reason string `json:"reason"`
}

type AssignPortRequest struct {
	Port int `json:"port" binding:"required"`
}

type RenewRequest struct {
	Days int `json:"days"`
}

type ConnectResponse struct {
	Session string `json:"session"`
}

type RemoveResponse struct {
	GrantsRemoved int64 `json:"grants_removed"`
}

type HistoryEntry struct {
	ID         int64     `json:"id"`
	Source     string    `json:"source"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type HistoryResponse struct {
	Items []HistoryEntry `json:"items"`
}
