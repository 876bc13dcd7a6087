package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Principal identifies a user or operator as addressed by the front end.
type Principal string

func (p Principal) Valid() bool {
	return strings.TrimSpace(string(p)) != ""
}

// Key is the external identity of a sandbox: the n-th sandbox of an owner.
type Key struct {
	Owner  Principal
	Number int
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.Owner, k.Number)
}

func (k Key) Validate() error {
	if !k.Owner.Valid() {
		return fmt.Errorf("owner is required")
	}
	if k.Number <= 0 {
		return fmt.Errorf("sandbox number must be positive, got %d", k.Number)
	}
	return nil
}

// ParseNumber parses a sandbox number as typed by a user ("3" or "#3").
func ParseNumber(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(v), "#"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid sandbox number %q", v)
	}
	return n, nil
}

type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
)

func (s Status) Valid() bool {
	return s == StatusRunning || s == StatusSuspended
}

type OSFamily string

const (
	OSUbuntu OSFamily = "ubuntu"
	OSDebian OSFamily = "debian"
)

// ParseOSFamily accepts the family name or any prefix of it ("u", "deb").
func ParseOSFamily(v string) (OSFamily, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	switch {
	case s == "":
		return "", fmt.Errorf("os family is required")
	case strings.HasPrefix(string(OSUbuntu), s):
		return OSUbuntu, nil
	case strings.HasPrefix(string(OSDebian), s):
		return OSDebian, nil
	default:
		return "", fmt.Errorf("unsupported os family %q (want ubuntu or debian)", v)
	}
}

// Profile is the resource profile a sandbox is created with. It never changes afterwards.
type Profile struct {
	OS       OSFamily
	RAMGiB   int
	CPUCores float64
	DiskGiB  int
}

func (p Profile) Validate() error {
	if p.OS != OSUbuntu && p.OS != OSDebian {
		return fmt.Errorf("unsupported os family %q", p.OS)
	}
	if p.RAMGiB <= 0 || p.DiskGiB <= 0 || p.CPUCores <= 0 {
		return fmt.Errorf("invalid resource sizes: ram, cpu and disk must be > 0")
	}
	return nil
}

// Sandbox is the registry view of one live sandbox.
type Sandbox struct {
	Key
	EngineRef    string
	Status       Status
	Profile      Profile
	AssignedPort *int
	StatusReason string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

func (s *Sandbox) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// DefaultLifetime is how long a new sandbox runs before the expiry scheduler suspends it.
const DefaultLifetime = 14 * 24 * time.Hour

// Settings keys.
const (
	SettingLogChannel     = "log_channel"
	SettingRenewalChannel = "renewal_channel"
)

func ValidSettingKey(key string) bool {
	return key == SettingLogChannel || key == SettingRenewalChannel
}
