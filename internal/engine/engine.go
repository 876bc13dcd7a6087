// Package engine drives the external sandbox runtime. The lifecycle service is
// the only caller; every implementation reports an absent sandbox as ErrNotFound.
package engine

import (
	"context"
	"errors"

	"github.com/fslongjin/sandboxd/internal/model"
)

// ErrNotFound means the engine has no sandbox for the given ref.
var ErrNotFound = errors.New("sandbox not found in engine")

// Ref is the opaque handle the engine returns at creation.
type Ref string

const (
	LabelManaged = "sandboxd.managed"
	LabelOwner   = "sandboxd.owner"
)

// Spec describes a sandbox to create.
type Spec struct {
	Name    string
	Image   string
	Owner   model.Principal
	Profile model.Profile
}

// State is what the engine currently reports for a sandbox.
type State struct {
	Running bool
}

// Engine is the sandbox runtime contract.
type Engine interface {
	// Create creates and starts a sandbox with the spec's resource limits.
	Create(ctx context.Context, spec Spec) (Ref, error)
	Start(ctx context.Context, ref Ref) error
	Stop(ctx context.Context, ref Ref) error
	// Remove force-removes the sandbox, running or not.
	Remove(ctx context.Context, ref Ref) error
	Inspect(ctx context.Context, ref Ref) (State, error)
	// List returns every sandbox carrying the managed label.
	List(ctx context.Context) ([]Ref, error)
	// Connect opens a remote terminal session and returns its SSH connection string.
	Connect(ctx context.Context, ref Ref) (string, error)
}
