package service

import (
	"errors"
	"fmt"

	"github.com/fslongjin/sandboxd/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrDenied   = errors.New("permission denied")
	ErrConflict = errors.New("sandbox is busy")
)

// ValidationError reports bad caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// DeniedError carries the policy's reason for a refusal.
type DeniedError struct {
	Principal model.Principal
	Operation model.Operation
	Reason    string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s may not %s: %s", e.Principal, e.Operation, e.Reason)
}

func (e *DeniedError) Unwrap() error { return ErrDenied }

// ConflictError means the per-sandbox lock could not be taken in time.
type ConflictError struct {
	Key model.Key
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sandbox %s is busy with another operation, try again", e.Key)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// EngineError wraps a failed sandbox engine call. The registry was not touched.
type EngineError struct {
	Op  model.Operation
	Key model.Key
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s failed for %s: %v", e.Op, e.Key, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// InconsistentStateError means the engine call succeeded but the registry
// update did not, so the two disagree until an operator intervenes.
type InconsistentStateError struct {
	Op        model.Operation
	Key       model.Key
	EngineRef string
	Err       error
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("%s on %s (engine ref %s) succeeded in the engine but was not recorded: %v", e.Op, e.Key, e.EngineRef, e.Err)
}

func (e *InconsistentStateError) Unwrap() error { return e.Err }

func notFound(key model.Key) error {
	return fmt.Errorf("sandbox %s: %w", key, ErrNotFound)
}
