// Package domain provides shared domain-level sentinel errors and the
// structured error kinds raised by the loop engine.
package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a malformed request. The HTTP layer maps it to 400.
var ErrValidation = errors.New("validation failed")

// ErrUnauthorized indicates a missing or invalid API key (HTTP 401).
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden indicates a deactivated app or denied operation (HTTP 403).
var ErrForbidden = errors.New("forbidden")

// ErrCapability indicates an instrument's required capability has no
// registered tool. Fatal at construction; no task runs.
var ErrCapability = errors.New("required capability unsatisfied")

// ErrCancelled indicates cooperative cancellation was observed at an
// iteration boundary.
var ErrCancelled = errors.New("task cancelled")

// DepthExceededError is raised when a spawn would exceed the task's
// maximum recursion depth. The spawning iteration records it and the
// sub-task result is classified bounded.
type DepthExceededError struct {
	Depth    int
	MaxDepth int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("spawn depth %d exceeds maximum %d", e.Depth, e.MaxDepth)
}

// DelegationError is raised when a remote room fails to execute a
// delegated sub-task. The conductor recovers it into a failover event.
type DelegationError struct {
	RoomID string
	Reason string
	Err    error
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("delegation to room %s failed: %s", e.RoomID, e.Reason)
}

func (e *DelegationError) Unwrap() error { return e.Err }

// ToolError is raised when a tool call fails after the tool's own retry
// policy is exhausted. Iterations recover it into a low-confidence
// synthetic finding.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
