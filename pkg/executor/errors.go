package executor

import (
	"errors"
	"fmt"
)

// Sentinel errors for executor control operations.
var (
	// ErrAtCapacity is returned when the worker pool has no free slot.
	ErrAtCapacity = errors.New("executor at capacity")
	// ErrNotRunning is returned when a control operation targets a task
	// with no loop on this instance.
	ErrNotRunning = errors.New("task is not running on this instance")
	// ErrInvalidTransition is returned for state machine violations.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// ValidationError reports a rejected field on a start request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}
