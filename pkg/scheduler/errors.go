package scheduler

import (
	"errors"
	"fmt"
)

// Sentinel errors for scheduler control operations.
var (
	// ErrActionNotActive is returned when a control operation targets an
	// action whose status does not permit it.
	ErrActionNotActive = errors.New("scheduled action is not in a dispatchable status")
	// ErrRunInProgress is returned when allow_concurrent=false and a run
	// is still open.
	ErrRunInProgress = errors.New("a run for this action is still in progress")
)

// ValidationError reports a rejected field on an action request.
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
