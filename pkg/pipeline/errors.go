package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors for pipeline control operations.
var (
	// ErrPipelineNotActive is returned when a run is requested for a
	// draft or paused pipeline.
	ErrPipelineNotActive = errors.New("pipeline is not active")
	// ErrRunNotActive is returned when cancelling a run that is not
	// executing on this instance.
	ErrRunNotActive = errors.New("pipeline run is not executing")
)

// ValidationError reports a rejected pipeline definition.
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
