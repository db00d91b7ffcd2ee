package config

import "fmt"

// ValidationError wraps a configuration validation failure with the field
// and constraint that tripped it.
type ValidationError struct {
	Field      string
	Constraint string
	Err        error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config %s: %s: %v", e.Field, e.Constraint, e.Err)
	}
	return fmt.Sprintf("config %s: %s", e.Field, e.Constraint)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a ValidationError.
func NewValidationError(field, constraint string) *ValidationError {
	return &ValidationError{Field: field, Constraint: constraint}
}
