package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is wrapped by every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrNoQualifyingIterations is returned when no walk-forward fold could be evaluated.
	ErrNoQualifyingIterations = errors.New("walk-forward produced no qualifying iterations")
	// ErrEngineUnavailable is returned by an engine constructor that cannot serve the run.
	ErrEngineUnavailable = errors.New("engine unavailable")
)

// ValidationError describes malformed input. It is never retried.
type ValidationError struct {
	Field     string
	Message   string
	Offending []string
}

// NewValidationError creates a ValidationError for a field.
func NewValidationError(field, message string, offending ...string) *ValidationError {
	return &ValidationError{Field: field, Message: message, Offending: offending}
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid ")
	b.WriteString(e.Field)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Offending) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Offending, ", "))
	}
	return b.String()
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }
