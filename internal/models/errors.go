package models

import (
	"errors"
	"fmt"
)

// Error classes. Typed errors below match these through errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// ValidationError reports malformed trigger, reading or alert input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an operation on an unknown id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InvalidTransitionError reports a lifecycle violation such as cancelling a draft.
type InvalidTransitionError struct {
	AlertID string
	From    AlertStatus
	To      AlertStatus

	// Op names a non-transition operation refused in state From, e.g. "dispatch"
	Op string
}

func (e *InvalidTransitionError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("alert %q: cannot %s while %s", e.AlertID, e.Op, e.From)
	}
	return fmt.Sprintf("alert %q: cannot move from %s to %s", e.AlertID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }
