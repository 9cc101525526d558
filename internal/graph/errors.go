package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced record does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyDecided is returned when a decision targets a record that is no longer open
	ErrAlreadyDecided = errors.New("already decided")

	// ErrPendingExists is returned when an incident already has a pending recommendation
	ErrPendingExists = errors.New("pending recommendation already targets incident")
)

// ValidationError reports a rejected mutation. Nothing was applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// decidedError wraps ErrAlreadyDecided with the terminal state the record is in
func decidedError(kind, id, state string) error {
	return fmt.Errorf("%s %s is %s: %w", kind, id, state, ErrAlreadyDecided)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}
