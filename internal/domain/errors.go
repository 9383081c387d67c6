package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("task not found")
	ErrDuplicateTitle = errors.New("a task with this title already exists")
)

// ValidationError rejects a request before any state, queue or cache change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func IsValidationError(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}
