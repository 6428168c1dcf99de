package core

import (
	"errors"
	"fmt"
)

// Failure classes shared by storage, orchestration and transport.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrTransient    = errors.New("transient failure")
)

// ValidationError names the offending request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }

func Invalid(field string, err error) error {
	return &ValidationError{Field: field, Reason: err.Error()}
}

// Transient marks err as retryable by the caller, keeping the cause.
func Transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}
