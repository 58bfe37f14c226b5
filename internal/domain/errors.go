package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors used across all layers.
var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	ErrNotConnected = errors.New("not connected")
)

// FieldError describes a validation error for a specific field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError contains a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation: %s: %s", e.Errors[0].Field, e.Errors[0].Message)
	}
	return fmt.Sprintf("validation: %d errors", len(e.Errors))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError creates a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Errors: []FieldError{{Field: field, Message: message}},
	}
}

// NewValidationErrors creates a ValidationError from multiple field errors.
func NewValidationErrors(errs []FieldError) *ValidationError {
	return &ValidationError{Errors: errs}
}

// ConnectionError reports a lost persistent connection. Exhausted is set
// once automatic reconnection has given up.
type ConnectionError struct {
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *ConnectionError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("connection lost: gave up after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("connection lost: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// MutationError reports a failed durable write whose optimistic local
// change has been rolled back.
type MutationError struct {
	Op       string
	EntityID string
	Err      error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.EntityID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }
