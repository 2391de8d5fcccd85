package models

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateActiveRequest = errors.New("participant already has an active listing of this kind")
	ErrAlreadyReserved        = errors.New("listing is not open")
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrConcurrencyConflict    = errors.New("concurrent modification")
	ErrExpiredRequest         = errors.New("listing expired")
	ErrExpiredTransaction     = errors.New("transaction expired")
	ErrNotOwner               = errors.New("caller does not own the record")
)

// ValidationError reports a malformed request. It surfaces to the caller as-is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
