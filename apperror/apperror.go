// Package apperror defines typed application errors shared by the transports.
//
// The engine reports every execution outcome as a result value; only request
// validation problems and execution id conflicts travel as errors. Transports map the sentinels below to
// protocol status codes with errors.Is.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
)

// AppError carries a sentinel plus a message that is safe to show to clients.
type AppError struct {
	Err     error
	Message string
	Field   string
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// ValidationFailed reports malformed or missing input on the given field.
func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// Conflict reports that a resource with the same id is already live.
func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s already running with id %s", resource, id),
	}
}
