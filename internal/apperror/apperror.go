// Package apperror holds the service-level error kinds that the HTTP layer
// maps to status codes. Executor failures have their own kinds in
// internal/executor; these cover everything around them.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation error")
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBusy means the resource is occupied by an in-flight operation and
	// its policy refuses to overlap.
	ErrBusy = errors.New("busy")
	// ErrClosed means the resource has been shut down and accepts nothing new.
	ErrClosed = errors.New("closed")
)

type AppError struct {
	Err     error  // one of the sentinels above
	Message string // human-readable, safe to return to clients
	Field   string // optional: request field that failed validation
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// Unauthorized is returned when a caller presents no token, or one that does
// not grant access to the addressed resource.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

func Busy(resource, id string) *AppError {
	return &AppError{
		Err:     ErrBusy,
		Message: fmt.Sprintf("%s %s already has a run in progress", resource, id),
	}
}

func Closed(resource, id string) *AppError {
	return &AppError{
		Err:     ErrClosed,
		Message: fmt.Sprintf("%s %s is closed", resource, id),
	}
}
