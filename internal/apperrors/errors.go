// Package apperrors defines the error taxonomy shared by the job service.
//
// Every error produced by the controller, the store and the orchestrator
// adapters wraps one of the sentinels below, so callers classify with
// errors.Is and the API maps classes to HTTP status codes.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrConflict     = errors.New("conflict")
	ErrSubmission   = errors.New("submission error")
	ErrTransient    = errors.New("transient error")
	ErrInternal     = errors.New("internal error")
)

// Error is a classified error with optional context.
type Error struct {
	Sentinel error
	Message  string
	Field    string // validation only
	Resource string
	ID       string
	Op       string
	Cause    error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns both the sentinel and the cause so errors.Is matches either.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation reports a malformed or out-of-limits request field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
		ID:       id,
	}
}

// InvalidState reports an operation that is illegal for the resource's current state.
func InvalidState(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrInvalidState,
		Message:  reason,
		Resource: resource,
		ID:       id,
	}
}

// Conflict reports a concurrent modification or a duplicate resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
		ID:       id,
	}
}

// Submission reports that the orchestrator rejected a workload.
func Submission(op string, cause error) error {
	return &Error{
		Sentinel: ErrSubmission,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Transient reports a failure that is expected to clear on retry.
func Transient(op string, cause error) error {
	return &Error{
		Sentinel: ErrTransient,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Internal wraps an unexpected failure.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Message returns the message of the outermost *Error in err's chain, or
// err.Error() when there is none.
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
