// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInternal            = errors.New("internal error")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrTransport           = errors.New("transport error")
	ErrIntegration         = errors.New("integration error")
	ErrUnavailable         = errors.New("unavailable")
)

// Error provides structured error with context.
type Error struct {
	Sentinel   error  // Wrapped sentinel for errors.Is() classification
	Message    string // Human-readable message
	Field      string // For validation errors (e.g., "experiment_name")
	Resource   string // For not found/conflict (e.g., "run")
	Platform   string // Platform name as the caller supplied it
	Op         string // Operation that failed (e.g., "dummy.submit")
	StatusCode int    // Remote HTTP status for transport errors, 0 if none
	Cause      error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause, so errors.Is and errors.As
// reach either one.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// UnsupportedPlatform reports a platform name with no registered provider.
// The name is kept exactly as supplied.
func UnsupportedPlatform(name string) error {
	return &Error{
		Sentinel: ErrUnsupportedPlatform,
		Message:  fmt.Sprintf("Unsupported platform '%s'", name),
		Platform: name,
	}
}

// Transport creates an error for a network or protocol failure.
func Transport(op string, cause error) error {
	return &Error{
		Sentinel: ErrTransport,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// TransportStatus creates a transport error for a non-2xx HTTP response.
func TransportStatus(op string, statusCode int) error {
	return &Error{
		Sentinel:   ErrTransport,
		Message:    fmt.Sprintf("%s: unexpected HTTP status %d", op, statusCode),
		Op:         op,
		StatusCode: statusCode,
	}
}

// Integration creates an error for a well-formed response that lacks
// required data.
func Integration(op, message string) error {
	return &Error{
		Sentinel: ErrIntegration,
		Message:  fmt.Sprintf("%s: %s", op, message),
		Op:       op,
	}
}

// Unavailable reports a service that is not accepting work, e.g. during
// shutdown.
func Unavailable(message string) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Message:  message,
	}
}
