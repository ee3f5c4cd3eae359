// Package errors defines the error taxonomy of the rendering-resource broker
// and its mapping onto HTTP status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrNotFound is returned when a session or resource configuration does not exist
	ErrNotFound = "not_found"

	// ErrConflict is returned on duplicate creation of a session or configuration
	ErrConflict = "conflict"

	// ErrForbidden is returned when session creation is suspended
	ErrForbidden = "forbidden"

	// ErrTransport is returned when an SSH, HTTPS or HTTP upstream call failed
	ErrTransport = "transport"

	// ErrAllocationFailed is returned when the batch system refused or timed out
	ErrAllocationFailed = "allocation_failed"

	// ErrBackendNotReady is returned when the resource is allocated but the
	// readiness probe is not yet passing
	ErrBackendNotReady = "backend_not_ready"

	// ErrInternal is returned for programmer errors and serialized state violations
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewForbiddenError creates a new forbidden error
func NewForbiddenError(message string, cause error) *Error {
	return NewError(ErrForbidden, message, cause)
}

// NewTransportError creates a new transport error
func NewTransportError(message string, cause error) *Error {
	return NewError(ErrTransport, message, cause)
}

// NewAllocationFailedError creates a new allocation failed error
func NewAllocationFailedError(message string, cause error) *Error {
	return NewError(ErrAllocationFailed, message, cause)
}

// NewBackendNotReadyError creates a new backend not ready error
func NewBackendNotReadyError(message string, cause error) *Error {
	return NewError(ErrBackendNotReady, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

func isType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrNotFound)
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	return isType(err, ErrConflict)
}

// IsForbidden checks if the error is a forbidden error
func IsForbidden(err error) bool {
	return isType(err, ErrForbidden)
}

// IsTransport checks if the error is a transport error
func IsTransport(err error) bool {
	return isType(err, ErrTransport)
}

// IsAllocationFailed checks if the error is an allocation failed error
func IsAllocationFailed(err error) bool {
	return isType(err, ErrAllocationFailed)
}

// IsBackendNotReady checks if the error is a backend not ready error
func IsBackendNotReady(err error) bool {
	return isType(err, ErrBackendNotReady)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}

// HTTPStatus maps an error to the HTTP status code surfaced at the broker
// boundary. Unknown errors map to 500.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Type {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrForbidden:
		return http.StatusForbidden
	case ErrTransport, ErrAllocationFailed:
		return http.StatusBadRequest
	case ErrBackendNotReady:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
