package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an error for API shaping and recovery decisions
type ErrorCode string

const (
	ErrValidation        ErrorCode = "VALIDATION"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrConflict          ErrorCode = "CONFLICT"
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrDaemonUnavailable ErrorCode = "DAEMON_UNAVAILABLE"
	ErrStateViolation    ErrorCode = "STATE_VIOLATION"
	ErrResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	ErrExternal          ErrorCode = "EXTERNAL"
	ErrInternal          ErrorCode = "INTERNAL"

	// Port registry codes
	ErrInvalidPort        ErrorCode = "INVALID_PORT"
	ErrSystemReserved     ErrorCode = "SYSTEM_RESERVED"
	ErrPortOutOfRange     ErrorCode = "PORT_OUT_OF_RANGE"
	ErrPortInUse          ErrorCode = "PORT_IN_USE"
	ErrPortInUseExternal  ErrorCode = "PORT_IN_USE_EXTERNAL"
	ErrNoAvailablePorts   ErrorCode = "NO_AVAILABLE_PORTS"
	ErrProjectMismatch    ErrorCode = "PROJECT_MISMATCH"
	ErrInvalidProjectType ErrorCode = "INVALID_PROJECT_TYPE"

	// Lifecycle codes
	ErrStartTimeout ErrorCode = "START_TIMEOUT"
)

// Error is a coded error carried across component boundaries and
// rendered as the API error envelope.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetails attaches a detail entry and returns the error for chaining
func (e *Error) WithDetails(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewError creates a coded error
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a coded error with a formatted message
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a coded error that preserves an underlying cause
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the error code from err, or INTERNAL if it has none
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternal
}

// AsError converts err into a coded *Error, wrapping uncoded errors as INTERNAL
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: ErrInternal, Message: err.Error(), cause: err}
}
