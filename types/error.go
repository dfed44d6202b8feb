package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Dispatch and orchestration error codes
const (
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrNoCandidateAgent  ErrorCode = "NO_CANDIDATE_AGENT"
	ErrCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrDispatchFailed    ErrorCode = "DISPATCH_FAILED"
)

// Mesh error codes
const (
	ErrTransport     ErrorCode = "TRANSPORT"
	ErrBackpressure  ErrorCode = "BACKPRESSURE"
	ErrSerialization ErrorCode = "SERIALIZATION"
	ErrPoolExhausted ErrorCode = "POOL_EXHAUSTED"
	ErrNoRoute       ErrorCode = "NO_ROUTE"
	ErrStaleChange   ErrorCode = "STALE_CHANGE"
)

// Security error codes
const (
	ErrAuthentication ErrorCode = "AUTHENTICATION"
	ErrAuthorization  ErrorCode = "AUTHORIZATION"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// CodeOf extracts the ErrorCode from err, unwrapping as needed.
// Returns an empty code when err is not a *Error.
func CodeOf(err error) ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetryable checks if an error is retryable.
// NotFound is permanent and never retryable; transport failures are.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}
