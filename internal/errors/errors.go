package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind represents stable error kinds for all failure modes
type Kind string

const (
	// NotFound indicates a resource or method doesn't exist
	NotFound Kind = "NOT_FOUND"
	// BadRequest indicates a malformed or unparseable request
	BadRequest Kind = "BAD_REQUEST"
	// ValidationFailed indicates a parameter failed validation
	ValidationFailed Kind = "VALIDATION_FAILED"
	// Unauthorized indicates missing or invalid credentials
	Unauthorized Kind = "UNAUTHORIZED"
	// Timeout indicates an operation exceeded its deadline
	Timeout Kind = "TIMEOUT"
	// Conflict indicates a serialization conflict (e.g. concurrent advance)
	Conflict Kind = "CONFLICT"
	// ResourceExhausted indicates a memory or rate budget was exceeded
	ResourceExhausted Kind = "RESOURCE_EXHAUSTED"
	// Internal indicates an unexpected error
	Internal Kind = "INTERNAL_ERROR"
	// Io indicates a filesystem or subprocess failure
	Io Kind = "IO_ERROR"
	// Serialization indicates an encode/decode failure
	Serialization Kind = "SERIALIZATION_ERROR"
)

// Error is the single propagation currency inside the core.
// Handlers return *Error; the protocol layers map it to their native shape.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	// Field and Reason are set for ValidationFailed
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`

	// RPCCode overrides the generic JSON-RPC code mapping when nonzero
	// (template errors use -32001..-32004)
	RPCCode int `json:"-"`

	// retryable is set for Io errors that may succeed on retry
	retryable bool
	cause     error
}

// New creates a new Error
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a new Error with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new Error with an underlying cause
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// NewValidation creates a ValidationFailed error for a named field
func NewValidation(field, reason string) *Error {
	return &Error{
		Kind:    ValidationFailed,
		Message: fmt.Sprintf("validation failed: %s - %s", field, reason),
		Field:   field,
		Reason:  reason,
	}
}

// NewIo creates an Io error; retryable marks transient failures
func NewIo(message string, cause error, retryable bool) *Error {
	return &Error{Kind: Io, Message: message, cause: cause, retryable: retryable}
}

// WithRPCCode sets an explicit JSON-RPC error code
func (e *Error) WithRPCCode(code int) *Error {
	e.RPCCode = code
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether retrying the operation may succeed.
// Timeout is always retryable; Io only when constructed retryable.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case Timeout:
		return true
	case Io:
		return e.retryable
	default:
		return false
	}
}

// KindOf extracts the Kind from any error. Non-typed errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// AsError converts any error to *Error, wrapping untyped errors as Internal
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return &Error{Kind: Internal, Message: err.Error(), cause: err}
}

// IsRetryable reports whether any error is retryable
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
