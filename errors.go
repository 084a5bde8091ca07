// file: errors.go
package wskit

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Code identifies a class of failure in the wire error taxonomy. The set is
// closed: every error frame the router emits carries exactly one of these.
type Code string

// Router-originated codes.
const (
	// CodeInvalidArgument reports failed schema validation of an inbound payload.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	// CodeUnsupportedMessageType reports that no handler is registered for a type.
	CodeUnsupportedMessageType Code = "UNSUPPORTED_MESSAGE_TYPE"
	// CodeResourceExhausted reports a payload or rate limit being exceeded.
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
	// CodeInternal reports a handler panic/error, middleware failure, or a
	// surfaced adapter error.
	CodeInternal Code = "INTERNAL"
	// CodeOutboundValidation reports egress (reply/publish) failing
	// response-schema validation.
	CodeOutboundValidation Code = "OUTBOUND_VALIDATION_ERROR"
)

// Topic and transport layer codes.
const (
	CodeInvalidTopic       Code = "INVALID_TOPIC"
	CodeTopicLimitExceeded Code = "TOPIC_LIMIT_EXCEEDED"
	CodeConnectionClosed   Code = "CONNECTION_CLOSED"
	CodeAdapterError       Code = "ADAPTER_ERROR"
	CodeAborted            Code = "ABORTED"
)

// User-raised codes, available to handlers via Context.Error.
const (
	CodeTimedOut           Code = "TIMED_OUT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
)

// Error is the structured error type surfaced by the router and its
// collaborators. User-visible fields are Code, Message, and Details; the
// cause chain is for logs only and is never serialized to the wire.
type Error struct {
	// Code categorizes the failure (closed taxonomy).
	Code Code
	// Message is human-readable and stable enough to grep for.
	Message string
	// Details carries additional key-value context safe to show a client.
	Details map[string]any
	// cause is the underlying error, reachable via errors.Unwrap.
	cause error
}

// Error implements the standard error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, allowing error chain traversal.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetail attaches a key-value detail and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error and returns the error for chaining.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// NewError creates a structured error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// AsError extracts a *Error from err's chain. When err carries no *Error it
// is wrapped as CodeInternal with a generic message; the original error stays
// on the cause chain and out of the wire frame.
func AsError(err error) *Error {
	var wire *Error
	if errors.As(err, &wire) {
		return wire
	}
	return NewError(CodeInternal, "internal error").WithCause(err)
}

// CodeOf returns the taxonomy code carried by err, or CodeInternal when the
// chain carries none.
func CodeOf(err error) Code {
	var wire *Error
	if errors.As(err, &wire) {
		return wire.Code
	}
	return CodeInternal
}
