// Package errors carries the service error model shared by the CLI and the
// HTTP facade: a coded error type, constructors for the common classes, and
// the JSON envelope written on HTTP error responses.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Code names an error class. Codes are wire-stable: they appear verbatim in
// HTTP envelopes and exit diagnostics.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodeMethodNotAllowed   Code = "METHOD_NOT_ALLOWED"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeConflict           Code = "CONFLICT"
	CodeLocked             Code = "LOCKED"
	CodeGone               Code = "GONE"
	CodeReadOnly           Code = "READONLY_MODE"
	CodeInternal           Code = "INTERNAL"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
)

// Error is a coded service error. It wraps an optional cause and carries
// free-form details that surface in HTTP envelopes.
type Error struct {
	Code      Code
	Message   string
	RequestID string
	Details   map[string]any
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetails attaches envelope details and returns the error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// New builds a coded error with no cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a coded error around a cause.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NewExternalServiceError marks a dependency outage (SERVICE_UNAVAILABLE).
func NewExternalServiceError(message string) *Error {
	return New(CodeServiceUnavailable, message)
}

// WrapInternal wraps an unexpected failure as INTERNAL, stamping the
// request id when the context carries one.
func WrapInternal(ctx context.Context, err error, message string) *Error {
	e := Wrap(CodeInternal, err, message)
	e.RequestID = RequestIDFrom(ctx)
	return e
}

// CodeOf extracts the Code from err, walking the wrap chain. Errors without
// a Code classify as INTERNAL.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

type contextKey struct{ name string }

var requestIDKey = contextKey{"request-id"}

// WithRequestID returns a context carrying the request correlation id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom reads the correlation id set by WithRequestID, or "".
func RequestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
