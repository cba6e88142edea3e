// Package apperr implements the service-wide error taxonomy: input,
// auth, not-found, transient, integrity, data-shape, and fatal errors, each
// mapping to an HTTP status for the server layer.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an error for HTTP-status mapping and retry policy.
type Code string

const (
	CodeInput      Code = "input"      // 400: bad filepath, malformed categorized_tags, ...
	CodeAuth       Code = "auth"       // 401/403
	CodeNotFound   Code = "not_found"  // 404: image not in DB, pair not cached
	CodeTransient  Code = "transient"  // upstream timeout/5xx, recovered by fallback
	CodeIntegrity  Code = "integrity"  // unique constraint on MD5/filepath -> duplicate
	CodeDataShape  Code = "data_shape" // malformed raw blob, wrong embedding dim
	CodeFatal      Code = "fatal"      // 500: catalog unavailable, disk full
)

// Error wraps an underlying error with a taxonomy Code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a taxonomy error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a taxonomy Code to an existing error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Input, NotFound, Integrity, Transient, DataShape, and Fatal are
// constructors for the taxonomy's most common cases.
func Input(format string, args ...any) *Error {
	return New(CodeInput, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, fmt.Sprintf(format, args...))
}

func Integrity(err error, format string, args ...any) *Error {
	return Wrap(CodeIntegrity, fmt.Sprintf(format, args...), err)
}

func Transient(err error, format string, args ...any) *Error {
	return Wrap(CodeTransient, fmt.Sprintf(format, args...), err)
}

func DataShape(format string, args ...any) *Error {
	return New(CodeDataShape, fmt.Sprintf(format, args...))
}

func Fatal(err error, format string, args ...any) *Error {
	return Wrap(CodeFatal, fmt.Sprintf(format, args...), err)
}

// CodeOf extracts the taxonomy Code from err, defaulting to CodeFatal for
// errors that were never classified.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeFatal
}

// HTTPStatus maps a Code to the status the server layer should return.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInput:
		return 400
	case CodeAuth:
		return 403
	case CodeNotFound:
		return 404
	case CodeIntegrity:
		return 409
	case CodeTransient:
		return 502
	case CodeDataShape:
		return 422
	default:
		return 500
	}
}
