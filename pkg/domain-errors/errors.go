// Package domainerrors provides coded errors for the service layer.
// Services return these so transports can translate them into protocol
// responses without inspecting error strings. Infrastructure layers return
// sentinel errors (pkg/platform/sentinel) instead; services wrap those into
// coded errors at the boundary.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error. Codes are stable API surface: httputil
// maps them to HTTP statuses and clients may branch on them.
type Code string

const (
	CodeBadRequest   Code = "bad_request"
	CodeInvalidInput Code = "invalid_input"
	CodeValidation   Code = "validation_failed"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeRateLimited  Code = "rate_limited"
	CodeUnavailable  Code = "upstream_unavailable"
	CodeInternal     Code = "internal_error"

	// CodeInvariantViolation marks a state transition the aggregate forbids,
	// e.g. reviving a revoked credential.
	CodeInvariantViolation Code = "invariant_violation"
)

// Error is a coded domain error. Wrapped causes stay reachable via errors.Is
// and errors.As.
type Error struct {
	code    Code
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the error's classification code.
func (e *Error) Code() Code { return e.code }

// Message returns the human-readable description without the code prefix.
func (e *Error) Message() string { return e.message }

// New constructs a coded error with no underlying cause.
func New(code Code, message string) error {
	return &Error{code: code, message: message}
}

// Newf constructs a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, message: message, cause: err}
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal for
// uncoded errors so unexpected failures never leak details to callers.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.code
	}
	return CodeInternal
}
