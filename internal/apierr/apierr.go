// Package apierr defines the closed set of error kinds used across every
// Rise component and their mapping onto HTTP status codes and RFC 6749
// error bodies.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the seven error kinds enumerated in the core design. It is
// a closed set: every fallible operation in this module returns an error
// that either is, or wraps, an *Error carrying one of these kinds.
type Kind string

const (
	NotFound        Kind = "not_found"
	Unauthorized    Kind = "unauthorized"
	Forbidden       Kind = "forbidden"
	BadRequest      Kind = "bad_request"
	Conflict        Kind = "conflict"
	UpstreamFailure Kind = "upstream_failure"
	Internal        Kind = "internal"
)

// Error is a kinded error carrying a user-facing message distinct from the
// (potentially sensitive) internal chain wrapped via %w.
type Error struct {
	Kind    Kind
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.err }

// New creates a kinded error with a user-facing message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a kinded error that wraps an underlying cause. The message is
// user-facing; the cause is logged server-side but never rendered to callers.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, err: cause}
}

// As extracts the *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind carried by err, defaulting to Internal if err does
// not wrap an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}

// HTTPStatus maps a Kind to its stable HTTP status.
func HTTPStatus(k Kind) int {
	switch k {
	case NotFound:
		return http.StatusNotFound
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case BadRequest:
		return http.StatusBadRequest
	case Conflict:
		return http.StatusConflict
	case UpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// OAuth2Code maps a Kind to the RFC 6749 error code used by the C3 surface,
// which emits RFC-shaped bodies regardless of the kind's usual HTTP status.
func OAuth2Code(k Kind) string {
	switch k {
	case BadRequest:
		return "invalid_request"
	case Unauthorized, Forbidden:
		return "unauthorized_client"
	case Conflict, NotFound:
		return "invalid_grant"
	default:
		return "server_error"
	}
}

// ShouldLogLoudly reports whether the error kind warrants an always-on
// server-side log (5xx-equivalent) versus a debug-level log
// (4xx-equivalent).
func ShouldLogLoudly(k Kind) bool {
	return HTTPStatus(k) >= 500
}
