// Package errors provides kind-tagged errors for the bridge multiplexer.
// Every failure that crosses a package boundary carries a Kind so the
// ingress layer can map it to an HTTP status without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport-level handling.
type Kind string

const (
	// KindBadRequest covers malformed JSON, missing transaction ids and
	// bodies that exceed the traversal depth bound.
	KindBadRequest Kind = "bad_request"

	// KindUnauthorized covers unknown or missing bearer tokens.
	KindUnauthorized Kind = "unauthorized"

	// KindBridgeNotFound is returned when the resolver chain is exhausted.
	KindBridgeNotFound Kind = "bridge_not_found"

	// KindRouteNotFound is returned when no handler or fallback matches.
	KindRouteNotFound Kind = "route_not_found"

	// KindUpstream marks a non-2xx response from a forwarded target. The
	// upstream status and body are propagated verbatim to the caller.
	KindUpstream Kind = "upstream"

	// KindTimeout marks an outbound deadline exceeded.
	KindTimeout Kind = "timeout"

	// KindStorage marks a database failure.
	KindStorage Kind = "storage"

	// KindInternal is the catch-all for everything else.
	KindInternal Kind = "internal"
)

// Error is a kind-tagged error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error. A nil cause
// yields nil so call sites can wrap unconditionally.
func Wrap(kind Kind, cause error, message string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...any) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf walks the error chain and returns the first Kind found, or
// KindInternal when the chain carries no tagged error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Unwrap()
	}
	return false
}

// HTTPStatus maps a kind to the response status the ingress layer emits.
// KindUpstream has no fixed status; the forwarded status is used instead.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindBridgeNotFound, KindRouteNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
