// Package apierror defines the error kinds produced by the gateway core.
// The core never chooses HTTP status codes; the handlers package maps kinds
// to statuses at the boundary.
package apierror

import (
	"errors"
	"net/http"
)

// Kind classifies a gateway failure
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindUnknownTarget
	KindUnauthenticated
	KindPayloadTooLarge
	KindRateExceeded
	KindUpstreamUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindUnknownTarget:
		return "unknown_target"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindRateExceeded:
		return "rate_exceeded"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	default:
		return "internal"
	}
}

// Error is a classified gateway error. Header carries response headers that
// must still be sent with the error response (rate limit headers on a 429).
type Error struct {
	Kind    Kind
	Message string
	Header  http.Header
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without a cause
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error around a cause
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
