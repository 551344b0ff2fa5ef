package gwerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable error classification exposed to API clients.
type Kind string

const (
	KindAuthExpired          Kind = "AUTH_EXPIRED"
	KindInvalidCredentials   Kind = "INVALID_CREDENTIALS"
	KindSecondFactorRequired Kind = "SECOND_FACTOR_REQUIRED"
	KindDestinationRejected  Kind = "DESTINATION_REJECTED"
	KindNegotiationTimeout   Kind = "NEGOTIATION_TIMEOUT"
	KindUpstreamUnavailable  Kind = "UPSTREAM_UNAVAILABLE"
	KindProcessFailure       Kind = "PROCESS_FAILURE"
	KindCancelled            Kind = "CANCELLED"
	KindIOError              Kind = "IO_ERROR"
)

// Error wraps an internal failure with a stable kind and a safe detail string.
// The API layer serializes Kind + Detail; Err is kept for logs only.
type Error struct {
	Kind   Kind
	Status int // upstream HTTP status when relevant, 0 otherwise
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a classified error.
func New(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Upstream builds an UPSTREAM_UNAVAILABLE error carrying the HTTP status.
func Upstream(status int, detail string) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Status: status, Detail: detail}
}

// KindOf extracts the Kind from an error chain. Unclassified errors map to
// IO_ERROR so that nothing escapes without a stable code.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindIOError
}

// UpstreamStatus returns the upstream HTTP status carried by the error, or 0.
func UpstreamStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// HTTPStatus maps a Kind to the HTTP status code returned by the gateway.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthExpired, KindInvalidCredentials:
		return http.StatusUnauthorized
	case KindSecondFactorRequired:
		return http.StatusPreconditionFailed
	case KindDestinationRejected:
		return http.StatusBadRequest
	case KindNegotiationTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindProcessFailure:
		return http.StatusBadGateway
	case KindCancelled:
		return 499 // client closed request (nginx convention)
	default:
		return http.StatusInternalServerError
	}
}
