package llm

import (
	"errors"
	"time"
)

// Error represents a provider-neutral dispatch error. Every failure surfaced
// by a backend adapter or by the pipeline is an *Error with a Kind from the
// closed set below; raw transport or SDK errors ride in Err for unwrapping.
type Error struct {
	Kind       ErrorKind
	Backend    string // name of the backend the failure belongs to, if any
	Message    string
	StatusCode int // HTTP status when the failure came from a response
	RetryAfter *time.Duration
	Err        error // original transport/SDK error
}

// ErrorKind represents the category of a dispatch failure.
type ErrorKind string

const (
	// KindConnection covers DNS, dial, and broken-transport failures.
	KindConnection ErrorKind = "connection"
	// KindTimeout covers attempt deadlines and request deadlines.
	KindTimeout ErrorKind = "timeout"
	// KindRateLimited covers HTTP 429 and SDK rate-limit signals.
	KindRateLimited ErrorKind = "rate_limited"
	// KindServer covers 5xx responses.
	KindServer ErrorKind = "server_error"
	// KindClient covers non-429 4xx responses (the request was rejected).
	KindClient ErrorKind = "client_error"
	// KindResponseFormat means the response body could not be decoded.
	KindResponseFormat ErrorKind = "response_format"
	// KindResponseStructure means the body decoded but lacked required fields.
	KindResponseStructure ErrorKind = "response_structure"
	// KindCircuitOpen means a slot rejected the attempt without a network call.
	KindCircuitOpen ErrorKind = "circuit_open"
	// KindStreamingNotSupported is a capability signal, not a failure: the
	// backend cannot stream and must be skipped for streaming requests.
	KindStreamingNotSupported ErrorKind = "streaming_not_supported"
	// KindUnknown is synthesized when no more specific failure was recorded.
	KindUnknown ErrorKind = "unknown"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Backend != "" {
		msg = e.Backend + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying transport or SDK error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is worth duplicating: a hedged or
// retried attempt against the same backend could plausibly succeed.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindConnection, KindTimeout, KindRateLimited, KindServer:
		return true
	}
	return false
}

// CountsAsFailure reports whether the failure feeds the circuit breaker.
// Circuit-open rejections and capability gaps never do.
func (e *Error) CountsAsFailure() bool {
	switch e.Kind {
	case KindCircuitOpen, KindStreamingNotSupported:
		return false
	}
	return true
}

// AsError extracts the taxonomy error from an error chain.
func AsError(err error) (*Error, bool) {
	var dispatchErr *Error
	if errors.As(err, &dispatchErr) {
		return dispatchErr, true
	}
	return nil, false
}

// KindOf returns the taxonomy kind of an error chain, or KindUnknown for
// errors that did not originate from this package.
func KindOf(err error) ErrorKind {
	if dispatchErr, ok := AsError(err); ok {
		return dispatchErr.Kind
	}
	return KindUnknown
}

// IsKind checks whether an error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	if dispatchErr, ok := AsError(err); ok {
		return dispatchErr.Kind == kind
	}
	return false
}

// IsCircuitOpen checks if an error is a circuit-open rejection.
func IsCircuitOpen(err error) bool {
	return IsKind(err, KindCircuitOpen)
}

// IsStreamingNotSupported checks if an error is a streaming capability gap.
func IsStreamingNotSupported(err error) bool {
	return IsKind(err, KindStreamingNotSupported)
}

// IsTransient checks if an error chain carries a transient failure.
func IsTransient(err error) bool {
	if dispatchErr, ok := AsError(err); ok {
		return dispatchErr.Transient()
	}
	return false
}

// RetryAfterHint extracts the server-provided retry delay from an error
// chain. Returns nil when no hint was given.
func RetryAfterHint(err error) *time.Duration {
	if dispatchErr, ok := AsError(err); ok {
		return dispatchErr.RetryAfter
	}
	return nil
}

// NewConnectionError creates a connection failure.
func NewConnectionError(backend, message string, err error) *Error {
	return &Error{Kind: KindConnection, Backend: backend, Message: message, Err: err}
}

// NewTimeoutError creates a timeout failure.
func NewTimeoutError(backend, message string, err error) *Error {
	return &Error{Kind: KindTimeout, Backend: backend, Message: message, Err: err}
}

// NewRateLimitedError creates a rate-limit failure with an optional
// server-provided retry delay.
func NewRateLimitedError(backend, message string, retryAfter *time.Duration, err error) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Backend:    backend,
		Message:    message,
		StatusCode: 429,
		RetryAfter: retryAfter,
		Err:        err,
	}
}

// NewServerError creates a server-side (5xx) failure.
func NewServerError(backend, message string, statusCode int, err error) *Error {
	return &Error{Kind: KindServer, Backend: backend, Message: message, StatusCode: statusCode, Err: err}
}

// NewClientError creates a request-rejected (4xx) failure.
func NewClientError(backend, message string, statusCode int, err error) *Error {
	return &Error{Kind: KindClient, Backend: backend, Message: message, StatusCode: statusCode, Err: err}
}

// NewResponseFormatError creates an undecodable-body failure.
func NewResponseFormatError(backend, message string, err error) *Error {
	return &Error{Kind: KindResponseFormat, Backend: backend, Message: message, Err: err}
}

// NewResponseStructureError creates a decoded-but-malformed failure.
func NewResponseStructureError(backend, message string, err error) *Error {
	return &Error{Kind: KindResponseStructure, Backend: backend, Message: message, Err: err}
}

// NewCircuitOpenError creates a circuit-open rejection for a backend.
func NewCircuitOpenError(backend string) *Error {
	return &Error{Kind: KindCircuitOpen, Backend: backend, Message: "circuit open"}
}

// NewStreamingNotSupportedError creates a streaming capability gap signal.
func NewStreamingNotSupportedError(backend string) *Error {
	return &Error{Kind: KindStreamingNotSupported, Backend: backend, Message: "streaming not supported"}
}

// NewUnknownError creates a failure of unknown category.
func NewUnknownError(backend, message string, err error) *Error {
	return &Error{Kind: KindUnknown, Backend: backend, Message: message, Err: err}
}
