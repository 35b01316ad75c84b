// Package errs defines the structured error taxonomy shared by every
// component of the router. Errors on the request path that drive retry and
// failover are *errs.Error values from this taxonomy; internal/store's
// sentinels and config loading and lifecycle startup errors are ordinary
// Go errors.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and selection decisions.
type Kind string

const (
	KindInvalidRequest    Kind = "invalid_request"
	KindAuth              Kind = "auth"
	KindContentPolicy     Kind = "content_policy"
	KindTransientNetwork  Kind = "transient_network"
	KindTimeout           Kind = "timeout"
	KindRateLimited       Kind = "rate_limited"
	KindUpstream5xx       Kind = "upstream_5xx"
	KindCircuitOpen       Kind = "circuit_open"
	KindNoBackendAvail    Kind = "no_backend_available"
	KindLedgerUnavailable Kind = "ledger_unavailable"
	KindBackpressure      Kind = "backpressure"
	KindInternal          Kind = "internal"
)

// retriableKinds: retry is only ever attempted for these.
var retriableKinds = map[Kind]bool{
	KindTimeout:          true,
	KindTransientNetwork: true,
	KindUpstream5xx:      true,
	KindRateLimited:      true,
}

// Error is the single structured error type returned across package
// boundaries. Kind drives retry/failover policy; LastBackend records which
// backend produced it, if any.
type Error struct {
	Kind        Kind
	Message     string
	Retryable   bool
	LastBackend string
	RetryAfter  int // seconds, from an upstream Retry-After header; 0 if absent
	Err         error
}

func (e *Error) Error() string {
	if e.LastBackend != "" {
		return fmt.Sprintf("%s: %s (backend=%s)", e.Kind, e.Message, e.LastBackend)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error, deriving Retryable from Kind unless the
// caller overrides it explicitly with New followed by a field set.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retriableKinds[kind]}
}

// Wrap classifies an existing error under kind, preserving it for Unwrap.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), Retryable: retriableKinds[kind], Err: err}
}

// WithBackend returns a copy of e tagged with the backend that produced it.
func (e *Error) WithBackend(backend string) *Error {
	cp := *e
	cp.LastBackend = backend
	return &cp
}

// IsRetryable reports whether err (or anything it wraps) is a retriable
// *Error. Non-Error values are treated as non-retriable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// KindOf extracts the Kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
