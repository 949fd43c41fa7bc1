package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNoBackendsAvailable = errors.New("no backends available")
	ErrCircuitOpen         = errors.New("circuit open")
	ErrRateLimit           = errors.New("rate limited")
	ErrTimeout             = errors.New("timeout")
	ErrTransient           = errors.New("transient upstream error")
	ErrAuth                = errors.New("authentication failed")
	ErrContextLength       = errors.New("context length exceeded")
	ErrFatal               = errors.New("fatal upstream error")
	ErrCacheUnavailable    = errors.New("cache unavailable")
	ErrLedgerUnavailable   = errors.New("ledger unavailable")
)

// ErrorKind is the stable code attached to backend failures.
type ErrorKind string

// Stable error codes.
const (
	KindInvalidInput  ErrorKind = "invalid_input"
	KindNoBackends    ErrorKind = "no_backends_available"
	KindCircuitOpen   ErrorKind = "circuit_open"
	KindRateLimit     ErrorKind = "rate_limit"
	KindTimeout       ErrorKind = "timeout"
	KindTransient     ErrorKind = "transient"
	KindAuth          ErrorKind = "auth"
	KindContextLength ErrorKind = "context_length"
	KindFatal         ErrorKind = "fatal"
	KindAllFailed     ErrorKind = "all_backends_failed"
)

// BackendError is a typed failure from a single backend attempt.
type BackendError struct {
	Backend    string
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration // optional, from RateLimit responses
	Err        error
}

// Error implements error.
func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %s: %s", e.Backend, e.Kind, e.Message)
}

// Unwrap maps the kind to its sentinel so errors.Is works on taxonomy.
func (e *BackendError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return sentinelFor(e.Kind)
}

// Retryable reports whether the router may fall back to another backend.
func (e *BackendError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindTimeout, KindTransient, KindCircuitOpen:
		return true
	}
	return false
}

func sentinelFor(k ErrorKind) error {
	switch k {
	case KindInvalidInput:
		return ErrInvalidInput
	case KindNoBackends:
		return ErrNoBackendsAvailable
	case KindCircuitOpen:
		return ErrCircuitOpen
	case KindRateLimit:
		return ErrRateLimit
	case KindTimeout:
		return ErrTimeout
	case KindTransient:
		return ErrTransient
	case KindAuth:
		return ErrAuth
	case KindContextLength:
		return ErrContextLength
	case KindFatal:
		return ErrFatal
	}
	return ErrFatal
}

// NewBackendError builds a BackendError with the sentinel pre-wired.
func NewBackendError(backend string, kind ErrorKind, msg string) *BackendError {
	return &BackendError{Backend: backend, Kind: kind, Message: msg, Err: sentinelFor(kind)}
}

// AllFailedError aggregates per-attempt causes after routing exhausts its
// candidates. Retryable reflects whether at least one cause was retryable.
type AllFailedError struct {
	Causes []*BackendError
}

// Error implements error.
func (e *AllFailedError) Error() string {
	parts := make([]string, 0, len(e.Causes))
	for _, c := range e.Causes {
		parts = append(parts, fmt.Sprintf("%s=%s", c.Backend, c.Kind))
	}
	return "all backends failed: " + strings.Join(parts, ", ")
}

// Retryable reports whether any cause was retryable.
func (e *AllFailedError) Retryable() bool {
	for _, c := range e.Causes {
		if c.Retryable() {
			return true
		}
	}
	return false
}

// Has reports whether any cause carries the given kind.
func (e *AllFailedError) Has(kind ErrorKind) bool {
	for _, c := range e.Causes {
		if c.Kind == kind {
			return true
		}
	}
	return false
}

// Retryable classifies an arbitrary error per the taxonomy.
func Retryable(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Retryable()
	}
	var af *AllFailedError
	if errors.As(err, &af) {
		return af.Retryable()
	}
	switch {
	case errors.Is(err, ErrRateLimit), errors.Is(err, ErrTimeout),
		errors.Is(err, ErrTransient), errors.Is(err, ErrCircuitOpen):
		return true
	}
	return false
}

// KindOf extracts the stable code for CLI/HTTP error mapping.
func KindOf(err error) ErrorKind {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	var af *AllFailedError
	if errors.As(err, &af) {
		return KindAllFailed
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrNoBackendsAvailable):
		return KindNoBackends
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrRateLimit):
		return KindRateLimit
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrContextLength):
		return KindContextLength
	}
	return KindFatal
}
