// Package errors implements the runtime's error taxonomy with classification
// support so callers can pick retry policy from the error kind alone.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure into one of the runtime's error categories.
type Kind int

const (
	// KindValidation indicates a caller-input problem. Returned before any
	// state mutation or I/O, never left partially applied.
	KindValidation Kind = iota

	// KindNotFound indicates a lookup miss (capability, server, tool,
	// handoff, plan).
	KindNotFound

	// KindStateConflict indicates an invalid state transition or a
	// duplicate registration.
	KindStateConflict

	// KindExhausted indicates an explicit resource rejection: rate limited
	// or too many concurrent in-flight requests.
	KindExhausted

	// KindTransport indicates an HTTP non-2xx, a request failure, or an
	// exception during dispatch converted to a structured error.
	KindTransport

	// KindTimeout is surfaced distinctly from KindTransport so callers can
	// retry timeouts with backoff without retrying 4xx responses.
	KindTimeout
)

var kindNames = map[Kind]string{
	KindValidation:    "validation",
	KindNotFound:      "not_found",
	KindStateConflict: "state_conflict",
	KindExhausted:     "exhausted",
	KindTransport:     "transport",
	KindTimeout:       "timeout",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Retryable reports whether errors of this kind are worth retrying.
// Validation, lookup, and state-conflict failures never resolve on retry.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindExhausted, KindTransport:
		return true
	default:
		return false
	}
}

// Error wraps a failure with its kind and optional transport detail.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error

	// StatusCode carries the HTTP status for transport errors.
	StatusCode int

	// Body carries the response body for transport errors.
	Body string

	// RetryAfter is a hint for exhaustion errors.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is matches another *Error by kind, so sentinel comparisons work across
// wrapping.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind && (te.Message == "" || te.Message == e.Message)
	}
	return false
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error. Returns nil when
// err is nil.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Underlying: err}
}

// WithStatus attaches an HTTP status code and body to the error.
func (e *Error) WithStatus(code int, body string) *Error {
	e.StatusCode = code
	e.Body = body
	return e
}

// WithRetryAfter attaches a retry-after hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf extracts the Kind from an error, defaulting to KindTransport for
// unclassified failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransport
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinel errors shared across components.
var (
	ErrMissingField     = New(KindValidation, "missing required field")
	ErrInvalidName      = New(KindValidation, "invalid name")
	ErrInvalidURL       = New(KindValidation, "invalid url")
	ErrTooLarge         = New(KindValidation, "payload too large")
	ErrInvalidTools     = New(KindValidation, "invalid tool list")
	ErrInvalidProvider  = New(KindValidation, "invalid provider reference")
	ErrInvalidSystem    = New(KindValidation, "unknown vsm system")
	ErrNotFound         = New(KindNotFound, "not found")
	ErrToolNotFound     = New(KindNotFound, "tool not found")
	ErrServerNotFound   = New(KindNotFound, "server not found")
	ErrNameConflict     = New(KindStateConflict, "name already registered")
	ErrInvalidState     = New(KindStateConflict, "invalid state transition")
	ErrMaxContributions = New(KindStateConflict, "max contributions reached")
	ErrNoContributions  = New(KindStateConflict, "plan has no contributions")
	ErrRateLimited      = New(KindExhausted, "rate limited")
	ErrTooManyRequests  = New(KindExhausted, "too many concurrent requests")
	ErrTimeout          = New(KindTimeout, "operation timed out")
)
