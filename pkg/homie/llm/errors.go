// errors.go classifies backend errors for retry and recovery decisions.
// Granular classification enables smarter behavior: transient errors retry
// with backoff, context overflow triggers one forced compaction, parse
// failures fall back to the default decision.
package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies backend errors.
type ErrorKind int

const (
	// ErrorUnknown is an unclassified failure; treated as non-retryable.
	ErrorUnknown ErrorKind = iota

	// ErrorTransient covers 5xx, network failures and timeouts.
	ErrorTransient

	// ErrorRateLimit is HTTP 429; retryable, should respect Retry-After.
	ErrorRateLimit

	// ErrorContextOverflow is a model-reported context-length overflow.
	ErrorContextOverflow

	// ErrorAuth is an invalid or missing API key; never retryable.
	ErrorAuth

	// ErrorParse is malformed structured output from a fast-model decision.
	ErrorParse
)

// String returns the kind's log label.
func (k ErrorKind) String() string {
	switch k {
	case ErrorTransient:
		return "transient"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorContextOverflow:
		return "context_overflow"
	case ErrorAuth:
		return "auth"
	case ErrorParse:
		return "parse"
	default:
		return "unknown"
	}
}

// Retryable reports whether the kind warrants retrying the same request.
func (k ErrorKind) Retryable() bool {
	return k == ErrorTransient || k == ErrorRateLimit
}

// BackendError carries a classification alongside the underlying error.
type BackendError struct {
	Kind ErrorKind

	// StatusCode is the HTTP status if the failure came from an API, 0 otherwise.
	StatusCode int

	// RetryAfterSec is the server-provided backoff hint for 429, 0 if unset.
	RetryAfterSec int

	Err error
}

// Error implements error.
func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying error to errors.Is/As.
func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendError wraps err with a classification.
func NewBackendError(kind ErrorKind, statusCode int, err error) *BackendError {
	return &BackendError{Kind: kind, StatusCode: statusCode, Err: err}
}

// contextOverflowMarkers are substrings models and gateways use to report a
// context-length overflow. Matched case-insensitively.
var contextOverflowMarkers = []string{
	"context_length_exceeded",
	"context length exceeded",
	"maximum context length",
	"prompt is too long",
	"input is too long",
}

// Classify determines the error kind from an arbitrary backend error. A
// *BackendError keeps its explicit kind; anything else is classified by
// status code and message text.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorUnknown
	}

	var be *BackendError
	if errors.As(err, &be) && be.Kind != ErrorUnknown {
		return be.Kind
	}

	msg := strings.ToLower(err.Error())

	// Context overflow — highest priority check, since some gateways report
	// it under a 400 or even a 500.
	for _, marker := range contextOverflowMarkers {
		if strings.Contains(msg, marker) {
			return ErrorContextOverflow
		}
	}

	if errors.As(err, &be) {
		switch {
		case be.StatusCode == 429:
			return ErrorRateLimit
		case be.StatusCode == 401 || be.StatusCode == 403:
			return ErrorAuth
		case be.StatusCode >= 500:
			return ErrorTransient
		}
	}

	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return ErrorRateLimit
	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "temporarily unavailable") ||
		strings.Contains(msg, "overloaded"):
		return ErrorTransient
	case strings.Contains(msg, "invalid api key") || strings.Contains(msg, "unauthorized"):
		return ErrorAuth
	}

	return ErrorUnknown
}

// IsContextOverflow reports whether err is a context-length overflow.
func IsContextOverflow(err error) bool {
	return Classify(err) == ErrorContextOverflow
}
