package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures for retry and propagation decisions.
type ErrorKind string

const (
	// ErrTransient covers rate limits, timeouts, and transient 5xx from
	// external dependencies. Retried with backoff.
	ErrTransient ErrorKind = "transient"
	// ErrValidation covers malformed input. Rejected immediately, never retried.
	ErrValidation ErrorKind = "validation"
	// ErrQualityGate covers gate failures (insufficient sources, low trust,
	// high contradiction rate). Recorded as a decision, not a crash.
	ErrQualityGate ErrorKind = "quality_gate"
	// ErrDomain covers business errors such as entity-not-found.
	ErrDomain ErrorKind = "domain"
	// ErrInternal covers unclassified, unexpected failures.
	ErrInternal ErrorKind = "internal"
)

// Error is the structured error carried across component boundaries.
type Error struct {
	Kind          ErrorKind `json:"kind"`
	Code          string    `json:"code"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Err           error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to an HTTP-equivalent status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrDomain:
		if e.Code == CodeNotFound {
			return http.StatusNotFound
		}
		return http.StatusUnprocessableEntity
	case ErrTransient:
		return http.StatusServiceUnavailable
	case ErrQualityGate:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Stable error codes surfaced to callers.
const (
	CodeNotFound            = "not_found"
	CodeEmptyQuestion       = "empty_question"
	CodeInvalidMode         = "invalid_mode"
	CodeInvalidPayload      = "invalid_payload"
	CodeProvidersExhausted  = "providers_exhausted"
	CodeInsufficientSources = "insufficient_sources"
	CodeLowTrust            = "low_trust"
	CodeStoreUnavailable    = "store_unavailable"
	CodeFetchFailed         = "fetch_failed"
	CodeDuplicateKey        = "duplicate_key"
)

// NewError builds a structured error wrapping cause (cause may be nil).
func NewError(kind ErrorKind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

// KindOf extracts the ErrorKind from err, defaulting to ErrInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

// IsRetryable reports whether err should be retried by the queue.
// Only transient external failures are retried; everything else either
// rejects immediately or marks the run failed.
func IsRetryable(err error) bool {
	return KindOf(err) == ErrTransient
}
