// Package apperr defines the error taxonomy shared by every layer of the
// service. Adapters classify raw failures into kinds; the retry fabric keys
// off TRANSIENT; HTTP handlers map kinds to status codes through this single
// package so no layer invents its own status mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind labels an error class. Kinds are wire-visible (they appear in the
// error envelope) and therefore stable strings, not iota ints.
type Kind string

const (
	KindValidation         Kind = "VALIDATION"
	KindAuth               Kind = "AUTH"
	KindQuota              Kind = "QUOTA"
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
	KindTransient          Kind = "TRANSIENT"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindDegradedOK         Kind = "DEGRADED_OK"
	KindInternal           Kind = "INTERNAL"
)

// HTTPStatus maps a kind to its response status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindAuth:
		return http.StatusUnauthorized
	case KindQuota:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransient, KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindDegradedOK:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Error is the taxonomy-carrying error. Message is safe to show to users;
// the wrapped cause is for logs only and never reaches a response body.
type Error struct {
	Kind       Kind
	Message    string
	Details    map[string]interface{}
	RetryAfter time.Duration // nonzero only for QUOTA / SERVICE_UNAVAILABLE
	err        error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

// New creates a bare taxonomy error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind and user-safe message to an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, err: err}
}

// Validation builds a VALIDATION error with per-field details.
func Validation(message string, details map[string]interface{}) *Error {
	return &Error{Kind: KindValidation, Message: message, Details: details}
}

// Auth builds an AUTH error.
func Auth(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

// Quota builds a QUOTA error with a Retry-After hint.
func Quota(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindQuota, Message: message, RetryAfter: retryAfter}
}

// NotFound builds a NOT_FOUND error for a named entity.
func NotFound(entity string) *Error {
	return &Error{Kind: KindNotFound, Message: entity + " not found"}
}

// Conflict builds a CONFLICT error.
func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

// Transient wraps a retryable failure (network, 5xx, pool exhaustion).
func Transient(message string, err error) *Error {
	return &Error{Kind: KindTransient, Message: message, err: err}
}

// Unavailable marks a dependency whose breaker is open and has no fallback.
func Unavailable(dependency string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindServiceUnavailable,
		Message:    dependency + " is temporarily unavailable",
		RetryAfter: retryAfter,
	}
}

// Internal wraps anything that escaped classification.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", err: err}
}

// KindOf extracts the kind from an error chain; unclassified errors are
// INTERNAL by definition.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// AsError returns the taxonomy error in the chain, or wraps err as INTERNAL.
func AsError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

// IsTransient reports whether the error should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsQuota reports whether the error is a quota/rate-limit rejection.
func IsQuota(err error) bool {
	return KindOf(err) == KindQuota
}

// IsNotFound reports whether the error is an absent-entity lookup.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsUnavailable reports whether a dependency short-circuited with no fallback.
func IsUnavailable(err error) bool {
	return KindOf(err) == KindServiceUnavailable
}

// IsConflict reports whether the error is a duplicate/concurrent-write clash.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// RetryAfterOf returns the Retry-After hint carried by the chain, if any.
func RetryAfterOf(err error) time.Duration {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}
