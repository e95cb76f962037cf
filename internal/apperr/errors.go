// Copyright 2025 James Ross
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error categories the HTTP layer maps to status codes.
type Kind string

const (
	KindUnauthenticated   Kind = "UNAUTHENTICATED"
	KindForbidden         Kind = "FORBIDDEN"
	KindNotFound          Kind = "NOT_FOUND"
	KindConflict          Kind = "CONFLICT"
	KindValidation        Kind = "VALIDATION"
	KindQuota             Kind = "QUOTA"
	KindBackpressure      Kind = "BACKPRESSURE"
	KindIllegalTransition Kind = "ILLEGAL_TRANSITION"
	KindPersistFailed     Kind = "PERSIST_FAILED"
	KindToolchainFailed   Kind = "TOOLCHAIN_FAILED"
	KindCanceled          Kind = "CANCELED"
	KindInternal          Kind = "INTERNAL"
)

// Error is the single error type every component returns. Detail is always
// safe to show to a caller; Reason is the machine-readable sub-code (§4.8,
// §7); RetryAfter is set only for BACKPRESSURE/QUOTA deferrals.
type Error struct {
	Kind       Kind
	Detail     string
	Reason     string
	Mode       string
	RetryAfter float64
	cause      error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Detail, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no underlying cause.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap attaches kind/detail to an underlying cause, preserving it for Unwrap
// while keeping the cause out of Detail (which may be surfaced to clients).
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// WithReason sets the machine-readable reason code (e.g. "storage_quota").
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// WithRetryAfter sets the retry-after hint in seconds for BACKPRESSURE/QUOTA.
func (e *Error) WithRetryAfter(s float64) *Error {
	e.RetryAfter = s
	return e
}

// WithMode records the (possibly rewritten) effective mode for policy responses.
func (e *Error) WithMode(mode string) *Error {
	e.Mode = mode
	return e
}

// Is lets errors.Is match on Kind regardless of detail/cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to KindInternal for unknown errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return KindInternal
}

func Unauthenticated(detail string) *Error { return New(KindUnauthenticated, detail) }
func Forbidden(detail string) *Error       { return New(KindForbidden, detail) }
func NotFound(detail string) *Error        { return New(KindNotFound, detail) }
func Conflict(detail string) *Error        { return New(KindConflict, detail) }
func Validation(detail string) *Error      { return New(KindValidation, detail) }
func Internal(detail string, cause error) *Error {
	return Wrap(KindInternal, detail, cause)
}
func PersistFailed(detail string, cause error) *Error {
	return Wrap(KindPersistFailed, detail, cause)
}

// Quota builds a QUOTA error with its closed-set reason (§4.8).
func Quota(reason, detail string) *Error {
	return New(KindQuota, detail).WithReason(reason)
}

// Backpressure builds a BACKPRESSURE error carrying a retry-after hint (§4.3).
func Backpressure(detail string, retryAfterS float64) *Error {
	return New(KindBackpressure, detail).WithRetryAfter(retryAfterS)
}

// IllegalTransition builds a CONFLICT-mapped state machine violation (§3.1, §4.1).
func IllegalTransition(from, to string) *Error {
	return New(KindIllegalTransition, fmt.Sprintf("illegal transition %s -> %s", from, to)).
		WithReason("illegal_transition")
}

// HTTPStatus maps a Kind to its HTTP status code (spec §7 closed taxonomy).
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthenticated:
		return 401
	case KindForbidden:
		return 403
	case KindNotFound:
		return 404
	case KindConflict, KindIllegalTransition:
		return 409
	case KindValidation:
		return 400
	case KindQuota, KindBackpressure:
		return 429
	case KindCanceled:
		return 499
	case KindPersistFailed, KindToolchainFailed, KindInternal:
		return 500
	default:
		return 500
	}
}
