package domain

import (
	"context"
	"errors"
)

var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrCampaignClosed      = errors.New("campaign closed")
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrContention          = errors.New("contention: retries exhausted")
	ErrTimeout             = errors.New("timeout")
	ErrPersistence         = errors.New("persistence error")
	ErrPartialFailure      = errors.New("partial failure: reconciliation required")
	ErrIdempotencyConflict = errors.New("idempotency conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrLockHeld            = errors.New("lock already held")
)

// ErrorKind is the stable, localizable classification of a ledger failure.
// The rendering layer maps kinds to user-facing text.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindInvalidArgument     ErrorKind = "invalid_argument"
	KindNotFound            ErrorKind = "not_found"
	KindCampaignClosed      ErrorKind = "campaign_closed"
	KindCapacityExceeded    ErrorKind = "capacity_exceeded"
	KindContention          ErrorKind = "contention"
	KindTimeout             ErrorKind = "timeout"
	KindPersistence         ErrorKind = "persistence_error"
	KindPartialFailure      ErrorKind = "partial_failure"
	KindIdempotencyConflict ErrorKind = "idempotency_conflict"
	KindRateLimited         ErrorKind = "rate_limited"
)

// kindOrder is checked first to last. PartialFailure comes first because a
// partial failure usually wraps the error that triggered it.
var kindOrder = []struct {
	err  error
	kind ErrorKind
}{
	{ErrPartialFailure, KindPartialFailure},
	{ErrInvalidArgument, KindInvalidArgument},
	{ErrNotFound, KindNotFound},
	{ErrCampaignClosed, KindCampaignClosed},
	{ErrCapacityExceeded, KindCapacityExceeded},
	{ErrIdempotencyConflict, KindIdempotencyConflict},
	{ErrContention, KindContention},
	{ErrTimeout, KindTimeout},
	{ErrRateLimited, KindRateLimited},
	{ErrPersistence, KindPersistence},
}

// KindOf classifies err. Unrecognised non-nil errors, including bare driver
// errors, are reported as persistence errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, k := range kindOrder {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindPersistence
}

// IsRetryable reports whether a caller may retry an operation that failed
// with kind. Timeouts are only safe to retry with the same idempotency key.
func IsRetryable(kind ErrorKind) bool {
	switch kind {
	case KindContention, KindTimeout, KindRateLimited:
		return true
	default:
		return false
	}
}
