package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// PartialFailureError reports a join whose quantity advance could not be
// rolled back after the participation insert failed. The campaign needs
// reconciliation; the fields identify what to look for.
type PartialFailureError struct {
	CampaignID     string
	UserID         string
	Quantity       int
	IdempotencyKey string
	Cause          error
	RollbackErr    error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("ledger: join %s: %v: insert: %v; rollback: %v",
		e.CampaignID, domain.ErrPartialFailure, e.Cause, e.RollbackErr)
}

func (e *PartialFailureError) Unwrap() []error {
	return []error{domain.ErrPartialFailure, e.Cause, e.RollbackErr}
}

// withDeadline runs fn under a per-call timeout and tags deadline failures
// with domain.ErrTimeout.
func withDeadline[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	v, err := fn(cctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimeout) {
		return v, fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	return v, err
}

// classify prefixes err with the failing operation. Errors the gateway did
// not tag with a domain sentinel are treated as persistence errors.
func classify(op string, err error) error {
	switch {
	case isDomainError(err):
		return fmt.Errorf("ledger: %s: %w", op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("ledger: %s: %w: %w", op, domain.ErrTimeout, err)
	default:
		return fmt.Errorf("ledger: %s: %w: %w", op, domain.ErrPersistence, err)
	}
}

func isDomainError(err error) bool {
	for _, sentinel := range []error{
		domain.ErrPartialFailure,
		domain.ErrInvalidArgument,
		domain.ErrNotFound,
		domain.ErrCampaignClosed,
		domain.ErrCapacityExceeded,
		domain.ErrIdempotencyConflict,
		domain.ErrContention,
		domain.ErrTimeout,
		domain.ErrRateLimited,
		domain.ErrPersistence,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
