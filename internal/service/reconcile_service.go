package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/notify"
)

const reconcileLockKey = "reconcile:sweep"

// SweepResult summarises one reconciliation sweep.
type SweepResult struct {
	Skipped bool                   `json:"skipped"`
	Drifts  []domain.QuantityDrift `json:"drifts"`
	// Pending counts campaigns that looked drifted on the first read but
	// changed before the confirming read, usually a join still in flight.
	Pending int `json:"pending"`
}

// ReconcileService detects campaigns whose committed quantity no longer
// matches their participations. It reports drift and never repairs it;
// repair needs a human decision about which side is right.
//
// A join between its CAS and its participation insert looks exactly like
// drift, so a campaign is only reported when a second read after
// confirmDelay shows the same version and the same totals.
type ReconcileService struct {
	store        domain.ReconcileStore
	locks        domain.LockManager
	audit        domain.AuditStore
	notifier     *notify.Notifier
	lockTTL      time.Duration
	confirmDelay time.Duration
	logger       *slog.Logger
}

// NewReconcileService creates a ReconcileService. locks and audit may be nil.
func NewReconcileService(
	store domain.ReconcileStore,
	locks domain.LockManager,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	lockTTL time.Duration,
	confirmDelay time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	if confirmDelay < 0 {
		confirmDelay = 0
	}
	return &ReconcileService{
		store:        store,
		locks:        locks,
		audit:        audit,
		notifier:     notifier,
		lockTTL:      lockTTL,
		confirmDelay: confirmDelay,
		logger:       logger.With(slog.String("component", "reconcile_service")),
	}
}

// Sweep runs one reconciliation pass. When another instance holds the sweep
// lock it returns a skipped result and no error.
func (s *ReconcileService) Sweep(ctx context.Context) (SweepResult, error) {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, reconcileLockKey, s.lockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				s.logger.DebugContext(ctx, "sweep skipped, lock held elsewhere")
				return SweepResult{Skipped: true}, nil
			}
			return SweepResult{}, fmt.Errorf("reconcile_service: acquire lock: %w", err)
		}
		defer unlock()
	}

	drifts, err := s.store.QuantityDrift(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("reconcile_service: quantity drift: %w", err)
	}
	if len(drifts) == 0 {
		s.logger.InfoContext(ctx, "sweep clean")
		return SweepResult{}, nil
	}

	suspects := len(drifts)
	drifts, err = s.confirm(ctx, drifts)
	if err != nil {
		return SweepResult{}, fmt.Errorf("reconcile_service: confirm drift: %w", err)
	}
	pending := suspects - len(drifts)
	if pending > 0 {
		s.logger.InfoContext(ctx, "drift not confirmed, joins likely in flight", slog.Int("campaigns", pending))
	}
	if len(drifts) == 0 {
		return SweepResult{Pending: pending}, nil
	}

	lines := make([]string, 0, len(drifts))
	for _, d := range drifts {
		s.logger.WarnContext(ctx, "quantity drift",
			slog.String("campaign_id", d.CampaignID),
			slog.Int("current_quantity", d.CurrentQuantity),
			slog.Int("participated", d.Participated),
			slog.Int("delta", d.Delta()),
			slog.Int64("version", d.Version),
		)
		if s.audit != nil {
			if err := s.audit.Log(ctx, notify.EventDrift, map[string]any{
				"campaign_id":      d.CampaignID,
				"current_quantity": d.CurrentQuantity,
				"participated":     d.Participated,
				"delta":            d.Delta(),
				"version":          d.Version,
			}); err != nil {
				s.logger.WarnContext(ctx, "audit drift failed", slog.String("error", err.Error()))
			}
		}
		lines = append(lines, fmt.Sprintf("%s: current %d, participated %d (delta %+d)",
			d.CampaignID, d.CurrentQuantity, d.Participated, d.Delta()))
	}

	if err := s.notifier.Notify(ctx, notify.EventDrift,
		fmt.Sprintf("%d campaign(s) need reconciliation", len(drifts)),
		strings.Join(lines, "\n"),
	); err != nil {
		s.logger.WarnContext(ctx, "drift alert failed", slog.String("error", err.Error()))
	}
	return SweepResult{Drifts: drifts, Pending: pending}, nil
}

// confirm re-reads drift after confirmDelay and keeps only the campaigns
// whose drift is unchanged, version included.
func (s *ReconcileService) confirm(ctx context.Context, suspects []domain.QuantityDrift) ([]domain.QuantityDrift, error) {
	if s.confirmDelay > 0 {
		timer := time.NewTimer(s.confirmDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	again, err := s.store.QuantityDrift(ctx)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]domain.QuantityDrift, len(again))
	for _, d := range again {
		latest[d.CampaignID] = d
	}

	confirmed := make([]domain.QuantityDrift, 0, len(suspects))
	for _, d := range suspects {
		if l, ok := latest[d.CampaignID]; ok && l == d {
			confirmed = append(confirmed, d)
		}
	}
	return confirmed, nil
}
