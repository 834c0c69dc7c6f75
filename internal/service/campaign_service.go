package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/ledger"
	"github.com/alanyoungcy/groupbuy/internal/notify"
)

// CampaignService is the write side of the API. It runs ledger operations and
// performs their best-effort side effects: cache invalidation, event
// publication, audit logging and operator alerts. None of those side effects
// can fail a committed ledger operation.
type CampaignService struct {
	ledger   *ledger.Ledger
	cache    domain.CampaignCache
	bus      domain.EventBus
	audit    domain.AuditStore
	notifier *notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewCampaignService creates a CampaignService and subscribes it to the
// ledger's compensation hook.
func NewCampaignService(
	l *ledger.Ledger,
	cache domain.CampaignCache,
	bus domain.EventBus,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *CampaignService {
	s := &CampaignService{
		ledger:   l,
		cache:    cache,
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "campaign_service")),
		now:      func() time.Time { return time.Now().UTC() },
	}
	l.OnCompensate(s.compensated)
	return s
}

// Create starts a new campaign.
func (s *CampaignService) Create(ctx context.Context, in ledger.CreateInput) (domain.Campaign, error) {
	c, err := s.ledger.CreateCampaign(ctx, in)
	if err != nil {
		return domain.Campaign{}, fmt.Errorf("campaign_service: create: %w", err)
	}

	s.invalidate(ctx, c.ID)
	s.publish(ctx, domain.LedgerEvent{
		Type:            domain.EventCampaignCreated,
		CampaignID:      c.ID,
		UserID:          c.CreatorID,
		CurrentQuantity: c.CurrentQuantity,
		TargetQuantity:  c.TargetQuantity,
	})
	s.auditLog(ctx, string(domain.EventCampaignCreated), map[string]any{
		"campaign_id":     c.ID,
		"product_id":      c.ProductID,
		"creator_id":      c.CreatorID,
		"target_quantity": c.TargetQuantity,
		"ends_at":         c.EndsAt.Format(time.RFC3339),
	})
	return c, nil
}

// Join commits quantity for a user. Replays of an idempotency key return the
// stored participation without side effects.
func (s *CampaignService) Join(ctx context.Context, in ledger.JoinInput) (ledger.JoinResult, error) {
	res, err := s.ledger.JoinCampaign(ctx, in)
	if err != nil {
		var pf *ledger.PartialFailureError
		if errors.As(err, &pf) {
			s.partialFailure(ctx, pf)
		}
		return ledger.JoinResult{}, fmt.Errorf("campaign_service: join: %w", err)
	}
	if res.Replayed {
		return res, nil
	}

	c := res.Campaign
	s.invalidate(ctx, in.CampaignID)
	s.publish(ctx, domain.LedgerEvent{
		Type:            domain.EventCampaignJoined,
		CampaignID:      in.CampaignID,
		UserID:          in.UserID,
		Quantity:        in.Quantity,
		CurrentQuantity: c.CurrentQuantity,
		TargetQuantity:  c.TargetQuantity,
	})
	s.auditLog(ctx, string(domain.EventCampaignJoined), map[string]any{
		"campaign_id":     in.CampaignID,
		"participation":   res.Participation.ID,
		"user_id":         in.UserID,
		"quantity":        in.Quantity,
		"idempotency_key": res.Participation.IdempotencyKey,
		"version":         c.Version,
	})

	// Exactly one join can move a campaign to its target, so this fires once.
	if c.TargetQuantity > 0 && c.CurrentQuantity == c.TargetQuantity {
		s.publish(ctx, domain.LedgerEvent{
			Type:            domain.EventCampaignFull,
			CampaignID:      in.CampaignID,
			CurrentQuantity: c.CurrentQuantity,
			TargetQuantity:  c.TargetQuantity,
		})
		s.alert(ctx, notify.EventCampaignFull, "Campaign reached target",
			fmt.Sprintf("campaign %s reached %d units", in.CampaignID, c.TargetQuantity))
	}
	return res, nil
}

func (s *CampaignService) compensated(ctx context.Context, in ledger.JoinInput) {
	s.invalidate(ctx, in.CampaignID)
	s.publish(ctx, domain.LedgerEvent{
		Type:       domain.EventCampaignCompensated,
		CampaignID: in.CampaignID,
		UserID:     in.UserID,
		Quantity:   in.Quantity,
	})
	s.auditLog(ctx, string(domain.EventCampaignCompensated), map[string]any{
		"campaign_id":     in.CampaignID,
		"user_id":         in.UserID,
		"quantity":        in.Quantity,
		"idempotency_key": in.IdempotencyKey,
	})
}

func (s *CampaignService) partialFailure(ctx context.Context, pf *ledger.PartialFailureError) {
	s.invalidate(ctx, pf.CampaignID)
	s.auditLog(ctx, "join.partial_failure", map[string]any{
		"campaign_id":     pf.CampaignID,
		"user_id":         pf.UserID,
		"quantity":        pf.Quantity,
		"idempotency_key": pf.IdempotencyKey,
		"insert_error":    errString(pf.Cause),
		"rollback_error":  errString(pf.RollbackErr),
	})
	s.alert(ctx, notify.EventPartialFailure, "Join left orphaned quantity",
		fmt.Sprintf("campaign %s: %d units for user %s (key %s) need reconciliation",
			pf.CampaignID, pf.Quantity, pf.UserID, pf.IdempotencyKey))
}

// sideEffectCtx detaches side effects from request cancellation so a client
// disconnect after commit does not skip them.
func sideEffectCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
}

func (s *CampaignService) invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	ctx, cancel := sideEffectCtx(ctx)
	defer cancel()
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "cache invalidate failed",
			slog.String("campaign_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (s *CampaignService) publish(ctx context.Context, ev domain.LedgerEvent) {
	if s.bus == nil {
		return
	}
	ev.OccurredAt = s.now()
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal event failed", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := sideEffectCtx(ctx)
	defer cancel()
	if err := s.bus.Publish(ctx, domain.EventChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("type", string(ev.Type)),
			slog.String("campaign_id", ev.CampaignID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, domain.EventStream, payload); err != nil {
		s.logger.WarnContext(ctx, "stream append failed",
			slog.String("type", string(ev.Type)),
			slog.String("campaign_id", ev.CampaignID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *CampaignService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	ctx, cancel := sideEffectCtx(ctx)
	defer cancel()
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *CampaignService) alert(ctx context.Context, event, title, message string) {
	ctx, cancel := sideEffectCtx(ctx)
	defer cancel()
	if err := s.notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "alert failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
