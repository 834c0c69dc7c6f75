// Package ledger implements the campaign capacity ledger: the protocol for
// creating group-buy campaigns and joining them against a remote,
// non-transactional store without ever committing more quantity than a
// campaign's target.
//
// The ledger holds no in-process state between calls and no lock across
// gateway calls. Safety under concurrent joins, including joins issued by
// other processes, comes entirely from the gateway's compare-and-swap on the
// campaign version.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// ProductLookup resolves the product a campaign is created for.
type ProductLookup interface {
	GetProduct(ctx context.Context, id string) (domain.Product, error)
}

// Config tunes retries and per-call deadlines.
type Config struct {
	// MaxAttempts bounds the read-validate-CAS loop of a join.
	MaxAttempts int
	// CompensationAttempts bounds the CAS loop that rolls back a join whose
	// participation could not be recorded.
	CompensationAttempts int
	// CallTimeout is applied to every individual gateway call.
	CallTimeout time.Duration
	// BaseBackoff and MaxBackoff shape the jittered exponential backoff
	// between CAS attempts.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:          5,
		CompensationAttempts: 8,
		CallTimeout:          3 * time.Second,
		BaseBackoff:          10 * time.Millisecond,
		MaxBackoff:           250 * time.Millisecond,
	}
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIDGenerator overrides how record ids and implicit idempotency keys are
// generated.
func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.newID = fn
		}
	}
}

// Ledger orchestrates campaign creation and joins against a CampaignGateway.
type Ledger struct {
	gateway  domain.CampaignGateway
	products ProductLookup
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	onCompensate func(ctx context.Context, in JoinInput)
}

// OnCompensate registers fn to run after a join's quantity advance has been
// rolled back. It must be called before the ledger serves requests.
func (l *Ledger) OnCompensate(fn func(ctx context.Context, in JoinInput)) {
	l.onCompensate = fn
}

// New creates a Ledger. Zero fields in cfg fall back to DefaultConfig.
func New(gateway domain.CampaignGateway, products ProductLookup, cfg Config, logger *slog.Logger, opts ...Option) *Ledger {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.CompensationAttempts <= 0 {
		cfg.CompensationAttempts = def.CompensationAttempts
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}

	l := &Ledger{
		gateway:  gateway,
		products: products,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "ledger")),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateInput carries the caller-validated parameters of a new campaign.
type CreateInput struct {
	ProductID      string
	TargetQuantity int
	EndsAt         time.Time
	CreatorID      string
}

// CreateCampaign validates in and inserts an active campaign with zero
// committed quantity.
func (l *Ledger) CreateCampaign(ctx context.Context, in CreateInput) (domain.Campaign, error) {
	now := l.now()
	switch {
	case in.ProductID == "":
		return domain.Campaign{}, fmt.Errorf("ledger: create campaign: product id required: %w", domain.ErrInvalidArgument)
	case in.CreatorID == "":
		return domain.Campaign{}, fmt.Errorf("ledger: create campaign: creator id required: %w", domain.ErrInvalidArgument)
	case in.TargetQuantity <= 0:
		return domain.Campaign{}, fmt.Errorf("ledger: create campaign: target quantity %d must be positive: %w", in.TargetQuantity, domain.ErrInvalidArgument)
	case !in.EndsAt.After(now):
		return domain.Campaign{}, fmt.Errorf("ledger: create campaign: ends_at must be in the future: %w", domain.ErrInvalidArgument)
	}

	if l.products != nil {
		_, err := withDeadline(ctx, l.cfg.CallTimeout, func(ctx context.Context) (domain.Product, error) {
			return l.products.GetProduct(ctx, in.ProductID)
		})
		if err != nil {
			return domain.Campaign{}, classify("get product "+in.ProductID, err)
		}
	}

	c := domain.Campaign{
		ID:              l.newID(),
		ProductID:       in.ProductID,
		TargetQuantity:  in.TargetQuantity,
		CurrentQuantity: 0,
		CreatorID:       in.CreatorID,
		Status:          domain.CampaignStatusActive,
		EndsAt:          in.EndsAt.UTC(),
		Version:         0,
		CreatedAt:       now,
	}

	stored, err := withDeadline(ctx, l.cfg.CallTimeout, func(ctx context.Context) (domain.Campaign, error) {
		return l.gateway.InsertCampaign(ctx, c)
	})
	if err != nil {
		return domain.Campaign{}, classify("insert campaign", err)
	}
	if stored.ID == "" {
		return domain.Campaign{}, fmt.Errorf("ledger: insert campaign returned no record: %w", domain.ErrPersistence)
	}

	l.logger.InfoContext(ctx, "campaign created",
		slog.String("campaign_id", stored.ID),
		slog.String("product_id", stored.ProductID),
		slog.Int("target_quantity", stored.TargetQuantity),
	)
	return stored, nil
}

// JoinInput identifies a join request. IdempotencyKey is optional; when empty
// the ledger generates one so its own insert is still deduplicated, but the
// caller cannot safely retry.
type JoinInput struct {
	CampaignID     string
	UserID         string
	Quantity       int
	IdempotencyKey string
}

// JoinResult is the outcome of a successful join.
type JoinResult struct {
	Participation domain.Participation
	// Campaign is the campaign snapshot right after this join's CAS. It is
	// the zero value for replays.
	Campaign domain.Campaign
	// Replayed is true when the participation already existed for the
	// idempotency key and nothing was mutated.
	Replayed bool
}

// errVersionConflict signals a lost CAS race; it never escapes the package.
var errVersionConflict = errors.New("version conflict")

// JoinCampaign commits quantity units of campaign capacity for a user.
//
// Quantity is advanced with a compare-and-swap on the campaign version before
// the participation is inserted. When the insert fails the advance is rolled
// back; if the rollback itself fails the join reports ErrPartialFailure.
func (l *Ledger) JoinCampaign(ctx context.Context, in JoinInput) (JoinResult, error) {
	if in.CampaignID == "" || in.UserID == "" {
		return JoinResult{}, fmt.Errorf("ledger: join: campaign id and user id required: %w", domain.ErrInvalidArgument)
	}
	if in.Quantity <= 0 {
		return JoinResult{}, fmt.Errorf("ledger: join %s: quantity %d must be positive: %w", in.CampaignID, in.Quantity, domain.ErrInvalidArgument)
	}

	if in.IdempotencyKey == "" {
		in.IdempotencyKey = l.newID()
	} else {
		existing, err := l.findByKey(ctx, in)
		if err != nil {
			return JoinResult{}, classify("find participation", err)
		}
		if existing != nil {
			return replay(*existing, in)
		}
	}

	advanced, err := l.advance(ctx, in)
	if err != nil {
		return JoinResult{}, err
	}

	p := domain.Participation{
		ID:             l.newID(),
		CampaignID:     in.CampaignID,
		UserID:         in.UserID,
		Quantity:       in.Quantity,
		IdempotencyKey: in.IdempotencyKey,
		JoinedAt:       l.now(),
	}
	stored, insertErr := withDeadline(ctx, l.cfg.CallTimeout, func(ctx context.Context) (domain.Participation, error) {
		return l.gateway.InsertParticipation(ctx, p)
	})
	if insertErr != nil {
		return l.recoverInsert(ctx, in, p, advanced, insertErr)
	}

	l.logger.InfoContext(ctx, "campaign joined",
		slog.String("campaign_id", in.CampaignID),
		slog.String("user_id", in.UserID),
		slog.Int("quantity", in.Quantity),
		slog.Int("current_quantity", advanced.CurrentQuantity),
		slog.Int64("version", advanced.Version),
	)
	return JoinResult{Participation: stored, Campaign: advanced}, nil
}

// advance runs the read-validate-CAS loop and returns the campaign as it
// stands after this join's successful swap.
func (l *Ledger) advance(ctx context.Context, in JoinInput) (domain.Campaign, error) {
	attempt := 0
	op := func() (domain.Campaign, error) {
		attempt++
		c, err := withDeadline(ctx, l.cfg.CallTimeout, func(ctx context.Context) (domain.Campaign, error) {
			return l.gateway.FetchCampaign(ctx, in.CampaignID)
		})
		if err != nil {
			return domain.Campaign{}, backoff.Permanent(classify("fetch campaign "+in.CampaignID, err))
		}

		now := l.now()
		if !c.AcceptsJoins(now) || c.StateAt(now) == domain.CampaignStateFull {
			return domain.Campaign{}, backoff.Permanent(fmt.Errorf("ledger: join %s: state %s, status %s: %w",
				c.ID, c.StateAt(now), c.Status, domain.ErrCampaignClosed))
		}
		// Compared against headroom so a huge quantity cannot overflow the sum.
		if in.Quantity > c.TargetQuantity-c.CurrentQuantity {
			return domain.Campaign{}, backoff.Permanent(fmt.Errorf("ledger: join %s: %d requested, %d remaining: %w",
				c.ID, in.Quantity, c.Remaining(), domain.ErrCapacityExceeded))
		}

		next := c.CurrentQuantity + in.Quantity
		swapped, err := withDeadline(ctx, l.cfg.CallTimeout, func(ctx context.Context) (bool, error) {
			return l.gateway.CompareAndSwapQuantity(ctx, c.ID, c.Version, next)
		})
		if err != nil {
			if errors.Is(err, domain.ErrTimeout) {
				// The swap may or may not have applied; the reconcile sweep
				// surfaces it if it did.
				l.logger.WarnContext(ctx, "cas timed out, outcome unknown",
					slog.String("campaign_id", c.ID),
					slog.Int64("expected_version", c.Version),
					slog.Int("new_quantity", next),
				)
			}
			return domain.Campaign{}, backoff.Permanent(classify("cas quantity "+c.ID, err))
		}
		if !swapped {
			l.logger.DebugContext(ctx, "cas conflict, retrying",
				slog.String("campaign_id", c.ID),
				slog.Int64("expected_version", c.Version),
				slog.Int("attempt", attempt),
			)
			return domain.Campaign{}, errVersionConflict
		}

		c.CurrentQuantity = next
		c.Version++
		return c, nil
	}

	c, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(l.newBackOff()),
		backoff.WithMaxTries(uint(l.cfg.MaxAttempts)),
	)
	if err != nil {
		if errors.Is(err, errVersionConflict) {
			return domain.Campaign{}, fmt.Errorf("ledger: join %s: %d attempts: %w", in.CampaignID, attempt, domain.ErrContention)
		}
		if ctxErr := ctx.Err(); ctxErr != nil && !isDomainError(err) {
			return domain.Campaign{}, classify("join "+in.CampaignID, ctxErr)
		}
		return domain.Campaign{}, err
	}
	return c, nil
}

// recoverInsert handles a participation insert that failed after the quantity
// was already advanced. p is the participation this call tried to insert.
//
// Only errors that prove the row was not written roll back directly. Any other
// failure may have committed server side, so the outcome is resolved through
// the idempotency key: the join stands only if the stored row is p itself.
func (l *Ledger) recoverInsert(ctx context.Context, in JoinInput, p domain.Participation, advanced domain.Campaign, insertErr error) (JoinResult, error) {
	// Recovery must finish even if the caller has gone away, otherwise the
	// advanced quantity would be orphaned.
	rctx := context.WithoutCancel(ctx)

	switch {
	case errors.Is(insertErr, domain.ErrIdempotencyConflict):
		// A concurrent request carrying the same key recorded its
		// participation first; this request's advance is surplus.
		if err := l.compensate(rctx, in); err != nil {
			return JoinResult{}, l.partialFailure(ctx, in, insertErr, err)
		}
		existing, err := l.findByKey(rctx, in)
		if err != nil {
			return JoinResult{}, classify("find participation", err)
		}
		if existing == nil {
			return JoinResult{}, fmt.Errorf("ledger: join %s: key %q conflicted but no participation found: %w",
				in.CampaignID, in.IdempotencyKey, domain.ErrPersistence)
		}
		return replay(*existing, in)

	case insertRejected(insertErr):
		if err := l.compensate(rctx, in); err != nil {
			return JoinResult{}, l.partialFailure(ctx, in, insertErr, err)
		}
		return JoinResult{}, classify("insert participation", insertErr)
	}

	existing, err := l.findByKey(rctx, in)
	if err != nil {
		return JoinResult{}, l.partialFailure(ctx, in, insertErr, err)
	}
	switch {
	case existing != nil && existing.ID == p.ID:
		l.logger.WarnContext(ctx, "participation insert reported failure but landed",
			slog.String("campaign_id", in.CampaignID),
			slog.String("participation_id", p.ID),
			slog.String("insert_error", insertErr.Error()),
		)
		return JoinResult{Participation: *existing, Campaign: advanced}, nil

	case existing != nil:
		// Another request with the same key landed instead of this one.
		if err := l.compensate(rctx, in); err != nil {
			return JoinResult{}, l.partialFailure(ctx, in, insertErr, err)
		}
		return replay(*existing, in)

	default:
		if err := l.compensate(rctx, in); err != nil {
			return JoinResult{}, l.partialFailure(ctx, in, insertErr, err)
		}
		return JoinResult{}, classify("insert participation", insertErr)
	}
}

func (l *Ledger) findByKey(ctx context.Context, in JoinInput) (*domain.Participation, error) {
	return withDeadline(ctx, l.cfg.CallTimeout, func(ctx context.Context) (*domain.Participation, error) {
		return l.gateway.FindParticipationByKey(ctx, in.CampaignID, in.IdempotencyKey)
	})
}

// insertRejected reports whether the store refused the row outright, so
// nothing was written.
func insertRejected(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidArgument)
}

// compensate gives back the quantity a join advanced. Other joins may have
// moved the campaign in the meantime, so this is its own CAS loop.
func (l *Ledger) compensate(ctx context.Context, in JoinInput) error {
	op := func() (struct{}, error) {
		c, err := withDeadline(ctx, l.cfg.CallTimeout, func(ctx context.Context) (domain.Campaign, error) {
			return l.gateway.FetchCampaign(ctx, in.CampaignID)
		})
		if err != nil {
			return struct{}{}, backoff.Permanent(classify("compensate fetch "+in.CampaignID, err))
		}
		if c.CurrentQuantity < in.Quantity {
			return struct{}{}, backoff.Permanent(fmt.Errorf("ledger: compensate %s: current %d below %d: %w",
				c.ID, c.CurrentQuantity, in.Quantity, domain.ErrPersistence))
		}
		swapped, err := withDeadline(ctx, l.cfg.CallTimeout, func(ctx context.Context) (bool, error) {
			return l.gateway.CompareAndSwapQuantity(ctx, c.ID, c.Version, c.CurrentQuantity-in.Quantity)
		})
		if err != nil {
			return struct{}{}, backoff.Permanent(classify("compensate cas "+c.ID, err))
		}
		if !swapped {
			return struct{}{}, errVersionConflict
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(l.newBackOff()),
		backoff.WithMaxTries(uint(l.cfg.CompensationAttempts)),
	)
	if err != nil {
		if errors.Is(err, errVersionConflict) {
			return fmt.Errorf("ledger: compensate %s: %w", in.CampaignID, domain.ErrContention)
		}
		return err
	}

	l.logger.WarnContext(ctx, "join compensated",
		slog.String("campaign_id", in.CampaignID),
		slog.String("user_id", in.UserID),
		slog.Int("quantity", in.Quantity),
	)
	if l.onCompensate != nil {
		l.onCompensate(ctx, in)
	}
	return nil
}

func (l *Ledger) partialFailure(ctx context.Context, in JoinInput, cause, rollbackErr error) error {
	l.logger.ErrorContext(ctx, "join left orphaned quantity",
		slog.String("campaign_id", in.CampaignID),
		slog.String("user_id", in.UserID),
		slog.Int("quantity", in.Quantity),
		slog.String("idempotency_key", in.IdempotencyKey),
		slog.String("insert_error", cause.Error()),
		slog.String("rollback_error", rollbackErr.Error()),
	)
	return &PartialFailureError{
		CampaignID:     in.CampaignID,
		UserID:         in.UserID,
		Quantity:       in.Quantity,
		IdempotencyKey: in.IdempotencyKey,
		Cause:          cause,
		RollbackErr:    rollbackErr,
	}
}

func (l *Ledger) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.BaseBackoff
	b.MaxInterval = l.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return b
}

func replay(existing domain.Participation, in JoinInput) (JoinResult, error) {
	if !existing.SameRequest(in.UserID, in.Quantity) {
		return JoinResult{}, fmt.Errorf("ledger: join %s: key %q reused with different request: %w",
			in.CampaignID, in.IdempotencyKey, domain.ErrIdempotencyConflict)
	}
	return JoinResult{Participation: existing, Replayed: true}, nil
}
