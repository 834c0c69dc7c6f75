package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

const campaignColumns = `id, product_id, target_quantity, current_quantity, creator_id, status, ends_at, version, created_at`

const participationColumns = `id, group_buy_id, user_id, quantity_joined, idempotency_key, joined_at`

// CampaignGateway implements domain.CampaignGateway on the group_buys and
// participants tables. Every method is a single statement; nothing here opens
// a transaction spanning calls.
type CampaignGateway struct {
	pool *pgxpool.Pool
}

// NewCampaignGateway creates a new CampaignGateway backed by the given pool.
func NewCampaignGateway(pool *pgxpool.Pool) *CampaignGateway {
	return &CampaignGateway{pool: pool}
}

// FetchCampaign returns the campaign row including its version.
func (g *CampaignGateway) FetchCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM group_buys WHERE id = $1`
	c, err := scanCampaign(g.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return domain.Campaign{}, fmt.Errorf("postgres: fetch campaign %s: %w", id, domain.ErrNotFound)
		}
		return domain.Campaign{}, fmt.Errorf("postgres: fetch campaign %s: %w", id, err)
	}
	return c, nil
}

// InsertCampaign stores a new campaign.
func (g *CampaignGateway) InsertCampaign(ctx context.Context, c domain.Campaign) (domain.Campaign, error) {
	query := `
		INSERT INTO group_buys (
			id, product_id, target_quantity, current_quantity,
			creator_id, status, ends_at, version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + campaignColumns

	stored, err := scanCampaign(g.pool.QueryRow(ctx, query,
		c.ID, c.ProductID, c.TargetQuantity, c.CurrentQuantity,
		c.CreatorID, string(c.Status), c.EndsAt, c.Version, c.CreatedAt,
	))
	if err != nil {
		switch {
		case isForeignKeyViolation(err):
			return domain.Campaign{}, fmt.Errorf("postgres: insert campaign: product %s: %w", c.ProductID, domain.ErrNotFound)
		case isInvalidUUID(err):
			return domain.Campaign{}, fmt.Errorf("postgres: insert campaign: %w", domain.ErrInvalidArgument)
		}
		return domain.Campaign{}, fmt.Errorf("postgres: insert campaign %s: %w", c.ID, err)
	}
	return stored, nil
}

// CompareAndSwapQuantity updates current_quantity and bumps the version only
// if the row still carries expectedVersion. Zero affected rows means another
// writer got there first.
func (g *CampaignGateway) CompareAndSwapQuantity(ctx context.Context, id string, expectedVersion int64, newQuantity int) (bool, error) {
	const query = `
		UPDATE group_buys
		SET current_quantity = $3, version = version + 1
		WHERE id = $1 AND version = $2`

	tag, err := g.pool.Exec(ctx, query, id, expectedVersion, newQuantity)
	if err != nil {
		if isInvalidUUID(err) {
			return false, fmt.Errorf("postgres: cas campaign %s: %w", id, domain.ErrNotFound)
		}
		return false, fmt.Errorf("postgres: cas campaign %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertParticipation stores p, relying on UNIQUE (group_buy_id,
// idempotency_key) to reject duplicates.
func (g *CampaignGateway) InsertParticipation(ctx context.Context, p domain.Participation) (domain.Participation, error) {
	query := `
		INSERT INTO participants (id, group_buy_id, user_id, quantity_joined, idempotency_key, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + participationColumns

	stored, err := scanParticipation(g.pool.QueryRow(ctx, query,
		p.ID, p.CampaignID, p.UserID, p.Quantity, p.IdempotencyKey, p.JoinedAt,
	))
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return domain.Participation{}, fmt.Errorf("postgres: insert participation key %q: %w", p.IdempotencyKey, domain.ErrIdempotencyConflict)
		case isForeignKeyViolation(err), isInvalidUUID(err):
			return domain.Participation{}, fmt.Errorf("postgres: insert participation: campaign %s: %w", p.CampaignID, domain.ErrNotFound)
		}
		return domain.Participation{}, fmt.Errorf("postgres: insert participation: %w", err)
	}
	return stored, nil
}

// FindParticipationByKey returns nil, nil when the key is unused.
func (g *CampaignGateway) FindParticipationByKey(ctx context.Context, campaignID, key string) (*domain.Participation, error) {
	query := `SELECT ` + participationColumns + ` FROM participants WHERE group_buy_id = $1 AND idempotency_key = $2`

	p, err := scanParticipation(g.pool.QueryRow(ctx, query, campaignID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: find participation %s/%q: %w", campaignID, key, err)
	}
	return &p, nil
}

func scanCampaign(row pgx.Row) (domain.Campaign, error) {
	var c domain.Campaign
	var status string
	err := row.Scan(
		&c.ID, &c.ProductID, &c.TargetQuantity, &c.CurrentQuantity,
		&c.CreatorID, &status, &c.EndsAt, &c.Version, &c.CreatedAt,
	)
	if err != nil {
		return domain.Campaign{}, err
	}
	c.Status = domain.CampaignStatus(status)
	c.EndsAt = c.EndsAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func scanParticipation(row pgx.Row) (domain.Participation, error) {
	var p domain.Participation
	err := row.Scan(&p.ID, &p.CampaignID, &p.UserID, &p.Quantity, &p.IdempotencyKey, &p.JoinedAt)
	if err != nil {
		return domain.Participation{}, err
	}
	p.JoinedAt = p.JoinedAt.UTC()
	return p, nil
}

var _ domain.CampaignGateway = (*CampaignGateway)(nil)
