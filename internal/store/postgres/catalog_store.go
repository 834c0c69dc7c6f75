package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// CatalogStore implements domain.CatalogStore using PostgreSQL.
type CatalogStore struct {
	pool *pgxpool.Pool
}

// NewCatalogStore creates a new CatalogStore backed by the given pool.
func NewCatalogStore(pool *pgxpool.Pool) *CatalogStore {
	return &CatalogStore{pool: pool}
}

// ListProducts returns every product ordered by name.
func (s *CatalogStore) ListProducts(ctx context.Context) ([]domain.Product, error) {
	const query = `
		SELECT id, name, description, image_url, price_cents, created_at
		FROM products
		ORDER BY name`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list products rows: %w", err)
	}
	return products, nil
}

// GetProduct returns a single product or domain.ErrNotFound.
func (s *CatalogStore) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	const query = `
		SELECT id, name, description, image_url, price_cents, created_at
		FROM products
		WHERE id = $1`

	p, err := scanProduct(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return domain.Product{}, fmt.Errorf("postgres: get product %s: %w", id, domain.ErrNotFound)
		}
		return domain.Product{}, fmt.Errorf("postgres: get product %s: %w", id, err)
	}
	return p, nil
}

// ListCampaignsByStatus returns campaigns with the given status, soonest
// deadline first.
func (s *CatalogStore) ListCampaignsByStatus(ctx context.Context, status domain.CampaignStatus, opts domain.ListOpts) ([]domain.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM group_buys WHERE status = $1`
	args := []any{string(status)}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND ends_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND ends_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY ends_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list campaigns by status %s: %w", status, err)
	}
	defer rows.Close()

	var campaigns []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list campaigns rows: %w", err)
	}
	return campaigns, nil
}

// ListParticipations returns a campaign's participations in join order.
func (s *CatalogStore) ListParticipations(ctx context.Context, campaignID string) ([]domain.Participation, error) {
	query := `SELECT ` + participationColumns + ` FROM participants WHERE group_buy_id = $1 ORDER BY joined_at ASC`

	rows, err := s.pool.Query(ctx, query, campaignID)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: list participations %s: %w", campaignID, err)
	}
	defer rows.Close()

	var out []domain.Participation
	for rows.Next() {
		p, err := scanParticipation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan participation: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		if isInvalidUUID(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: list participations rows: %w", err)
	}
	return out, nil
}

func scanProduct(row pgx.Row) (domain.Product, error) {
	var p domain.Product
	var description, imageURL *string
	if err := row.Scan(&p.ID, &p.Name, &description, &imageURL, &p.PriceCents, &p.CreatedAt); err != nil {
		return domain.Product{}, err
	}
	if description != nil {
		p.Description = *description
	}
	if imageURL != nil {
		p.ImageURL = *imageURL
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

var _ domain.CatalogStore = (*CatalogStore)(nil)
