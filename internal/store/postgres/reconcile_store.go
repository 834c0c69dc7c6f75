package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// ReconcileStore implements domain.ReconcileStore and
// domain.ParticipationArchiveStore.
type ReconcileStore struct {
	pool *pgxpool.Pool
}

// NewReconcileStore creates a new ReconcileStore backed by the given pool.
func NewReconcileStore(pool *pgxpool.Pool) *ReconcileStore {
	return &ReconcileStore{pool: pool}
}

// QuantityDrift returns campaigns whose current_quantity differs from the sum
// of their participations.
func (s *ReconcileStore) QuantityDrift(ctx context.Context) ([]domain.QuantityDrift, error) {
	const query = `
		SELECT g.id, g.current_quantity, COALESCE(SUM(p.quantity_joined), 0) AS participated, g.version
		FROM group_buys g
		LEFT JOIN participants p ON p.group_buy_id = g.id
		GROUP BY g.id, g.current_quantity, g.version
		HAVING g.current_quantity <> COALESCE(SUM(p.quantity_joined), 0)
		ORDER BY g.id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: quantity drift: %w", err)
	}
	defer rows.Close()

	var out []domain.QuantityDrift
	for rows.Next() {
		var d domain.QuantityDrift
		if err := rows.Scan(&d.CampaignID, &d.CurrentQuantity, &d.Participated, &d.Version); err != nil {
			return nil, fmt.Errorf("postgres: scan quantity drift: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: quantity drift rows: %w", err)
	}
	return out, nil
}

// ListEndedBefore returns participations of campaigns that ended before the
// cutoff, oldest first.
func (s *ReconcileStore) ListEndedBefore(ctx context.Context, before time.Time) ([]domain.Participation, error) {
	const query = `
		SELECT p.id, p.group_buy_id, p.user_id, p.quantity_joined, p.idempotency_key, p.joined_at
		FROM participants p
		JOIN group_buys g ON g.id = p.group_buy_id
		WHERE g.ends_at < $1
		ORDER BY p.joined_at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list participations ended before %s: %w", before.Format(time.RFC3339), err)
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
		return nil, fmt.Errorf("postgres: list ended participations rows: %w", err)
	}
	return out, nil
}

var (
	_ domain.ReconcileStore            = (*ReconcileStore)(nil)
	_ domain.ParticipationArchiveStore = (*ReconcileStore)(nil)
)
