package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// CampaignGateway is the persistence primitive set the ledger depends on. It
// is assumed non-transactional and remote: every call may fail or time out.
type CampaignGateway interface {
	// FetchCampaign returns the campaign including its version token, or
	// ErrNotFound.
	FetchCampaign(ctx context.Context, id string) (Campaign, error)
	// InsertCampaign stores a new campaign and returns the stored record.
	InsertCampaign(ctx context.Context, c Campaign) (Campaign, error)
	// CompareAndSwapQuantity sets current_quantity to newQuantity and bumps
	// the version, but only if the stored version still equals
	// expectedVersion. It reports false (and no error) on a version mismatch.
	CompareAndSwapQuantity(ctx context.Context, id string, expectedVersion int64, newQuantity int) (bool, error)
	// InsertParticipation stores p. It returns ErrIdempotencyConflict when a
	// participation with the same (campaign, idempotency key) already exists.
	InsertParticipation(ctx context.Context, p Participation) (Participation, error)
	// FindParticipationByKey returns nil, nil when no participation carries
	// the key.
	FindParticipationByKey(ctx context.Context, campaignID, key string) (*Participation, error)
}

// CatalogStore serves the read side: products, campaign listings and
// participations.
type CatalogStore interface {
	ListProducts(ctx context.Context) ([]Product, error)
	GetProduct(ctx context.Context, id string) (Product, error)
	ListCampaignsByStatus(ctx context.Context, status CampaignStatus, opts ListOpts) ([]Campaign, error)
	ListParticipations(ctx context.Context, campaignID string) ([]Participation, error)
}

// QuantityDrift describes a campaign whose current_quantity disagrees with the
// sum of its participations.
type QuantityDrift struct {
	CampaignID      string `json:"campaign_id"`
	CurrentQuantity int    `json:"current_quantity"`
	Participated    int    `json:"participated"`
	Version         int64  `json:"version"`
}

// Delta is current_quantity minus the participated sum. Positive values mean
// orphaned quantity, negative values orphaned participations.
func (d QuantityDrift) Delta() int {
	return d.CurrentQuantity - d.Participated
}

// ReconcileStore finds campaigns violating the one-unit-one-participation
// invariant.
type ReconcileStore interface {
	QuantityDrift(ctx context.Context) ([]QuantityDrift, error)
}

// ParticipationArchiveStore provides read access to participations for
// archival purposes.
type ParticipationArchiveStore interface {
	// ListEndedBefore returns participations of campaigns whose ends_at is
	// strictly before the cutoff.
	ListEndedBefore(ctx context.Context, before time.Time) ([]Participation, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
