// Package memory provides a process-local implementation of the campaign
// gateway and read-side stores. It backs the memory run mode and tests.
//
// The mutex here stands in for the remote store's own atomicity; the ledger
// never relies on it.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// Store is an in-memory CampaignGateway, CatalogStore, ReconcileStore,
// ParticipationArchiveStore and AuditStore.
type Store struct {
	mu             sync.RWMutex
	products       map[string]domain.Product
	campaigns      map[string]domain.Campaign
	participations map[string][]domain.Participation // by campaign id
	audit          []domain.AuditEntry
	nextAuditID    int64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		products:       make(map[string]domain.Product),
		campaigns:      make(map[string]domain.Campaign),
		participations: make(map[string][]domain.Participation),
	}
}

// PutProduct inserts or replaces a product.
func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.products[p.ID] = p
}

// ---- CampaignGateway ----

func (s *Store) FetchCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	if err := ctx.Err(); err != nil {
		return domain.Campaign{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.Campaign{}, fmt.Errorf("memory: fetch campaign %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

func (s *Store) InsertCampaign(ctx context.Context, c domain.Campaign) (domain.Campaign, error) {
	if err := ctx.Err(); err != nil {
		return domain.Campaign{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.campaigns[c.ID]; exists {
		return domain.Campaign{}, fmt.Errorf("memory: insert campaign %s: duplicate id", c.ID)
	}
	s.campaigns[c.ID] = c
	return c, nil
}

func (s *Store) CompareAndSwapQuantity(ctx context.Context, id string, expectedVersion int64, newQuantity int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return false, fmt.Errorf("memory: cas campaign %s: %w", id, domain.ErrNotFound)
	}
	if c.Version != expectedVersion {
		return false, nil
	}
	c.CurrentQuantity = newQuantity
	c.Version++
	s.campaigns[id] = c
	return true, nil
}

func (s *Store) InsertParticipation(ctx context.Context, p domain.Participation) (domain.Participation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Participation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[p.CampaignID]; !ok {
		return domain.Participation{}, fmt.Errorf("memory: insert participation: campaign %s: %w", p.CampaignID, domain.ErrNotFound)
	}
	for _, existing := range s.participations[p.CampaignID] {
		if existing.IdempotencyKey == p.IdempotencyKey {
			return domain.Participation{}, fmt.Errorf("memory: insert participation key %q: %w", p.IdempotencyKey, domain.ErrIdempotencyConflict)
		}
	}
	s.participations[p.CampaignID] = append(s.participations[p.CampaignID], p)
	return p, nil
}

func (s *Store) FindParticipationByKey(ctx context.Context, campaignID, key string) (*domain.Participation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participations[campaignID] {
		if p.IdempotencyKey == key {
			found := p
			return &found, nil
		}
	}
	return nil, nil
}

// ---- CatalogStore ----

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return domain.Product{}, fmt.Errorf("memory: product %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (s *Store) ListCampaignsByStatus(_ context.Context, status domain.CampaignStatus, opts domain.ListOpts) ([]domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Campaign
	for _, c := range s.campaigns {
		if c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndsAt.Before(out[j].EndsAt) })
	return paginate(out, opts), nil
}

func (s *Store) ListParticipations(_ context.Context, campaignID string) ([]domain.Participation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.participations[campaignID]
	out := make([]domain.Participation, len(src))
	copy(out, src)
	return out, nil
}

// ---- ReconcileStore ----

func (s *Store) QuantityDrift(_ context.Context) ([]domain.QuantityDrift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.QuantityDrift
	for id, c := range s.campaigns {
		sum := 0
		for _, p := range s.participations[id] {
			sum += p.Quantity
		}
		if sum != c.CurrentQuantity {
			out = append(out, domain.QuantityDrift{
				CampaignID:      id,
				CurrentQuantity: c.CurrentQuantity,
				Participated:    sum,
				Version:         c.Version,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	return out, nil
}

// ---- ParticipationArchiveStore ----

func (s *Store) ListEndedBefore(_ context.Context, before time.Time) ([]domain.Participation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Participation
	for id, c := range s.campaigns {
		if c.EndsAt.Before(before) {
			out = append(out, s.participations[id]...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

// ---- AuditStore ----

func (s *Store) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAuditID++
	s.audit = append(s.audit, domain.AuditEntry{
		ID:        s.nextAuditID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *Store) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditEntry, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		out = append(out, s.audit[i])
	}
	return paginate(out, opts), nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

var (
	_ domain.CampaignGateway           = (*Store)(nil)
	_ domain.CatalogStore              = (*Store)(nil)
	_ domain.ReconcileStore            = (*Store)(nil)
	_ domain.ParticipationArchiveStore = (*Store)(nil)
	_ domain.AuditStore                = (*Store)(nil)
)
