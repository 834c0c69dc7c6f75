package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// CampaignFetcher reads a single campaign row.
type CampaignFetcher interface {
	FetchCampaign(ctx context.Context, id string) (domain.Campaign, error)
}

// CatalogService serves products and campaign views, reading through the
// campaign cache. Derived state is recomputed on every read so a cached view
// never reports a stale open/expired state.
type CatalogService struct {
	catalog   domain.CatalogStore
	campaigns CampaignFetcher
	cache     domain.CampaignCache
	logger    *slog.Logger
	now       func() time.Time
}

// NewCatalogService creates a CatalogService. cache may be nil.
func NewCatalogService(
	catalog domain.CatalogStore,
	campaigns CampaignFetcher,
	cache domain.CampaignCache,
	logger *slog.Logger,
) *CatalogService {
	return &CatalogService{
		catalog:   catalog,
		campaigns: campaigns,
		cache:     cache,
		logger:    logger.With(slog.String("component", "catalog_service")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ListProducts returns the product catalog.
func (s *CatalogService) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products, err := s.catalog.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog_service: list products: %w", err)
	}
	return products, nil
}

// ListActiveCampaigns returns active campaigns joined with their product.
// Campaigns whose product no longer exists are left out.
func (s *CatalogService) ListActiveCampaigns(ctx context.Context) ([]domain.CampaignView, error) {
	now := s.now()
	if s.cache != nil {
		if views, err := s.cache.GetActive(ctx); err == nil {
			return refreshAll(views, now), nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "active cache read failed", slog.String("error", err.Error()))
		}
	}

	campaigns, err := s.catalog.ListCampaignsByStatus(ctx, domain.CampaignStatusActive, domain.ListOpts{})
	if err != nil {
		return nil, fmt.Errorf("catalog_service: list active campaigns: %w", err)
	}
	products, err := s.catalog.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog_service: list products: %w", err)
	}
	byID := make(map[string]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	views := make([]domain.CampaignView, 0, len(campaigns))
	for _, c := range campaigns {
		p, ok := byID[c.ProductID]
		if !ok {
			s.logger.DebugContext(ctx, "campaign without product dropped",
				slog.String("campaign_id", c.ID),
				slog.String("product_id", c.ProductID),
			)
			continue
		}
		views = append(views, newView(c, p, now))
	}

	if s.cache != nil {
		if err := s.cache.SetActive(ctx, views); err != nil {
			s.logger.WarnContext(ctx, "active cache write failed", slog.String("error", err.Error()))
		}
	}
	return views, nil
}

// GetCampaign returns one campaign with its product and participations.
func (s *CatalogService) GetCampaign(ctx context.Context, id string) (domain.CampaignView, error) {
	now := s.now()
	if s.cache != nil {
		if view, err := s.cache.Get(ctx, id); err == nil {
			return refresh(view, now), nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "campaign cache read failed",
				slog.String("campaign_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	c, err := s.campaigns.FetchCampaign(ctx, id)
	if err != nil {
		return domain.CampaignView{}, fmt.Errorf("catalog_service: get campaign %s: %w", id, err)
	}
	p, err := s.catalog.GetProduct(ctx, c.ProductID)
	if err != nil {
		return domain.CampaignView{}, fmt.Errorf("catalog_service: product of campaign %s: %w", id, err)
	}
	parts, err := s.catalog.ListParticipations(ctx, id)
	if err != nil {
		return domain.CampaignView{}, fmt.Errorf("catalog_service: participations of campaign %s: %w", id, err)
	}

	view := newView(c, p, now)
	view.Participations = parts

	if s.cache != nil {
		if err := s.cache.Set(ctx, view); err != nil {
			s.logger.WarnContext(ctx, "campaign cache write failed",
				slog.String("campaign_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return view, nil
}

func newView(c domain.Campaign, p domain.Product, now time.Time) domain.CampaignView {
	return refresh(domain.CampaignView{Campaign: c, Product: p}, now)
}

func refresh(v domain.CampaignView, now time.Time) domain.CampaignView {
	v.State = v.Campaign.StateAt(now)
	v.Remaining = v.Campaign.Remaining()
	return v
}

func refreshAll(views []domain.CampaignView, now time.Time) []domain.CampaignView {
	for i := range views {
		views[i] = refresh(views[i], now)
	}
	return views
}
