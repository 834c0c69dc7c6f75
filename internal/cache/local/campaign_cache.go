package local

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// CampaignCache implements domain.CampaignCache with a TTL map.
type CampaignCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	views    map[string]cachedView
	active   []domain.CampaignView
	activeAt time.Time
	now      func() time.Time
}

type cachedView struct {
	view     domain.CampaignView
	storedAt time.Time
}

// NewCampaignCache creates a cache whose entries expire after ttl.
func NewCampaignCache(ttl time.Duration) *CampaignCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CampaignCache{ttl: ttl, views: make(map[string]cachedView), now: time.Now}
}

func (c *CampaignCache) Set(_ context.Context, view domain.CampaignView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[view.Campaign.ID] = cachedView{view: view, storedAt: c.now()}
	return nil
}

func (c *CampaignCache) Get(_ context.Context, id string) (domain.CampaignView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.views[id]
	if !ok || c.now().Sub(e.storedAt) > c.ttl {
		delete(c.views, id)
		return domain.CampaignView{}, domain.ErrNotFound
	}
	return e.view, nil
}

func (c *CampaignCache) SetActive(_ context.Context, views []domain.CampaignView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = append([]domain.CampaignView(nil), views...)
	c.activeAt = c.now()
	return nil
}

func (c *CampaignCache) GetActive(_ context.Context) ([]domain.CampaignView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.now().Sub(c.activeAt) > c.ttl {
		c.active = nil
		return nil, domain.ErrNotFound
	}
	return append([]domain.CampaignView(nil), c.active...), nil
}

func (c *CampaignCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.views, id)
	c.active = nil
	return nil
}

var _ domain.CampaignCache = (*CampaignCache)(nil)
