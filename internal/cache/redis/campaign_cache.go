package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// CampaignCache implements domain.CampaignCache with JSON-serialized views.
//
// Key schema:
//
//	{prefix}campaign:{id}     - hash with field "data" containing the view JSON
//	{prefix}campaigns:active  - string holding the active listing JSON
//
// Entries carry a TTL as a backstop; writers invalidate explicitly after
// every committed change.
type CampaignCache struct {
	c   *Client
	rdb *redis.Client
	ttl time.Duration
}

// NewCampaignCache creates a CampaignCache backed by the given Client. A
// non-positive ttl defaults to 30 seconds.
func NewCampaignCache(c *Client, ttl time.Duration) *CampaignCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CampaignCache{c: c, rdb: c.Underlying(), ttl: ttl}
}

func (cc *CampaignCache) campaignKey(id string) string { return cc.c.Key("campaign", id) }

func (cc *CampaignCache) activeKey() string { return cc.c.Key("campaigns", "active") }

// Set stores a single campaign view.
func (cc *CampaignCache) Set(ctx context.Context, view domain.CampaignView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("redis: marshal campaign %s: %w", view.Campaign.ID, err)
	}

	key := cc.campaignKey(view.Campaign.ID)
	pipe := cc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, cc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set campaign %s: %w", view.Campaign.ID, err)
	}
	return nil
}

// Get returns a cached view or domain.ErrNotFound on a miss.
func (cc *CampaignCache) Get(ctx context.Context, id string) (domain.CampaignView, error) {
	data, err := cc.rdb.HGet(ctx, cc.campaignKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.CampaignView{}, domain.ErrNotFound
		}
		return domain.CampaignView{}, fmt.Errorf("redis: get campaign %s: %w", id, err)
	}

	var view domain.CampaignView
	if err := json.Unmarshal(data, &view); err != nil {
		return domain.CampaignView{}, fmt.Errorf("redis: unmarshal campaign %s: %w", id, err)
	}
	return view, nil
}

// SetActive stores the active campaign listing.
func (cc *CampaignCache) SetActive(ctx context.Context, views []domain.CampaignView) error {
	data, err := json.Marshal(views)
	if err != nil {
		return fmt.Errorf("redis: marshal active campaigns: %w", err)
	}
	if err := cc.rdb.Set(ctx, cc.activeKey(), data, cc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set active campaigns: %w", err)
	}
	return nil
}

// GetActive returns the cached listing or domain.ErrNotFound on a miss.
func (cc *CampaignCache) GetActive(ctx context.Context) ([]domain.CampaignView, error) {
	data, err := cc.rdb.Get(ctx, cc.activeKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get active campaigns: %w", err)
	}

	var views []domain.CampaignView
	if err := json.Unmarshal(data, &views); err != nil {
		return nil, fmt.Errorf("redis: unmarshal active campaigns: %w", err)
	}
	return views, nil
}

// Invalidate drops the campaign's view and the active listing, which embeds
// it. The keys hash to different cluster slots, so each gets its own DEL.
func (cc *CampaignCache) Invalidate(ctx context.Context, id string) error {
	pipe := cc.rdb.Pipeline()
	pipe.Del(ctx, cc.campaignKey(id))
	pipe.Del(ctx, cc.activeKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: invalidate campaign %s: %w", id, err)
	}
	return nil
}

var _ domain.CampaignCache = (*CampaignCache)(nil)
