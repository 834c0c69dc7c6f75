package domain

import (
	"context"
	"time"
)

// CampaignCache holds rendered campaign views for the read side. The join
// path never consults it.
type CampaignCache interface {
	Set(ctx context.Context, view CampaignView) error
	Get(ctx context.Context, id string) (CampaignView, error)
	SetActive(ctx context.Context, views []CampaignView) error
	GetActive(ctx context.Context) ([]CampaignView, error)
	Invalidate(ctx context.Context, id string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking for background jobs.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

// EventBus provides pub/sub and durable streams.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
	// StreamRecent returns up to count of the newest messages, oldest first.
	StreamRecent(ctx context.Context, stream string, count int) ([]StreamMessage, error)
}
