// Package local provides process-local stand-ins for the Redis-backed cache,
// rate limiter, lock manager and event bus. The memory run mode uses them so
// the API works without any external service.
package local

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// RateLimiter implements domain.RateLimiter with a token bucket per key.
// limit requests per window translates to a refill of one token every
// window/limit with a burst of limit.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limiters: make(map[string]*clientLimiter)}
}

// Allow reports whether a request for key is within limit per window.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	bucket := key + "|" + strconv.Itoa(limit) + "|" + window.String()
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.limiters[bucket]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)}
		rl.limiters[bucket] = cl
	}
	cl.lastSeen = now
	rl.evictLocked(now, 10*window)
	return cl.limiter.AllowN(now, 1), nil
}

// evictLocked drops buckets idle for longer than idle. Called with mu held.
func (rl *RateLimiter) evictLocked(now time.Time, idle time.Duration) {
	if len(rl.limiters) < 1024 {
		return
	}
	for k, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) > idle {
			delete(rl.limiters, k)
		}
	}
}

// LockManager implements domain.LockManager within one process.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]time.Time // key -> expiry
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]time.Time)}
}

// Acquire takes key for ttl or returns domain.ErrLockHeld.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := time.Now()
	if exp, held := lm.locks[key]; held && now.Before(exp) {
		return nil, fmt.Errorf("local: acquire lock %s: %w", key, domain.ErrLockHeld)
	}
	expiry := now.Add(ttl)
	lm.locks[key] = expiry

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if lm.locks[key].Equal(expiry) {
				delete(lm.locks, key)
			}
		})
	}, nil
}

var (
	_ domain.RateLimiter = (*RateLimiter)(nil)
	_ domain.LockManager = (*LockManager)(nil)
)
