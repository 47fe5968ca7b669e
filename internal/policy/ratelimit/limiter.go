// Package ratelimit implements per-source fixed-window admission control.
// Limiters never wait; an exhausted window fails with crawler.ErrRateLimitExceeded.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

const (
	// DefaultLimit is the per-source budget per window.
	DefaultLimit = 60
	// Window is the fixed window length.
	Window = 60 * time.Second

	keyPrefix = "rate:"
)

// incrScript increments the counter and starts the window TTL on the first hit.
var incrScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// Key returns the counter key for sourceID.
func Key(sourceID string) string {
	return keyPrefix + sourceID
}

func exceeded(sourceID string, count int64, limit int) error {
	return fmt.Errorf("%w: source %s used %d of %d requests in window", crawler.ErrRateLimitExceeded, sourceID, count, limit)
}

// Redis is a fixed-window limiter shared across instances through Redis.
type Redis struct {
	client goredis.UniversalClient
	limit  int
}

// NewRedis builds a Redis limiter; limit <= 0 uses DefaultLimit.
func NewRedis(client goredis.UniversalClient, limit int) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Redis{client: client, limit: limit}, nil
}

// CheckAndConsume increments rate:<id> and fails once the count passes the limit.
func (r *Redis) CheckAndConsume(ctx context.Context, sourceID string) error {
	count, err := incrScript.Run(ctx, r.client, []string{Key(sourceID)}, int(Window.Seconds())).Int64()
	if err != nil {
		return fmt.Errorf("redis rate check %s: %w", sourceID, err)
	}
	if count > int64(r.limit) {
		return exceeded(sourceID, count, r.limit)
	}
	return nil
}

type window struct {
	count   int64
	expires time.Time
}

// Memory is an in-process fixed-window limiter.
type Memory struct {
	mu      sync.Mutex
	limit   int
	clock   crawler.Clock
	windows map[string]*window
}

// NewMemory builds a Memory limiter. A nil clock uses wall time.
func NewMemory(limit int, clock crawler.Clock) *Memory {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Memory{limit: limit, clock: clock, windows: make(map[string]*window)}
}

// CheckAndConsume increments the current window's counter.
func (m *Memory) CheckAndConsume(_ context.Context, sourceID string) error {
	now := time.Now()
	if m.clock != nil {
		now = m.clock.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, expired := range m.windows {
		if !now.Before(expired.expires) {
			delete(m.windows, id)
		}
	}
	w, ok := m.windows[sourceID]
	if !ok {
		w = &window{expires: now.Add(Window)}
		m.windows[sourceID] = w
	}
	w.count++
	if w.count > int64(m.limit) {
		return exceeded(sourceID, w.count, m.limit)
	}
	return nil
}

// Noop admits every request.
type Noop struct{}

// NewNoop returns a limiter that always admits.
func NewNoop() Noop { return Noop{} }

// CheckAndConsume always succeeds.
func (Noop) CheckAndConsume(context.Context, string) error { return nil }
