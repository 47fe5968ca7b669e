// Package redis implements the distributed lock on Redis SET NX EX.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultLease is the lock TTL used when none is configured.
const DefaultLease = 60 * time.Second

const keyPrefix = "lock:"

// releaseScript deletes the key only when it still holds our owner id.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Manager implements crawler.LockManager. The key self-expires, so no reap
// step is needed.
type Manager struct {
	client  goredis.UniversalClient
	ownerID string
	lease   time.Duration
}

// New builds a Manager.
func New(client goredis.UniversalClient, ownerID string, lease time.Duration) (*Manager, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Manager{client: client, ownerID: ownerID, lease: lease}, nil
}

// Key returns the Redis key used for sourceID.
func Key(sourceID string) string {
	return keyPrefix + sourceID
}

// TryLock sets lock:<id> to the owner id if absent.
func (m *Manager) TryLock(ctx context.Context, sourceID string) (bool, error) {
	ok, err := m.client.SetNX(ctx, Key(sourceID), m.ownerID, m.lease).Result()
	if err != nil {
		return false, fmt.Errorf("redis set lock %s: %w", sourceID, err)
	}
	return ok, nil
}

// Release deletes the key if this instance still owns it.
func (m *Manager) Release(ctx context.Context, sourceID string) error {
	if err := releaseScript.Run(ctx, m.client, []string{Key(sourceID)}, m.ownerID).Err(); err != nil {
		return fmt.Errorf("redis release lock %s: %w", sourceID, err)
	}
	return nil
}
