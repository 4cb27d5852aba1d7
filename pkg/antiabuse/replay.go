package antiabuse

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayCache rejects an envelope id it has already seen within the TTL
// window (spec §4.2.1). SetIfAbsent reports false when the key already
// existed — the caller maps that to 409 DUPLICATE.
type ReplayCache interface {
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (stored bool, err error)
}

// RedisReplayCache uses SET NX with the same TTL discipline the teacher's
// limiter applies to its bucket keys.
type RedisReplayCache struct {
	client *redis.Client
	prefix string
}

func NewRedisReplayCache(client *redis.Client, prefix string) *RedisReplayCache {
	return &RedisReplayCache{client: client, prefix: prefix}
}

func (c *RedisReplayCache) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+key, "1", ttl).Result()
	if err != nil {
		return true, nil // fail open: a store outage should not block live traffic
	}
	return ok, nil
}

// InMemoryReplayCache is the Lite Mode / test fallback.
type InMemoryReplayCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func NewInMemoryReplayCache() *InMemoryReplayCache {
	return &InMemoryReplayCache{entries: make(map[string]time.Time)}
}

func (c *InMemoryReplayCache) SetIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if expiry, seen := c.entries[key]; seen && expiry.After(now) {
		return false, nil
	}
	c.entries[key] = now.Add(ttl)
	return true, nil
}
