// Package antiabuse implements the envelope pipeline's post-signature
// guard: sliding-window rate limiting, replay protection, content dedupe,
// greylisting, and postage — each independently toggleable and each
// falling back to a degraded in-process mode when its backing store is
// unavailable, mirroring the teacher's fail-open discipline in
// auth.RateLimitMiddleware.
package antiabuse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitPolicy is a sliding window of MaxRequests per Window, keyed by
// sender DID (spec §4.2.6).
type RateLimitPolicy struct {
	Window      time.Duration
	MaxRequests int
}

// RateLimiter checks and records one request against the sliding window.
// Degraded reports whether the check ran against a degraded (non-authoritative)
// backend, in which case the request proceeds but the caller should surface
// a `degraded` signal in the response.
type RateLimiter interface {
	Allow(ctx context.Context, actorDID string, policy RateLimitPolicy) (allowed bool, retryAfter time.Duration, degraded bool, err error)
}

// slidingWindowScript implements a sliding-window-log limiter with a Redis
// sorted set: each request is scored by its timestamp; entries older than
// the window are trimmed before counting. This differs from the teacher's
// token-bucket script in kernel/limiter_redis.go (approximate, smoothed
// admission) because spec §4.2.6 asks for an exact count of requests within
// a literal time window.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local max_requests = tonumber(ARGV[3])
local member = ARGV[4]

local window_start = now_ms - window_ms
redis.call("ZREMRANGEBYSCORE", key, "-inf", window_start)

local count = redis.call("ZCARD", key)
if count >= max_requests then
    local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
    local retry_after_ms = window_ms
    if oldest[2] ~= nil then
        retry_after_ms = (tonumber(oldest[2]) + window_ms) - now_ms
    end
    return {0, retry_after_ms}
end

redis.call("ZADD", key, now_ms, member)
redis.call("PEXPIRE", key, window_ms)
return {1, 0}
`)

// RedisRateLimiter is the production RateLimiter, backed by Redis.
type RedisRateLimiter struct {
	client *redis.Client
}

func NewRedisRateLimiter(addr, password string, db int) *RedisRateLimiter {
	return &RedisRateLimiter{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, actorDID string, policy RateLimitPolicy) (bool, time.Duration, bool, error) {
	key := fmt.Sprintf("ratelimit:%s", actorDID)
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, actorDID)

	res, err := slidingWindowScript.Run(ctx, r.client, []string{key}, now, policy.Window.Milliseconds(), policy.MaxRequests, member).Result()
	if err != nil {
		// Fail open, degraded: the caller proceeds but flags the response.
		return true, 0, true, nil
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return true, 0, true, fmt.Errorf("antiabuse: unexpected rate limiter script response")
	}
	allowed, _ := results[0].(int64)
	retryAfterMs, _ := results[1].(int64)
	return allowed == 1, time.Duration(retryAfterMs) * time.Millisecond, false, nil
}

// InMemoryRateLimiter is the Lite Mode / test fallback: a per-actor sorted
// slice of request timestamps pruned on each check. Not suitable for a
// multi-process deployment, matching the teacher's InMemoryLimiterStore
// scope (single-instance only).
type InMemoryRateLimiter struct {
	mu      sync.Mutex
	history map[string][]time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{history: make(map[string][]time.Time)}
}

func (r *InMemoryRateLimiter) Allow(_ context.Context, actorDID string, policy RateLimitPolicy) (bool, time.Duration, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-policy.Window)
	reqs := r.history[actorDID]
	kept := reqs[:0]
	for _, t := range reqs {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= policy.MaxRequests {
		retryAfter := kept[0].Add(policy.Window).Sub(now)
		r.history[actorDID] = kept
		return false, retryAfter, false, nil
	}

	kept = append(kept, now)
	r.history[actorDID] = kept
	return true, 0, false, nil
}
