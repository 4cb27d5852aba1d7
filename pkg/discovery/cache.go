package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// resultCache is the 5-minute TTL cache keyed by (description hash, tags,
// thresholds) from spec §4.3 "Short-term cache".
type resultCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]cacheEntry
}

type cacheEntry struct {
	matches   []Match
	expiresAt time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{ttl: ttl, m: make(map[string]cacheEntry)}
}

func cacheKey(q SearchQuery) string {
	h := sha256.Sum256([]byte(q.Description))
	tags := append([]string(nil), q.Tags...)
	sort.Strings(tags)
	return fmt.Sprintf("%s|%s|%.4f|%d|%d", hex.EncodeToString(h[:]), strings.Join(tags, ","), q.MinTrust, q.MaxLatencyMs, q.MaxCost)
}

func (c *resultCache) get(q SearchQuery) ([]Match, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[cacheKey(q)]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.matches, true
}

func (c *resultCache) put(q SearchQuery, matches []Match) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[cacheKey(q)] = cacheEntry{matches: matches, expiresAt: time.Now().Add(c.ttl)}
}
