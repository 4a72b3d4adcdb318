package geocode

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
)

// Cache stores geocode results, matched or not, keyed by cacheKey.
type Cache interface {
	Get(ctx context.Context, key string) (*Result, bool, error)
	Set(ctx context.Context, key string, r *Result) error
}

// cacheKey returns SHA-256 hex of the case-folded one-line query.
func cacheKey(addr AddressInput) string {
	normalized := cases.Fold().String(formatOneLine(addr))
	h := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", h)
}

// MemoryCache is a concurrent-safe LRU cache with TTL expiration.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	order      []string // LRU order: front=oldest, back=newest
	maxEntries int
	ttl        time.Duration
	clock      clockwork.Clock
	hits       atomic.Int64
	misses     atomic.Int64
}

type memoryEntry struct {
	result    Result
	createdAt time.Time
}

// CacheStats contains cache performance statistics.
type CacheStats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
}

// NewMemoryCache creates a MemoryCache. A nil clock uses the real clock.
func NewMemoryCache(maxEntries int, ttl time.Duration, clock clockwork.Clock) *MemoryCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryCache{
		entries:    make(map[string]*memoryEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
		clock:      clock,
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) (*Result, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil, false, nil
	}

	if c.ttl > 0 && c.clock.Since(entry.createdAt) > c.ttl {
		delete(c.entries, key)
		c.removeFromOrder(key)
		c.misses.Add(1)
		return nil, false, nil
	}

	// Move to back (most recently used).
	c.removeFromOrder(key)
	c.order = append(c.order, key)
	c.hits.Add(1)
	r := entry.result
	return &r, true, nil
}

// Set implements Cache, evicting the least recently used entry at capacity.
func (c *MemoryCache) Set(_ context.Context, key string, r *Result) error {
	if r == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.entries[key] = &memoryEntry{result: *r, createdAt: c.clock.Now()}
		c.removeFromOrder(key)
		c.order = append(c.order, key)
		return nil
	}

	for len(c.entries) >= c.maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[key] = &memoryEntry{result: *r, createdAt: c.clock.Now()}
	c.order = append(c.order, key)
	return nil
}

// Stats returns current cache statistics.
func (c *MemoryCache) Stats() CacheStats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return CacheStats{
		Entries:    n,
		MaxEntries: c.maxEntries,
		Hits:       hits,
		Misses:     misses,
		HitRate:    rate,
	}
}

func (c *MemoryCache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

const redisKeyPrefix = "geocode:"

// RedisCache stores results as JSON values with a TTL.
type RedisCache struct {
	rc  *redis.Client
	ttl time.Duration
}

// NewRedisCache connects to the Redis server at redisURL (redis://…).
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: parse redis url")
	}
	return NewRedisCacheFromClient(redis.NewClient(opt), ttl), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(rc *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rc: rc, ttl: ttl}
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.rc.Ping(ctx).Err(); err != nil {
		return eris.Wrap(err, "geocode: redis ping")
	}
	return nil
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (*Result, bool, error) {
	b, err := c.rc.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "geocode: redis get")
	}
	var r Result
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, false, eris.Wrap(err, "geocode: redis decode")
	}
	return &r, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, r *Result) error {
	if r == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "geocode: redis encode")
	}
	if err := c.rc.Set(ctx, redisKeyPrefix+key, b, c.ttl).Err(); err != nil {
		return eris.Wrap(err, "geocode: redis set")
	}
	return nil
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.rc.Close()
}

// shortKey truncates a cache key for logging.
func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
