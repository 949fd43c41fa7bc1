// Package rediscache implements domain.ResponseCache on Redis, for
// deployments that share one cache across several claudette processes.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/claudette/internal/domain"
)

const keyPrefix = "claudette:cache:"

// Cache stores serialized cache entries under TTL-managed keys. Redis owns
// expiry, so SweepExpired is a no-op; hit/miss counters live in a hash.
type Cache struct {
	rdb *redis.Client
}

// New connects a cache to the given Redis address.
func New(addr string) *Cache {
	return &Cache{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewFromClient wraps an existing client, for tests.
func NewFromClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Ping verifies connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=rediscache.Ping: %w: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}

// Get fetches a cached entry. Redis TTL expiry makes stale reads impossible.
func (c *Cache) Get(ctx context.Context, key string) (domain.CacheEntry, bool, error) {
	raw, err := c.rdb.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.bump(ctx, "misses")
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("op=rediscache.Get: %w: %v", domain.ErrCacheUnavailable, err)
	}

	var e domain.CacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("op=rediscache.Get: decode: %w", err)
	}
	if e.Expired(time.Now().UTC()) {
		_ = c.rdb.Del(ctx, keyPrefix+key).Err()
		c.bump(ctx, "misses")
		return domain.CacheEntry{}, false, nil
	}

	e.AccessCount++
	e.LastAccessed = time.Now().UTC()
	if blob, merr := json.Marshal(e); merr == nil {
		_ = c.rdb.Set(ctx, keyPrefix+key, blob, redis.KeepTTL).Err()
	}
	c.bump(ctx, "hits")
	return e, true, nil
}

// Put stores an entry under the TTL.
func (c *Cache) Put(ctx context.Context, e domain.CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("op=rediscache.Put: %w: non-positive ttl", domain.ErrInvalidInput)
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.ExpiresAt = e.CreatedAt.Add(ttl)
	e.AccessCount = 0

	blob, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("op=rediscache.Put: encode: %w", err)
	}
	e.SizeBytes = int64(len(blob))
	if blob, err = json.Marshal(e); err != nil {
		return fmt.Errorf("op=rediscache.Put: encode: %w", err)
	}

	effective := time.Until(e.ExpiresAt)
	if effective <= 0 {
		effective = time.Millisecond
	}
	if err := c.rdb.Set(ctx, keyPrefix+e.Key, blob, effective).Err(); err != nil {
		return fmt.Errorf("op=rediscache.Put: %w: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}

// SweepExpired is a no-op: Redis evicts expired keys itself.
func (c *Cache) SweepExpired(context.Context) (int64, error) { return 0, nil }

// Clear removes every cache key and the stats hash.
func (c *Cache) Clear(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("op=rediscache.Clear: %w: %v", domain.ErrCacheUnavailable, err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("op=rediscache.Clear: %w: %v", domain.ErrCacheUnavailable, err)
	}
	if err := c.rdb.Del(ctx, keyPrefix+"stats").Err(); err != nil {
		return fmt.Errorf("op=rediscache.Clear: %w: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}

// Stats summarises the cache by scanning entry keys.
func (c *Cache) Stats(ctx context.Context) (domain.CacheStats, error) {
	var st domain.CacheStats

	iter := c.rdb.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if k == keyPrefix+"stats" {
			continue
		}
		st.Entries++
		raw, err := c.rdb.Get(ctx, k).Bytes()
		if err != nil {
			continue
		}
		var e domain.CacheEntry
		if json.Unmarshal(raw, &e) != nil {
			continue
		}
		st.SizeBytes += e.SizeBytes
		if st.OldestEntry.IsZero() || e.CreatedAt.Before(st.OldestEntry) {
			st.OldestEntry = e.CreatedAt
		}
	}
	if err := iter.Err(); err != nil {
		return domain.CacheStats{}, fmt.Errorf("op=rediscache.Stats: %w: %v", domain.ErrCacheUnavailable, err)
	}

	counters, err := c.rdb.HGetAll(ctx, keyPrefix+"stats").Result()
	if err == nil {
		st.Hits = parseInt(counters["hits"])
		st.Misses = parseInt(counters["misses"])
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st, nil
}

// Close releases the client.
func (c *Cache) Close() error { return c.rdb.Close() }

func (c *Cache) bump(ctx context.Context, field string) {
	_ = c.rdb.HIncrBy(ctx, keyPrefix+"stats", field, 1).Err()
}

func parseInt(s string) int64 {
	var n int64
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}
