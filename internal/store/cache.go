package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/claudette/internal/domain"
)

// Get returns a fresh cache entry for the key. Expired entries are
// deleted and reported as misses; hits bump access_count and
// last_accessed.
func (s *Store) Get(ctx context.Context, key string) (domain.CacheEntry, bool, error) {
	tracer := otel.Tracer("store.cache")
	ctx, span := tracer.Start(ctx, "cache.Get")
	defer span.End()

	q := `SELECT key, prompt_hash, response_blob, created_at, expires_at, size_bytes, access_count, last_accessed
		FROM cache_entries WHERE key = ?`
	var e domain.CacheEntry
	var blob []byte
	var lastAccessed sql.NullTime
	err := s.db.QueryRowContext(ctx, q, key).Scan(
		&e.Key, &e.PromptHash, &blob, &e.CreatedAt, &e.ExpiresAt,
		&e.SizeBytes, &e.AccessCount, &lastAccessed)
	if errors.Is(err, sql.ErrNoRows) {
		s.bumpStats(ctx, false)
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("op=cache.get: %w: %v", domain.ErrCacheUnavailable, err)
	}

	now := time.Now().UTC()
	if e.Expired(now) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
		s.bumpStats(ctx, false)
		return domain.CacheEntry{}, false, nil
	}

	if err := json.Unmarshal(blob, &e.Response); err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("op=cache.get: decode: %w", err)
	}
	if lastAccessed.Valid {
		e.LastAccessed = lastAccessed.Time
	}

	e.AccessCount++
	e.LastAccessed = now
	_, _ = s.db.ExecContext(ctx,
		`UPDATE cache_entries SET access_count = access_count + 1, last_accessed = ? WHERE key = ?`, now, key)
	s.bumpStats(ctx, true)
	return e, true, nil
}

// Put upserts an entry with the given TTL. An existing key is replaced.
// When the table is at capacity, the entries closest to expiry are
// evicted first.
func (s *Store) Put(ctx context.Context, e domain.CacheEntry, ttl time.Duration) error {
	tracer := otel.Tracer("store.cache")
	ctx, span := tracer.Start(ctx, "cache.Put")
	defer span.End()

	if ttl <= 0 {
		return fmt.Errorf("op=cache.put: %w: non-positive ttl", domain.ErrInvalidInput)
	}
	blob, err := json.Marshal(e.Response)
	if err != nil {
		return fmt.Errorf("op=cache.put: encode: %w", err)
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.ExpiresAt = e.CreatedAt.Add(ttl)
	e.SizeBytes = int64(len(blob))

	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count); err == nil &&
		count >= int64(s.maxCacheEntries) {
		overflow := count - int64(s.maxCacheEntries) + 1
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key IN (
			SELECT key FROM cache_entries ORDER BY expires_at ASC LIMIT ?)`, overflow)
	}

	q := `INSERT INTO cache_entries
		(key, prompt_hash, response_blob, created_at, expires_at, size_bytes, access_count, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL)
		ON CONFLICT (key) DO UPDATE SET
			prompt_hash   = excluded.prompt_hash,
			response_blob = excluded.response_blob,
			created_at    = excluded.created_at,
			expires_at    = excluded.expires_at,
			size_bytes    = excluded.size_bytes,
			access_count  = 0,
			last_accessed = NULL`
	if _, err := s.db.ExecContext(ctx, q,
		e.Key, e.PromptHash, blob, e.CreatedAt, e.ExpiresAt, e.SizeBytes); err != nil {
		return fmt.Errorf("op=cache.put: %w: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}

// SweepExpired deletes expired rows and unused rows older than one day.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("op=cache.sweep: %w: %v", domain.ErrCacheUnavailable, err)
	}
	n, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE access_count = 0 AND created_at <= ?`,
		now.Add(-UnusedCacheRetention))
	if err != nil {
		return n, fmt.Errorf("op=cache.sweep: %w: %v", domain.ErrCacheUnavailable, err)
	}
	m, _ := res.RowsAffected()
	return n + m, nil
}

// Clear removes every cache entry.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("op=cache.clear: %w: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}

// Stats summarises the cache for status output.
func (s *Store) Stats(ctx context.Context) (domain.CacheStats, error) {
	var st domain.CacheStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM cache_entries`).
		Scan(&st.Entries, &st.SizeBytes)
	if err != nil {
		return domain.CacheStats{}, fmt.Errorf("op=cache.stats: %w: %v", domain.ErrCacheUnavailable, err)
	}
	// MIN() strips the column's declared type, which breaks time scanning
	// under this driver, so select the column directly.
	var oldest time.Time
	err = s.db.QueryRowContext(ctx,
		`SELECT created_at FROM cache_entries ORDER BY created_at LIMIT 1`).Scan(&oldest)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Empty cache, no oldest entry.
	case err != nil:
		return domain.CacheStats{}, fmt.Errorf("op=cache.stats: %w: %v", domain.ErrCacheUnavailable, err)
	default:
		st.OldestEntry = oldest
	}
	if err := s.db.QueryRowContext(ctx, `SELECT hits, misses FROM cache_stats WHERE id = 1`).
		Scan(&st.Hits, &st.Misses); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.CacheStats{}, fmt.Errorf("op=cache.stats: %w: %v", domain.ErrCacheUnavailable, err)
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st, nil
}

// bumpStats records a hit or miss in the rollup row, best-effort.
func (s *Store) bumpStats(ctx context.Context, hit bool) {
	col := "misses"
	if hit {
		col = "hits"
	}
	_, _ = s.db.ExecContext(ctx,
		`UPDATE cache_stats SET `+col+` = `+col+` + 1, updated_at = ? WHERE id = 1`, time.Now().UTC())
}
