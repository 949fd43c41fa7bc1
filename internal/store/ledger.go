package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/claudette/internal/domain"
)

// AppendQuota inserts one append-only ledger row. Historical rows are
// never updated.
func (s *Store) AppendQuota(ctx context.Context, e domain.QuotaEntry) error {
	tracer := otel.Tracer("store.ledger")
	ctx, span := tracer.Start(ctx, "ledger.AppendQuota")
	defer span.End()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = s.newID(e.Timestamp)
	}
	q := `INSERT INTO quota_entries
		(id, ts, backend, prompt_hash, tokens_input, tokens_output, cost_eur, cache_hit, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		e.ID, e.Timestamp.UTC(), e.Backend, e.PromptHash,
		e.TokensIn, e.TokensOut, e.CostEUR, boolInt(e.CacheHit), e.LatencyMS)
	if err != nil {
		return fmt.Errorf("op=ledger.append: %w: %v", domain.ErrLedgerUnavailable, err)
	}
	return nil
}

// RecentEntries returns ledger rows within the time window, oldest first.
func (s *Store) RecentEntries(ctx context.Context, window time.Duration) ([]domain.QuotaEntry, error) {
	cutoff := time.Now().UTC().Add(-window)
	q := `SELECT id, ts, backend, prompt_hash, tokens_input, tokens_output, cost_eur, cache_hit, latency_ms
		FROM quota_entries WHERE ts >= ? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=ledger.recent: %w: %v", domain.ErrLedgerUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.QuotaEntry
	for rows.Next() {
		var e domain.QuotaEntry
		var hit int
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Backend, &e.PromptHash,
			&e.TokensIn, &e.TokensOut, &e.CostEUR, &hit, &e.LatencyMS); err != nil {
			return nil, fmt.Errorf("op=ledger.recent: scan: %w", err)
		}
		e.CacheHit = hit != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// DailyAggregates reads the daily_usage view for the last N days.
func (s *Store) DailyAggregates(ctx context.Context, days int) ([]domain.UsageAggregate, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	q := `SELECT bucket, backend, requests, cache_hits, tokens_input, tokens_output, cost_eur
		FROM daily_usage WHERE bucket >= ? ORDER BY bucket ASC, backend ASC`
	rows, err := s.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=ledger.daily: %w: %v", domain.ErrLedgerUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.UsageAggregate
	for rows.Next() {
		var a domain.UsageAggregate
		var bucket string
		if err := rows.Scan(&bucket, &a.Backend, &a.Requests, &a.CacheHits,
			&a.TokensIn, &a.TokensOut, &a.CostEUR); err != nil {
			return nil, fmt.Errorf("op=ledger.daily: scan: %w", err)
		}
		if t, perr := time.Parse("2006-01-02", bucket); perr == nil {
			a.Bucket = t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateBackendMetrics applies the EMA update to the persisted per-backend
// statistics under a write lock.
func (s *Store) UpdateBackendMetrics(ctx context.Context, backend string, latencyMS int64, success bool, quality float64) error {
	s.emaMu.Lock()
	defer s.emaMu.Unlock()

	const alpha = 0.1
	cur, err := s.BackendMetrics(ctx, backend)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	next := domain.BackendMetrics{Backend: backend, UpdatedAt: time.Now().UTC()}
	if cur.Requests == 0 {
		next.AvgLatencyMS = float64(latencyMS)
		next.SuccessRate = outcome
		next.QualityScore = quality
		next.Requests = 1
	} else {
		next.AvgLatencyMS = (1-alpha)*cur.AvgLatencyMS + alpha*float64(latencyMS)
		next.SuccessRate = (1-alpha)*cur.SuccessRate + alpha*outcome
		next.QualityScore = cur.QualityScore
		if success {
			next.QualityScore = (1-alpha)*cur.QualityScore + alpha*quality
		}
		next.Requests = cur.Requests + 1
	}
	next.SuccessRate = clamp01(next.SuccessRate)
	next.QualityScore = clamp01(next.QualityScore)

	q := `INSERT INTO backend_metrics (backend, avg_latency_ms, success_rate, quality_score, requests, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (backend) DO UPDATE SET
			avg_latency_ms = excluded.avg_latency_ms,
			success_rate   = excluded.success_rate,
			quality_score  = excluded.quality_score,
			requests       = excluded.requests,
			updated_at     = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q,
		next.Backend, next.AvgLatencyMS, next.SuccessRate, next.QualityScore, next.Requests, next.UpdatedAt); err != nil {
		return fmt.Errorf("op=ledger.update_metrics: %w: %v", domain.ErrLedgerUnavailable, err)
	}
	return nil
}

// BackendMetrics loads the persisted statistics for one backend. A
// backend with no traffic yet returns the zero value without error.
func (s *Store) BackendMetrics(ctx context.Context, backend string) (domain.BackendMetrics, error) {
	q := `SELECT backend, avg_latency_ms, success_rate, quality_score, requests, updated_at
		FROM backend_metrics WHERE backend = ?`
	var m domain.BackendMetrics
	var updated sql.NullTime
	err := s.db.QueryRowContext(ctx, q, backend).Scan(
		&m.Backend, &m.AvgLatencyMS, &m.SuccessRate, &m.QualityScore, &m.Requests, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BackendMetrics{Backend: backend}, nil
	}
	if err != nil {
		return domain.BackendMetrics{}, fmt.Errorf("op=ledger.metrics: %w: %v", domain.ErrLedgerUnavailable, err)
	}
	if updated.Valid {
		m.UpdatedAt = updated.Time
	}
	return m, nil
}

// LedgerRows counts all quota rows, for status output.
func (s *Store) LedgerRows(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quota_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=ledger.rows: %w: %v", domain.ErrLedgerUnavailable, err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
