package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/claudette/internal/domain"
)

// Cleanup enforces retention: quota rows past 30 days, compression and
// cache-metric rollups past 7 days, expired cache rows, and unused cache
// rows older than one day.
func (s *Store) Cleanup(ctx context.Context) error {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM quota_entries WHERE ts <= ?`, now.Add(-QuotaRetention))
	if err != nil {
		return fmt.Errorf("op=store.Cleanup: quota: %w: %v", domain.ErrLedgerUnavailable, err)
	}
	quota, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM compression_stats WHERE ts <= ?`, now.Add(-MetricsRetention))
	if err != nil {
		return fmt.Errorf("op=store.Cleanup: compression: %w: %v", domain.ErrLedgerUnavailable, err)
	}
	compression, _ := res.RowsAffected()

	swept, err := s.SweepExpired(ctx)
	if err != nil {
		return err
	}

	slog.Info("store cleanup complete",
		slog.Int64("quota_rows", quota),
		slog.Int64("compression_rows", compression),
		slog.Int64("cache_rows", swept))
	return nil
}

// RunPeriodicCleanup runs Cleanup on the interval until ctx is done.
func (s *Store) RunPeriodicCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil {
				slog.Warn("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
