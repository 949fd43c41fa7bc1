// Package store persists the quota ledger, the response cache, and the
// rolling backend metrics in a single SQLite database under a
// user-configurable directory. A no-backing-storage fallback exists for
// test environments.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/fairyhunter13/claudette/migrations"
)

// Retention defaults enforced by Cleanup.
const (
	QuotaRetention       = 30 * 24 * time.Hour
	MetricsRetention     = 7 * 24 * time.Hour
	UnusedCacheRetention = 24 * time.Hour
)

// Store is the SQLite-backed implementation of both domain.LedgerStore and
// domain.ResponseCache.
type Store struct {
	db *sql.DB

	// emaMu serialises read-modify-write metric updates.
	emaMu sync.Mutex
	// ulidMu guards the monotonic entropy source so ledger ids stay
	// strictly increasing within a session.
	ulidMu  sync.Mutex
	entropy *ulid.MonotonicEntropy

	maxCacheEntries int
}

// Open creates or opens the database at dir/claudette.db and applies
// pending migrations. Opening retries briefly on SQLITE_BUSY so two
// processes racing on the same file settle cleanly.
func Open(ctx context.Context, dir string, maxCacheEntries int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("op=store.Open: %w", err)
	}
	dsn := "file:" + filepath.Join(dir, "claudette.db") +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("op=store.Open: %w", err)
	}
	db.SetMaxOpenConns(1)

	op := func() error { return db.PingContext(ctx) }
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 5), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=store.Open: ping: %w", err)
	}

	s := &Store{
		db:              db,
		entropy:         ulid.Monotonic(rand.Reader, 0),
		maxCacheEntries: maxCacheEntries,
	}
	if s.maxCacheEntries <= 0 {
		s.maxCacheEntries = 10000
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	return RunMigrations(ctx, s.db, migrations.FS)
}

// Close shuts down the database.
func (s *Store) Close() error { return s.db.Close() }

// newID mints a monotonic ULID for a ledger row.
func (s *Store) newID(t time.Time) string {
	s.ulidMu.Lock()
	defer s.ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}
