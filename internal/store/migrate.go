package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

// RunMigrations executes unapplied *.up.sql files from the provided
// filesystem in lexical order, tracking applied versions in a
// schema_migrations table so each file runs at most once.
func RunMigrations(ctx context.Context, db *sql.DB, migrationsFS fs.FS) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("op=store.RunMigrations: create schema_migrations: %w", err)
	}

	applied, err := loadApplied(ctx, db)
	if err != nil {
		return fmt.Errorf("op=store.RunMigrations: load applied: %w", err)
	}

	names, err := migrationFiles(migrationsFS, ".up.sql")
	if err != nil {
		return fmt.Errorf("op=store.RunMigrations: %w", err)
	}

	for _, name := range names {
		if applied[name] {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("op=store.RunMigrations: read %s: %w", name, err)
		}
		slog.Info("running migration", slog.String("file", name))
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("op=store.RunMigrations: execute %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)`, name); err != nil {
			return fmt.Errorf("op=store.RunMigrations: record %s: %w", name, err)
		}
	}
	return nil
}

// MigrateDown reverts the most recently applied migration using its
// matching *.down.sql script.
func MigrateDown(ctx context.Context, db *sql.DB, migrationsFS fs.FS) error {
	applied, err := loadApplied(ctx, db)
	if err != nil {
		return fmt.Errorf("op=store.MigrateDown: load applied: %w", err)
	}
	if len(applied) == 0 {
		return nil
	}
	versions := make([]string, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	last := versions[len(versions)-1]
	down := strings.Replace(last, ".up.sql", ".down.sql", 1)

	content, err := fs.ReadFile(migrationsFS, down)
	if err != nil {
		return fmt.Errorf("op=store.MigrateDown: read %s: %w", down, err)
	}
	slog.Info("reverting migration", slog.String("file", down))
	if _, err := db.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("op=store.MigrateDown: execute %s: %w", down, err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, last); err != nil {
		return fmt.Errorf("op=store.MigrateDown: unrecord %s: %w", last, err)
	}
	return nil
}

func loadApplied(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func migrationFiles(migrationsFS fs.FS, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
