package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

// migrationTarget is the minimal surface the migration runner needs from a
// backend.
type migrationTarget interface {
	execScript(ctx context.Context, sql string, args ...any) error
	appliedVersions(ctx context.Context) (map[string]bool, error)
}

// migrationDialect holds the backend-specific tracking statements.
type migrationDialect struct {
	createTracking string
	recordApplied  string
}

var (
	postgresMigrations = migrationDialect{
		createTracking: `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version TEXT PRIMARY KEY,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
		recordApplied: `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`,
	}
	sqliteMigrations = migrationDialect{
		createTracking: `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version TEXT PRIMARY KEY,
				applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
			)`,
		recordApplied: `INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)`,
	}
)

// runMigrations executes unapplied SQL migration files from migrationsFS in
// name order. Applied files are tracked in schema_migrations so each runs at
// most once. Forward-only.
func runMigrations(ctx context.Context, t migrationTarget, d migrationDialect, migrationsFS fs.FS, logger *slog.Logger) error {
	if err := t.execScript(ctx, d.createTracking); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied, err := t.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		name := entry.Name()
		if applied[name] {
			logger.Debug("migration already applied, skipping", "file", name)
			continue
		}

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}

		logger.Info("running migration", "file", name)
		if err := t.execScript(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}

		if err := t.execScript(ctx, d.recordApplied, name); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
	}

	return nil
}

// RunMigrations applies the Postgres migrations in migrationsFS.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	return runMigrations(ctx, db, postgresMigrations, migrationsFS, db.logger)
}

func (db *DB) execScript(ctx context.Context, sql string, args ...any) error {
	_, err := db.pool.Exec(ctx, sql, args...)
	return err
}

func (db *DB) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := db.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
