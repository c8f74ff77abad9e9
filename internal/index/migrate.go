package index

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationFiles returns the .sql entries of fsys in name order.
func migrationFiles(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("index: read migrations dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// migrateSQLite executes unapplied migration files in order, tracking them
// in a schema_migrations table so each file runs at most once.
func migrateSQLite(ctx context.Context, db *sql.DB, fsys fs.FS, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)
	`); err != nil {
		return fmt.Errorf("index: create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("index: load applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("index: scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("index: load applied migrations: %w", err)
	}

	names, err := migrationFiles(fsys)
	if err != nil {
		return err
	}
	for _, name := range names {
		if applied[name] {
			logger.Debug("migration already applied, skipping", "file", name)
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("index: read migration %s: %w", name, err)
		}
		logger.Info("running migration", "file", name)
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("index: execute migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)`, name,
		); err != nil {
			return fmt.Errorf("index: record migration %s: %w", name, err)
		}
	}
	return nil
}

// migratePostgres is the pgx counterpart of migrateSQLite.
func migratePostgres(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, logger *slog.Logger) error {
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("index: create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("index: load applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("index: scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("index: load applied migrations: %w", err)
	}

	names, err := migrationFiles(fsys)
	if err != nil {
		return err
	}
	for _, name := range names {
		if applied[name] {
			logger.Debug("migration already applied, skipping", "file", name)
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("index: read migration %s: %w", name, err)
		}
		logger.Info("running migration", "file", name)
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("index: execute migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("index: record migration %s: %w", name, err)
		}
	}
	return nil
}
