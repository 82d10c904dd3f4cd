package main

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const trackingTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    filename   TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// migration is one embedded .sql file, applied in filename order (hence the
// zero-padded numeric prefixes) so a run is always idempotent and
// deterministic, the same property the teacher's bucket-rename migration
// relies on by checking "does the old bucket still exist" before acting.
type migration struct {
	filename string
	sql      string
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", e.Name(), err)
		}
		out = append(out, migration{filename: e.Name(), sql: string(content)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].filename < out[j].filename })
	return out, nil
}

// applyResult records what a single migrate run did, for the summary log.
type applyResult struct {
	filename string
	applied  bool
}

// apply runs every embedded migration not already recorded in
// schema_migrations, each inside its own transaction so a mid-file failure
// never leaves schema_migrations and the DDL it describes disagreeing.
func apply(ctx context.Context, db *sql.DB, dryRun bool) ([]applyResult, error) {
	if _, err := db.ExecContext(ctx, trackingTable); err != nil {
		return nil, fmt.Errorf("creating schema_migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}

	applied, err := appliedFilenames(ctx, db)
	if err != nil {
		return nil, err
	}

	var results []applyResult
	for _, m := range migrations {
		if applied[m.filename] {
			results = append(results, applyResult{filename: m.filename, applied: false})
			continue
		}
		if dryRun {
			results = append(results, applyResult{filename: m.filename, applied: true})
			continue
		}
		if err := applyOne(ctx, db, m); err != nil {
			return results, fmt.Errorf("applying %s: %w", m.filename, err)
		}
		results = append(results, applyResult{filename: m.filename, applied: true})
	}
	return results, nil
}

func appliedFilenames(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT filename FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("listing applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning applied migration row: %w", err)
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func applyOne(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, m.filename); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit()
}
