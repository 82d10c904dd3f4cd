// Package config implements the small key/value store backing persistent
// runtime state that isn't a first-class row elsewhere: the registry
// watcher's last-seen commit id, the queue lock flag, the installed
// toolchain descriptor, and operator-tunable knobs like max_queued_rebuilds.
package config

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cuemby/docsrs-core/pkg/ctlerr"
)

// Store is a Postgres-backed key/value table.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS config (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// New wraps db and ensures the config table exists.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating config table: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns the raw string value for key, or a ctlerr.NotFound error.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ctlerr.New(ctlerr.NotFound, "config key not set: "+key, nil)
	}
	if err != nil {
		return "", ctlerr.New(ctlerr.Database, "reading config key "+key, err)
	}
	return value, nil
}

// Set upserts key to value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	if err != nil {
		return ctlerr.New(ctlerr.Database, "writing config key "+key, err)
	}
	return nil
}

// Delete removes key, if present.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM config WHERE key = $1`, key)
	if err != nil {
		return ctlerr.New(ctlerr.Database, "deleting config key "+key, err)
	}
	return nil
}
