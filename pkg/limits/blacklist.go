package limits

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cuemby/docsrs-core/pkg/ctlerr"
)

// Blacklist is the blacklisted_crates table: crates the queue refuses to
// admit at all, regardless of priority (spec.md §4.B's AddCrate gains a
// blacklist check to enforce this). Grounded on
// _examples/original_source/crates/lib/docs_rs_build_limits/src/blacklist.rs.
type Blacklist struct {
	db *sql.DB
}

// IsBlacklisted reports whether crate is on the blacklist.
func (b *Blacklist) IsBlacklisted(ctx context.Context, crate string) (bool, error) {
	var exists bool
	err := b.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM blacklisted_crates WHERE crate_name = $1)`, crate,
	).Scan(&exists)
	if err != nil {
		return false, ctlerr.New(ctlerr.Database, fmt.Sprintf("checking blacklist membership for %s", crate), err)
	}
	return exists, nil
}

// ListCrates returns every blacklisted crate name, sorted ascending.
func (b *Blacklist) ListCrates(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT crate_name FROM blacklisted_crates ORDER BY crate_name ASC`)
	if err != nil {
		return nil, ctlerr.New(ctlerr.Database, "reading blacklist", err)
	}
	defer rows.Close()

	var crates []string
	for rows.Next() {
		var crate string
		if err := rows.Scan(&crate); err != nil {
			return nil, ctlerr.New(ctlerr.Database, "scanning blacklist row", err)
		}
		crates = append(crates, crate)
	}
	if err := rows.Err(); err != nil {
		return nil, ctlerr.New(ctlerr.Database, "reading blacklist", err)
	}
	return crates, nil
}

// AddCrate blacklists crate, failing with ctlerr.AlreadyExists if it is
// already on the blacklist.
func (b *Blacklist) AddCrate(ctx context.Context, crate string) error {
	blacklisted, err := b.IsBlacklisted(ctx, crate)
	if err != nil {
		return err
	}
	if blacklisted {
		return ctlerr.New(ctlerr.AlreadyExists, fmt.Sprintf("crate %s is already on the blacklist", crate), nil)
	}
	if _, err := b.db.ExecContext(ctx, `INSERT INTO blacklisted_crates (crate_name) VALUES ($1)`, crate); err != nil {
		return ctlerr.New(ctlerr.Database, fmt.Sprintf("adding %s to blacklist", crate), err)
	}
	return nil
}

// RemoveCrate removes crate from the blacklist, failing with
// ctlerr.NotFound if it isn't on it.
func (b *Blacklist) RemoveCrate(ctx context.Context, crate string) error {
	blacklisted, err := b.IsBlacklisted(ctx, crate)
	if err != nil {
		return err
	}
	if !blacklisted {
		return ctlerr.New(ctlerr.NotFound, fmt.Sprintf("crate %s is not on the blacklist", crate), nil)
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM blacklisted_crates WHERE crate_name = $1`, crate); err != nil {
		return ctlerr.New(ctlerr.Database, fmt.Sprintf("removing %s from blacklist", crate), err)
	}
	return nil
}
