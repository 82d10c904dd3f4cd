package limits

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cuemby/docsrs-core/pkg/ctlerr"
	"github.com/cuemby/docsrs-core/pkg/log"
)

// Override is a partial set of per-crate limit overrides; a nil field means
// "use the default for this field", not "zero".
type Override struct {
	Memory  *int64
	Targets *int
	Timeout *time.Duration
}

// Overrides is the sandbox_overrides table: a sparse per-crate override of
// the control-plane-wide Limits.
type Overrides struct {
	db *sql.DB
}

// All returns every crate with a persisted override, keyed by crate name.
func (o *Overrides) All(ctx context.Context) (map[string]Override, error) {
	rows, err := o.db.QueryContext(ctx, `SELECT crate_name, max_memory_bytes, max_targets, timeout_seconds FROM sandbox_overrides`)
	if err != nil {
		return nil, ctlerr.New(ctlerr.Database, "reading sandbox overrides", err)
	}
	defer rows.Close()

	result := make(map[string]Override)
	for rows.Next() {
		var crate string
		var memory sql.NullInt64
		var targets sql.NullInt32
		var timeoutSeconds sql.NullInt32
		if err := rows.Scan(&crate, &memory, &targets, &timeoutSeconds); err != nil {
			return nil, ctlerr.New(ctlerr.Database, "scanning sandbox override row", err)
		}
		result[crate] = rowToOverride(memory, targets, timeoutSeconds)
	}
	if err := rows.Err(); err != nil {
		return nil, ctlerr.New(ctlerr.Database, "reading sandbox overrides", err)
	}
	return result, nil
}

// ForCrate returns crate's override, or nil if it has none.
func (o *Overrides) ForCrate(ctx context.Context, crate string) (*Override, error) {
	var memory sql.NullInt64
	var targets sql.NullInt32
	var timeoutSeconds sql.NullInt32
	err := o.db.QueryRowContext(ctx,
		`SELECT max_memory_bytes, max_targets, timeout_seconds FROM sandbox_overrides WHERE crate_name = $1`, crate,
	).Scan(&memory, &targets, &timeoutSeconds)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ctlerr.New(ctlerr.Database, fmt.Sprintf("reading sandbox override for %s", crate), err)
	}
	result := rowToOverride(memory, targets, timeoutSeconds)
	return &result, nil
}

func rowToOverride(memory sql.NullInt64, targets sql.NullInt32, timeoutSeconds sql.NullInt32) Override {
	var o Override
	if memory.Valid {
		v := memory.Int64
		o.Memory = &v
	}
	if targets.Valid {
		v := int(targets.Int32)
		o.Targets = &v
	}
	if timeoutSeconds.Valid {
		v := time.Duration(timeoutSeconds.Int32) * time.Second
		o.Timeout = &v
	}
	return o
}

// Save upserts crate's override. Setting Timeout with no Targets implies a
// default Targets of 1 once resolved through Store.ForCrate; the original
// warned about this surprising implication rather than silently applying
// it, which this does too.
func (o *Overrides) Save(ctx context.Context, crate string, override Override) error {
	if override.Timeout != nil && override.Targets == nil {
		log.WithComponent("limits").Warn().Str("crate", crate).
			Msg("setting a sandbox timeout override with no explicit targets override implies targets=1")
	}

	var targetsArg interface{}
	if override.Targets != nil {
		targetsArg = int32(*override.Targets)
	}
	var timeoutArg interface{}
	if override.Timeout != nil {
		timeoutArg = int32(override.Timeout.Seconds())
	}
	var memoryArg interface{}
	if override.Memory != nil {
		memoryArg = *override.Memory
	}

	_, err := o.db.ExecContext(ctx, `
		INSERT INTO sandbox_overrides (crate_name, max_memory_bytes, max_targets, timeout_seconds)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (crate_name) DO UPDATE
		SET max_memory_bytes = $2, max_targets = $3, timeout_seconds = $4
	`, crate, memoryArg, targetsArg, timeoutArg)
	if err != nil {
		return ctlerr.New(ctlerr.Database, fmt.Sprintf("saving sandbox override for %s", crate), err)
	}
	return nil
}

// Remove deletes crate's override, if any.
func (o *Overrides) Remove(ctx context.Context, crate string) error {
	_, err := o.db.ExecContext(ctx, `DELETE FROM sandbox_overrides WHERE crate_name = $1`, crate)
	if err != nil {
		return ctlerr.New(ctlerr.Database, fmt.Sprintf("removing sandbox override for %s", crate), err)
	}
	return nil
}
