// Package queue implements the Postgres-backed build queue: one row per
// pending (crate, version) build, claimed with SELECT ... FOR UPDATE SKIP
// LOCKED. The row lock lasts only for the short claim transaction, and the
// claim does not skip rows whose locked_at is already set, so only a single
// queue runner is safe: two concurrent runners could claim the same row.
package queue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cuemby/docsrs-core/pkg/config"
	"github.com/cuemby/docsrs-core/pkg/ctlerr"
	"github.com/cuemby/docsrs-core/pkg/types"
)

// Summary is the outcome a process_next_crate closure reports for the build
// it just ran.
type Summary struct {
	Successful      bool
	ShouldReattempt bool
}

// BlacklistChecker reports whether a crate is barred from being queued at
// all. Satisfied by *pkg/limits.Blacklist; kept as a narrow interface here to
// avoid an import cycle (pkg/limits has no reason to depend on pkg/queue).
type BlacklistChecker interface {
	IsBlacklisted(ctx context.Context, crate string) (bool, error)
}

// Queue is the build queue backed by a Postgres table.
type Queue struct {
	db            *sql.DB
	cfg           *config.Store
	buildAttempts int32
	blacklist     BlacklistChecker
}

// New wraps db, ensuring the queue table exists. buildAttempts is the number
// of failed attempts after which a release is dropped as terminally failed
// (spec default: 5).
func New(ctx context.Context, db *sql.DB, cfg *config.Store, buildAttempts int32) (*Queue, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating queue schema: %w", err)
	}
	if buildAttempts <= 0 {
		buildAttempts = 5
	}
	return &Queue{db: db, cfg: cfg, buildAttempts: buildAttempts}, nil
}

// SetBlacklist wires a crate blacklist into AddCrate. Left unset, AddCrate
// admits every crate — tests and any caller that never constructs a
// pkg/limits.Store keep working without it.
func (q *Queue) SetBlacklist(b BlacklistChecker) {
	q.blacklist = b
}

// AddCrate upserts (name, version) into the queue. If a blacklist is wired
// in via SetBlacklist and name is on it, the crate is rejected with
// ctlerr.NotFound instead of being queued. An existing row keeps its
// priority if it is already more urgent (numerically lower) than priority;
// otherwise the row's priority is raised to match. attempt is reset to 0
// only on a genuinely fresh insert, never on a priority-only update of an
// already-queued row.
func (q *Queue) AddCrate(ctx context.Context, name, version string, priority int32, registry string) error {
	if q.blacklist != nil {
		blacklisted, err := q.blacklist.IsBlacklisted(ctx, name)
		if err != nil {
			return err
		}
		if blacklisted {
			return ctlerr.New(ctlerr.NotFound, fmt.Sprintf("crate %s is blacklisted", name), nil)
		}
	}
	return ctlerr.Retry(ctx, func() error {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO queue (name, version, priority, registry, attempt)
			VALUES ($1, $2, $3, $4, 0)
			ON CONFLICT (name, version) DO UPDATE
			SET priority = LEAST(queue.priority, EXCLUDED.priority)
		`, name, version, priority, registry)
		if err != nil {
			return ctlerr.New(ctlerr.Database, fmt.Sprintf("adding %s-%s to queue", name, version), err)
		}
		return nil
	})
}

// HasBuildQueued reports whether (name, version) currently has a queue row.
func (q *Queue) HasBuildQueued(ctx context.Context, name, version string) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM queue WHERE name = $1 AND version = $2)`, name, version).Scan(&exists)
	if err != nil {
		return false, ctlerr.New(ctlerr.Database, "checking queue membership", err)
	}
	return exists, nil
}

// PendingCount returns the total number of queued rows.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, `SELECT count(*) FROM queue`).Scan(&n)
	if err != nil {
		return 0, ctlerr.New(ctlerr.Database, "counting queue", err)
	}
	return n, nil
}

// PrioritizedCount returns the number of rows more urgent than the default
// priority (priority < PriorityDefault is vacuous since PriorityDefault is
// 0 and priorities only go up from there in this schema's convention, so
// this counts priority < 0 — reserved for future manually-escalated rows).
func (q *Queue) PrioritizedCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, `SELECT count(*) FROM queue WHERE priority < $1`, types.PriorityDefault).Scan(&n)
	if err != nil {
		return 0, ctlerr.New(ctlerr.Database, "counting prioritized queue rows", err)
	}
	return n, nil
}

// PendingCountByPriority returns the queue depth grouped by priority value.
func (q *Queue) PendingCountByPriority(ctx context.Context) (map[int32]int64, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT priority, count(*) FROM queue GROUP BY priority`)
	if err != nil {
		return nil, ctlerr.New(ctlerr.Database, "counting queue by priority", err)
	}
	defer rows.Close()

	out := make(map[int32]int64)
	for rows.Next() {
		var p int32
		var n int64
		if err := rows.Scan(&p, &n); err != nil {
			return nil, err
		}
		out[p] = n
	}
	return out, rows.Err()
}

// QueuedCrates returns every queued row ordered by (priority ASC, attempt
// ASC, id ASC) — the same order process_next_crate claims rows in.
func (q *Queue) QueuedCrates(ctx context.Context) ([]types.QueuedCrate, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, name, version, priority, registry, attempt, created_at, locked_at
		FROM queue ORDER BY priority ASC, attempt ASC, id ASC
	`)
	if err != nil {
		return nil, ctlerr.New(ctlerr.Database, "listing queue", err)
	}
	defer rows.Close()

	var out []types.QueuedCrate
	for rows.Next() {
		var c types.QueuedCrate
		var registry sql.NullString
		var lockedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.Name, &c.Version, &c.Priority, &registry, &c.Attempt, &c.CreatedAt, &lockedAt); err != nil {
			return nil, err
		}
		c.Registry = registry.String
		if lockedAt.Valid {
			c.LockedAt = &lockedAt.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RemoveCrateFromQueue deletes every queued version of name.
func (q *Queue) RemoveCrateFromQueue(ctx context.Context, name string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM queue WHERE name = $1`, name); err != nil {
		return ctlerr.New(ctlerr.Database, "removing crate from queue", err)
	}
	return nil
}

// RemoveVersionFromQueue deletes one queued (name, version) row.
func (q *Queue) RemoveVersionFromQueue(ctx context.Context, name, version string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue WHERE name = $1 AND version = $2`, name, version)
	if err != nil {
		return ctlerr.New(ctlerr.Database, "removing version from queue", err)
	}
	return nil
}

// IsLocked reports whether the queue is administratively paused.
func (q *Queue) IsLocked(ctx context.Context) (bool, error) {
	v, err := q.cfg.Get(ctx, types.ConfigKeyQueueLocked)
	if ctlerr.IsKind(err, ctlerr.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// Lock pauses process_next_crate from claiming further rows.
func (q *Queue) Lock(ctx context.Context) error {
	return q.cfg.Set(ctx, types.ConfigKeyQueueLocked, "true")
}

// Unlock resumes claiming.
func (q *Queue) Unlock(ctx context.Context) error {
	return q.cfg.Set(ctx, types.ConfigKeyQueueLocked, "false")
}

// BuildAttempts returns the configured terminal-failure threshold, so a
// caller of ProcessNextCrate can tell a returned attempt count apart from a
// retained-for-retry one.
func (q *Queue) BuildAttempts() int32 {
	return q.buildAttempts
}

// ProcessFunc builds the claimed release and reports the outcome. It runs
// outside the claiming transaction (builds take minutes): the row-level lock
// is released when the claim commits, before f runs, and the row is marked
// only by its locked_at stamp, which the claim itself does not check — see
// ProcessNextCrate.
type ProcessFunc func(ctx context.Context, row types.QueuedCrate) (Summary, error)

// ProcessNextCrate is the queue runner's critical section. If the queue is
// locked, it returns (nil, nil) immediately without claiming anything. It
// claims the single highest-priority unclaimed row with FOR UPDATE SKIP
// LOCKED, invokes f, and then — in a second, short transaction — either
// deletes the row (success, or terminal failure after buildAttempts) or
// bumps its attempt counter for a future retry.
//
// The returned *int32, when non-nil, is the attempt count after this call,
// for the caller to report a terminal-failure metric when the row was
// dropped for exhausting attempts.
func (q *Queue) ProcessNextCrate(ctx context.Context, f ProcessFunc) (*int32, error) {
	locked, err := q.IsLocked(ctx)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, nil
	}

	row, ok, err := q.claimNext(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	summary, procErr := f(ctx, row)

	if procErr == nil && summary.Successful {
		if err := q.RemoveVersionFromQueue(ctx, row.Name, row.Version); err != nil {
			return nil, err
		}
		return nil, nil
	}

	attempt := row.Attempt + 1
	if attempt >= q.buildAttempts {
		if err := q.RemoveVersionFromQueue(ctx, row.Name, row.Version); err != nil {
			return nil, err
		}
		return &attempt, nil
	}
	if _, err := q.db.ExecContext(ctx, `UPDATE queue SET attempt = $1, locked_at = NULL WHERE id = $2`, attempt, row.ID); err != nil {
		return nil, ctlerr.New(ctlerr.Database, "recording failed attempt", err)
	}
	return &attempt, nil
}

// claimNext runs the SKIP LOCKED claim in its own short transaction,
// stamping locked_at so introspection tools can see a row is in flight,
// retried per spec.md §7's transient-Database-error policy.
func (q *Queue) claimNext(ctx context.Context) (types.QueuedCrate, bool, error) {
	var c types.QueuedCrate
	var ok bool
	err := ctlerr.Retry(ctx, func() error {
		var err error
		c, ok, err = q.claimNextOnce(ctx)
		return err
	})
	return c, ok, err
}

func (q *Queue) claimNextOnce(ctx context.Context) (types.QueuedCrate, bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return types.QueuedCrate{}, false, ctlerr.New(ctlerr.Database, "beginning claim transaction", err)
	}
	defer tx.Rollback()

	var c types.QueuedCrate
	var registry sql.NullString
	var lockedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT id, name, version, priority, registry, attempt, created_at, locked_at
		FROM queue ORDER BY priority ASC, attempt ASC, id ASC
		FOR UPDATE SKIP LOCKED LIMIT 1
	`).Scan(&c.ID, &c.Name, &c.Version, &c.Priority, &registry, &c.Attempt, &c.CreatedAt, &lockedAt)
	if err == sql.ErrNoRows {
		return types.QueuedCrate{}, false, tx.Commit()
	}
	if err != nil {
		return types.QueuedCrate{}, false, ctlerr.New(ctlerr.Database, "claiming next queue row", err)
	}
	c.Registry = registry.String
	if lockedAt.Valid {
		c.LockedAt = &lockedAt.Time
	}

	if _, err := tx.ExecContext(ctx, `UPDATE queue SET locked_at = now() WHERE id = $1`, c.ID); err != nil {
		return types.QueuedCrate{}, false, ctlerr.New(ctlerr.Database, "stamping claim", err)
	}
	if err := tx.Commit(); err != nil {
		return types.QueuedCrate{}, false, ctlerr.New(ctlerr.Database, "committing claim", err)
	}
	return c, true, nil
}
