// Package releases implements the Postgres-backed crate/version/build
// catalog: the tables the registry watcher, the queue runner, and the
// rebuild scheduler all read and write (as opposed to pkg/queue, which only
// tracks which releases are *waiting* to be built). Grounded on pkg/queue's
// shape: a struct wrapping *sql.DB, one method per operation, schema.go
// embedding DDL for tests.
package releases

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/docsrs-core/pkg/ctlerr"
	"github.com/cuemby/docsrs-core/pkg/types"
)

// Store is the crate/release/build catalog.
type Store struct {
	db *sql.DB
}

// New wraps db, ensuring the catalog tables exist.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating releases schema: %w", err)
	}
	return &Store{db: db}, nil
}

// ReleaseRef identifies one release row alongside the crate name, for
// callers (the rebuild scheduler, the queue runner) that need both.
type ReleaseRef struct {
	ReleaseID int64
	Crate     string
	Version   string
}

// EnsureRelease records that (crate, version) exists, inserting the crate
// and/or release rows if this is the first time either has been seen. It is
// idempotent: a release already on file is left untouched.
func (s *Store) EnsureRelease(ctx context.Context, crate, version string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ctlerr.New(ctlerr.Database, "beginning ensure-release transaction", err)
	}
	defer tx.Rollback()

	var crateID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO crates (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, crate).Scan(&crateID)
	if err != nil {
		return 0, ctlerr.New(ctlerr.Database, "upserting crate "+crate, err)
	}

	var releaseID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO releases (crate_id, version) VALUES ($1, $2)
		ON CONFLICT (crate_id, version) DO UPDATE SET version = EXCLUDED.version
		RETURNING id
	`, crateID, version).Scan(&releaseID)
	if err != nil {
		return 0, ctlerr.New(ctlerr.Database, fmt.Sprintf("upserting release %s-%s", crate, version), err)
	}

	if err := tx.Commit(); err != nil {
		return 0, ctlerr.New(ctlerr.Database, "committing ensure-release transaction", err)
	}
	return releaseID, nil
}

// HasRelease reports whether (crate, version) is on file.
func (s *Store) HasRelease(ctx context.Context, crate, version string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM releases r JOIN crates c ON c.id = r.crate_id
			WHERE c.name = $1 AND r.version = $2
		)
	`, crate, version).Scan(&exists)
	if err != nil {
		return false, ctlerr.New(ctlerr.Database, "checking release existence", err)
	}
	return exists, nil
}

// DeleteCrate removes a crate and, by cascade, every release and build
// recorded under it. It does not touch object storage or the build queue —
// callers (the watcher) are responsible for those per spec.md §4.F.
func (s *Store) DeleteCrate(ctx context.Context, crate string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM crates WHERE name = $1`, crate)
	if err != nil {
		return ctlerr.New(ctlerr.Database, "deleting crate "+crate, err)
	}
	return nil
}

// DeleteVersion removes a single release and its builds, scoped to one
// crate/version. Leaves the crate row (and its other releases) intact.
func (s *Store) DeleteVersion(ctx context.Context, crate, version string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM releases WHERE version = $2 AND crate_id = (SELECT id FROM crates WHERE name = $1)
	`, crate, version)
	if err != nil {
		return ctlerr.New(ctlerr.Database, fmt.Sprintf("deleting release %s-%s", crate, version), err)
	}
	return nil
}

// SetYanked updates the yanked flag for an existing release. Returns
// ctlerr.NotFound if the release isn't on file — the watcher's yank-handling
// logic decides what to do with that (accept silently if queued, else log).
func (s *Store) SetYanked(ctx context.Context, crate, version string, yanked bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE releases SET yanked = $3
		WHERE version = $2 AND crate_id = (SELECT id FROM crates WHERE name = $1)
	`, crate, version, yanked)
	if err != nil {
		return ctlerr.New(ctlerr.Database, fmt.Sprintf("updating yank flag for %s-%s", crate, version), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ctlerr.New(ctlerr.NotFound, fmt.Sprintf("release %s-%s not on file", crate, version), nil)
	}
	return nil
}

// RecordBuildStart inserts a new build row in progress and stamps the
// release's build_started time, returning the build id the runner threads
// through to RecordBuildFinish.
func (s *Store) RecordBuildStart(ctx context.Context, crate, version string, startedAt time.Time, toolchainVersion, builderVersion string, defaultTarget bool, nightlyDate *time.Time) (int64, error) {
	releaseID, err := s.EnsureRelease(ctx, crate, version)
	if err != nil {
		return 0, err
	}

	var buildID int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO builds (release_id, status, started_at, toolchain_version, builder_version, default_target, nightly_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, releaseID, types.BuildInProgress, startedAt, toolchainVersion, builderVersion, defaultTarget, nightlyDate).Scan(&buildID)
	if err != nil {
		return 0, ctlerr.New(ctlerr.Database, fmt.Sprintf("recording build start for %s-%s", crate, version), err)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE releases SET build_started = $2 WHERE id = $1`, releaseID, startedAt)
	if err != nil {
		return 0, ctlerr.New(ctlerr.Database, "stamping release build_started", err)
	}
	return buildID, nil
}

// RecordBuildFinish mutates a build row to its terminal state exactly once,
// stamps the owning release's build_finished time, and — when this was the
// default-target build — updates rustdoc_status to reflect whether rustdoc
// output now exists for the release.
func (s *Store) RecordBuildFinish(ctx context.Context, buildID int64, status types.BuildStatus, finishedAt time.Time, output string) error {
	var releaseID int64
	var defaultTarget bool
	err := s.db.QueryRowContext(ctx, `
		UPDATE builds SET status = $2, finished_at = $3, output = $4
		WHERE id = $1
		RETURNING release_id, default_target
	`, buildID, status, finishedAt, output).Scan(&releaseID, &defaultTarget)
	if err != nil {
		return ctlerr.New(ctlerr.Database, "recording build finish", err)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE releases SET build_finished = $2 WHERE id = $1`, releaseID, finishedAt)
	if err != nil {
		return ctlerr.New(ctlerr.Database, "stamping release build_finished", err)
	}

	if defaultTarget {
		_, err = s.db.ExecContext(ctx, `UPDATE releases SET rustdoc_status = $2 WHERE id = $1`, releaseID, status == types.BuildSuccess)
		if err != nil {
			return ctlerr.New(ctlerr.Database, "updating rustdoc_status", err)
		}
	}
	return nil
}

// AggregateStatus returns the consumer-visible status for a release, rolled
// up over all its builds per types.AggregateStatus.
func (s *Store) AggregateStatus(ctx context.Context, crate, version string) (types.BuildStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.status FROM builds b
		JOIN releases r ON r.id = b.release_id
		JOIN crates c ON c.id = r.crate_id
		WHERE c.name = $1 AND r.version = $2
	`, crate, version)
	if err != nil {
		return "", ctlerr.New(ctlerr.Database, "reading build statuses", err)
	}
	defer rows.Close()

	var builds []*types.BuildRecord
	for rows.Next() {
		var status types.BuildStatus
		if err := rows.Scan(&status); err != nil {
			return "", ctlerr.New(ctlerr.Database, "scanning build status", err)
		}
		builds = append(builds, &types.BuildRecord{Status: status})
	}
	return types.AggregateStatus(builds), nil
}

// LatestRelease returns the highest-semver version on file for crate.
// Comparison happens in Go via blang/semver (types.Version) since Postgres
// text ordering has no notion of SemVer precedence.
func (s *Store) LatestRelease(ctx context.Context, crate string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.version FROM releases r JOIN crates c ON c.id = r.crate_id WHERE c.name = $1
	`, crate)
	if err != nil {
		return "", ctlerr.New(ctlerr.Database, "listing releases for "+crate, err)
	}
	defer rows.Close()

	var best types.Version
	found := false
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return "", ctlerr.New(ctlerr.Database, "scanning release version", err)
		}
		v, err := types.ParseVersion(raw)
		if err != nil {
			continue // a malformed stored version never wins "latest"
		}
		if !found || v.Compare(best) > 0 {
			best, found = v, true
		}
	}
	if !found {
		return "", ctlerr.New(ctlerr.NotFound, "no releases on file for "+crate, nil)
	}
	return best.String(), nil
}

// StaleReleasesForRebuild selects up to limit releases eligible for the
// rebuild scheduler's continuous-rebuild sweep: rustdoc_status = true, each
// the latest release of its crate, ordered by oldest
// max(build_started, build_finished) ascending. Per spec.md §4.H.
func (s *Store) StaleReleasesForRebuild(ctx context.Context, limit int) ([]ReleaseRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, c.name, r.version, r.rustdoc_status,
		       GREATEST(COALESCE(r.build_started, 'epoch'), COALESCE(r.build_finished, 'epoch')) AS last_activity
		FROM releases r
		JOIN crates c ON c.id = r.crate_id
		ORDER BY last_activity ASC
	`)
	if err != nil {
		return nil, ctlerr.New(ctlerr.Database, "listing releases for rebuild", err)
	}
	defer rows.Close()

	type candidate struct {
		ref          ReleaseRef
		version      types.Version
		rustdoc      bool
		lastActivity time.Time
	}
	var all []candidate
	for rows.Next() {
		var c candidate
		var rawVersion string
		if err := rows.Scan(&c.ref.ReleaseID, &c.ref.Crate, &rawVersion, &c.rustdoc, &c.lastActivity); err != nil {
			return nil, ctlerr.New(ctlerr.Database, "scanning rebuild candidate", err)
		}
		v, err := types.ParseVersion(rawVersion)
		if err != nil {
			continue
		}
		c.ref.Version = rawVersion
		c.version = v
		all = append(all, c)
	}

	latestPerCrate := make(map[string]candidate)
	for _, c := range all {
		cur, ok := latestPerCrate[c.ref.Crate]
		if !ok || c.version.Compare(cur.version) > 0 {
			latestPerCrate[c.ref.Crate] = c
		}
	}

	selected := make([]candidate, 0, len(latestPerCrate))
	for _, c := range latestPerCrate {
		if c.rustdoc {
			selected = append(selected, c)
		}
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].lastActivity.Before(selected[j].lastActivity) })

	if limit >= 0 && len(selected) > limit {
		selected = selected[:limit]
	}
	refs := make([]ReleaseRef, len(selected))
	for i, c := range selected {
		refs[i] = c.ref
	}
	return refs, nil
}

// FaultyToolchainReleases returns every release whose latest successful
// build's toolchain nightly date falls within [start, end], for
// queue_rebuilds_faulty_toolchain (spec.md §4.H).
func (s *Store) FaultyToolchainReleases(ctx context.Context, start, end time.Time) ([]ReleaseRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT c.name, r.version, r.id
		FROM releases r
		JOIN crates c ON c.id = r.crate_id
		JOIN builds b ON b.id = (
			SELECT id FROM builds
			WHERE release_id = r.id AND status = $3
			ORDER BY finished_at DESC NULLS LAST
			LIMIT 1
		)
		WHERE b.nightly_date BETWEEN $1 AND $2
	`, start, end, types.BuildSuccess)
	if err != nil {
		return nil, ctlerr.New(ctlerr.Database, "listing faulty-toolchain releases", err)
	}
	defer rows.Close()

	var refs []ReleaseRef
	for rows.Next() {
		var ref ReleaseRef
		if err := rows.Scan(&ref.Crate, &ref.Version, &ref.ReleaseID); err != nil {
			return nil, ctlerr.New(ctlerr.Database, "scanning faulty-toolchain release", err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
