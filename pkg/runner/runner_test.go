package runner

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/cuemby/docsrs-core/pkg/config"
	"github.com/cuemby/docsrs-core/pkg/queue"
	"github.com/cuemby/docsrs-core/pkg/releases"
	"github.com/cuemby/docsrs-core/pkg/types"
	_ "github.com/lib/pq"
)

// fakeSandbox lets tests drive the build outcome directly instead of
// shelling out to containerd.
type fakeSandbox struct {
	buildErr    error
	buildResult BuildResult
	builds      []BuildJob
}

func (f *fakeSandbox) ReinitWorkspace(ctx context.Context) error { return nil }
func (f *fakeSandbox) EnsureToolchain(ctx context.Context) error { return nil }
func (f *fakeSandbox) Build(ctx context.Context, job BuildJob) (BuildResult, error) {
	f.builds = append(f.builds, job)
	return f.buildResult, f.buildErr
}

type fakeCDN struct {
	invalidated []string
}

func (f *fakeCDN) InvalidateCrate(ctx context.Context, crate string) error {
	f.invalidated = append(f.invalidated, crate)
	return nil
}

// fakeArchiveStore records every archive the runner asked it to store,
// instead of actually walking a directory and writing to a backend.
type fakeArchiveStore struct {
	stored []storedArchive
}

type storedArchive struct {
	kind           types.ArchiveKind
	crate, version string
	rootDir        string
}

func (f *fakeArchiveStore) StoreAllInArchive(ctx context.Context, kind types.ArchiveKind, crate, version, rootDir string) ([]types.ArchiveEntry, types.CompressionAlgorithm, error) {
	f.stored = append(f.stored, storedArchive{kind: kind, crate: crate, version: version, rootDir: rootDir})
	return nil, types.CompressionZstd, nil
}

func testDeps(t *testing.T) (*queue.Queue, *releases.Store, *sql.DB) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping Postgres-backed runner tests")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(`DROP TABLE IF EXISTS builds, releases, crates, queue, config CASCADE`); err != nil {
		t.Fatalf("resetting schema: %v", err)
	}

	ctx := context.Background()
	cfg, err := config.New(ctx, db)
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	q, err := queue.New(ctx, db, cfg, 3)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	rel, err := releases.New(ctx, db)
	if err != nil {
		t.Fatalf("releases.New: %v", err)
	}
	return q, rel, db
}

func TestProcessOneSuccessRemovesRowAndInvalidatesCDN(t *testing.T) {
	q, rel, _ := testDeps(t)
	ctx := context.Background()

	if err := q.AddCrate(ctx, "tokio", "1.0.0", 0, "crates.io"); err != nil {
		t.Fatalf("AddCrate: %v", err)
	}

	sb := &fakeSandbox{buildResult: BuildResult{Success: true, Output: "ok"}}
	cdn := &fakeCDN{}
	r := New(q, rel, sb, cdn, nil, "x86_64-unknown-linux-gnu", nil, time.Hour, time.Second, "builder-1")

	if !r.processOneGuarded() {
		t.Fatalf("expected a row to be claimed")
	}

	queued, err := q.HasBuildQueued(ctx, "tokio", "1.0.0")
	if err != nil {
		t.Fatalf("HasBuildQueued: %v", err)
	}
	if queued {
		t.Errorf("expected the row to be removed after a successful build")
	}
	if len(cdn.invalidated) != 1 || cdn.invalidated[0] != "tokio" {
		t.Errorf("expected a CDN invalidation for tokio, got %+v", cdn.invalidated)
	}
	if len(sb.builds) != 1 || !sb.builds[0].DefaultTarget {
		t.Errorf("expected exactly one default-target build, got %+v", sb.builds)
	}
}

func TestProcessOneFailureRetainsRowAndStillInvalidates(t *testing.T) {
	q, rel, _ := testDeps(t)
	ctx := context.Background()

	if err := q.AddCrate(ctx, "tokio", "1.0.0", 0, "crates.io"); err != nil {
		t.Fatalf("AddCrate: %v", err)
	}

	sb := &fakeSandbox{buildResult: BuildResult{Success: false, Output: "compile error"}}
	cdn := &fakeCDN{}
	r := New(q, rel, sb, cdn, nil, "x86_64-unknown-linux-gnu", nil, time.Hour, time.Second, "builder-1")

	if !r.processOneGuarded() {
		t.Fatalf("expected a row to be claimed")
	}

	queued, err := q.HasBuildQueued(ctx, "tokio", "1.0.0")
	if err != nil {
		t.Fatalf("HasBuildQueued: %v", err)
	}
	if !queued {
		t.Errorf("expected the row to be retained for retry after a single failure")
	}
	if len(cdn.invalidated) != 1 {
		t.Errorf("expected a CDN invalidation even on build failure, got %+v", cdn.invalidated)
	}
}

func TestProcessOneSkipsNonDefaultTargetsAfterDefaultFailure(t *testing.T) {
	q, rel, _ := testDeps(t)
	ctx := context.Background()

	if err := q.AddCrate(ctx, "tokio", "1.0.0", 0, "crates.io"); err != nil {
		t.Fatalf("AddCrate: %v", err)
	}

	sb := &fakeSandbox{buildResult: BuildResult{Success: false}}
	r := New(q, rel, sb, nil, nil, "x86_64-unknown-linux-gnu", []string{"aarch64-unknown-linux-gnu"}, time.Hour, time.Second, "builder-1")

	r.processOneGuarded()

	if len(sb.builds) != 1 {
		t.Fatalf("expected the non-default target to be skipped after a default-target failure, got %d builds", len(sb.builds))
	}
}

func TestProcessOneGuardedRecoversFromPanic(t *testing.T) {
	q, rel, _ := testDeps(t)
	ctx := context.Background()
	if err := q.AddCrate(ctx, "tokio", "1.0.0", 0, "crates.io"); err != nil {
		t.Fatalf("AddCrate: %v", err)
	}

	r := New(q, rel, panicSandbox{}, nil, nil, "x86_64-unknown-linux-gnu", nil, time.Hour, time.Second, "builder-1")

	claimed := r.processOneGuarded()
	if claimed {
		t.Errorf("a panicking cycle should not report a successful claim")
	}
}

type panicSandbox struct{}

func (panicSandbox) ReinitWorkspace(ctx context.Context) error { return nil }
func (panicSandbox) EnsureToolchain(ctx context.Context) error { return nil }
func (panicSandbox) Build(ctx context.Context, job BuildJob) (BuildResult, error) {
	panic("sandbox exploded")
}

func TestBuildOneNeverTouchesTheQueue(t *testing.T) {
	q, rel, _ := testDeps(t)
	ctx := context.Background()

	sb := &fakeSandbox{buildResult: BuildResult{Success: true, Output: "ok"}}
	cdn := &fakeCDN{}
	r := New(q, rel, sb, cdn, nil, "x86_64-unknown-linux-gnu", nil, time.Hour, time.Second, "builder-1")

	if err := r.BuildOne(ctx, "tokio", "1.0.0"); err != nil {
		t.Fatalf("BuildOne: %v", err)
	}

	queued, err := q.HasBuildQueued(ctx, "tokio", "1.0.0")
	if err != nil {
		t.Fatalf("HasBuildQueued: %v", err)
	}
	if queued {
		t.Errorf("BuildOne should never add a queue row")
	}
	if len(cdn.invalidated) != 1 || cdn.invalidated[0] != "tokio" {
		t.Errorf("expected a CDN invalidation for tokio, got %+v", cdn.invalidated)
	}
}

func TestBuildOneReturnsErrorOnFailure(t *testing.T) {
	q, rel, _ := testDeps(t)
	ctx := context.Background()

	sb := &fakeSandbox{buildResult: BuildResult{Success: false, Output: "compile error"}}
	r := New(q, rel, sb, nil, nil, "x86_64-unknown-linux-gnu", nil, time.Hour, time.Second, "builder-1")

	if err := r.BuildOne(ctx, "tokio", "1.0.0"); err == nil {
		t.Fatal("expected BuildOne to return an error on build failure")
	}
}

func TestProcessOneRecordsOneBuildRowPerTarget(t *testing.T) {
	q, rel, db := testDeps(t)
	ctx := context.Background()

	if err := q.AddCrate(ctx, "tokio", "1.0.0", 0, "crates.io"); err != nil {
		t.Fatalf("AddCrate: %v", err)
	}

	sb := &fakeSandbox{buildResult: BuildResult{Success: true, Output: "ok"}}
	otherTargets := []string{"aarch64-unknown-linux-gnu", "i686-unknown-linux-gnu"}
	r := New(q, rel, sb, nil, nil, "x86_64-unknown-linux-gnu", otherTargets, time.Hour, time.Second, "builder-1")

	if !r.processOneGuarded() {
		t.Fatalf("expected a row to be claimed")
	}

	if len(sb.builds) != 3 {
		t.Fatalf("expected one sandbox build per target, got %d", len(sb.builds))
	}

	var total, defaults int
	if err := db.QueryRow(`SELECT count(*), count(*) FILTER (WHERE default_target) FROM builds`).Scan(&total, &defaults); err != nil {
		t.Fatalf("counting build rows: %v", err)
	}
	if total != 3 {
		t.Errorf("builds row count = %d, want 3 (one per target)", total)
	}
	if defaults != 1 {
		t.Errorf("default_target=true row count = %d, want 1", defaults)
	}
}

func TestProcessOneStoresArchivesOnSuccess(t *testing.T) {
	q, rel, _ := testDeps(t)
	ctx := context.Background()

	if err := q.AddCrate(ctx, "tokio", "1.0.0", 0, "crates.io"); err != nil {
		t.Fatalf("AddCrate: %v", err)
	}

	sb := &fakeSandbox{buildResult: BuildResult{Success: true, Output: "ok", RustdocDir: "/workspace/target", SourcesDir: "/workspace/src"}}
	store := &fakeArchiveStore{}
	r := New(q, rel, sb, nil, store, "x86_64-unknown-linux-gnu", nil, time.Hour, time.Second, "builder-1")

	if !r.processOneGuarded() {
		t.Fatalf("expected a row to be claimed")
	}

	if len(store.stored) != 2 {
		t.Fatalf("expected sources and rustdoc archives to be stored, got %+v", store.stored)
	}
	kinds := map[types.ArchiveKind]bool{}
	for _, s := range store.stored {
		kinds[s.kind] = true
		if s.crate != "tokio" || s.version != "1.0.0" {
			t.Errorf("stored archive %+v has wrong crate/version", s)
		}
	}
	if !kinds[types.ArchiveSources] || !kinds[types.ArchiveRustdoc] {
		t.Errorf("expected both sources and rustdoc archives, got %+v", kinds)
	}
}

func TestProcessOneSkipsArchiveStorageOnFailure(t *testing.T) {
	q, rel, _ := testDeps(t)
	ctx := context.Background()

	if err := q.AddCrate(ctx, "tokio", "1.0.0", 0, "crates.io"); err != nil {
		t.Fatalf("AddCrate: %v", err)
	}

	sb := &fakeSandbox{buildResult: BuildResult{Success: false, Output: "compile error"}}
	store := &fakeArchiveStore{}
	r := New(q, rel, sb, nil, store, "x86_64-unknown-linux-gnu", nil, time.Hour, time.Second, "builder-1")

	r.processOneGuarded()

	if len(store.stored) != 0 {
		t.Errorf("expected no archives stored after a failed build, got %+v", store.stored)
	}
}

type fakeLimitsResolver struct {
	limits CrateLimits
	err    error
}

func (f fakeLimitsResolver) ForCrate(ctx context.Context, crate string) (CrateLimits, error) {
	return f.limits, f.err
}

func TestBuildOnePassesResolvedLimitsToSandbox(t *testing.T) {
	q, rel, _ := testDeps(t)
	ctx := context.Background()

	sb := &fakeSandbox{buildResult: BuildResult{Success: true, Output: "ok"}}
	r := New(q, rel, sb, nil, nil, "x86_64-unknown-linux-gnu", nil, time.Hour, time.Second, "builder-1")
	r.SetLimits(fakeLimitsResolver{limits: CrateLimits{MemoryBytes: 16 << 30, Timeout: 2 * time.Hour}})

	if err := r.BuildOne(ctx, "tokio", "1.0.0"); err != nil {
		t.Fatalf("BuildOne: %v", err)
	}

	if len(sb.builds) != 1 {
		t.Fatalf("expected one build, got %d", len(sb.builds))
	}
	if sb.builds[0].MemoryLimitBytes != 16<<30 {
		t.Errorf("MemoryLimitBytes = %d, want %d", sb.builds[0].MemoryLimitBytes, int64(16<<30))
	}
	if sb.builds[0].Timeout != 2*time.Hour {
		t.Errorf("Timeout = %v, want 2h", sb.builds[0].Timeout)
	}
}

func TestBuildOneWithoutLimitsResolverLeavesSandboxDefaults(t *testing.T) {
	q, rel, _ := testDeps(t)
	ctx := context.Background()

	sb := &fakeSandbox{buildResult: BuildResult{Success: true, Output: "ok"}}
	r := New(q, rel, sb, nil, nil, "x86_64-unknown-linux-gnu", nil, time.Hour, time.Second, "builder-1")

	if err := r.BuildOne(ctx, "tokio", "1.0.0"); err != nil {
		t.Fatalf("BuildOne: %v", err)
	}
	if sb.builds[0].MemoryLimitBytes != 0 || sb.builds[0].Timeout != 0 {
		t.Errorf("expected zero-value limits with no resolver wired in, got %+v", sb.builds[0])
	}
}
