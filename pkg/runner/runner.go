// Package runner implements the queue runner: the single-process build loop
// that claims the next queued release, drives a build through a sandbox,
// and records the outcome. Grounded on pkg/queue.ProcessNextCrate's
// claim/closure contract and shaped, at the loop level, like
// pkg/reconciler.Reconciler's ticker-driven run loop.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/docsrs-core/pkg/ctlerr"
	"github.com/cuemby/docsrs-core/pkg/log"
	"github.com/cuemby/docsrs-core/pkg/queue"
	"github.com/cuemby/docsrs-core/pkg/releases"
	"github.com/cuemby/docsrs-core/pkg/types"
	"github.com/rs/zerolog"
)

// tempDirPrefix names the residual per-build scratch directories the runner
// cleans up on startup — the same prefix BuildJob workspaces are created
// under.
const tempDirPrefix = "docsrs-build-"

// CDNInvalidator is the slice of pkg/cdn the runner needs: enqueuing a
// purge for the crate whose build just finished, on both success and
// failure (spec.md §4.G step 3f).
type CDNInvalidator interface {
	InvalidateCrate(ctx context.Context, crate string) error
}

// ArchiveStore is the slice of pkg/storage the runner needs: writing a
// successful build's rustdoc and sources directories into the blob
// facade's archives (spec.md §4.D).
type ArchiveStore interface {
	StoreAllInArchive(ctx context.Context, kind types.ArchiveKind, crate, version, rootDir string) ([]types.ArchiveEntry, types.CompressionAlgorithm, error)
}

// BuildJob is one target build the sandbox is asked to run.
type BuildJob struct {
	Crate         string
	Version       string
	Target        string
	DefaultTarget bool

	// MemoryLimitBytes and Timeout, when non-zero, override the sandbox's
	// own daemon-wide defaults for this one build — the per-crate
	// CrateLimits resolved just before the build, if a LimitsResolver is
	// wired in.
	MemoryLimitBytes int64
	Timeout          time.Duration
}

// CrateLimits is the per-crate resource limits a LimitsResolver resolves
// just before a build, overriding the sandbox's daemon-wide defaults.
type CrateLimits struct {
	MemoryBytes int64
	Timeout     time.Duration
}

// LimitsResolver is the slice of pkg/limits the runner needs: resolving a
// crate's effective build limits, including any persisted per-crate
// override. Satisfied, via an adapter, by *pkg/limits.Store.
type LimitsResolver interface {
	ForCrate(ctx context.Context, crate string) (CrateLimits, error)
}

// BuildResult is what the sandbox reports back for one target. RustdocDir
// and SourcesDir are host paths into the shared build workspace and are
// only meaningful when Success is true; they accumulate every target built
// so far (cargo doc lays each target's output under its own subdirectory of
// the same tree), so the archive upload after the last target still covers
// every target attempted for the release.
type BuildResult struct {
	Success    bool
	Output     string
	RustdocDir string
	SourcesDir string
}

// Sandbox is the slice of pkg/sandbox the runner drives. Implementations
// wrap the containerd-backed build environment; a fake is used in tests.
type Sandbox interface {
	// ReinitWorkspace tears down and recreates the rustup/cargo home
	// directories backing every build.
	ReinitWorkspace(ctx context.Context) error
	// EnsureToolchain verifies the pinned toolchain and auxiliary build
	// files are present, installing/refreshing them if not.
	EnsureToolchain(ctx context.Context) error
	// Build runs one target build inside the sandbox.
	Build(ctx context.Context, job BuildJob) (BuildResult, error)
}

// Runner drives the queue runner's main loop.
type Runner struct {
	queue    *queue.Queue
	releases *releases.Store
	sandbox  Sandbox
	cdn      CDNInvalidator
	storage  ArchiveStore
	limits   LimitsResolver

	defaultTarget string
	otherTargets  []string

	reinitInterval time.Duration
	pollDelay      time.Duration
	builderVersion string

	logger zerolog.Logger

	mu          sync.Mutex
	lastReinit  time.Time
	lastClaimed bool // set by processOne; read by processOneGuarded after each cycle
	stopCh      chan struct{}
}

// New builds a Runner. defaultTarget is built first; otherTargets are only
// attempted if the default target build succeeds (spec.md §4.G step 3d).
func New(
	q *queue.Queue,
	rel *releases.Store,
	sb Sandbox,
	cdn CDNInvalidator,
	storage ArchiveStore,
	defaultTarget string,
	otherTargets []string,
	reinitInterval, pollDelay time.Duration,
	builderVersion string,
) *Runner {
	return &Runner{
		queue:          q,
		releases:       rel,
		sandbox:        sb,
		cdn:            cdn,
		storage:        storage,
		defaultTarget:  defaultTarget,
		otherTargets:   otherTargets,
		reinitInterval: reinitInterval,
		pollDelay:      pollDelay,
		builderVersion: builderVersion,
		logger:         log.WithComponent("runner"),
		stopCh:         make(chan struct{}),
	}
}

// SetLimits wires a per-crate build limits resolver in. Left unset, every
// build runs under the sandbox's daemon-wide defaults (BuildJob.Timeout and
// BuildJob.MemoryLimitBytes stay zero), matching behavior before this was
// added.
func (r *Runner) SetLimits(l LimitsResolver) {
	r.limits = l
}

// Start begins the build loop.
func (r *Runner) Start() {
	cleanResidualTempDirs(r.logger)
	go r.run()
}

// Stop stops the build loop.
func (r *Runner) Stop() {
	close(r.stopCh)
}

func (r *Runner) run() {
	r.logger.Info().Msg("queue runner started")
	for {
		select {
		case <-r.stopCh:
			r.logger.Info().Msg("queue runner stopped")
			return
		default:
		}

		if r.processOneGuarded() {
			continue
		}

		select {
		case <-time.After(r.pollDelay):
		case <-r.stopCh:
			return
		}
	}
}

// processOneGuarded runs one process_next_crate cycle behind a panic
// shield: a panicking closure is logged at GRAVE ERROR severity and does
// not lock the queue or crash the runner (spec.md §4.G step 4). It reports
// true when a row was claimed (whether or not the build succeeded), so the
// caller can skip its poll-delay sleep and immediately try for more work.
func (r *Runner) processOneGuarded() (claimed bool) {
	r.lastClaimed = false
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("GRAVE ERROR: queue runner closure panicked")
			claimed = false
			return
		}
		claimed = r.lastClaimed
	}()

	attempt, err := r.queue.ProcessNextCrate(context.Background(), r.processOne)
	if err != nil {
		r.logger.Error().Err(err).Msg("process_next_crate failed")
		return false
	}
	if attempt != nil && *attempt >= r.queue.BuildAttempts() {
		terminalFailuresCounter.Inc()
	}
	return r.lastClaimed
}

func (r *Runner) processOne(ctx context.Context, row types.QueuedCrate) (queue.Summary, error) {
	r.lastClaimed = true

	if err := r.reinitWorkspaceIfStale(ctx); err != nil {
		if lockErr := r.queue.Lock(ctx); lockErr != nil {
			r.logger.Error().Err(lockErr).Msg("failed to lock queue after repeated workspace reinit failure")
		}
		return queue.Summary{}, ctlerr.New(ctlerr.WorkspaceReinitFailed, "workspace reinitialization failed repeatedly", err)
	}

	if err := r.sandbox.EnsureToolchain(ctx); err != nil {
		if lockErr := r.queue.Lock(ctx); lockErr != nil {
			r.logger.Error().Err(lockErr).Msg("failed to lock queue after toolchain check failure")
		}
		return queue.Summary{}, ctlerr.New(ctlerr.ToolchainUpdateFailed, "toolchain/auxiliary file check failed", err)
	}

	success, last, buildErr := r.buildAllTargets(ctx, row.Name, row.Version)
	r.invalidate(ctx, row.Name)

	if !success {
		reason := "build failed"
		if buildErr != nil {
			reason = buildErr.Error()
		}
		return queue.Summary{Successful: false, ShouldReattempt: true}, fmt.Errorf("building %s-%s: %s", row.Name, row.Version, reason)
	}
	r.storeArtifacts(ctx, row.Name, row.Version, last)
	return queue.Summary{Successful: true}, nil
}

// buildAllTargets drives the default-target build, then every other target
// in turn as long as the default target succeeded (spec.md §4.G step 3d),
// recording one builds row per target (spec.md's default_target column
// distinguishes them) rather than folding every target into one record. It
// returns the overall success (the default target's outcome) and the last
// target attempted's BuildResult, whose RustdocDir/SourcesDir cover every
// target built so far.
func (r *Runner) buildAllTargets(ctx context.Context, crate, version string) (success bool, last BuildResult, buildErr error) {
	success, last, buildErr = r.buildOneTarget(ctx, crate, version, r.defaultTarget, true)
	if !success {
		return success, last, buildErr
	}
	for _, target := range r.otherTargets {
		ok, extra, err := r.buildOneTarget(ctx, crate, version, target, false)
		if ok {
			last = extra
		}
		if err != nil || !ok {
			r.logger.Warn().Str("crate", crate).Str("version", version).Str("target", target).
				Msg("non-default target build failed; default target build still counts as success")
		}
	}
	return success, last, buildErr
}

// buildOneTarget runs a single target build and records its own builds row
// from start to finish, independent of every other target's record.
func (r *Runner) buildOneTarget(ctx context.Context, crate, version, target string, isDefault bool) (success bool, result BuildResult, buildErr error) {
	started := time.Now()
	buildID, err := r.releases.RecordBuildStart(ctx, crate, version, started, "", r.builderVersion, isDefault, nil)
	if err != nil {
		return false, BuildResult{}, fmt.Errorf("recording build start: %w", err)
	}

	job := BuildJob{Crate: crate, Version: version, Target: target, DefaultTarget: isDefault}
	if r.limits != nil {
		if cl, err := r.limits.ForCrate(ctx, crate); err != nil {
			r.logger.Warn().Err(err).Str("crate", crate).Msg("resolving build limits failed; using sandbox defaults")
		} else {
			job.MemoryLimitBytes = cl.MemoryBytes
			job.Timeout = cl.Timeout
		}
	}

	result, buildErr = r.sandbox.Build(ctx, job)
	success = buildErr == nil && result.Success

	finished := time.Now()
	status := types.BuildFailure
	if success {
		status = types.BuildSuccess
	}
	if err := r.releases.RecordBuildFinish(ctx, buildID, status, finished, result.Output); err != nil {
		r.logger.Error().Err(err).Msg("failed to record build finish")
	}

	observeBuildDuration(finished.Sub(started))
	totalBuildsCounter.Inc()
	return success, result, buildErr
}

// storeArtifacts uploads a successful release's sources and rustdoc output
// as the blob facade's two per-release archives (spec.md §4.D). Failures
// are logged, not propagated: the build itself already succeeded and
// recording it as failed over a storage hiccup would force a needless
// rebuild.
func (r *Runner) storeArtifacts(ctx context.Context, crate, version string, result BuildResult) {
	if r.storage == nil {
		return
	}
	if result.SourcesDir != "" {
		if _, _, err := r.storage.StoreAllInArchive(ctx, types.ArchiveSources, crate, version, result.SourcesDir); err != nil {
			r.logger.Error().Err(err).Str("crate", crate).Str("version", version).Msg("storing sources archive failed")
		}
	}
	if result.RustdocDir != "" {
		if _, _, err := r.storage.StoreAllInArchive(ctx, types.ArchiveRustdoc, crate, version, result.RustdocDir); err != nil {
			r.logger.Error().Err(err).Str("crate", crate).Str("version", version).Msg("storing rustdoc archive failed")
		}
	}
}

// BuildOne runs a single on-demand build of crate@version outside the
// queue — the `build crate {name} {version}` CLI command's implementation
// (spec.md's CLI surface line). It shares every step of a queued build
// (workspace reinit, toolchain check, sandbox build, build-record
// bookkeeping, CDN invalidation) but never touches the queue table, so a
// failure here never locks the queue the way a queued build's does.
func (r *Runner) BuildOne(ctx context.Context, crate, version string) error {
	if err := r.reinitWorkspaceIfStale(ctx); err != nil {
		return ctlerr.New(ctlerr.WorkspaceReinitFailed, "workspace reinitialization failed repeatedly", err)
	}
	if err := r.sandbox.EnsureToolchain(ctx); err != nil {
		return ctlerr.New(ctlerr.ToolchainUpdateFailed, "toolchain/auxiliary file check failed", err)
	}

	success, last, buildErr := r.buildAllTargets(ctx, crate, version)
	r.invalidate(ctx, crate)

	if !success {
		reason := "build failed"
		if buildErr != nil {
			reason = buildErr.Error()
		}
		return fmt.Errorf("building %s-%s: %s", crate, version, reason)
	}
	r.storeArtifacts(ctx, crate, version, last)
	return nil
}

func (r *Runner) reinitWorkspaceIfStale(ctx context.Context) error {
	r.mu.Lock()
	due := time.Since(r.lastReinit) > r.reinitInterval
	r.mu.Unlock()
	if !due {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := r.sandbox.ReinitWorkspace(ctx); err != nil {
			lastErr = err
			continue
		}
		r.mu.Lock()
		r.lastReinit = time.Now()
		r.mu.Unlock()
		return nil
	}
	return lastErr
}

func (r *Runner) invalidate(ctx context.Context, crate string) {
	if r.cdn == nil {
		return
	}
	if err := r.cdn.InvalidateCrate(ctx, crate); err != nil {
		r.logger.Error().Err(err).Str("crate", crate).Msg("enqueuing CDN invalidation failed")
	}
}

// cleanResidualTempDirs removes leftover per-build scratch directories from
// a prior process that exited mid-build (spec.md §4.G step 1).
func cleanResidualTempDirs(logger zerolog.Logger) {
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), tempDirPrefix+"*"))
	if err != nil {
		logger.Warn().Err(err).Msg("could not glob residual temp directories")
		return
	}
	for _, dir := range matches {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn().Err(err).Str("dir", dir).Msg("failed to remove residual temp directory")
		}
	}
}
