// Package sandbox implements the external sandboxed builder spec.md §4.G
// drives the queue runner against: a containerd-backed environment that
// runs the pinned toolchain against one target and reports success/failure
// without ever running arbitrary code outside the container.
//
// Grounded on pkg/runtime/containerd.go's ContainerdRuntime, which already
// establishes the namespace/client/oci-spec pattern this package reuses;
// adapted here to build one-shot, output-capturing build containers instead
// of long-running service containers, and to translate every failure into
// the ctlerr.Kind Sandbox* taxonomy spec.md §7 defines.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/cuemby/docsrs-core/pkg/ctlerr"
	"github.com/cuemby/docsrs-core/pkg/log"
	"github.com/cuemby/docsrs-core/pkg/runner"
	"github.com/rs/zerolog"
)

// DefaultNamespace is the containerd namespace builds run under.
const DefaultNamespace = "docsrs-core"

// DefaultSocketPath is the default containerd socket.
const DefaultSocketPath = "/run/containerd/containerd.sock"

// maxCapturedOutput bounds how much combined stdout/stderr is kept in the
// build record; the sandbox still runs to completion past this point, but
// stops buffering (spec.md's MAX_FILE_SIZE caps apply to archives, not
// build logs, so this is a separate, generous bound).
const maxCapturedOutput = 10 << 20 // 10 MiB

// Config controls one Runner.
type Config struct {
	SocketPath string
	Namespace  string

	// Image is the pinned toolchain container image reference.
	Image string

	// WorkspaceDir is the host directory holding the rustup/cargo home
	// directories every build shares (spec.md §4.G.3b).
	WorkspaceDir string

	MemoryLimitBytes int64   // BUILD_DEFAULT_MEMORY_LIMIT
	CPULimitCores    float64 // 0 disables the CPU cap

	// BuildTimeout bounds one target build's total wall-clock time.
	BuildTimeout time.Duration
	// NoOutputTimeout fires if the build produces no stdout/stderr for
	// this long, the presumption being a hung process rather than a slow
	// one (spec.md §5 "NoOutputFor(dur)").
	NoOutputTimeout time.Duration
}

// Runner drives documentation builds inside containerd, implementing
// pkg/runner.Sandbox.
type Runner struct {
	cfg    Config
	client *containerd.Client
	logger zerolog.Logger
}

// New connects to containerd at cfg.SocketPath (DefaultSocketPath if
// empty) and returns a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	client, err := containerd.New(cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd: %w", err)
	}
	return &Runner{cfg: cfg, client: client, logger: log.WithComponent("sandbox")}, nil
}

// Close releases the containerd client connection.
func (r *Runner) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

var _ runner.Sandbox = (*Runner)(nil)

// Ping probes the containerd connection for reachability, the entry point
// pkg/health's sandbox checker uses — it never touches a build container.
func (r *Runner) Ping(ctx context.Context) error {
	nsCtx := namespaces.WithNamespace(ctx, r.cfg.Namespace)
	_, err := r.client.Version(nsCtx)
	return err
}

// ReinitWorkspace tears down and recreates the shared rustup/cargo home
// directories every build mounts into its container. Grounded on
// pkg/volume/local.go's RemoveAll-then-MkdirAll directory-recreation
// routine, applied to the build workspace instead of a volume mount.
func (r *Runner) ReinitWorkspace(ctx context.Context) error {
	if r.cfg.WorkspaceDir == "" {
		return ctlerr.New(ctlerr.SandboxWorkspaceNotMounted, "no workspace directory configured", nil)
	}
	if err := os.RemoveAll(r.cfg.WorkspaceDir); err != nil {
		return ctlerr.New(ctlerr.WorkspaceReinitFailed, "removing existing workspace", err)
	}
	for _, sub := range []string{"rustup", "cargo", "target", "src"} {
		if err := os.MkdirAll(filepath.Join(r.cfg.WorkspaceDir, sub), 0o755); err != nil {
			return ctlerr.New(ctlerr.WorkspaceReinitFailed, "recreating workspace directory "+sub, err)
		}
	}
	r.logger.Info().Str("workspace", r.cfg.WorkspaceDir).Msg("sandbox workspace reinitialized")
	return nil
}

// EnsureToolchain pulls the pinned toolchain image, installing it locally
// if not already present. Image-pull failures and a missing image after a
// pull both surface as distinct Sandbox* kinds so the runner can tell a
// transient registry outage from a typo'd image reference.
func (r *Runner) EnsureToolchain(ctx context.Context) error {
	if r.cfg.Image == "" {
		return ctlerr.New(ctlerr.SandboxImageMissing, "no toolchain image configured", nil)
	}
	nsCtx := namespaces.WithNamespace(ctx, r.cfg.Namespace)

	if _, err := r.client.GetImage(nsCtx, r.cfg.Image); err == nil {
		return nil
	}

	if _, err := r.client.Pull(nsCtx, r.cfg.Image, containerd.WithPullUnpack); err != nil {
		return ctlerr.New(ctlerr.SandboxImagePullFailed, "pulling toolchain image "+r.cfg.Image, err)
	}
	if _, err := r.client.GetImage(nsCtx, r.cfg.Image); err != nil {
		return ctlerr.New(ctlerr.SandboxImageMissing, "toolchain image missing after pull: "+r.cfg.Image, err)
	}
	return nil
}

// Build runs one target build inside a fresh container. The container is
// always deleted before Build returns, success or failure.
func (r *Runner) Build(ctx context.Context, job runner.BuildJob) (runner.BuildResult, error) {
	if r.cfg.WorkspaceDir == "" {
		return runner.BuildResult{}, ctlerr.New(ctlerr.SandboxWorkspaceNotMounted, "no workspace directory configured", nil)
	}
	if _, err := os.Stat(r.cfg.WorkspaceDir); err != nil {
		return runner.BuildResult{}, ctlerr.New(ctlerr.SandboxWorkspaceNotMounted, "workspace not mounted correctly", err)
	}

	nsCtx := namespaces.WithNamespace(ctx, r.cfg.Namespace)

	image, err := r.client.GetImage(nsCtx, r.cfg.Image)
	if err != nil {
		return runner.BuildResult{}, ctlerr.New(ctlerr.SandboxImageMissing, "toolchain image not present: "+r.cfg.Image, err)
	}

	containerID := fmt.Sprintf("docsrs-build-%s-%s-%s-%d", job.Crate, job.Version, job.Target, time.Now().UnixNano())

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv([]string{
			"CARGO_HOME=/workspace/cargo",
			"RUSTUP_HOME=/workspace/rustup",
			"DOCSRS_BUILD_CRATE=" + job.Crate,
			"DOCSRS_BUILD_VERSION=" + job.Version,
			"DOCSRS_BUILD_TARGET=" + job.Target,
		}),
		oci.WithMounts([]specs.Mount{{
			Source:      r.cfg.WorkspaceDir,
			Destination: "/workspace",
			Type:        "bind",
			Options:     []string{"rbind"},
		}}),
	}
	if r.cfg.CPULimitCores > 0 {
		shares := uint64(r.cfg.CPULimitCores * 1024)
		quota := int64(r.cfg.CPULimitCores * 100000)
		period := uint64(100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, period))
	}
	memoryLimit := r.cfg.MemoryLimitBytes
	if job.MemoryLimitBytes > 0 {
		memoryLimit = job.MemoryLimitBytes
	}
	if memoryLimit > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(memoryLimit)))
	}

	container, err := r.client.NewContainer(
		nsCtx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return runner.BuildResult{}, ctlerr.New(ctlerr.SandboxContainerCreate, "creating build container", err)
	}
	defer func() {
		delCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = container.Delete(namespaces.WithNamespace(delCtx, r.cfg.Namespace), containerd.WithSnapshotCleanup)
	}()

	return r.runTask(nsCtx, container, job)
}

// activityBuffer is an io.Writer that both accumulates captured output (up
// to maxCapturedOutput) and records the time of its last write, so the
// no-output watchdog can tell a silent process from a busy one.
type activityBuffer struct {
	buf       bytes.Buffer
	lastWrite int64 // unix nanos, atomic
}

func newActivityBuffer() *activityBuffer {
	a := &activityBuffer{}
	atomic.StoreInt64(&a.lastWrite, time.Now().UnixNano())
	return a
}

func (a *activityBuffer) Write(p []byte) (int, error) {
	atomic.StoreInt64(&a.lastWrite, time.Now().UnixNano())
	if a.buf.Len() < maxCapturedOutput {
		remaining := maxCapturedOutput - a.buf.Len()
		if remaining > len(p) {
			a.buf.Write(p)
		} else {
			a.buf.Write(p[:remaining])
		}
	}
	return len(p), nil
}

func (a *activityBuffer) idleFor() time.Duration {
	return time.Since(time.Unix(0, atomic.LoadInt64(&a.lastWrite)))
}

func (r *Runner) runTask(ctx context.Context, container containerd.Container, job runner.BuildJob) (runner.BuildResult, error) {
	out := newActivityBuffer()
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, out, out)))
	if err != nil {
		return runner.BuildResult{}, ctlerr.New(ctlerr.SandboxContainerCreate, "creating build task", err)
	}
	defer task.Delete(context.Background())

	exitCh, err := task.Wait(ctx)
	if err != nil {
		return runner.BuildResult{}, ctlerr.New(ctlerr.SandboxContainerCreate, "waiting on build task", err)
	}
	if err := task.Start(ctx); err != nil {
		return runner.BuildResult{}, ctlerr.New(ctlerr.SandboxExecutionFailed, "starting build task", err)
	}

	buildTimeout := r.cfg.BuildTimeout
	if job.Timeout > 0 {
		buildTimeout = job.Timeout
	}
	if buildTimeout <= 0 {
		buildTimeout = time.Hour
	}
	noOutputTimeout := r.cfg.NoOutputTimeout
	if noOutputTimeout <= 0 {
		noOutputTimeout = 10 * time.Minute
	}

	overallTimer := time.NewTimer(buildTimeout)
	defer overallTimer.Stop()
	idleTicker := time.NewTicker(30 * time.Second)
	defer idleTicker.Stop()

	for {
		select {
		case status := <-exitCh:
			result := runner.BuildResult{Output: out.buf.String()}
			if status.ExitCode() == 0 {
				result.Success = true
				result.RustdocDir = filepath.Join(r.cfg.WorkspaceDir, "target")
				result.SourcesDir = filepath.Join(r.cfg.WorkspaceDir, "src")
				return result, nil
			}
			memoryLimit := r.cfg.MemoryLimitBytes
			if job.MemoryLimitBytes > 0 {
				memoryLimit = job.MemoryLimitBytes
			}
			if isOOMExitCode(status.ExitCode()) && memoryLimit > 0 {
				return result, ctlerr.New(ctlerr.SandboxOOM, "build container killed, likely out of memory", nil)
			}
			return result, &ctlerr.Error{
				Kind:     ctlerr.SandboxExecutionFailed,
				Msg:      "build exited non-zero",
				ExitCode: int(status.ExitCode()),
			}
		case <-idleTicker.C:
			if out.idleFor() >= noOutputTimeout {
				return r.killForTimeout(ctx, task, out, ctlerr.SandboxNoOutput, noOutputTimeout)
			}
		case <-overallTimer.C:
			return r.killForTimeout(ctx, task, out, ctlerr.SandboxTimeout, buildTimeout)
		}
	}
}

// killForTimeout force-kills a build that overran one of its timeouts. If
// the kill itself fails, that is its own distinct failure mode
// (KillAfterTimeoutFailed) since it typically means the operator must
// intervene on the host.
func (r *Runner) killForTimeout(ctx context.Context, task containerd.Task, out *activityBuffer, kind ctlerr.Kind, after time.Duration) (runner.BuildResult, error) {
	result := runner.BuildResult{Output: out.buf.String()}
	if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
		return result, ctlerr.New(ctlerr.SandboxKillAfterTimeout, "killing build task after timeout", err)
	}
	return result, &ctlerr.Error{Kind: kind, Msg: "build did not complete in time", After: after}
}

// isOOMExitCode reports whether exitCode looks like the kernel OOM-killed
// the build's main process (128+SIGKILL, the same code a memory-cgroup
// kill produces).
func isOOMExitCode(exitCode uint32) bool {
	return exitCode == uint32(128+syscall.SIGKILL)
}
