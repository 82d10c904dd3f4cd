package sandbox

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/cuemby/docsrs-core/pkg/ctlerr"
)

func TestReinitWorkspaceRecreatesDirectories(t *testing.T) {
	dir := t.TempDir()
	workspace := filepath.Join(dir, "workspace")
	if err := os.MkdirAll(filepath.Join(workspace, "stale"), 0o755); err != nil {
		t.Fatalf("seeding stale workspace: %v", err)
	}

	r := &Runner{cfg: Config{WorkspaceDir: workspace}}
	if err := r.ReinitWorkspace(context.Background()); err != nil {
		t.Fatalf("ReinitWorkspace: %v", err)
	}

	if _, err := os.Stat(filepath.Join(workspace, "stale")); !os.IsNotExist(err) {
		t.Error("expected stale subdirectory to be removed")
	}
	for _, sub := range []string{"rustup", "cargo", "target", "src"} {
		if _, err := os.Stat(filepath.Join(workspace, sub)); err != nil {
			t.Errorf("expected %s to exist: %v", sub, err)
		}
	}
}

func TestReinitWorkspaceRejectsEmptyConfig(t *testing.T) {
	r := &Runner{}
	err := r.ReinitWorkspace(context.Background())
	if !ctlerr.IsKind(err, ctlerr.SandboxWorkspaceNotMounted) {
		t.Fatalf("expected SandboxWorkspaceNotMounted, got %v", err)
	}
}

func TestActivityBufferTracksLastWrite(t *testing.T) {
	a := newActivityBuffer()
	if a.idleFor() > time.Second {
		t.Fatalf("freshly created buffer should not already be idle, idle for %v", a.idleFor())
	}
	time.Sleep(20 * time.Millisecond)
	idleBefore := a.idleFor()
	if idleBefore < 20*time.Millisecond {
		t.Fatalf("expected idleFor to reflect elapsed time, got %v", idleBefore)
	}

	a.Write([]byte("cargo doc output"))
	if a.idleFor() >= idleBefore {
		t.Error("expected a write to reset idleFor")
	}
}

func TestActivityBufferTruncatesAtCap(t *testing.T) {
	a := newActivityBuffer()
	big := bytes.Repeat([]byte("x"), maxCapturedOutput+1024)
	a.Write(big)
	if a.buf.Len() != maxCapturedOutput {
		t.Errorf("buffer length = %d, want %d", a.buf.Len(), maxCapturedOutput)
	}
}

func TestIsOOMExitCode(t *testing.T) {
	if !isOOMExitCode(uint32(128 + syscall.SIGKILL)) {
		t.Error("expected 128+SIGKILL to be classified as OOM")
	}
	if isOOMExitCode(1) {
		t.Error("plain exit code 1 should not be classified as OOM")
	}
}
