package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/docsrs-core/pkg/ctlerr"
	"github.com/cuemby/docsrs-core/pkg/types"
)

func isSizeLimit(err error) bool { return ctlerr.IsKind(err, ctlerr.SizeLimit) }

// writeFixtureTree lays out a small build-output directory for
// StoreAllInArchive to walk, mirroring what the sandbox leaves on disk after
// a successful rustdoc build.
func writeFixtureTree(t *testing.T, dir string) string {
	t.Helper()
	root := filepath.Join(dir, "out")
	if err := os.MkdirAll(filepath.Join(root, "tokio"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	files := map[string]string{
		"index.html":       "<html>crate root</html>",
		"tokio/index.html": "<html>tokio docs</html>",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
			t.Fatalf("writing fixture file %s: %v", name, err)
		}
	}
	return root
}

func TestFacadeStoreAndGetFromArchive(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	facade, err := NewFacade(backend, t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFacade: %v", err)
	}

	root := writeFixtureTree(t, t.TempDir())
	entries, alg, err := facade.StoreAllInArchive(ctx, types.ArchiveRustdoc, "tokio", "1.0.0", root)
	if err != nil {
		t.Fatalf("StoreAllInArchive: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if alg != 0 {
		t.Errorf("expected CompressionNone for the archive blob itself, got %v", alg)
	}

	blob, err := facade.GetFromArchive(ctx, types.ArchiveRustdoc, "tokio", "1.0.0", "tokio/index.html", -1)
	if err != nil {
		t.Fatalf("GetFromArchive: %v", err)
	}
	if string(blob.Content) != "<html>tokio docs</html>" {
		t.Errorf("got %q", blob.Content)
	}
	if blob.ETag == "" {
		t.Errorf("expected a non-empty etag")
	}
	if blob.Mime != "text/html; charset=utf-8" {
		t.Errorf("expected derived html mime, got %q", blob.Mime)
	}

	if _, err := facade.GetFromArchive(ctx, types.ArchiveRustdoc, "tokio", "1.0.0", "tokio/index.html", 4); !isSizeLimit(err) {
		t.Errorf("expected a size-limit error for an undersized max_size, got %v", err)
	}

	ok, err := facade.ExistsInArchive(ctx, types.ArchiveRustdoc, "tokio", "1.0.0", "index.html")
	if err != nil || !ok {
		t.Errorf("ExistsInArchive root: ok=%v err=%v", ok, err)
	}
	ok, err = facade.ExistsInArchive(ctx, types.ArchiveRustdoc, "tokio", "1.0.0", "missing.html")
	if err != nil || ok {
		t.Errorf("ExistsInArchive missing: ok=%v err=%v", ok, err)
	}
}

func TestFacadeIndexCacheReusedAcrossLookups(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	facade, err := NewFacade(backend, t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFacade: %v", err)
	}
	root := writeFixtureTree(t, t.TempDir())
	if _, _, err := facade.StoreAllInArchive(ctx, types.ArchiveRustdoc, "serde", "2.0.0", root); err != nil {
		t.Fatalf("StoreAllInArchive: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := facade.GetFromArchive(ctx, types.ArchiveRustdoc, "serde", "2.0.0", "index.html", -1); err != nil {
			t.Fatalf("GetFromArchive iteration %d: %v", i, err)
		}
	}
	if _, ok := facade.indexes.Get(indexPath(types.ArchiveRustdoc, "serde", "2.0.0")); !ok {
		t.Errorf("expected index to remain cached")
	}
}

func TestFacadeStoreOnePicksCompressionByMime(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	facade, err := NewFacade(backend, t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFacade: %v", err)
	}

	alg, err := facade.StoreOne(ctx, "tokio/1.0.0/search-index.js", []byte("var N={};"), "application/javascript")
	if err != nil {
		t.Fatalf("StoreOne: %v", err)
	}
	if alg != chooseCompression("application/javascript") {
		t.Errorf("expected javascript to use %v, got %v", chooseCompression("application/javascript"), alg)
	}

	blob, err := facade.GetCompressed(ctx, "tokio/1.0.0/search-index.js", alg, -1)
	if err != nil {
		t.Fatalf("GetCompressed: %v", err)
	}
	if string(blob.Content) != "var N={};" {
		t.Errorf("got %q", blob.Content)
	}
}
