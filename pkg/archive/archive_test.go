package archive

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeFixtureZip(t *testing.T, dir string) string {
	t.Helper()
	zipPath := filepath.Join(dir, "fixture.zip")
	f, err := os.Create(zipPath)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	entries := map[string]string{
		"index.html":        "<html>hello</html>",
		"tokio/index.html":  "<html>tokio docs</html>",
		"tokio/all.html":    "<html>all items</html>",
		"empty.txt":         "",
	}
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := io.WriteString(w, content); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	return zipPath
}

func TestBuildIndexAndLookup(t *testing.T) {
	dir := t.TempDir()
	zipPath := writeFixtureZip(t, dir)
	indexPath := filepath.Join(dir, "fixture.index.db")

	if err := BuildIndex(zipPath, indexPath); err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}

	idx, err := OpenIndex(indexPath)
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer idx.Close()

	info, err := idx.Lookup("tokio/index.html")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if info.Range.End < info.Range.Start {
		t.Errorf("expected non-decreasing range, got %+v", info.Range)
	}

	ok, err := idx.Exists("tokio/all.html")
	if err != nil || !ok {
		t.Errorf("expected tokio/all.html to exist, ok=%v err=%v", ok, err)
	}

	ok, err = idx.Exists("does/not/exist.html")
	if err != nil || ok {
		t.Errorf("expected nonexistent path to report false, ok=%v err=%v", ok, err)
	}
}

func TestLookupMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	zipPath := writeFixtureZip(t, dir)
	indexPath := filepath.Join(dir, "fixture.index.db")
	if err := BuildIndex(zipPath, indexPath); err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}

	idx, err := OpenIndex(indexPath)
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer idx.Close()

	if _, err := idx.Lookup("nope.html"); err == nil {
		t.Fatalf("expected error for missing path")
	}
}
