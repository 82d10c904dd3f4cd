package watcher

import (
	"testing"

	"github.com/cuemby/docsrs-core/pkg/events"
)

func TestDiffIndexFileNewCrate(t *testing.T) {
	newContent := `{"name":"tokio","vers":"1.0.0","yanked":false}` + "\n"
	changes := diffIndexFile("", false, newContent, true)
	if len(changes) != 1 || changes[0].Type != events.VersionAdded || changes[0].Version != "1.0.0" {
		t.Fatalf("expected one version.added for 1.0.0, got %+v", changes)
	}
}

func TestDiffIndexFileCrateDeleted(t *testing.T) {
	oldContent := `{"name":"tokio","vers":"1.0.0","yanked":false}` + "\n"
	changes := diffIndexFile(oldContent, true, "", false)
	if len(changes) != 1 || changes[0].Type != events.CrateDeleted || changes[0].Crate != "tokio" {
		t.Fatalf("expected one crate.deleted for tokio, got %+v", changes)
	}
}

func TestDiffIndexFileVersionAddedAndYanked(t *testing.T) {
	old := `{"name":"tokio","vers":"1.0.0","yanked":false}` + "\n"
	newer := `{"name":"tokio","vers":"1.0.0","yanked":true}` + "\n" +
		`{"name":"tokio","vers":"1.0.1","yanked":false}` + "\n"

	changes := diffIndexFile(old, true, newer, true)
	var sawYank, sawAdd bool
	for _, c := range changes {
		switch {
		case c.Type == events.VersionYanked && c.Version == "1.0.0":
			sawYank = true
		case c.Type == events.VersionAdded && c.Version == "1.0.1":
			sawAdd = true
		}
	}
	if !sawYank {
		t.Errorf("expected a version.yanked event for 1.0.0, got %+v", changes)
	}
	if !sawAdd {
		t.Errorf("expected a version.added event for 1.0.1, got %+v", changes)
	}
}

func TestDiffIndexFileUnyank(t *testing.T) {
	old := `{"name":"tokio","vers":"1.0.0","yanked":true}` + "\n"
	newer := `{"name":"tokio","vers":"1.0.0","yanked":false}` + "\n"

	changes := diffIndexFile(old, true, newer, true)
	if len(changes) != 1 || changes[0].Type != events.VersionUnyanked {
		t.Fatalf("expected one version.unyanked, got %+v", changes)
	}
}

func TestDiffIndexFileVersionDeleted(t *testing.T) {
	old := `{"name":"tokio","vers":"1.0.0","yanked":false}` + "\n" +
		`{"name":"tokio","vers":"1.0.1","yanked":false}` + "\n"
	newer := `{"name":"tokio","vers":"1.0.0","yanked":false}` + "\n"

	changes := diffIndexFile(old, true, newer, true)
	if len(changes) != 1 || changes[0].Type != events.VersionDeleted || changes[0].Version != "1.0.1" {
		t.Fatalf("expected one version.deleted for 1.0.1, got %+v", changes)
	}
}

func TestDiffIndexFileNoChanges(t *testing.T) {
	content := `{"name":"tokio","vers":"1.0.0","yanked":false}` + "\n"
	changes := diffIndexFile(content, true, content, true)
	if len(changes) != 0 {
		t.Fatalf("expected no changes for identical content, got %+v", changes)
	}
}
