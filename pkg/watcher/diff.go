package watcher

import (
	"bufio"
	"encoding/json"
	"strings"

	"github.com/cuemby/docsrs-core/pkg/events"
)

// indexLine is the subset of a crates.io index file's per-version JSON
// object this watcher cares about. Each line of an index file describes one
// published version of the crate the file is named after.
type indexLine struct {
	Name   string `json:"name"`
	Vers   string `json:"vers"`
	Yanked bool   `json:"yanked"`
}

// change is one version- or crate-level event derived from diffing an
// index file's content between two commits.
type change struct {
	Type    events.Type
	Crate   string
	Version string
}

// parseIndexFile reads a crates.io index file's content into (crate name,
// version -> line) map. Every line carries the same crate name; an empty
// file yields an empty map and no name.
func parseIndexFile(content string) (string, map[string]indexLine) {
	versions := make(map[string]indexLine)
	var crate string
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var l indexLine
		if err := json.Unmarshal([]byte(line), &l); err != nil {
			continue
		}
		crate = l.Name
		versions[l.Vers] = l
	}
	return crate, versions
}

// diffIndexFile compares the two revisions of one index file and returns
// the crate/version-level events that fell out of it, per spec: a file that
// stopped existing is a crate deletion, a version present in one side but
// not the other is a version add/delete, and a version present in both
// sides with a changed yanked flag is a yank/unyank.
func diffIndexFile(oldContent string, oldExists bool, newContent string, newExists bool) []change {
	switch {
	case oldExists && !newExists:
		crate, _ := parseIndexFile(oldContent)
		if crate == "" {
			return nil
		}
		return []change{{Type: events.CrateDeleted, Crate: crate}}
	case !oldExists && newExists:
		crate, versions := parseIndexFile(newContent)
		changes := make([]change, 0, len(versions))
		for vers := range versions {
			changes = append(changes, change{Type: events.VersionAdded, Crate: crate, Version: vers})
		}
		return changes
	case oldExists && newExists:
		oldCrate, oldVersions := parseIndexFile(oldContent)
		crate, newVersions := parseIndexFile(newContent)
		if crate == "" {
			crate = oldCrate
		}
		var changes []change
		for vers, line := range newVersions {
			old, existed := oldVersions[vers]
			switch {
			case !existed:
				changes = append(changes, change{Type: events.VersionAdded, Crate: crate, Version: vers})
			case old.Yanked != line.Yanked:
				t := events.VersionYanked
				if !line.Yanked {
					t = events.VersionUnyanked
				}
				changes = append(changes, change{Type: t, Crate: crate, Version: vers})
			}
		}
		for vers := range oldVersions {
			if _, stillThere := newVersions[vers]; !stillThere {
				changes = append(changes, change{Type: events.VersionDeleted, Crate: crate, Version: vers})
			}
		}
		return changes
	}
	return nil
}
