package types

import (
	"path"
	"time"
)

// Priority classes for the build queue. Lower values are more urgent.
const (
	PriorityDefault                int32 = 0
	PriorityDeprioritized          int32 = 1
	PriorityManualFromRegistry     int32 = 5
	PriorityBrokenToolchainRebuild int32 = 10
	PriorityConsistency            int32 = 15
	PriorityContinuousRebuild      int32 = 20
)

// PriorityPattern maps a crate-name glob pattern to an override priority.
// The first match in a PriorityTable wins.
type PriorityPattern struct {
	Pattern  string
	Priority int32
}

// PriorityTable resolves a crate name to a priority, defaulting to
// PriorityDefault when nothing matches.
type PriorityTable struct {
	patterns []PriorityPattern
}

// NewPriorityTable builds a table from an ordered list of patterns; the
// first match in iteration order wins, matching spec.md's "first match wins".
func NewPriorityTable(patterns []PriorityPattern) *PriorityTable {
	return &PriorityTable{patterns: patterns}
}

// Resolve returns the priority for name, or PriorityDefault if unmatched.
func (t *PriorityTable) Resolve(name string) int32 {
	if t == nil {
		return PriorityDefault
	}
	for _, p := range t.patterns {
		if ok, _ := path.Match(p.Pattern, name); ok {
			return p.Priority
		}
	}
	return PriorityDefault
}

// QueuedCrate is one row of the build queue.
type QueuedCrate struct {
	ID        int64
	Name      string
	Version   string
	Priority  int32
	Registry  string // optional
	Attempt   int32
	CreatedAt time.Time
	LockedAt  *time.Time
}

// ReleaseID identifies a single release: (crate name, version).
type ReleaseID struct {
	Name    string
	Version string
}

// BuildID identifies a single build attempt of a release.
type BuildID struct {
	ReleaseID
	Attempt int32
}
