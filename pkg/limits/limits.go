// Package limits implements per-crate sandbox resource limits: a set of
// control-plane-wide defaults, a per-crate override table an operator can
// adjust without a deploy, and a crate blacklist the queue refuses to build
// at all. Grounded on _examples/original_source/crates/lib/docs_rs_build_limits
// (limits.rs, overrides.rs, blacklist.rs), supplementing spec.md §4.G/§5's
// "the sandbox enforces resource limits" line with the mechanism the
// original control plane actually used to set them.
package limits

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DefaultMaxTargets is how many targets a release builds for when neither
// the operator-wide config nor a per-crate override says otherwise.
const DefaultMaxTargets = 5

const defaultMemoryBytes = 3 << 30        // 3 GB
const defaultTimeout = 15 * time.Minute   // 15 minutes
const defaultMaxLogSize = 100 * (1 << 10) // 100 KB

// Config is the operator-wide knob Limits.Default reads; currently just the
// memory ceiling, the only default spec.md's config table exposes
// (BUILD_DEFAULT_MEMORY_LIMIT).
type Config struct {
	// DefaultMemoryBytes overrides the 3 GB baseline when non-zero.
	DefaultMemoryBytes int64
}

// Limits are the resource limits one build is allowed to use. Networking
// and MaxLogSize are never overridable per crate, matching the original:
// only Memory, Targets, and Timeout can be raised or tightened per crate.
type Limits struct {
	Memory     int64
	Targets    int
	Timeout    time.Duration
	Networking bool
	MaxLogSize int64
}

// Default returns the control-plane-wide baseline limits, before any
// per-crate override is applied.
func Default(cfg Config) Limits {
	memory := int64(defaultMemoryBytes)
	if cfg.DefaultMemoryBytes > 0 {
		memory = cfg.DefaultMemoryBytes
	}
	return Limits{
		Memory:     memory,
		Targets:    DefaultMaxTargets,
		Timeout:    defaultTimeout,
		Networking: false,
		MaxLogSize: defaultMaxLogSize,
	}
}

// Store resolves Limits for a specific crate, threading any persisted
// Overrides row through the same merge rules the original docs.rs build
// limits crate used.
type Store struct {
	db        *sql.DB
	overrides *Overrides
	blacklist *Blacklist
}

// New wraps db, ensuring the sandbox_overrides/blacklisted_crates tables
// exist.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating limits schema: %w", err)
	}
	return &Store{db: db, overrides: &Overrides{db: db}, blacklist: &Blacklist{db: db}}, nil
}

// Overrides exposes the per-crate override CRUD directly, for the
// `limits overrides` CLI subcommand tree.
func (s *Store) Overrides() *Overrides { return s.overrides }

// Blacklist exposes the crate blacklist CRUD directly, for the
// `limits blacklist` CLI subcommand tree and pkg/queue's admission check.
func (s *Store) Blacklist() *Blacklist { return s.blacklist }

// ForCrate resolves the effective Limits for crate: the control-plane-wide
// Default(cfg), with any persisted override applied on top.
//
//   - Memory can only be raised by an override, never lowered below the
//     default (overrides_dont_lower_memory_limit in the original).
//   - Targets takes the override's value if set; otherwise, if the crate
//     has a custom Timeout override with no explicit Targets override, it
//     defaults to 1 (targets_default_to_one_with_timeout in the original —
//     a longer-than-default timeout is presumed to be for one especially
//     slow target, not every target at once); otherwise the default.
//   - Timeout takes the override's value if set, else the default.
//   - Networking and MaxLogSize are never overridable.
func (s *Store) ForCrate(ctx context.Context, cfg Config, crate string) (Limits, error) {
	def := Default(cfg)
	override, err := s.overrides.ForCrate(ctx, crate)
	if err != nil {
		return Limits{}, err
	}
	if override == nil {
		return def, nil
	}

	result := Limits{
		Memory:     def.Memory,
		Targets:    def.Targets,
		Timeout:    def.Timeout,
		Networking: def.Networking,
		MaxLogSize: def.MaxLogSize,
	}
	if override.Memory != nil && *override.Memory > def.Memory {
		result.Memory = *override.Memory
	}
	switch {
	case override.Targets != nil:
		result.Targets = *override.Targets
	case override.Timeout != nil:
		result.Targets = 1
	}
	if override.Timeout != nil {
		result.Timeout = *override.Timeout
	}
	return result, nil
}
