// Package cdn implements the CDN invalidation pipeline: a synchronous
// surrogate-key purge fired from the queue runner and registry watcher, plus
// a queued wildcard path-invalidation flow for back-ends (the known example
// is CloudFront) that cap concurrent wildcard invalidations per
// distribution. Grounded on pkg/ingress/router.go's per-backend bookkeeping
// shape, rewritten for vendor purge semantics, and on the real Fastly
// surrogate-key purge implementation for the batching/rate-limit details.
package cdn

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cuemby/docsrs-core/pkg/ctlerr"
	"github.com/cuemby/docsrs-core/pkg/log"
	"github.com/cuemby/docsrs-core/pkg/types"
	"github.com/rs/zerolog"
)

// DistributionKind determines the fixed wildcard path-pattern set enqueued
// for a distribution (spec.md §4.I).
type DistributionKind int

const (
	DistributionWeb DistributionKind = iota
	DistributionStatic
)

// Distribution is a configured CDN-side endpoint: a storage origin plus its
// own wildcard-invalidation concurrency cap.
type Distribution struct {
	ID            string
	Kind          DistributionKind
	InFlightLimit int // spec default: 15
	BatchSize     int
}

// Pipeline is the CDNInvalidator implementation pkg/watcher and pkg/runner
// depend on locally.
type Pipeline struct {
	db            *sql.DB
	vendor        Vendor
	distributions []Distribution
	logger        zerolog.Logger
}

// New builds a Pipeline, ensuring the invalidation queue table exists.
// vendor may be nil, in which case InvalidateCrate only enqueues wildcard
// rows — spec.md §9: "a core can run without CDN" still wires the queue
// table so distributions configured later have a backlog to drain.
func New(ctx context.Context, db *sql.DB, vendor Vendor, distributions []Distribution) (*Pipeline, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating cdn invalidation schema: %w", err)
	}
	return &Pipeline{
		db:            db,
		vendor:        vendor,
		distributions: distributions,
		logger:        log.WithComponent("cdn"),
	}, nil
}

// pathPatterns returns the fixed per-crate wildcard pattern set for a
// distribution kind (spec.md §4.I).
func pathPatterns(crate string, kind DistributionKind) []string {
	patterns := []string{
		fmt.Sprintf("/%s*", crate),
		fmt.Sprintf("/crate/%s*", crate),
	}
	if kind == DistributionStatic {
		patterns = append(patterns, fmt.Sprintf("/rustdoc/%s*", crate))
	}
	return patterns
}

// InvalidateCrate purges the crate's surrogate key synchronously, then
// enqueues a wildcard-path invalidation row per configured distribution.
// Both legs fail soft: purge/enqueue errors are logged but never returned,
// so a CDN outage never blocks the build pipeline (spec.md §4.I).
func (p *Pipeline) InvalidateCrate(ctx context.Context, crate string) error {
	if p == nil {
		return nil
	}

	if p.vendor != nil {
		if err := p.vendor.PurgeSurrogateKeys(ctx, []types.SurrogateKey{types.SurrogateKey(crate)}); err != nil {
			p.logger.Error().Err(err).Str("crate", crate).Msg("surrogate-key purge failed")
		}
	}

	for _, dist := range p.distributions {
		for _, pattern := range pathPatterns(crate, dist.Kind) {
			err := ctlerr.Retry(ctx, func() error {
				_, err := p.db.ExecContext(ctx, `
					INSERT INTO cdn_invalidation_queue (crate, distribution_id, path_pattern)
					VALUES ($1, $2, $3)
				`, crate, dist.ID, pattern)
				if err != nil {
					return ctlerr.New(ctlerr.Database, "enqueueing wildcard invalidation", err)
				}
				return nil
			})
			if err != nil {
				p.logger.Error().Err(err).Str("crate", crate).Str("distribution", dist.ID).
					Msg("enqueueing wildcard invalidation failed")
			}
		}
	}

	return nil
}
