// Package rebuild implements the rebuild scheduler: a periodic loop that
// tops the build queue back up to a configured headroom with the stalest
// successfully-built releases, and a secondary sweep that requeues releases
// last built by a toolchain later found to be faulty. Grounded on
// pkg/scheduler/scheduler.go's ticker-driven loop shape.
package rebuild

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/docsrs-core/pkg/config"
	"github.com/cuemby/docsrs-core/pkg/ctlerr"
	"github.com/cuemby/docsrs-core/pkg/log"
	"github.com/cuemby/docsrs-core/pkg/queue"
	"github.com/cuemby/docsrs-core/pkg/releases"
	"github.com/cuemby/docsrs-core/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultInterval is the scheduler's tick period (spec default: hourly).
const DefaultInterval = time.Hour

// Scheduler periodically enqueues stale releases for rebuild.
type Scheduler struct {
	cfg      *config.Store
	queue    *queue.Queue
	releases *releases.Store

	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// New builds a Scheduler.
func New(cfg *config.Store, q *queue.Queue, rel *releases.Store) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		queue:    q,
		releases: rel,
		interval: DefaultInterval,
		logger:   log.WithComponent("rebuild"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the scheduler loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Msg("rebuild scheduler started")

	for {
		select {
		case <-ticker.C:
			if err := s.tick(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("rebuild cycle failed")
			}
		case <-s.stopCh:
			s.logger.Info().Msg("rebuild scheduler stopped")
			return
		}
	}
}

// tick implements spec.md §4.H's primary variant: compute headroom under
// max_queued_rebuilds and top it up with the stalest eligible releases.
func (s *Scheduler) tick(ctx context.Context) error {
	maxQueuedRaw, err := s.cfg.Get(ctx, types.ConfigKeyMaxQueuedRebuilds)
	if ctlerr.IsKind(err, ctlerr.NotFound) {
		s.logger.Debug().Msg("max_queued_rebuilds unset, skipping rebuild cycle")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading max_queued_rebuilds: %w", err)
	}
	var maxQueued int64
	if _, err := fmt.Sscanf(maxQueuedRaw, "%d", &maxQueued); err != nil {
		return fmt.Errorf("parsing max_queued_rebuilds %q: %w", maxQueuedRaw, err)
	}

	byPriority, err := s.queue.PendingCountByPriority(ctx)
	if err != nil {
		return fmt.Errorf("counting queue by priority: %w", err)
	}
	var continuousRebuildCount int64
	for priority, count := range byPriority {
		if priority >= types.PriorityContinuousRebuild {
			continuousRebuildCount += count
		}
	}

	headroom := maxQueued - continuousRebuildCount
	if headroom <= 0 {
		s.logger.Info().Int64("headroom", headroom).Msg("no rebuild headroom this cycle")
		return nil
	}

	refs, err := s.releases.StaleReleasesForRebuild(ctx, int(headroom))
	if err != nil {
		return fmt.Errorf("selecting stale releases: %w", err)
	}
	for _, ref := range refs {
		if err := s.enqueueIfAbsent(ctx, ref.Crate, ref.Version, types.PriorityContinuousRebuild); err != nil {
			s.logger.Error().Err(err).Str("crate", ref.Crate).Str("version", ref.Version).
				Msg("failed to enqueue stale release for rebuild")
		}
	}
	return nil
}

// QueueFaultyToolchainRebuilds implements spec.md §4.H's secondary variant:
// requeue every release whose latest successful build's toolchain
// nightly-date falls in [start, end], at BROKEN_TOOLCHAIN_REBUILD priority.
// This is triggered by an operator (CLI/admin action), not the periodic
// loop, so it is exported rather than folded into tick.
func (s *Scheduler) QueueFaultyToolchainRebuilds(ctx context.Context, start, end time.Time) (int, error) {
	refs, err := s.releases.FaultyToolchainReleases(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("selecting faulty-toolchain releases: %w", err)
	}
	queued := 0
	for _, ref := range refs {
		if err := s.enqueueIfAbsent(ctx, ref.Crate, ref.Version, types.PriorityBrokenToolchainRebuild); err != nil {
			s.logger.Error().Err(err).Str("crate", ref.Crate).Str("version", ref.Version).
				Msg("failed to enqueue faulty-toolchain release for rebuild")
			continue
		}
		queued++
	}
	return queued, nil
}

func (s *Scheduler) enqueueIfAbsent(ctx context.Context, crate, version string, priority int32) error {
	queued, err := s.queue.HasBuildQueued(ctx, crate, version)
	if err != nil {
		return err
	}
	if queued {
		return nil
	}
	return s.queue.AddCrate(ctx, crate, version, priority, "")
}
