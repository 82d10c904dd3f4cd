package cdn

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cuemby/docsrs-core/pkg/ctlerr"
	"github.com/cuemby/docsrs-core/pkg/log"
	"github.com/rs/zerolog"
)

// DefaultWorkerInterval is the wildcard-invalidation worker's poll period.
const DefaultWorkerInterval = 10 * time.Second

// DefaultInFlightLimit is the known per-distribution concurrency cap for
// back-ends like CloudFront that limit parallel wildcard invalidations.
const DefaultInFlightLimit = 15

// DefaultBatchSize bounds how many pending rows are folded into a single
// invalidation call per poll, per distribution.
const DefaultBatchSize = 50

// Worker drains cdn_invalidation_queue: it submits batches of pending rows
// up to each distribution's in-flight cap, then separately sweeps submitted
// batches for vendor-side completion.
type Worker struct {
	db            *sql.DB
	vendor        Vendor
	distributions []Distribution
	interval      time.Duration
	logger        zerolog.Logger
	stopCh        chan struct{}
}

// NewWorker builds a Worker. A nil vendor makes every tick a no-op, matching
// Pipeline's "run without CDN" allowance.
func NewWorker(db *sql.DB, vendor Vendor, distributions []Distribution) *Worker {
	for i := range distributions {
		if distributions[i].InFlightLimit <= 0 {
			distributions[i].InFlightLimit = DefaultInFlightLimit
		}
		if distributions[i].BatchSize <= 0 {
			distributions[i].BatchSize = DefaultBatchSize
		}
	}
	return &Worker{
		db:            db,
		vendor:        vendor,
		distributions: distributions,
		interval:      DefaultWorkerInterval,
		logger:        log.WithComponent("cdn-worker"),
		stopCh:        make(chan struct{}),
	}
}

// Start begins the poll loop.
func (w *Worker) Start() {
	go w.run()
}

// Stop stops the poll loop.
func (w *Worker) Stop() {
	close(w.stopCh)
}

func (w *Worker) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().Msg("cdn invalidation worker started")
	for {
		select {
		case <-ticker.C:
			if err := w.tick(context.Background()); err != nil {
				w.logger.Error().Err(err).Msg("cdn invalidation tick failed")
			}
		case <-w.stopCh:
			w.logger.Info().Msg("cdn invalidation worker stopped")
			return
		}
	}
}

func (w *Worker) tick(ctx context.Context) error {
	if w.vendor == nil {
		return nil
	}
	for _, dist := range w.distributions {
		if err := w.submitPending(ctx, dist); err != nil {
			return fmt.Errorf("submitting pending invalidations for %s: %w", dist.ID, err)
		}
	}
	if err := w.sweepCompletions(ctx); err != nil {
		return fmt.Errorf("sweeping invalidation completions: %w", err)
	}
	return nil
}

// submitPending batches up to dist.BatchSize pending rows (queued_at IS
// NULL) for dist, provided fewer than dist.InFlightLimit rows are currently
// in flight, and fires one invalidation call covering all their patterns.
func (w *Worker) submitPending(ctx context.Context, dist Distribution) error {
	var inFlight int
	err := ctlerr.Retry(ctx, func() error {
		err := w.db.QueryRowContext(ctx, `
			SELECT count(*) FROM cdn_invalidation_queue
			WHERE distribution_id = $1 AND queued_at IS NOT NULL AND completed_at IS NULL
		`, dist.ID).Scan(&inFlight)
		if err != nil {
			return ctlerr.New(ctlerr.Database, "counting in-flight invalidations", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if inFlight >= dist.InFlightLimit {
		return nil
	}

	var rows *sql.Rows
	err = ctlerr.Retry(ctx, func() error {
		var err error
		rows, err = w.db.QueryContext(ctx, `
			SELECT id, path_pattern FROM cdn_invalidation_queue
			WHERE distribution_id = $1 AND queued_at IS NULL
			ORDER BY created_at
			LIMIT $2
		`, dist.ID, dist.BatchSize)
		if err != nil {
			return ctlerr.New(ctlerr.Database, "selecting pending invalidations", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	var ids []int64
	var patterns []string
	for rows.Next() {
		var id int64
		var pattern string
		if err := rows.Scan(&id, &pattern); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
		patterns = append(patterns, pattern)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil
	}

	invalidationID, err := w.vendor.SubmitWildcardInvalidation(ctx, dist.ID, patterns)
	if err != nil {
		w.logger.Error().Err(err).Str("distribution", dist.ID).Msg("wildcard invalidation submission failed")
		return nil
	}

	for _, id := range ids {
		_, err := w.db.ExecContext(ctx, `
			UPDATE cdn_invalidation_queue SET queued_at = now(), invalidation_id = $2
			WHERE id = $1
		`, id, invalidationID)
		if err != nil {
			w.logger.Error().Err(err).Int64("id", id).Msg("failed to stamp queued_at")
		}
	}
	return nil
}

// sweepCompletions polls the vendor for every distinct in-flight
// (distribution, invalidation id) pair and stamps completed_at for every
// row sharing an id the vendor reports as finished.
func (w *Worker) sweepCompletions(ctx context.Context) error {
	var rows *sql.Rows
	err := ctlerr.Retry(ctx, func() error {
		var err error
		rows, err = w.db.QueryContext(ctx, `
			SELECT DISTINCT distribution_id, invalidation_id FROM cdn_invalidation_queue
			WHERE queued_at IS NOT NULL AND completed_at IS NULL AND invalidation_id IS NOT NULL
		`)
		if err != nil {
			return ctlerr.New(ctlerr.Database, "selecting in-flight invalidations", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	type pending struct{ distributionID, invalidationID string }
	var inFlight []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.distributionID, &p.invalidationID); err != nil {
			rows.Close()
			return err
		}
		inFlight = append(inFlight, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, p := range inFlight {
		done, err := w.vendor.InvalidationComplete(ctx, p.distributionID, p.invalidationID)
		if err != nil {
			w.logger.Error().Err(err).Str("distribution", p.distributionID).Str("invalidation_id", p.invalidationID).
				Msg("checking invalidation completion failed")
			continue
		}
		if !done {
			continue
		}
		if err := w.completeInvalidation(ctx, p.distributionID, p.invalidationID); err != nil {
			w.logger.Error().Err(err).Str("invalidation_id", p.invalidationID).Msg("recording invalidation completion failed")
		}
	}
	return nil
}

func (w *Worker) completeInvalidation(ctx context.Context, distributionID, invalidationID string) error {
	rows, err := w.db.QueryContext(ctx, `
		SELECT id, created_at, queued_at FROM cdn_invalidation_queue
		WHERE distribution_id = $1 AND invalidation_id = $2 AND completed_at IS NULL
	`, distributionID, invalidationID)
	if err != nil {
		return err
	}
	type row struct {
		id        int64
		createdAt time.Time
		queuedAt  time.Time
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.createdAt, &r.queuedAt); err != nil {
			rows.Close()
			return err
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	now := time.Now()
	for _, r := range pending {
		if _, err := w.db.ExecContext(ctx, `UPDATE cdn_invalidation_queue SET completed_at = $2 WHERE id = $1`, r.id, now); err != nil {
			return err
		}
		observeQueueTime(r.queuedAt.Sub(r.createdAt))
		observeInvalidationTime(now.Sub(r.queuedAt))
	}
	return nil
}
