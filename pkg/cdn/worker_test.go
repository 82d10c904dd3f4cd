package cdn

import (
	"context"
	"testing"
)

func TestWorkerSubmitPendingRespectsInFlightLimit(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	v := newFakeVendor()

	dist := Distribution{ID: "static-dist", Kind: DistributionStatic, InFlightLimit: 1, BatchSize: 3}
	p, err := New(ctx, db, v, []Distribution{dist})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.InvalidateCrate(ctx, "tokio"); err != nil {
		t.Fatalf("InvalidateCrate: %v", err)
	}
	if err := p.InvalidateCrate(ctx, "serde"); err != nil {
		t.Fatalf("InvalidateCrate: %v", err)
	}

	w := NewWorker(db, v, []Distribution{dist})
	if err := w.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := w.tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	var queuedDistinctCrates int
	if err := db.QueryRowContext(ctx, `
		SELECT count(DISTINCT crate) FROM cdn_invalidation_queue WHERE queued_at IS NOT NULL
	`).Scan(&queuedDistinctCrates); err != nil {
		t.Fatalf("counting queued rows: %v", err)
	}
	if queuedDistinctCrates != 1 {
		t.Errorf("expected only one crate's rows submitted under an in-flight limit of 1, got %d", queuedDistinctCrates)
	}

	var remaining int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM cdn_invalidation_queue WHERE queued_at IS NULL`).Scan(&remaining); err != nil {
		t.Fatalf("counting unqueued rows: %v", err)
	}
	if remaining != 3 {
		t.Errorf("expected the second crate's 3 static-distribution rows still pending, got %d", remaining)
	}
}

func TestWorkerSweepCompletionsStampsCompletedAt(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	v := newFakeVendor()

	dist := Distribution{ID: "web-dist", Kind: DistributionWeb, InFlightLimit: 15, BatchSize: 10}
	p, err := New(ctx, db, v, []Distribution{dist})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.InvalidateCrate(ctx, "tokio"); err != nil {
		t.Fatalf("InvalidateCrate: %v", err)
	}

	w := NewWorker(db, v, []Distribution{dist})
	if err := w.tick(ctx); err != nil {
		t.Fatalf("first tick (submit): %v", err)
	}

	var invalidationID string
	if err := db.QueryRowContext(ctx, `SELECT invalidation_id FROM cdn_invalidation_queue WHERE crate = 'tokio' LIMIT 1`).Scan(&invalidationID); err != nil {
		t.Fatalf("reading invalidation_id: %v", err)
	}
	v.completed[invalidationID] = true

	if err := w.tick(ctx); err != nil {
		t.Fatalf("second tick (sweep): %v", err)
	}

	var completedCount int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM cdn_invalidation_queue WHERE crate = 'tokio' AND completed_at IS NOT NULL`).Scan(&completedCount); err != nil {
		t.Fatalf("counting completed rows: %v", err)
	}
	if completedCount != 2 {
		t.Errorf("expected both web-distribution rows stamped completed, got %d", completedCount)
	}
}
