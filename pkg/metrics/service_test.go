package metrics

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/cuemby/docsrs-core/pkg/config"
	"github.com/cuemby/docsrs-core/pkg/queue"
	"github.com/prometheus/client_golang/prometheus/testutil"
	_ "github.com/lib/pq"
)

func testServiceDeps(t *testing.T) (*queue.Queue, *sql.DB) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping Postgres-backed metrics tests")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`DROP TABLE IF EXISTS queue, config, cdn_invalidation_queue CASCADE`); err != nil {
		t.Fatalf("resetting schema: %v", err)
	}

	ctx := context.Background()
	cfg, err := config.New(ctx, db)
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	q, err := queue.New(ctx, db, cfg, 5)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	return q, db
}

func TestCollectQueueMetricsZerosUntrackedPriorities(t *testing.T) {
	q, db := testServiceDeps(t)
	ctx := context.Background()

	if err := q.AddCrate(ctx, "tokio", "1.0.0", 5, "crates.io"); err != nil {
		t.Fatalf("AddCrate: %v", err)
	}

	c := NewServiceCollector(q, db)
	if err := c.collectQueueMetrics(ctx); err != nil {
		t.Fatalf("collectQueueMetrics: %v", err)
	}

	if got := testutil.ToFloat64(queuedCratesCount); got != 1 {
		t.Errorf("queuedCratesCount = %v, want 1", got)
	}
	if got := testutil.ToFloat64(queuedCratesByPriority.WithLabelValues("0")); got != 0 {
		t.Errorf("priority 0 should be explicitly zeroed, got %v", got)
	}
	if got := testutil.ToFloat64(queuedCratesByPriority.WithLabelValues("5")); got != 1 {
		t.Errorf("priority 5 should reflect the queued row, got %v", got)
	}
}

func TestCollectCDNMetricsGroupsByDistribution(t *testing.T) {
	q, db := testServiceDeps(t)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cdn_invalidation_queue (
			id BIGSERIAL PRIMARY KEY, crate TEXT NOT NULL, distribution_id TEXT NOT NULL,
			path_pattern TEXT NOT NULL, created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			queued_at TIMESTAMPTZ, completed_at TIMESTAMPTZ, invalidation_id TEXT
		)
	`); err != nil {
		t.Fatalf("creating cdn table: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO cdn_invalidation_queue (crate, distribution_id, path_pattern) VALUES
		('tokio', 'static-dist', '/rustdoc/tokio*'), ('tokio', 'static-dist', '/tokio*')
	`); err != nil {
		t.Fatalf("seeding cdn table: %v", err)
	}

	c := NewServiceCollector(q, db)
	if err := c.collectCDNMetrics(ctx); err != nil {
		t.Fatalf("collectCDNMetrics: %v", err)
	}
	if got := testutil.ToFloat64(queuedCDNInvalidationsByDistribution.WithLabelValues("static-dist")); got != 2 {
		t.Errorf("static-dist count = %v, want 2", got)
	}
}
