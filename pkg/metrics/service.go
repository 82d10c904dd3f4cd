package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cuemby/docsrs-core/pkg/log"
	"github.com/cuemby/docsrs-core/pkg/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// maxTrackedPriority is the highest priority class the collector always
// zeros out (spec.md §4.J: "explicit zeros for priorities 0..=20").
const maxTrackedPriority = 20

// DefaultServiceCollectorInterval is the collector's poll period.
const DefaultServiceCollectorInterval = 30 * time.Second

var (
	queuedCratesCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docsrs_queued_crates_count",
		Help: "Total number of rows currently in the build queue.",
	})

	prioritizedCratesCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docsrs_prioritized_crates_count",
		Help: "Number of queued rows more urgent than the default priority.",
	})

	queueIsLocked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docsrs_queue_is_locked",
		Help: "Whether the build queue is administratively paused (1) or not (0).",
	})

	queuedCratesByPriority = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "docsrs_queued_crates_count_by_priority",
		Help: "Queue depth grouped by priority value.",
	}, []string{"priority"})

	queuedCDNInvalidationsByDistribution = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "docsrs_queued_cdn_invalidations_by_distribution",
		Help: "Pending or in-flight wildcard CDN invalidations, grouped by distribution.",
	}, []string{"distribution"})
)

func init() {
	prometheus.MustRegister(
		queuedCratesCount,
		prioritizedCratesCount,
		queueIsLocked,
		queuedCratesByPriority,
		queuedCDNInvalidationsByDistribution,
	)
}

// ServiceCollector periodically publishes build-queue and CDN-invalidation
// depth gauges (spec.md §4.J). Grounded on pkg/metrics/collector.go's
// ticker-driven Start/Stop/collect shape, re-pointed from the manager's
// cluster state at the build queue and CDN invalidation tables.
type ServiceCollector struct {
	queue    *queue.Queue
	db       *sql.DB
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewServiceCollector builds a ServiceCollector. db may be nil, in which
// case CDN invalidation gauges are simply never published — spec.md §9
// allows a core to run without CDN.
func NewServiceCollector(q *queue.Queue, db *sql.DB) *ServiceCollector {
	return &ServiceCollector{
		queue:    q,
		db:       db,
		interval: DefaultServiceCollectorInterval,
		logger:   log.WithComponent("metrics"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the collection loop.
func (c *ServiceCollector) Start() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.collect(context.Background())
		for {
			select {
			case <-ticker.C:
				c.collect(context.Background())
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collection loop.
func (c *ServiceCollector) Stop() {
	close(c.stopCh)
}

func (c *ServiceCollector) collect(ctx context.Context) {
	if err := c.collectQueueMetrics(ctx); err != nil {
		c.logger.Error().Err(err).Msg("collecting queue metrics failed")
	}
	if err := c.collectCDNMetrics(ctx); err != nil {
		c.logger.Error().Err(err).Msg("collecting cdn invalidation metrics failed")
	}
}

func (c *ServiceCollector) collectQueueMetrics(ctx context.Context) error {
	total, err := c.queue.PendingCount(ctx)
	if err != nil {
		return err
	}
	queuedCratesCount.Set(float64(total))

	prioritized, err := c.queue.PrioritizedCount(ctx)
	if err != nil {
		return err
	}
	prioritizedCratesCount.Set(float64(prioritized))

	locked, err := c.queue.IsLocked(ctx)
	if err != nil {
		return err
	}
	if locked {
		queueIsLocked.Set(1)
	} else {
		queueIsLocked.Set(0)
	}

	byPriority, err := c.queue.PendingCountByPriority(ctx)
	if err != nil {
		return err
	}
	// Gauges with disappearing labels retain their last value, so every
	// tracked priority is always published, zeroed unless observed.
	for p := int32(0); p <= maxTrackedPriority; p++ {
		queuedCratesByPriority.WithLabelValues(fmt.Sprint(p)).Set(float64(byPriority[p]))
	}
	for p, count := range byPriority {
		if p > maxTrackedPriority {
			queuedCratesByPriority.WithLabelValues(fmt.Sprint(p)).Set(float64(count))
		}
	}
	return nil
}

func (c *ServiceCollector) collectCDNMetrics(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	result, err := c.db.QueryContext(ctx, `
		SELECT distribution_id, count(*) FROM cdn_invalidation_queue
		WHERE completed_at IS NULL
		GROUP BY distribution_id
	`)
	if err != nil {
		return err
	}
	defer result.Close()
	for result.Next() {
		var distribution string
		var count int64
		if err := result.Scan(&distribution, &count); err != nil {
			return err
		}
		queuedCDNInvalidationsByDistribution.WithLabelValues(distribution).Set(float64(count))
	}
	return result.Err()
}
