package cdn

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// vendorMetrics tracks the Fastly purge call outcomes and rate-limit state,
// labeled per service id (spec.md §4.I: "one purge call per batch per
// configured service id").
type vendorMetrics struct {
	batchPurges        *prometheus.CounterVec
	batchPurgeErrors   *prometheus.CounterVec
	purgedKeys         *prometheus.CounterVec
	rateLimitRemaining *prometheus.GaugeVec
	secondsUntilReset  *prometheus.GaugeVec
}

func newVendorMetrics() *vendorMetrics {
	return &vendorMetrics{
		batchPurges:        fastlyBatchPurges,
		batchPurgeErrors:   fastlyBatchPurgeErrors,
		purgedKeys:         fastlyPurgedKeys,
		rateLimitRemaining: fastlyRateLimitRemaining,
		secondsUntilReset:  fastlySecondsUntilReset,
	}
}

var (
	fastlyBatchPurges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsrs_cdn_fastly_batch_purges_total",
		Help: "Surrogate-key purge batches sent to Fastly, by service id.",
	}, []string{"service_id"})

	fastlyBatchPurgeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsrs_cdn_fastly_batch_purge_errors_total",
		Help: "Surrogate-key purge batches that Fastly rejected, by service id.",
	}, []string{"service_id"})

	fastlyPurgedKeys = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsrs_cdn_fastly_purged_surrogate_keys_total",
		Help: "Surrogate keys successfully purged, by service id.",
	}, []string{"service_id"})

	fastlyRateLimitRemaining = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "docsrs_cdn_fastly_rate_limit_remaining",
		Help: "Fastly-reported remaining purge requests in the current window, by service id.",
	}, []string{"service_id"})

	fastlySecondsUntilReset = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "docsrs_cdn_fastly_seconds_until_rate_limit_reset",
		Help: "Seconds until Fastly's purge rate limit window resets, by service id.",
	}, []string{"service_id"})

	cdnQueueTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "docsrs_cdn_invalidation_queue_time_seconds",
		Help:    "Time a wildcard invalidation spent queued before being submitted to the vendor.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	cdnInvalidationTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "docsrs_cdn_invalidation_time_seconds",
		Help:    "Time a wildcard invalidation spent in flight at the vendor before completion.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(
		fastlyBatchPurges,
		fastlyBatchPurgeErrors,
		fastlyPurgedKeys,
		fastlyRateLimitRemaining,
		fastlySecondsUntilReset,
		cdnQueueTime,
		cdnInvalidationTime,
	)
}

func observeQueueTime(d time.Duration)       { cdnQueueTime.Observe(d.Seconds()) }
func observeInvalidationTime(d time.Duration) { cdnInvalidationTime.Observe(d.Seconds()) }
