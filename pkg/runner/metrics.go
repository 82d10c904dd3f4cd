package runner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docsrs_build_time_seconds",
			Help:    "Wall-clock duration of one release's full build (default target plus any additional targets)",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s .. 8192s (~2.3h)
		},
	)

	totalBuildsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docsrs_total_builds",
			Help: "Total number of release builds attempted by the queue runner",
		},
	)

	terminalFailuresCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docsrs_terminal_build_failures_total",
			Help: "Releases dropped from the queue after exhausting build_attempts",
		},
	)
)

func init() {
	prometheus.MustRegister(buildDuration)
	prometheus.MustRegister(totalBuildsCounter)
	prometheus.MustRegister(terminalFailuresCounter)
}

func observeBuildDuration(d time.Duration) {
	buildDuration.Observe(d.Seconds())
}
