// Package metrics publishes the build-control-plane's Prometheus gauges:
// queue depth (overall, by priority, and whether the queue is
// administratively locked) and pending CDN invalidation counts by
// distribution. ServiceCollector polls pkg/queue and the cdn_invalidation_queue
// table on a timer and sets the gauges; pkg/adminsrv serves them at /metrics
// via promhttp.Handler directly.
package metrics
