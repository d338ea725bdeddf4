// Package metrics exposes the Prometheus collectors shared by the proxy
// components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlsproxy_cache_hits_total",
		Help: "Segment requests served from the on-disk cache.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlsproxy_cache_misses_total",
		Help: "Segment requests that required an origin fetch.",
	})
	fetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlsproxy_fetch_retries_total",
		Help: "Fetch attempts that failed and were retried.",
	})
	fetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlsproxy_fetch_failures_total",
		Help: "Fetches that failed permanently after all retries.",
	})
	jumps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlsproxy_jumps_total",
		Help: "Segment requests classified as a seek/jump.",
	})
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hlsproxy_active_sessions",
		Help: "Client sessions currently tracked.",
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hlsproxy_queue_depth",
		Help: "Download tasks waiting for a worker slot.",
	})
	bulkSegmentFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlsproxy_bulk_segment_failures_total",
		Help: "Bulk-download segments that exhausted their retries.",
	})
)

func CacheHit()               { cacheHits.Inc() }
func CacheMiss()              { cacheMisses.Inc() }
func FetchRetried()           { fetchRetries.Inc() }
func FetchFailed()            { fetchFailures.Inc() }
func JumpDetected()           { jumps.Inc() }
func SetActiveSessions(n int) { activeSessions.Set(float64(n)) }
func SetQueueDepth(n int)     { queueDepth.Set(float64(n)) }
func BulkSegmentFailed()      { bulkSegmentFailures.Inc() }
