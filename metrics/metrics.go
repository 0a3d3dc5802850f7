// Package metrics defines the prometheus collectors shared across the
// engine. Collectors register on the default registry at package load;
// the server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets spans sub-millisecond cache hits to multi-second scans.
var LatencyBuckets = prometheus.ExponentialBuckets(0.001, 2, 15)

var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slate_preview_cache_hits_total",
		Help: "the number of preview requests served from cache, by tier",
	}, []string{"tier"})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slate_preview_cache_misses_total",
		Help: "the number of preview requests that compiled and executed",
	})
	CacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slate_preview_cache_invalidations_total",
		Help: "the number of cache entries dropped before expiry, by reason",
	}, []string{"reason"})

	QueryDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "slate_query_duration_seconds",
		Help:    "the length of time store queries took, by target store",
		Buckets: LatencyBuckets,
	}, []string{"target"})
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slate_store_errors_total",
		Help: "the number of store-side query failures, by target store and error kind",
	}, []string{"target", "kind"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slate_live_sessions",
		Help: "the number of connected dashboard sessions",
	})
	FanoutDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slate_fanout_deliveries_total",
		Help: "the number of row messages delivered to live sessions",
	})
	DroppedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slate_live_dropped_sessions_total",
		Help: "the number of sessions dropped for not draining their send queue",
	})
)
