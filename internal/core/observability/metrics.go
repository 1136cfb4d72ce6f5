// Package observability holds the Prometheus collectors shared across the
// request path, the source adapters and the cache.
package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 13), // 10ms to ~80s
		},
		[]string{"upstream"},
	)

	upstreamAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_attempts_total",
			Help: "Upstream HTTP attempts by endpoint role and outcome.",
		},
		[]string{"upstream", "role", "outcome"},
	)

	hazardCacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hazard_cache_results_total",
			Help: "Per-source hazard cache lookups by outcome (fresh, stale, miss, fallback, empty).",
		},
		[]string{"source", "outcome"},
	)

	hazardCacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hazard_cache_entries",
			Help: "Entries currently held by a source's hazard cache.",
		},
		[]string{"source"},
	)

	hazardCacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hazard_cache_evictions_total",
			Help: "Entries evicted from a source's hazard cache because it was full.",
		},
		[]string{"source"},
	)

	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hazard_refresh_total",
			Help: "Background refreshes by outcome (scheduled, deduped, ok, discarded, error).",
		},
		[]string{"source", "outcome"},
	)

	parseSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hazard_parse_skipped_total",
			Help: "Upstream elements skipped while parsing, by reason.",
		},
		[]string{"source", "reason"},
	)

	mergeDuplicates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hazard_merge_duplicates_total",
			Help: "External records dropped as duplicates of an already merged record.",
		},
		[]string{"source"},
	)

	redisOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_ops_total",
			Help: "Redis operations by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	redisOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_op_duration_seconds",
			Help:    "Redis operation latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	hotKeys = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hotness_tracked_keys",
			Help: "Number of tiles tracked by the hotness model.",
		},
		[]string{"tier"},
	)

	hitEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hit_events_total",
			Help: "Query events handed to the publisher by outcome (queued, dropped, closed, error).",
		},
		[]string{"outcome"},
	)

	invalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalidation_events_total",
			Help: "Tile invalidation events by op and outcome (applied, duplicate, invalid, error).",
		},
		[]string{"op", "outcome"},
	)

	invalidatedTiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalidated_tiles_total",
			Help: "Cached tiles removed by invalidation events.",
		},
		[]string{"source"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds,
		upstreamLatencySeconds, upstreamAttemptsTotal,
		hazardCacheResults, hazardCacheEntries, hazardCacheEvictions,
		refreshTotal, parseSkipped, mergeDuplicates,
		redisOpsTotal, redisOpDuration, hotKeys, hitEventsTotal,
		invalidationsTotal, invalidatedTiles,
	}
}

// Init registers the collectors on reg. Collectors already present on reg
// are left as they are, so Init may be called once per registry.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

func IncUpstreamAttempt(upstream, role, outcome string) {
	upstreamAttemptsTotal.WithLabelValues(upstream, role, outcome).Inc()
}

func IncCacheResult(source, outcome string) {
	hazardCacheResults.WithLabelValues(source, outcome).Inc()
}

func SetCacheEntries(source string, n int) {
	hazardCacheEntries.WithLabelValues(source).Set(float64(n))
}

func IncCacheEviction(source string) {
	hazardCacheEvictions.WithLabelValues(source).Inc()
}

func IncRefresh(source, outcome string) {
	refreshTotal.WithLabelValues(source, outcome).Inc()
}

func IncParseSkipped(source, reason string) {
	parseSkipped.WithLabelValues(source, reason).Inc()
}

func AddMergeDuplicates(source string, n int) {
	if n <= 0 {
		return
	}
	mergeDuplicates.WithLabelValues(source).Add(float64(n))
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	redisOpsTotal.WithLabelValues(op, outcome).Inc()
	redisOpDuration.WithLabelValues(op).Observe(durationSeconds)
}

func SetHotKeysGauge(tier string, n int) {
	hotKeys.WithLabelValues(tier).Set(float64(n))
}

func IncHitEvent(outcome string) {
	hitEventsTotal.WithLabelValues(outcome).Inc()
}

func IncInvalidation(op, outcome string) {
	invalidationsTotal.WithLabelValues(op, outcome).Inc()
}

func AddInvalidatedTiles(source string, n int) {
	if n <= 0 {
		return
	}
	invalidatedTiles.WithLabelValues(source).Add(float64(n))
}
