// Package observability holds the domain metrics of the service. Collectors
// are registered by the metrics provider at startup.
package observability

import (
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
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"provider", "op"},
	)

	fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "building_fetch_total",
			Help: "Finished building fetches by outcome.",
		},
		[]string{"provider", "outcome"},
	)

	fetchDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "building_fetch_duration_seconds",
			Help:    "Wall time of building fetches.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7m
		},
		[]string{"provider"},
	)

	fetchRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "building_fetch_records_total",
			Help: "Upstream records by result (retained, filtered, skipped).",
		},
		[]string{"provider", "result"},
	)

	cacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Result cache lookups by tier and outcome.",
		},
		[]string{"tier", "outcome"},
	)

	cacheOpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_duration_seconds",
			Help:    "Duration of redis cache operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "result"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
		[]string{"name"},
	)

	breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		},
		[]string{"name", "from", "to"},
	)

	invalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_invalidations_total",
			Help: "Invalidation events by result.",
		},
		[]string{"result"},
	)

	invalidatedKeysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_invalidated_keys_total",
			Help: "Cached results removed by invalidation events.",
		},
	)

	fetchEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fetch_events_dropped_total",
			Help: "Fetch events dropped because the publish queue was full.",
		},
	)
)

// Collectors returns every collector of this package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds,
		fetchTotal, fetchDurationSeconds, fetchRecordsTotal,
		cacheResults, cacheOpDurationSeconds,
		breakerState, breakerTransitions,
		invalidationsTotal, invalidatedKeysTotal, fetchEventsDropped,
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(provider, op string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(provider, op).Observe(durationSeconds)
}

func ObserveFetch(provider, outcome string, durationSeconds float64) {
	fetchTotal.WithLabelValues(provider, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(provider).Observe(durationSeconds)
}

func AddFetchRecords(provider, result string, n int) {
	if n <= 0 {
		return
	}
	fetchRecordsTotal.WithLabelValues(provider, result).Add(float64(n))
}

func IncCacheHit(tier string) {
	cacheResults.WithLabelValues(tier, "hit").Inc()
}

func IncCacheMiss(tier string) {
	cacheResults.WithLabelValues(tier, "miss").Inc()
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	cacheOpDurationSeconds.WithLabelValues(op, res).Observe(durationSeconds)
}

func SetBreakerState(name string, state float64) {
	breakerState.WithLabelValues(name).Set(state)
}

func IncBreakerTransition(name, from, to string) {
	breakerTransitions.WithLabelValues(name, from, to).Inc()
}

func IncInvalidation(result string) {
	invalidationsTotal.WithLabelValues(result).Inc()
}

func AddInvalidatedKeys(n int) {
	if n > 0 {
		invalidatedKeysTotal.Add(float64(n))
	}
}

func IncFetchEventsDropped() {
	fetchEventsDropped.Inc()
}
