package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// OpenWeatherMap API call rate by outcome. Watch for: error vs success ratio.
	WeatherAPICallsTotal *prometheus.CounterVec

	// External API latency per request. Watch for: p99 near the 5s upstream timeout.
	WeatherAPIDuration *prometheus.HistogramVec

	// Upstream errors by category (timeout, location_not_found, upstream_5xx, ...).
	WeatherAPIErrorsTotal *prometheus.CounterVec

	// Circuit breaker transitions for the upstream client.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Cache hits per tier ("fast", "durable").
	CacheHitsTotal *prometheus.CounterVec

	// Cache misses (both tiers missed). Hit rate = hits/(hits+misses).
	CacheMissesTotal prometheus.Counter

	// Entries found on read but older than TTL, per tier.
	CacheExpiredTotal *prometheus.CounterVec

	// Absorbed cache tier errors by tier and operation.
	CacheErrorsTotal *prometheus.CounterVec

	// Durable store write failures. Any increase means the backstop tier is losing writes.
	DurableWriteFailuresTotal prometheus.Counter

	// Rows deleted by the periodic sweep.
	CacheSweepDeletedTotal prometheus.Counter

	// Sweep runs by outcome.
	CacheSweepRunsTotal *prometheus.CounterVec

	// Total weather lookups by kind ("single", "batch").
	WeatherLookupsTotal *prometheus.CounterVec

	// Cities per batch request.
	BatchSize prometheus.Histogram

	// Lookups that shared an in-flight upstream call.
	CoalescedLookupsTotal prometheus.Counter

	// Concurrent misses observed for a key when a new miss starts (stampede indicator).
	ConcurrentMisses prometheus.Histogram

	// Cache warming runs, failures, and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeatherMap API calls",
		},
		[]string{"status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeatherMap API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	WeatherAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiErrorsTotal",
			Help: "Upstream lookup errors by category",
		},
		[]string{"category"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Upstream circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits by tier",
		},
		[]string{"tier"},
	)
	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Lookups that missed every cache tier",
		},
	)
	CacheExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheExpiredTotal",
			Help: "Entries found on read but older than TTL, deleted lazily",
		},
		[]string{"tier"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache tier errors absorbed by the orchestrator",
		},
		[]string{"tier", "op"},
	)
	DurableWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "durableWriteFailuresTotal",
			Help: "Failed upserts into the durable cache store",
		},
	)
	CacheSweepDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheSweepDeletedTotal",
			Help: "Expired durable rows deleted by the sweep",
		},
	)
	CacheSweepRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheSweepRunsTotal",
			Help: "Sweep runs by result",
		},
		[]string{"result"},
	)
	WeatherLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherLookupsTotal",
			Help: "Total number of weather lookups",
		},
		[]string{"kind"},
	)
	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weatherBatchSize",
			Help:    "Number of cities per batch lookup",
			Buckets: []float64{1, 2, 3, 5, 8, 10},
		},
	)
	CoalescedLookupsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coalescedLookupsTotal",
			Help: "Lookups that shared an in-flight upstream call",
		},
	)
	ConcurrentMisses = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheConcurrentMisses",
			Help:    "Concurrent misses in progress for a key when a new miss starts",
			Buckets: []float64{1, 2, 3, 5, 10, 25},
		},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed city",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIErrorsTotal,
		CircuitBreakerTransitionsTotal,
		CacheHitsTotal, CacheMissesTotal, CacheExpiredTotal, CacheErrorsTotal,
		DurableWriteFailuresTotal, CacheSweepDeletedTotal, CacheSweepRunsTotal,
		WeatherLookupsTotal, BatchSize, CoalescedLookupsTotal, ConcurrentMisses,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
	)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
