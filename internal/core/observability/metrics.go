package observability

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var enabled atomic.Bool

func init() {
	enabled.Store(true)
}

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)

	tileResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_results_total",
			Help: "Tile requests by format and outcome.",
		},
		[]string{"format", "outcome"},
	)

	renderDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tile_render_duration_seconds",
			Help:    "Time spent rendering a tile, excluding renderer acquisition.",
			Buckets: prometheus.ExponentialBuckets(0.002, 2, 14),
		},
		[]string{"format"},
	)

	rendererCacheOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderer_cache_operations_total",
			Help: "Renderer cache lookups and lifecycle events.",
		},
		[]string{"op"},
	)

	rendererCacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderer_cache_evictions_total",
			Help: "Renderers destroyed by eviction reason.",
		},
		[]string{"reason"},
	)

	rendererCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderer_cache_entries",
			Help: "Number of renderers currently held by the cache.",
		},
	)

	sqlQueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sql_query_duration_seconds",
			Help:    "Duration of read-only SQL queries by datasource.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"db", "result"},
	)

	redisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation latency by op and result.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"op", "result"},
	)

	tileCacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_cache_results_total",
			Help: "Tile result cache lookups by outcome.",
		},
		[]string{"outcome"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
		[]string{"name"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal,
		httpRequestDurationSeconds,
		upstreamLatencySeconds,
		tileResults,
		renderDurationSeconds,
		rendererCacheOps,
		rendererCacheEvictions,
		rendererCacheSize,
		sqlQueryDurationSeconds,
		redisOpDuration,
		tileCacheResults,
		breakerState,
	}
}

// Init mirrors the package vectors into reg so a dedicated registry can
// expose them. on=false turns every observer into a no-op.
func Init(reg prometheus.Registerer, on bool) {
	enabled.Store(on)
	if reg == nil {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

// ObserveTile counts a served tile. outcome is one of ok, error, timeout,
// substituted or cached.
func ObserveTile(format, outcome string) {
	if !enabled.Load() {
		return
	}
	tileResults.WithLabelValues(format, outcome).Inc()
}

func ObserveRender(format string, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	renderDurationSeconds.WithLabelValues(format).Observe(durationSeconds)
}

// IncRendererCache counts hit, miss, create, create_error and cooldown.
func IncRendererCache(op string) {
	if !enabled.Load() {
		return
	}
	rendererCacheOps.WithLabelValues(op).Inc()
}

func IncRendererEviction(reason string) {
	if !enabled.Load() {
		return
	}
	rendererCacheEvictions.WithLabelValues(reason).Inc()
}

func SetRendererCacheSize(n int) {
	if !enabled.Load() {
		return
	}
	rendererCacheSize.Set(float64(n))
}

func ObserveSQL(db string, err error, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	sqlQueryDurationSeconds.WithLabelValues(db, result(err)).Observe(durationSeconds)
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	redisOpDuration.WithLabelValues(op, result(err)).Observe(durationSeconds)
}

func IncTileCacheHit() {
	if enabled.Load() {
		tileCacheResults.WithLabelValues("hit").Inc()
	}
}

func IncTileCacheMiss() {
	if enabled.Load() {
		tileCacheResults.WithLabelValues("miss").Inc()
	}
}

func SetBreakerState(name string, state int) {
	if !enabled.Load() {
		return
	}
	breakerState.WithLabelValues(name).Set(float64(state))
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
