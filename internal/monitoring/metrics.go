package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus series the service exports on /metrics.
type Metrics struct {
	// HTTP surface (incremented by the middleware)
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	RateLimited  *prometheus.CounterVec

	// Search run lifecycle (fed from bus events)
	RunsTotal   *prometheus.CounterVec
	GrantsFound prometheus.Counter

	// Application generation (fed from bus events)
	ApplicationsTotal *prometheus.CounterVec

	// Dependency fabric
	BreakerState    *prometheus.GaugeVec
	BreakerOpens    *prometheus.GaugeVec
	ErrorsTotal     *prometheus.CounterVec
	FallbacksTotal  *prometheus.CounterVec
	ProbeUp         *prometheus.GaugeVec
	ProbeLatency    *prometheus.GaugeVec
	StuckRunsFailed prometheus.Counter

	// Worker pool
	QueueDepth      prometheus.Gauge
	WorkersInFlight prometheus.Gauge
}

// NewMetrics registers all series with reg. Pass prometheus.DefaultRegisterer
// in main; tests hand in a fresh registry so parallel constructions don't
// collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantly_http_requests_total",
				Help: "HTTP requests served, by route, method and status class",
			},
			[]string{"route", "method", "status"},
		),

		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grantly_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantly_rate_limited_total",
				Help: "Requests rejected by the sliding-window rate limiter",
			},
			[]string{"route"},
		),

		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantly_search_runs_total",
				Help: "Completed search runs by terminal status and trigger",
			},
			[]string{"status", "trigger"},
		),

		GrantsFound: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "grantly_grants_found_total",
				Help: "Grants persisted across all search runs",
			},
		),

		ApplicationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantly_applications_generated_total",
				Help: "Generated applications by completeness",
			},
			[]string{"result"}, // complete, partial
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "grantly_breaker_state",
				Help: "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open)",
			},
			[]string{"dependency"},
		),

		BreakerOpens: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "grantly_breaker_opens",
				Help: "Times each breaker has opened since process start",
			},
			[]string{"dependency"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantly_dependency_errors_total",
				Help: "Failed dependency calls after retries, per dependency",
			},
			[]string{"dependency"},
		),

		FallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantly_fallback_activations_total",
				Help: "Calls served by a degraded fallback, per dependency",
			},
			[]string{"dependency"},
		),

		ProbeUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "grantly_probe_up",
				Help: "Latest health probe outcome per dependency (1 up, 0 down)",
			},
			[]string{"dependency"},
		),

		ProbeLatency: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "grantly_probe_latency_seconds",
				Help: "Latest health probe round-trip per dependency",
			},
			[]string{"dependency"},
		),

		StuckRunsFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "grantly_stuck_runs_failed_total",
				Help: "IN_PROGRESS runs force-failed by the watchdog",
			},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "grantly_worker_queue_depth",
				Help: "Jobs waiting in the search worker queue",
			},
		),

		WorkersInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "grantly_workers_in_flight",
				Help: "Search jobs currently executing",
			},
		),
	}
}
