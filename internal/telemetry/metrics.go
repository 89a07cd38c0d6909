package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Extension reconciliation metrics.
var (
	ReconcileSweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rise",
			Subsystem: "reconcile",
			Name:      "sweeps_total",
			Help:      "Total number of reconciliation sweeps performed per provider.",
		},
		[]string{"provider"},
	)

	ReconcileErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rise",
			Subsystem: "reconcile",
			Name:      "errors_total",
			Help:      "Total number of reconciliation errors per provider.",
		},
		[]string{"provider"},
	)

	ReconcileRowsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rise",
			Subsystem: "reconcile",
			Name:      "rows_skipped_total",
			Help:      "Total number of extension rows skipped due to backoff.",
		},
		[]string{"provider"},
	)

	ReconcileStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rise",
			Subsystem: "reconcile",
			Name:      "state_transitions_total",
			Help:      "Total number of extension status state transitions.",
		},
		[]string{"provider", "from", "to"},
	)
)

// Auth flow, ingress, and token re-issuance metrics.
var (
	SignInsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rise",
			Subsystem: "auth",
			Name:      "signins_started_total",
			Help:      "Total number of sign-in flows started.",
		},
	)

	SignInsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rise",
			Subsystem: "auth",
			Name:      "signins_completed_total",
			Help:      "Total number of sign-in flows completed successfully.",
		},
	)

	IngressVerifyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rise",
			Subsystem: "ingress",
			Name:      "verify_total",
			Help:      "Total number of ingress auth subrequests by verdict.",
		},
		[]string{"verdict"},
	)

	OAuth2TokenIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rise",
			Subsystem: "oauth2server",
			Name:      "token_issued_total",
			Help:      "Total number of re-issued upstream tokens by grant type.",
		},
		[]string{"grant_type"},
	)
)

// HTTPRequestDuration records HTTP request latency labeled by method, route
// pattern, and status code.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "rise",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "route", "status"},
)

// HTTPDurationObserver is the small adapter over a *prometheus.HistogramVec
// that internal/httpserver's Metrics middleware records through.
type HTTPDurationObserver struct {
	vec *prometheus.HistogramVec
}

// NewHTTPDurationObserver wraps HTTPRequestDuration for the middleware.
func NewHTTPDurationObserver() *HTTPDurationObserver {
	return &HTTPDurationObserver{vec: HTTPRequestDuration}
}

// Observe records one request's duration.
func (o *HTTPDurationObserver) Observe(method, route, status string, seconds float64) {
	o.vec.WithLabelValues(method, route, status).Observe(seconds)
}

// All returns every Rise-specific collector for registration against a
// prometheus.Registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ReconcileSweepsTotal,
		ReconcileErrorsTotal,
		ReconcileRowsSkippedTotal,
		ReconcileStateTransitionsTotal,
		SignInsStartedTotal,
		SignInsCompletedTotal,
		IngressVerifyTotal,
		OAuth2TokenIssuedTotal,
		HTTPRequestDuration,
	}
}

// NewMetricsRegistry creates a fresh Prometheus registry with the default Go
// process collectors plus every collector in cs registered.
func NewMetricsRegistry(cs ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	for _, c := range cs {
		reg.MustRegister(c)
	}
	return reg
}
