package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the Prometheus instruments for the control plane.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	fanoutDuration  prometheus.Histogram
	domainOutcomes  *prometheus.CounterVec
	replaysTotal    prometheus.Counter
	capsuleDenials  *prometheus.CounterVec
}

// NewMetrics initialises the registry and the base instruments.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "craftdeck_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "craftdeck_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	fanout := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "craftdeck_bootstrap_fanout_duration_seconds",
		Help:    "Wall-clock duration of the bootstrap domain fan-out.",
		Buckets: prometheus.DefBuckets,
	})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "craftdeck_bootstrap_domain_outcomes_total",
		Help: "Bootstrap domain loads by domain and outcome status.",
	}, []string{"domain", "status"})
	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "craftdeck_idempotent_replays_total",
		Help: "Responses served from the idempotency ledger.",
	})
	denials := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "craftdeck_capsule_denials_total",
		Help: "Capability capsule verification failures by reason.",
	}, []string{"reason"})
	registry.MustRegister(requests, duration, fanout, outcomes, replays, denials)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		fanoutDuration:  fanout,
		domainOutcomes:  outcomes,
		replaysTotal:    replays,
		capsuleDenials:  denials,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveBootstrapFanout records the wall-clock duration of one bootstrap fan-out.
func (m *Metrics) ObserveBootstrapFanout(d time.Duration) {
	if m == nil {
		return
	}
	m.fanoutDuration.Observe(d.Seconds())
}

// CountDomainOutcome records the outcome of a single bootstrap domain load.
func (m *Metrics) CountDomainOutcome(domain, status string) {
	if m == nil {
		return
	}
	m.domainOutcomes.WithLabelValues(domain, status).Inc()
}

// CountIdempotentReplay records a response replayed from the ledger.
func (m *Metrics) CountIdempotentReplay() {
	if m == nil {
		return
	}
	m.replaysTotal.Inc()
}

// CountCapsuleDenial records a capsule that failed verification.
func (m *Metrics) CountCapsuleDenial(reason string) {
	if m == nil {
		return
	}
	m.capsuleDenials.WithLabelValues(reason).Inc()
}

// Registerer exposes the registry for registering custom metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
