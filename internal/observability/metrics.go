// Package observability exposes Prometheus metrics for the HTTP API and the ledgers.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the application's Prometheus metrics on a private registry.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	movements       *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	recomputes      prometheus.Counter
	outbox          *prometheus.CounterVec
}

// NewMetrics initialises the registry with HTTP and ledger collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_stock_movements_total",
		Help: "Stock movements appended to the ledger by movement type.",
	}, []string{"type"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_journal_transitions_total",
		Help: "Journal entry status changes by target status.",
	}, []string{"status"})
	recomputes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_account_recomputes_total",
		Help: "Account cached balances rebuilt from posted lines.",
	})
	outbox := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_outbox_events_total",
		Help: "Outbox events handed to the queue by result.",
	}, []string{"result"})
	registry.MustRegister(requests, duration, movements, transitions, recomputes, outbox)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		movements:       movements,
		transitions:     transitions,
		recomputes:      recomputes,
		outbox:          outbox,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records count and duration of every HTTP request.
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

// Registerer exposes the registry for additional collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// MovementRecorded counts a committed stock movement.
func (m *Metrics) MovementRecorded(movementType string) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(movementType).Inc()
}

// JournalTransition counts a committed journal status change.
func (m *Metrics) JournalTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// BalanceRecomputed counts a rebuilt account cache.
func (m *Metrics) BalanceRecomputed() {
	if m == nil {
		return
	}
	m.recomputes.Inc()
}

// OutboxFlushed counts events published, failed and parked by one relay flush.
func (m *Metrics) OutboxFlushed(dispatched, failed, parked int) {
	if m == nil {
		return
	}
	if dispatched > 0 {
		m.outbox.WithLabelValues("dispatched").Add(float64(dispatched))
	}
	if failed > 0 {
		m.outbox.WithLabelValues("failed").Add(float64(failed))
	}
	if parked > 0 {
		m.outbox.WithLabelValues("parked").Add(float64(parked))
	}
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
