// Package observability owns the Prometheus registry: HTTP request metrics
// and the ledger counters behind billing.Metrics.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/unit-ledger/generic"
)

const namespace = "unit_ledger"

// Metrics collects Prometheus metrics for the server.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	paymentsApplied *prometheus.CounterVec
	cashApplied     *prometheus.CounterVec
	creditDelta     *prometheus.CounterVec
	reversals       *prometheus.CounterVec
	creditAdjusted  *prometheus.CounterVec
	periodsBilled   *prometheus.CounterVec
	ledgerFaults    *prometheus.CounterVec
	cacheFailures   prometheus.Counter
	auditDropped    prometheus.CounterFunc
}

// NewMetrics initialises the registry and every collector.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http",
			Name: "requests_total", Help: "HTTP requests by route and status.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http",
			Name: "request_duration_seconds", Help: "HTTP request duration by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		paymentsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger",
			Name: "payments_applied_total", Help: "Payments distributed, by track.",
		}, []string{"track"}),
		cashApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger",
			Name: "cash_applied_total", Help: "Cash received in major units, by track.",
		}, []string{"track"}),
		creditDelta: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger",
			Name: "credit_movement_total", Help: "Credit added or used by payments in major units.",
		}, []string{"track", "direction"}),
		reversals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger",
			Name: "reversals_total", Help: "Reversal attempts by track and outcome.",
		}, []string{"track", "outcome"}),
		creditAdjusted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger",
			Name: "credit_adjustments_total", Help: "Manual credit adjustments by track and direction.",
		}, []string{"track", "direction"}),
		periodsBilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger",
			Name: "periods_billed_total", Help: "Billing run outcomes per unit.",
		}, []string{"track", "outcome"}),
		ledgerFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger",
			Name: "faults_total", Help: "Fatal ledger errors by operation.",
		}, []string{"operation"}),
		cacheFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache",
			Name: "invalidation_failures_total", Help: "Statement cache invalidations that failed after a ledger write.",
		}),
	}
	registry.MustRegister(
		m.requestsTotal, m.requestDuration,
		m.paymentsApplied, m.cashApplied, m.creditDelta, m.reversals,
		m.creditAdjusted, m.periodsBilled, m.ledgerFaults, m.cacheFailures,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
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

// Middleware records metrics for every HTTP request.
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

// Registerer exposes the registry for extra collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

// WatchAuditDrops exports a sink's drop counter.
func (m *Metrics) WatchAuditDrops(dropped func() int64) {
	if m.auditDropped != nil {
		return
	}
	m.auditDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "audit",
		Name: "dropped_total", Help: "Audit facts dropped by the async sink.",
	}, func() float64 { return float64(dropped()) })
	m.registry.MustRegister(m.auditDropped)
}

// =============================================================================
// LEDGER COUNTERS (billing.Metrics)
// =============================================================================

func (m *Metrics) PaymentApplied(track generic.Track, cash, creditDelta generic.Money) {
	m.paymentsApplied.WithLabelValues(string(track)).Inc()
	m.cashApplied.WithLabelValues(string(track)).Add(major(cash))
	switch {
	case creditDelta > 0:
		m.creditDelta.WithLabelValues(string(track), "added").Add(major(creditDelta))
	case creditDelta < 0:
		m.creditDelta.WithLabelValues(string(track), "used").Add(major(-creditDelta))
	}
}

func (m *Metrics) PaymentReversed(track generic.Track, outcome string) {
	m.reversals.WithLabelValues(string(track), outcome).Inc()
}

func (m *Metrics) CreditAdjusted(track generic.Track, delta generic.Money) {
	direction := "credit"
	if delta < 0 {
		direction = "debit"
	}
	m.creditAdjusted.WithLabelValues(string(track), direction).Inc()
}

func (m *Metrics) PeriodBilled(track generic.Track, outcome string) {
	m.periodsBilled.WithLabelValues(string(track), outcome).Inc()
}

func (m *Metrics) LedgerFault(operation string) {
	m.ledgerFaults.WithLabelValues(operation).Inc()
}

func (m *Metrics) CacheInvalidationFailed() {
	m.cacheFailures.Inc()
}

func major(m generic.Money) float64 {
	return float64(m) / 100
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
