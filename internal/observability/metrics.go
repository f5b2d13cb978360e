package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Allocation directions.
const (
	DirectionPayment = "payment"
	DirectionCredit  = "credit"
)

// apiBuckets covers single-customer allocation runs, which stay well under a second.
var apiBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5}

// Metrics owns the API registry and the HTTP collectors.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	inFlight        prometheus.Gauge
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics builds a dedicated registry with runtime and HTTP collectors.
// Ledger collectors are added with NewLedgerMetrics(m.Registerer()).
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetdesk_http_in_flight_requests",
			Help: "API requests currently being served.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetdesk_http_requests_total",
			Help: "API requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleetdesk_http_request_duration_seconds",
			Help:    "API request latency by method and route.",
			Buckets: apiBuckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inFlight, m.requestsTotal, m.requestDuration,
	)
	m.handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
	return m
}

// Handler serves /metrics. A nil *Metrics answers 503.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registerer returns the API registry, or the default registerer when m is nil.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Middleware records in-flight count, status and latency per chi route.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// routePattern keeps label cardinality bounded: /api/payments/{id} rather than
// one series per payment.
func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// LedgerMetrics counts allocation runs, allocated value, fine transitions
// and P&L postings. A nil *LedgerMetrics records nothing.
type LedgerMetrics struct {
	allocations     *prometheus.CounterVec
	allocated       *prometheus.CounterVec
	fineTransitions *prometheus.CounterVec
	postings        *prometheus.CounterVec
}

// NewLedgerMetrics registers the ledger collectors. A nil registerer uses the
// default Prometheus registerer.
func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &LedgerMetrics{
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetdesk_allocation_runs_total",
			Help: "Allocation runs by direction and result.",
		}, []string{"direction", "result"}),
		allocated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetdesk_allocated_amount_total",
			Help: "Value moved from payments onto charges, in pounds.",
		}, []string{"direction"}),
		fineTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetdesk_fine_actions_total",
			Help: "Fine lifecycle actions by action and result.",
		}, []string{"action", "result"}),
		postings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetdesk_pnl_postings_total",
			Help: "P&L posting attempts by outcome.",
		}, []string{"outcome"}),
	}
	registerer.MustRegister(m.allocations, m.allocated, m.fineTransitions, m.postings)
	return m
}

// ObserveAllocation records one allocation run.
func (m *LedgerMetrics) ObserveAllocation(direction string, applied decimal.Decimal, err error) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(direction, result(err)).Inc()
	if err == nil && applied.IsPositive() {
		m.allocated.WithLabelValues(direction).Add(applied.InexactFloat64())
	}
}

// ObserveFineAction records one fine action attempt.
func (m *LedgerMetrics) ObserveFineAction(action string, err error) {
	if m == nil {
		return
	}
	m.fineTransitions.WithLabelValues(action, result(err)).Inc()
}

// ObservePosting records a P&L posting outcome such as "created" or "failed".
func (m *LedgerMetrics) ObservePosting(outcome string) {
	if m == nil {
		return
	}
	m.postings.WithLabelValues(outcome).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
