package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/stored-value/ledger"
)

// Metrics holds the Prometheus collectors for the HTTP surface, ledger
// operations and balance audits. Each instance owns its registry, so tests
// can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	operations   *prometheus.CounterVec
	auditRuns    prometheus.Counter
	auditBad     prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stored_value_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "route", "status"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stored_value_http_request_duration_seconds",
			Help:    "Request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "route"}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stored_value_ledger_operations_total",
			Help: "Ledger operations by outcome (ok or error class)",
		}, []string{"operation", "outcome"}),
		auditRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "stored_value_audit_runs_total",
			Help: "Completed balance audit sweeps",
		}),
		auditBad: f.NewGauge(prometheus.GaugeOpts{
			Name: "stored_value_audit_inconsistent_accounts",
			Help: "Accounts whose stored balance disagreed with their transfers in the last sweep",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeRequest(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) observeOperation(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = ledger.Classify(err).String()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) observeAudit(inconsistent int) {
	m.auditRuns.Inc()
	m.auditBad.Set(float64(inconsistent))
}
