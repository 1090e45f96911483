package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event outcomes counted by the exporter.
const (
	OutcomeStarted        = "started"
	OutcomeStripped       = "stripped"
	OutcomeFinished       = "finished"
	OutcomeDuplicate      = "duplicate"
	OutcomeParentNotFound = "parent_not_found"
	OutcomeUnknownEnd     = "unknown_end"
)

// Metrics holds the exporter's Prometheus collectors on a dedicated registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	events        *prometheus.CounterVec
	backendErrors *prometheus.CounterVec
	openSpans     prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		Registry: registry,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seespan",
			Name:      "span_events_total",
			Help:      "Span lifecycle events processed, by outcome.",
		}, []string{"outcome"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seespan",
			Name:      "backend_errors_total",
			Help:      "Failed tracer backend calls, by operation.",
		}, []string{"op"}),
		openSpans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "seespan",
			Name:      "open_spans",
			Help:      "Spans currently held in the active span table.",
		}),
	}
	registry.MustRegister(
		m.events,
		m.backendErrors,
		m.openSpans,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// NewServer returns an HTTP server exposing /metrics on addr.
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux}
}

func (m *Metrics) CountEvent(outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CountBackendError(op string) {
	if m == nil {
		return
	}
	m.backendErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) SetOpenSpans(n int) {
	if m == nil {
		return
	}
	m.openSpans.Set(float64(n))
}
