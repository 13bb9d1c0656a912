package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iamgate/upstream"
)

const metricsNamespace = "iamgate"

// Metrics holds the collectors of one App. Each App owns its registry so
// several can live in one process (tests).
type Metrics struct {
	Registry *prometheus.Registry

	ProxyRequests    *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	FlowEvents       *prometheus.CounterVec
	Challenges       *prometheus.CounterVec
	GateDecisions    *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ProxyRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "proxy_requests_total",
				Help:      "Requests relayed through the reverse proxy",
			},
			[]string{"service", "status"},
		),
		UpstreamDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "upstream_request_duration_seconds",
				Help:      "Latency of calls to Kratos and Hydra",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "status"},
		),
		FlowEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "oauth_flow_events_total",
				Help:      "Authorization-code flow steps by outcome",
			},
			[]string{"step", "outcome"}, // step: initiate, callback, logout
		),
		Challenges: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "challenges_total",
				Help:      "Hydra challenges handled by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		GateDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "gate_decisions_total",
				Help:      "Session gate decisions",
			},
			[]string{"decision"},
		),
	}
}

// ObserveUpstream matches upstream.ObserveFunc.
func (m *Metrics) ObserveUpstream(service upstream.ServiceID, method string, status int, elapsed time.Duration) {
	m.UpstreamDuration.WithLabelValues(string(service), method, statusLabel(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) flow(step, outcome string) {
	m.FlowEvents.WithLabelValues(step, outcome).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func statusLabel(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status)
}
