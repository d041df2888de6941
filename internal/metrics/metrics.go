// Package metrics holds the Prometheus collectors. Every method is nil-safe
// so components can run unmetered in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the service's collectors.
type Metrics struct {
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
	ingestCycles    prometheus.Counter
	ingestPairs     *prometheus.CounterVec
	wsConnections   prometheus.Gauge
	httpDuration    *prometheus.HistogramVec
}

// New registers the collectors on reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fxgate",
			Name:      "provider_calls_total",
			Help:      "Provider API calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fxgate",
			Name:      "provider_call_duration_seconds",
			Help:      "Provider API call round-trip time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fxgate",
			Name:      "breaker_open",
			Help:      "1 when the provider's circuit breaker is open.",
		}, []string{"provider"}),
		ingestCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fxgate",
			Name:      "ingest_cycles_total",
			Help:      "Completed ingest cycles.",
		}),
		ingestPairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fxgate",
			Name:      "ingest_pairs_total",
			Help:      "Ingested pairs by result.",
		}, []string{"result"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fxgate",
			Name:      "ws_connections",
			Help:      "Live WebSocket connections.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fxgate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.providerCalls, m.providerLatency, m.breakerState,
		m.ingestCycles, m.ingestPairs, m.wsConnections, m.httpDuration,
	)
	return m
}

// ObserveProviderCall records one provider call.
func (m *Metrics) ObserveProviderCall(provider string, successful bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !successful {
		outcome = "failure"
	}
	m.providerCalls.WithLabelValues(provider, outcome).Inc()
	m.providerLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// SetBreakerOpen reflects a breaker's state.
func (m *Metrics) SetBreakerOpen(provider string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1.0
	}
	m.breakerState.WithLabelValues(provider).Set(v)
}

// ObserveIngestCycle records one completed cycle.
func (m *Metrics) ObserveIngestCycle(succeeded, failed int) {
	if m == nil {
		return
	}
	m.ingestCycles.Inc()
	m.ingestPairs.WithLabelValues("success").Add(float64(succeeded))
	m.ingestPairs.WithLabelValues("failure").Add(float64(failed))
}

// WSConnected / WSDisconnected track the live connection gauge.
func (m *Metrics) WSConnected() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) WSDisconnected() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

// ObserveHTTPRequest records one served request.
func (m *Metrics) ObserveHTTPRequest(method, route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, status).Observe(elapsed.Seconds())
}
