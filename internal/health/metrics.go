// SPDX-License-Identifier: MIT

package health

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineMetrics holds the Prometheus gauges/counters for the speech-tracking
// session, exposed alongside the hand-rolled /healthz and text /metrics
// endpoints above via a dedicated registry and /metrics/prometheus path.
type EngineMetrics struct {
	RecognizedCharCount prometheus.Gauge
	RetryCount          prometheus.Counter
	Generation          prometheus.Gauge
	FarJumpsCommitted   prometheus.Counter

	registry *prometheus.Registry
}

// NewEngineMetrics registers the engine's gauges/counters in a private
// registry so they don't collide with any global default-registry metrics
// a host process might already expose.
func NewEngineMetrics() *EngineMetrics {
	m := &EngineMetrics{
		RecognizedCharCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "teleprompter",
			Name:      "recognized_char_count",
			Help:      "Current cursor position into the active page, in runes.",
		}),
		RetryCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "teleprompter",
			Name:      "backend_retry_total",
			Help:      "Total number of backend restart attempts recorded by the session controller's backoff policy.",
		}),
		Generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "teleprompter",
			Name:      "session_generation",
			Help:      "Current session generation counter.",
		}),
		FarJumpsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "teleprompter",
			Name:      "far_jumps_committed_total",
			Help:      "Total number of debounced far-jump anchor commits.",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(m.RecognizedCharCount, m.RetryCount, m.Generation, m.FarJumpsCommitted)
	return m
}

// Handler returns an http.Handler serving this registry in the standard
// Prometheus exposition format.
func (m *EngineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
