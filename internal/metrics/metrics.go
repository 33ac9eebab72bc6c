// Package metrics exposes Prometheus collectors for the gating pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guestgate"

// Metrics holds the service's collectors and their registry.
type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	turns              *prometheus.CounterVec
	quotaDenied        prometheus.Counter
	softLimited        prometheus.Counter
	failsafeTriggered  *prometheus.CounterVec
	depthUpdates       prometheus.Counter
	depthValue         prometheus.Histogram
	raterFailures      prometheus.Counter
	phaseTransitions   *prometheus.CounterVec
	sweepEvicted       prometheus.Counter
	completionFailures *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "inflight_requests",
			Help: "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"method", "path"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "turns_total",
			Help: "Chat turns by audience and outcome.",
		}, []string{"audience", "outcome"}),
		quotaDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "discovery", Name: "quota_denied_total",
			Help: "Anonymous turns refused by the hard message limit.",
		}),
		softLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "discovery", Name: "soft_limited_total",
			Help: "Anonymous turns answered with the signup prompt at the soft limit.",
		}),
		failsafeTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engagement", Name: "failsafe_total",
			Help: "Turns short-circuited by the engagement failsafe.",
		}, []string{"audience"}),
		depthUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "depth", Name: "updates_total",
			Help: "Persisted conversation depth updates.",
		}),
		depthValue: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "depth", Name: "value",
			Help:    "Conversation depth after each update.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		raterFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "depth", Name: "rater_failures_total",
			Help: "Model depth ratings that failed and fell back to the default score.",
		}),
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "phase", Name: "transitions_total",
			Help: "Forward phase transitions.",
		}, []string{"from", "to"}),
		sweepEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "sweep_evicted_total",
			Help: "Expired rate windows removed by the background sweep.",
		}),
		completionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "completion", Name: "failures_total",
			Help: "Failed completion calls.",
		}, []string{"mode"}),
	}

	m.Registry.MustRegister(
		m.httpInFlight, m.httpRequests, m.httpDuration,
		m.turns, m.quotaDenied, m.softLimited, m.failsafeTriggered,
		m.depthUpdates, m.depthValue, m.raterFailures,
		m.phaseTransitions, m.sweepEvicted, m.completionFailures,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Turn counts a chat turn.
func (m *Metrics) Turn(audience, outcome string) { m.turns.WithLabelValues(audience, outcome).Inc() }

// QuotaDenied counts a hard-limit refusal.
func (m *Metrics) QuotaDenied() { m.quotaDenied.Inc() }

// SoftLimited counts a soft-limit signup prompt.
func (m *Metrics) SoftLimited() { m.softLimited.Inc() }

// Failsafe counts a failsafe short-circuit.
func (m *Metrics) Failsafe(audience string) { m.failsafeTriggered.WithLabelValues(audience).Inc() }

// DepthUpdated records a persisted depth value.
func (m *Metrics) DepthUpdated(v float64) {
	m.depthUpdates.Inc()
	m.depthValue.Observe(v)
}

// RaterFailed counts a model rating fallback.
func (m *Metrics) RaterFailed() { m.raterFailures.Inc() }

// PhaseAdvanced counts a phase transition.
func (m *Metrics) PhaseAdvanced(from, to string) { m.phaseTransitions.WithLabelValues(from, to).Inc() }

// SweepEvicted adds evicted windows from one sweep.
func (m *Metrics) SweepEvicted(n int) { m.sweepEvicted.Add(float64(n)) }

// CompletionFailed counts a failed completion call.
func (m *Metrics) CompletionFailed(mode string) { m.completionFailures.WithLabelValues(mode).Inc() }
