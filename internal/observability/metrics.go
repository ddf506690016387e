// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Swap lifecycle metrics
	SwapsStarted     prometheus.Counter
	SwapsActive      prometheus.Gauge
	StageTransitions *prometheus.CounterVec
	SwapOutcomes     *prometheus.CounterVec
	SwapDuration     prometheus.Histogram

	// External call metrics
	ExternalCallLatency *prometheus.HistogramVec
	ExternalCallErrors  *prometheus.CounterVec
	ExternalRetries     *prometheus.CounterVec

	// Concurrency metrics
	LeaseConflicts prometheus.Counter
	LeasesLost     prometheus.Counter
	RecoverySweeps *prometheus.CounterVec

	// Event metrics
	EventPublishErrors *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance registered with the default registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith creates a new Metrics instance registered with reg.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "atomic_pek"
	}
	factory := promauto.With(reg)

	return &Metrics{
		SwapsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "started_total",
			Help:      "Total number of swaps created",
		}),
		SwapsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "active",
			Help:      "Number of swap tasks currently running in this process",
		}),
		StageTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "transitions_total",
			Help:      "Total number of committed stage transitions by target stage",
		}, []string{"stage"}),
		SwapOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "outcomes_total",
			Help:      "Total number of swaps reaching a terminal stage by stage and failure kind",
		}, []string{"stage", "kind"}),
		SwapDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "duration_seconds",
			Help:      "Time from swap creation to terminal stage in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),

		ExternalCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "external",
			Name:      "call_latency_seconds",
			Help:      "Chain and market call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		ExternalCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "external",
			Name:      "call_errors_total",
			Help:      "Total number of failed chain and market calls by class",
		}, []string{"method", "class"}),
		ExternalRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "external",
			Name:      "retries_total",
			Help:      "Total number of retried chain and market calls",
		}, []string{"method"}),

		LeaseConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "conflicts_total",
			Help:      "Total number of launches rejected because the swap was already running",
		}),
		LeasesLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "lost_total",
			Help:      "Total number of swap tasks stopped after losing their lease",
		}),
		RecoverySweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "sweeps_total",
			Help:      "Total number of recovery sweeps by status",
		}, []string{"status"}),

		EventPublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "publish_errors_total",
			Help:      "Total number of transition events a sink failed to accept",
		}, []string{"sink"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordSwapStarted increments the swaps started counter.
func (m *Metrics) RecordSwapStarted() {
	m.SwapsStarted.Inc()
}

// RecordTransition records a committed transition. Terminal stages also
// record the outcome and the swap's total duration.
func (m *Metrics) RecordTransition(stage, kind string, terminal bool, sinceCreated time.Duration) {
	m.StageTransitions.WithLabelValues(stage).Inc()
	if terminal {
		m.SwapOutcomes.WithLabelValues(stage, kind).Inc()
		m.SwapDuration.Observe(sinceCreated.Seconds())
	}
}

// RecordExternalCall records the latency of one chain or market call and its error class.
func (m *Metrics) RecordExternalCall(method string, d time.Duration, class string) {
	m.ExternalCallLatency.WithLabelValues(method).Observe(d.Seconds())
	if class != "" {
		m.ExternalCallErrors.WithLabelValues(method, class).Inc()
	}
}

// RecordRetry increments the retry counter for method.
func (m *Metrics) RecordRetry(method string) {
	m.ExternalRetries.WithLabelValues(method).Inc()
}

// RecordSweep records a recovery sweep.
func (m *Metrics) RecordSweep(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RecoverySweeps.WithLabelValues(status).Inc()
}

// RecordPublishError records a sink that rejected a transition event.
func (m *Metrics) RecordPublishError(sink string) {
	m.EventPublishErrors.WithLabelValues(sink).Inc()
}
