package orch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus collectors for executor monitoring, namespaced
// "opencode":
//
//   - inflight_steps (gauge): handlers currently executing, including
//     parallel-for children.
//   - step_latency_ms (histogram): handler duration by run, step, and status
//     (success, error, timeout).
//   - retries_total (counter): retry attempts by run, step, and reason.
//   - quota_fallbacks_total (counter): routing fallbacks checkpointed by the
//     executor, by run and provider.
//
// All methods are nil-safe so a nil *Metrics disables collection.
type Metrics struct {
	inflightSteps  prometheus.Gauge
	stepLatency    *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	quotaFallbacks *prometheus.CounterVec
}

// NewMetrics creates and registers the executor collectors. A nil registry
// uses the global default.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		inflightSteps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "opencode",
			Name:      "inflight_steps",
			Help:      "Current number of step handlers executing concurrently",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "opencode",
			Name:      "step_latency_ms",
			Help:      "Step handler duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"run_id", "step_id", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opencode",
			Name:      "retries_total",
			Help:      "Cumulative count of step retry attempts",
		}, []string{"run_id", "step_id", "reason"}),
		quotaFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opencode",
			Name:      "quota_fallbacks_total",
			Help:      "Routing fallbacks recorded during step checkpointing",
		}, []string{"run_id", "provider"}),
	}
}

func (m *Metrics) stepStarted() {
	if m == nil {
		return
	}
	m.inflightSteps.Inc()
}

func (m *Metrics) stepFinished(runID, stepID string, latency time.Duration, status string) {
	if m == nil {
		return
	}
	m.inflightSteps.Dec()
	m.stepLatency.WithLabelValues(runID, stepID, status).Observe(float64(latency.Milliseconds()))
}

func (m *Metrics) retryScheduled(runID, stepID, reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(runID, stepID, reason).Inc()
}

func (m *Metrics) fallbackApplied(runID, provider string) {
	if m == nil {
		return
	}
	m.quotaFallbacks.WithLabelValues(runID, provider).Inc()
}
