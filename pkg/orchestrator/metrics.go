package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus-compatible node execution metrics, narrowed
// from the teacher's PrometheusMetrics to what a single-workflow-per-runner
// engine can observe: per-node step latency and retry counts. Queue depth
// and inflight-node gauges don't apply here (no intra-workflow fan-out),
// and no cross-workflow concurrency gauge is exported.
type Metrics struct {
	stepLatency *prometheus.HistogramVec
	retries     *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics registers amelia_orchestrator_* metrics with registry. A nil
// registry uses prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		enabled: true,
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "amelia",
			Subsystem: "orchestrator",
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds, by status",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"node_id", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amelia",
			Subsystem: "orchestrator",
			Name:      "node_retries_total",
			Help:      "Cumulative node retry attempts, by node and reason",
		}, []string{"node_id", "reason"}),
	}
}

// RecordStepLatency records a node execution's duration and outcome.
func (m *Metrics) RecordStepLatency(nodeID string, latency time.Duration, status string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled {
		return
	}
	m.stepLatency.WithLabelValues(nodeID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries increments the retry counter for nodeID/reason.
func (m *Metrics) IncrementRetries(nodeID, reason string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled {
		return
	}
	m.retries.WithLabelValues(nodeID, reason).Inc()
}

// Disable stops further metric recording (for tests).
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable resumes metric recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
