package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rotationStartedTotal   *prometheus.CounterVec
	rotationCompletedTotal *prometheus.CounterVec
	rotationDuration       *prometheus.HistogramVec
	rollbackTotal          *prometheus.CounterVec
	janitorRetiredTotal    prometheus.Counter
	credentialHealthGauge  *prometheus.GaugeVec

	metricsOnce       sync.Once
	metricsRegistered bool
)

// Metrics records rotation engine events. Metrics are inert until
// InitMetrics runs, so library consumers that never expose /metrics
// pay nothing.
type Metrics struct{}

// NewMetrics creates a Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// InitMetrics registers all Prometheus metrics. Call once at startup
// when metrics are enabled.
func InitMetrics() {
	metricsOnce.Do(func() {
		rotationStartedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyops_rotation_started_total",
				Help: "Total number of rotation attempts started",
			},
			[]string{"identity", "kind"},
		)

		rotationCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyops_rotation_completed_total",
				Help: "Total number of rotation attempts completed",
			},
			[]string{"identity", "status"},
		)

		rotationDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyops_rotation_duration_seconds",
				Help:    "Duration of rotation attempts in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"identity"},
		)

		rollbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyops_rollback_total",
				Help: "Total number of rollback operations",
			},
			[]string{"identity", "trigger"},
		)

		janitorRetiredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "keyops_janitor_retired_total",
				Help: "Total number of records retired by the grace retention janitor",
			},
		)

		credentialHealthGauge = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keyops_credential_healthy",
				Help: "Current credential health (1=healthy, 0=needs attention)",
			},
			[]string{"identity", "kind"},
		)

		metricsRegistered = true
	})
}

// RecordRotationStarted records a rotation start event.
func (m *Metrics) RecordRotationStarted(identity, kind string) {
	if !metricsRegistered || rotationStartedTotal == nil {
		return
	}
	rotationStartedTotal.WithLabelValues(identity, kind).Inc()
}

// RecordRotationCompleted records a rotation completion event.
func (m *Metrics) RecordRotationCompleted(identity, status string, durationSeconds float64) {
	if !metricsRegistered {
		return
	}

	if rotationCompletedTotal != nil {
		rotationCompletedTotal.WithLabelValues(identity, status).Inc()
	}

	if rotationDuration != nil {
		rotationDuration.WithLabelValues(identity).Observe(durationSeconds)
	}
}

// RecordRollback records a rollback event. trigger is "manual" or
// "verification".
func (m *Metrics) RecordRollback(identity, trigger string) {
	if !metricsRegistered || rollbackTotal == nil {
		return
	}
	rollbackTotal.WithLabelValues(identity, trigger).Inc()
}

// RecordJanitorRetired records records retired in one sweep.
func (m *Metrics) RecordJanitorRetired(count int) {
	if !metricsRegistered || janitorRetiredTotal == nil {
		return
	}
	janitorRetiredTotal.Add(float64(count))
}

// RecordCredentialHealth records a health evaluation result.
func (m *Metrics) RecordCredentialHealth(identity, kind string, healthy bool) {
	if !metricsRegistered || credentialHealthGauge == nil {
		return
	}

	value := 0.0
	if healthy {
		value = 1.0
	}
	credentialHealthGauge.WithLabelValues(identity, kind).Set(value)
}
