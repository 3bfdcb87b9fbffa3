// Package telemetry holds the reconciler's Prometheus metrics and the
// OpenTelemetry tracer setup.
package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stackr"

// Metrics collects reconciler counters on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	StepsTotal    *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	RetriesTotal  *prometheus.CounterVec
	RunsTotal     *prometheus.CounterVec
	RollbackTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Plan steps executed, by action and final status.",
		}, []string{"action", "kind", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of a plan step including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"action", "kind"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Provider calls retried after a transient error.",
		}, []string{"provider", "op"}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Apply runs by final status.",
		}, []string{"status"}),
		RollbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollback_steps_total",
			Help:      "Inverse actions executed during rollback, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.StepsTotal, m.StepDuration, m.RetriesTotal, m.RunsTotal, m.RollbackTotal)
	return m
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveStep(action, kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(action, kind, status).Inc()
	m.StepDuration.WithLabelValues(action, kind).Observe(d.Seconds())
}

func (m *Metrics) IncRetry(provider, op string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(provider, op).Inc()
}

func (m *Metrics) ObserveRun(status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveRollback(ok bool) {
	if m == nil {
		return
	}
	outcome := "succeeded"
	if !ok {
		outcome = "failed"
	}
	m.RollbackTotal.WithLabelValues(outcome).Inc()
}

// WriteTextfile writes the current values in the node_exporter textfile
// format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
