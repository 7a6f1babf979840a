package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ctxrelay"

// MetricsCollector provides Prometheus metrics collection for engine operations
// and the event stream. It registers on a private registry.
type MetricsCollector struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	storageCount      *prometheus.GaugeVec
	eventsPublished   *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	subscribers       prometheus.Gauge
	registry          *prometheus.Registry
}

// Compile-time interface check
var _ Collector = (*MetricsCollector)(nil)

// NewCollector creates a new Prometheus metrics collector
func NewCollector() *MetricsCollector {
	registry := prometheus.NewRegistry()

	m := &MetricsCollector{
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of engine operations by type and status",
			},
			[]string{"operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of engine operations by type and stage",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"operation", "stage"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by operation and error kind",
			},
			[]string{"operation", "error_type"},
		),
		storageCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "storage_count",
				Help:      "Size of the most recently committed context by item type",
			},
			[]string{"type"},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of events published by type",
			},
			[]string{"type"},
		),
		eventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Events not delivered to slow subscribers by backpressure policy",
			},
			[]string{"policy"},
		),
		subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "event_subscribers",
				Help:      "Current number of event stream subscribers",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.operationsTotal,
		m.operationDuration,
		m.errorsTotal,
		m.storageCount,
		m.eventsPublished,
		m.eventsDropped,
		m.subscribers,
	)
	return m
}

// RecordOperation records the completion of an operation
func (m *MetricsCollector) RecordOperation(ctx context.Context, operation string, status string, durationMs int64) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation, "total").Observe(float64(durationMs) / 1000.0)
}

// RecordStage records the duration of a specific stage within an operation
func (m *MetricsCollector) RecordStage(ctx context.Context, operation string, stage string, durationMs int64) {
	m.operationDuration.WithLabelValues(operation, stage).Observe(float64(durationMs) / 1000.0)
}

// RecordError records an error occurrence
func (m *MetricsCollector) RecordError(ctx context.Context, operation string, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

// SetStorageCount sets the current count for a storage type
func (m *MetricsCollector) SetStorageCount(ctx context.Context, storageType string, count int64) {
	m.storageCount.WithLabelValues(storageType).Set(float64(count))
}

// RecordEventPublished counts a published event.
func (m *MetricsCollector) RecordEventPublished(eventType string) {
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventsDropped counts events a subscriber lost to backpressure.
func (m *MetricsCollector) RecordEventsDropped(policy string, count int) {
	m.eventsDropped.WithLabelValues(policy).Add(float64(count))
}

// SetSubscribers sets the current subscriber count.
func (m *MetricsCollector) SetSubscribers(count int) {
	m.subscribers.Set(float64(count))
}

// Registry returns the Prometheus registry for HTTP exposure
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}
