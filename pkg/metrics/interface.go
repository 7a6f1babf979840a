// Package metrics records engine and event-stream metrics.
package metrics

import "context"

// Collector is the interface for metrics collection.
// Implementations are the Prometheus-backed collector and the no-op
// collector used when metrics are disabled in configuration.
type Collector interface {
	RecordOperation(ctx context.Context, operation string, status string, durationMs int64)
	RecordStage(ctx context.Context, operation string, stage string, durationMs int64)
	RecordError(ctx context.Context, operation string, errorType string)
	SetStorageCount(ctx context.Context, storageType string, count int64)

	// Event stream
	RecordEventPublished(eventType string)
	RecordEventsDropped(policy string, count int)
	SetSubscribers(count int)
}
