// Package trace exports sanitized per-operation traces. The JSON Lines file
// exporter is compiled in with the "tracing" build tag; otherwise every
// exporter is a no-op.
package trace

import (
	"context"
	"time"
)

// Exporter defines the interface for exporting operation traces.
// Implementations must be safe for concurrent use.
type Exporter interface {
	// Export writes a trace record to the configured destination.
	Export(ctx context.Context, record *TraceRecord) error

	// Close flushes any buffered records and releases resources.
	Close() error
}

// TraceRecord is a sanitized operation trace. It carries identifiers,
// timings and counts only, never fragment content or metadata values.
type TraceRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	OperationID string    `json:"operationId"`

	// Operation is one of initialize, relay, merge, prune, create_version,
	// list_versions, get_context, find_similar.
	Operation  string       `json:"operation"`
	DurationMs int64        `json:"durationMs"`
	Status     string       `json:"status"` // "success" or "error"
	Spans      []SpanRecord `json:"spans"`

	// ErrorType is the error kind when Status == "error"
	// (not_found, invalid_input, conflict, version_conflict,
	// service_unavailable, timeout, internal).
	ErrorType string `json:"errorType,omitempty"`

	// IDs holds context IDs, version numbers and similar identifiers.
	IDs map[string]any `json:"ids,omitempty"`
}

// SpanRecord is a single stage within an operation: load, embed,
// detect-conflicts, resolve, select, commit, snapshot, publish.
type SpanRecord struct {
	Name       string           `json:"name"`
	DurationMs int64            `json:"durationMs"`
	OK         bool             `json:"ok"`
	ErrorType  string           `json:"errorType,omitempty"`
	Counters   map[string]int64 `json:"counters,omitempty"`
}

// fileOptions holds FileExporter settings. It exists in both builds so
// callers compile regardless of the tracing tag.
type fileOptions struct {
	maxSizeBytes    int64
	maxRotatedFiles int
}

// FileExporterOption configures a FileExporter.
type FileExporterOption func(*fileOptions)

// WithMaxSize sets the maximum file size before rotation (default: 10MB).
func WithMaxSize(bytes int64) FileExporterOption {
	return func(o *fileOptions) {
		o.maxSizeBytes = bytes
	}
}

// WithMaxRotatedFiles sets how many rotated files to keep (default: 5).
func WithMaxRotatedFiles(count int) FileExporterOption {
	return func(o *fileOptions) {
		o.maxRotatedFiles = count
	}
}

// NoopExporter discards every record.
type NoopExporter struct{}

// Export does nothing.
func (n *NoopExporter) Export(ctx context.Context, record *TraceRecord) error {
	return nil
}

// Close does nothing.
func (n *NoopExporter) Close() error {
	return nil
}
