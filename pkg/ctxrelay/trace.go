package ctxrelay

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dan-solli/ctxrelay/pkg/events"
	"github.com/dan-solli/ctxrelay/pkg/trace"
)

// Stage names recorded as spans and stage metrics.
const (
	stageLoad     = "load"
	stageEmbed    = "embed"
	stageDetect   = "detect-conflicts"
	stageResolve  = "resolve"
	stageSelect   = "select"
	stageCommit   = "commit"
	stageSnapshot = "snapshot"
	stageSearch   = "search"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// OperationTrace captures timing for one engine operation.
type OperationTrace struct {
	Spans           []Span `json:"spans"`
	TotalDurationMs int64  `json:"totalDurationMs"`
}

// Span is a single timed stage within an operation.
type Span struct {
	Name       string           `json:"name"`
	DurationMs int64            `json:"durationMs"`
	OK         bool             `json:"ok"`
	ErrorType  string           `json:"errorType,omitempty"`
	Counters   map[string]int64 `json:"counters,omitempty"`
}

// operation tracks one in-flight engine call: its spans, metrics and the
// single error event emitted if it fails.
type operation struct {
	e         *Engine
	ctx       context.Context
	name      string
	id        string
	contextID string
	start     time.Time
	trace     OperationTrace
	ids       map[string]any
}

func (e *Engine) begin(ctx context.Context, name, contextID string) *operation {
	op := &operation{
		e:         e,
		ctx:       ctx,
		name:      name,
		id:        uuid.New().String(),
		contextID: contextID,
		start:     time.Now(),
		ids:       map[string]any{},
	}
	if contextID != "" {
		op.ids["contextId"] = contextID
	}
	return op
}

// spanTimer measures one stage of an operation.
type spanTimer struct {
	op    *operation
	name  string
	start time.Time
}

func (op *operation) span(name string) *spanTimer {
	return &spanTimer{op: op, name: name, start: time.Now()}
}

// finish records the span to the trace and the stage histogram.
func (st *spanTimer) finish(err error, counters map[string]int64) {
	d := time.Since(st.start).Milliseconds()
	s := Span{Name: st.name, DurationMs: d, OK: err == nil, Counters: counters}
	if err != nil {
		s.ErrorType = string(ClassifyError(err))
	}
	st.op.trace.Spans = append(st.op.trace.Spans, s)
	st.op.e.metrics.RecordStage(st.op.ctx, st.op.name, st.name, d)
}

// fail converts err to an *Error, records it and broadcasts an error event.
func (op *operation) fail(err error) error {
	typed := asError(op.name, op.contextID, err)
	if typed.Message == "" && typed.Err != nil {
		typed.Message = typed.Err.Error()
	}

	level := op.e.logger.Warn
	if typed.Kind == KindInternal || typed.Kind == KindServiceUnavailable {
		level = op.e.logger.Error
	}
	level("operation failed",
		"operation", op.name,
		"context_id", op.contextID,
		"kind", string(typed.Kind),
		"error", typed.Error())

	op.e.metrics.RecordError(op.ctx, op.name, string(typed.Kind))
	op.e.events.Publish(events.TypeError, events.ErrorPayload(typed.ContextID, string(typed.Kind), typed.Message))
	op.finish(statusError, string(typed.Kind))
	return typed
}

// succeed records a successful completion.
func (op *operation) succeed() {
	op.finish(statusSuccess, "")
}

func (op *operation) finish(status, errorType string) {
	total := time.Since(op.start).Milliseconds()
	op.trace.TotalDurationMs = total
	op.e.metrics.RecordOperation(op.ctx, op.name, status, total)

	spans := make([]trace.SpanRecord, len(op.trace.Spans))
	for i, s := range op.trace.Spans {
		spans[i] = trace.SpanRecord{
			Name:       s.Name,
			DurationMs: s.DurationMs,
			OK:         s.OK,
			ErrorType:  s.ErrorType,
			Counters:   s.Counters,
		}
	}
	record := &trace.TraceRecord{
		Timestamp:   op.start.UTC(),
		OperationID: op.id,
		Operation:   op.name,
		DurationMs:  total,
		Status:      status,
		Spans:       spans,
		ErrorType:   errorType,
		IDs:         op.ids,
	}
	// exporting must not fail the operation
	if err := op.e.tracer.Export(context.WithoutCancel(op.ctx), record); err != nil {
		op.e.logger.Warn("trace export failed", "operation", op.name, "error", err)
	}
}
