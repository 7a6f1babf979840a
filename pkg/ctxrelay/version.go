package ctxrelay

import (
	"context"
	"fmt"
	"strings"

	"github.com/dan-solli/ctxrelay/pkg/events"
	"github.com/dan-solli/ctxrelay/pkg/store"
)

// summaryDecisions is how many recent decisions an automatic summary covers.
const summaryDecisions = 3

// CreateVersion snapshots the current packet. The summary is label when
// given, otherwise it is derived from the latest decisions.
func (e *Engine) CreateVersion(ctx context.Context, contextID, label string) (*store.VersionSnapshot, error) {
	op := e.begin(ctx, OpCreateVersion, contextID)
	if contextID == "" {
		return nil, op.fail(invalidInput(OpCreateVersion, "", "context_id is required"))
	}

	unlock := e.locks.lock(contextID)
	defer unlock()

	p, err := e.load(op, contextID)
	if err != nil {
		return nil, op.fail(err)
	}

	label = strings.TrimSpace(label)
	snap := &store.VersionSnapshot{
		VersionID:     e.newID(),
		ContextID:     contextID,
		VersionNumber: p.Version,
		Label:         label,
		Summary:       label,
		Timestamp:     e.now(),
		Packet:        p.Clone(),
	}
	if snap.Summary == "" {
		snap.Summary = summarize(p)
	}

	span := op.span(stageSnapshot)
	err = e.store.PutSnapshot(op.ctx, snap)
	span.finish(err, nil)
	if err != nil {
		return nil, op.fail(err)
	}
	op.ids["versionId"] = snap.VersionID

	e.logger.Info("version created",
		"context_id", contextID,
		"version_id", snap.VersionID,
		"version", snap.VersionNumber)

	e.events.Publish(events.TypeVersionCreated, map[string]any{
		"contextId":     contextID,
		"versionId":     snap.VersionID,
		"versionNumber": snap.VersionNumber,
		"summary":       snap.Summary,
		"timestamp":     snap.Timestamp,
	})
	op.succeed()
	return snap, nil
}

// ListVersions returns the snapshots of a context, newest first.
func (e *Engine) ListVersions(ctx context.Context, contextID string) ([]*store.VersionSnapshot, error) {
	op := e.begin(ctx, OpListVersions, contextID)
	if contextID == "" {
		return nil, op.fail(invalidInput(OpListVersions, "", "context_id is required"))
	}
	if _, err := e.load(op, contextID); err != nil {
		return nil, op.fail(err)
	}

	snaps, err := e.store.ListSnapshots(op.ctx, contextID)
	if err != nil {
		return nil, op.fail(err)
	}
	op.succeed()
	return snaps, nil
}

// summarize describes a packet by its most recent decisions.
func summarize(p *store.ContextPacket) string {
	trace := p.DecisionTrace
	if len(trace) == 0 {
		return fmt.Sprintf("version %d: %d fragments, no decisions recorded", p.Version, len(p.Fragments))
	}
	if len(trace) > summaryDecisions {
		trace = trace[len(trace)-summaryDecisions:]
	}
	parts := make([]string, len(trace))
	for i, d := range trace {
		parts[i] = fmt.Sprintf("%s: %s", d.Agent, d.Decision)
	}
	return fmt.Sprintf("version %d: %s", p.Version, strings.Join(parts, "; "))
}
