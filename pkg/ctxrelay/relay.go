package ctxrelay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dan-solli/ctxrelay/pkg/events"
	"github.com/dan-solli/ctxrelay/pkg/similarity"
	"github.com/dan-solli/ctxrelay/pkg/store"
)

// Delta is the set of changes one agent hands to another.
type Delta struct {
	Add       []store.Fragment
	Remove    []string
	Decisions []store.DecisionRecord
}

func (d Delta) empty() bool {
	return len(d.Add) == 0 && len(d.Remove) == 0 && len(d.Decisions) == 0
}

// RelayRequest applies a delta from FromAgent to ToAgent on a context.
type RelayRequest struct {
	ContextID string
	FromAgent string
	ToAgent   string
	Delta     Delta
	// ExpectedVersion, when set, must match the stored version.
	ExpectedVersion *int
}

// RelayResult is the committed packet and the conflicts detected between the
// added fragments and the existing ones. Conflicts is nil when there are none.
type RelayResult struct {
	Packet    *store.ContextPacket
	Conflicts []store.ConflictPair
}

// Relay applies req.Delta under the context's lock and commits it with
// compare-and-swap. relaySent is published right before the commit and
// relayReceived right after it.
func (e *Engine) Relay(ctx context.Context, req RelayRequest) (*RelayResult, error) {
	op := e.begin(ctx, OpRelay, req.ContextID)

	if err := validateRelay(req); err != nil {
		return nil, op.fail(err)
	}

	unlock := e.locks.lock(req.ContextID)
	defer unlock()

	cur, err := e.load(op, req.ContextID)
	if err != nil {
		return nil, op.fail(err)
	}
	if req.Delta.empty() {
		return nil, op.fail(invalidInput(OpRelay, req.ContextID, "delta must add, remove or record something"))
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != cur.Version {
		return nil, op.fail(&store.VersionConflictError{
			ContextID: req.ContextID,
			Expected:  *req.ExpectedVersion,
			Current:   cur.Version,
		})
	}

	now := e.now()
	added, err := prepareAdditions(cur, req.Delta.Add, req.FromAgent, now)
	if err != nil {
		return nil, op.fail(err)
	}
	if err := e.embed(op, added); err != nil {
		return nil, op.fail(err)
	}
	if err := checkDimensions(OpRelay, req.ContextID, cur.Fragments, added); err != nil {
		return nil, op.fail(err)
	}

	span := op.span(stageDetect)
	conflicts := similarity.FindConflicts(added, cur.Fragments, e.cfg.RelayConflictThreshold)
	span.finish(nil, map[string]int64{"conflicts": int64(len(conflicts))})
	if len(conflicts) == 0 {
		conflicts = nil
	}

	next := cur.Clone()
	next.Fragments = append(next.Fragments, added...)
	removed := e.removeFragments(next, req.Delta.Remove)

	for _, d := range req.Delta.Decisions {
		d = d.Clone()
		if d.Agent == "" {
			d.Agent = req.FromAgent
		}
		if d.Operation == "" {
			d.Operation = OpRelay
		}
		if d.Timestamp.IsZero() {
			d.Timestamp = now
		}
		next.DecisionTrace = append(next.DecisionTrace, d)
	}

	addedIDs := make([]string, len(added))
	for i, f := range added {
		addedIDs[i] = f.FragmentID
	}
	next.DecisionTrace = append(next.DecisionTrace, store.DecisionRecord{
		Agent:             req.FromAgent,
		Operation:         OpRelay,
		Decision:          fmt.Sprintf("relayed to %s", req.ToAgent),
		Reasoning:         relayReasoning(len(added), len(removed), len(conflicts)),
		Timestamp:         now,
		AffectedFragments: append(addedIDs, removed...),
		Conflicts:         conflicts,
	})
	next.UpdatedAt = now

	e.events.Publish(events.TypeRelaySent, map[string]any{
		"contextId":     req.ContextID,
		"fromAgent":     req.FromAgent,
		"toAgent":       req.ToAgent,
		"baseVersion":   cur.Version,
		"addedIds":      addedIDs,
		"removedIds":    removed,
		"decisionCount": len(req.Delta.Decisions),
	})

	if err := e.commit(op, next, cur.Version); err != nil {
		return nil, op.fail(err)
	}

	e.logger.Info("relay committed",
		"context_id", next.ContextID,
		"from_agent", req.FromAgent,
		"to_agent", req.ToAgent,
		"version", next.Version,
		"added", len(added),
		"removed", len(removed),
		"conflicts", len(conflicts))

	e.events.Publish(events.TypeRelayReceived, map[string]any{
		"contextId":     next.ContextID,
		"toAgent":       req.ToAgent,
		"version":       next.Version,
		"fragmentCount": len(next.Fragments),
		"conflicts":     conflictsPayload(conflicts),
	})
	op.succeed()
	return &RelayResult{Packet: next, Conflicts: conflicts}, nil
}

func validateRelay(req RelayRequest) error {
	switch {
	case req.ContextID == "":
		return invalidInput(OpRelay, "", "context_id is required")
	case strings.TrimSpace(req.FromAgent) == "":
		return invalidInput(OpRelay, req.ContextID, "from_agent is required")
	case strings.TrimSpace(req.ToAgent) == "":
		return invalidInput(OpRelay, req.ContextID, "to_agent is required")
	case req.ExpectedVersion != nil && *req.ExpectedVersion < 0:
		return invalidInput(OpRelay, req.ContextID, "expected_version must be >= 0")
	}
	for i, d := range req.Delta.Decisions {
		if strings.TrimSpace(d.Decision) == "" {
			return invalidInput(OpRelay, req.ContextID, "decision_updates[%d]: decision is required", i)
		}
	}
	if len(req.Delta.Remove) > 0 {
		adding := make(map[string]bool, len(req.Delta.Add))
		for _, f := range req.Delta.Add {
			if f.FragmentID != "" {
				adding[f.FragmentID] = true
			}
		}
		for _, id := range req.Delta.Remove {
			if adding[id] {
				return invalidInput(OpRelay, req.ContextID, "fragment_id %s is both added and removed", id)
			}
		}
	}
	return nil
}

// checkDimensions rejects added embeddings whose length differs from the
// packet's. The first embedded fragment in existing sets the length, or the
// first one in added when existing has none.
func checkDimensions(op, contextID string, existing, added []store.Fragment) error {
	dims := similarity.Dimensions(existing)
	if dims == 0 {
		dims = similarity.Dimensions(added)
	}
	for _, f := range added {
		if n := len(f.Embedding); n != 0 && n != dims {
			return invalidInput(op, contextID, "fragment %s: embedding has %d dimensions, want %d", f.FragmentID, n, dims)
		}
	}
	return nil
}

// prepareAdditions normalizes and validates new fragments. A fragment ID that
// already exists in the packet or repeats within the delta is a Conflict.
func prepareAdditions(cur *store.ContextPacket, add []store.Fragment, agent string, now time.Time) ([]store.Fragment, error) {
	existing := make(map[string]bool, len(cur.Fragments))
	for _, f := range cur.Fragments {
		existing[f.FragmentID] = true
	}

	out := make([]store.Fragment, 0, len(add))
	for _, f := range add {
		f = f.Clone()
		f.Normalize(now)
		if f.Metadata.SourceAgent == "" {
			f.Metadata.SourceAgent = agent
		}
		if err := f.Validate(); err != nil {
			return nil, invalidInput(OpRelay, cur.ContextID, "%s", err.Error())
		}
		if existing[f.FragmentID] {
			return nil, newError(KindConflict, OpRelay, cur.ContextID, "fragment_id %s already exists", f.FragmentID)
		}
		existing[f.FragmentID] = true
		out = append(out, f)
	}
	return out, nil
}

// removeFragments drops the given IDs from p and returns the ones that were
// present. Absent IDs are skipped.
func (e *Engine) removeFragments(p *store.ContextPacket, ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	var removed []string
	kept := p.Fragments[:0]
	for _, f := range p.Fragments {
		if drop[f.FragmentID] {
			removed = append(removed, f.FragmentID)
			delete(drop, f.FragmentID)
			continue
		}
		kept = append(kept, f)
	}
	p.Fragments = kept

	for _, id := range ids {
		if drop[id] {
			e.logger.Debug("remove of absent fragment ignored", "context_id", p.ContextID, "fragment_id", id)
			delete(drop, id)
		}
	}
	return removed
}

func relayReasoning(added, removed, conflicts int) string {
	s := fmt.Sprintf("added %d fragment(s), removed %d", added, removed)
	if conflicts > 0 {
		s += fmt.Sprintf("; %d potential conflict(s) detected", conflicts)
	}
	return s
}

func conflictsPayload(pairs []store.ConflictPair) any {
	if len(pairs) == 0 {
		return nil
	}
	out := make([]map[string]any, len(pairs))
	for i, c := range pairs {
		out[i] = map[string]any{
			"fragmentA":  c.FragmentA,
			"fragmentB":  c.FragmentB,
			"similarity": c.Similarity,
		}
	}
	return out
}
