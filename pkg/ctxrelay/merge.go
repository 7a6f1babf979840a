package ctxrelay

import (
	"context"
	"fmt"
	"strings"

	"github.com/dan-solli/ctxrelay/pkg/events"
	"github.com/dan-solli/ctxrelay/pkg/similarity"
	"github.com/dan-solli/ctxrelay/pkg/store"
)

// MergeStrategy selects how overlapping fragments are resolved.
type MergeStrategy string

const (
	MergeUnion              MergeStrategy = "union"
	MergeSemanticSimilarity MergeStrategy = "semantic_similarity"
	MergeOverwrite          MergeStrategy = "overwrite"
)

// ParseMergeStrategy returns the strategy named by s or an InvalidInput error.
func ParseMergeStrategy(s string) (MergeStrategy, error) {
	switch MergeStrategy(s) {
	case MergeUnion, MergeSemanticSimilarity, MergeOverwrite:
		return MergeStrategy(s), nil
	}
	return "", invalidInput(OpMerge, "", "unknown merge strategy %q (want union, semantic_similarity or overwrite)", s)
}

// MergeRequest combines several contexts into a new one.
type MergeRequest struct {
	ContextIDs []string
	Strategy   string
	// SessionID of the merged context; defaults to "merged-<timestamp>".
	SessionID string
}

// ConflictReport lists what a merge resolved. It is nil when nothing was.
type ConflictReport struct {
	Strategy  MergeStrategy        `json:"strategy"`
	Conflicts []store.ConflictPair `json:"conflicts"`
	Dropped   []string             `json:"dropped"`
	// Reasons maps each dropped fragment ID to why it lost.
	Reasons map[string]string `json:"reasons,omitempty"`
}

// MergeResult is the new packet and its conflict report.
type MergeResult struct {
	Packet         *store.ContextPacket
	ConflictReport *ConflictReport
}

// sourced is a fragment tagged with the position of its source context.
type sourced struct {
	frag   store.Fragment
	source int
}

// Merge builds a brand new context at version 0 from the given contexts.
// Inputs are never modified.
func (e *Engine) Merge(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	op := e.begin(ctx, OpMerge, "")

	ids := dedupe(req.ContextIDs)
	op.ids["sourceIds"] = ids
	if len(ids) < 2 {
		return nil, op.fail(invalidInput(OpMerge, "", "at least two distinct context_ids are required"))
	}
	strategy, err := ParseMergeStrategy(req.Strategy)
	if err != nil {
		return nil, op.fail(err)
	}

	tctx, cancel := e.withTimeout(ctx)
	defer cancel()
	op.ctx = tctx

	sources, err := e.loadAll(op, ids)
	if err != nil {
		return nil, op.fail(err)
	}

	total := 0
	for _, p := range sources {
		total += len(p.Fragments)
	}
	if total > e.cfg.MaxMergeFragments {
		return nil, op.fail(newError(KindTimeout, OpMerge, "",
			"merge of %d fragments exceeds the processing budget of %d", total, e.cfg.MaxMergeFragments))
	}

	entries, report := unionFragments(sources)
	if strategy != MergeUnion {
		frags := make([]store.Fragment, len(entries))
		for i := range entries {
			frags[i] = entries[i].frag
		}
		if err := e.embed(op, frags); err != nil {
			return nil, op.fail(err)
		}
		for i := range entries {
			entries[i].frag = frags[i]
		}
		if err := checkDeadline(tctx, OpMerge, ""); err != nil {
			return nil, op.fail(err)
		}

		span := op.span(stageResolve)
		switch strategy {
		case MergeSemanticSimilarity:
			entries = e.resolveBySimilarity(entries, report)
		case MergeOverwrite:
			entries = e.resolveByPriority(entries, sources, report)
		}
		span.finish(nil, map[string]int64{"dropped": int64(len(report.Dropped))})
	}
	if len(report.Conflicts) == 0 && len(report.Dropped) == 0 {
		report = nil
	} else {
		report.Strategy = strategy
	}

	now := e.now()
	merged := &store.ContextPacket{
		ContextID: e.newID(),
		SessionID: req.SessionID,
		Metadata: map[string]any{
			"merged_from":    ids,
			"merge_strategy": string(strategy),
			"merged_at":      now.Format(timeLayout),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if merged.SessionID == "" {
		merged.SessionID = fmt.Sprintf("merged-%d", now.Unix())
	}
	merged.Fragments = make([]store.Fragment, len(entries))
	for i, en := range entries {
		merged.Fragments[i] = en.frag
	}
	merged.DecisionTrace = []store.DecisionRecord{}
	for _, p := range sources {
		merged.DecisionTrace = append(merged.DecisionTrace, p.DecisionTrace...)
	}
	rec := store.DecisionRecord{
		Agent:     e.cfg.SystemAgent,
		Operation: OpMerge,
		Decision:  fmt.Sprintf("merged %d contexts using %s", len(ids), strategy),
		Reasoning: fmt.Sprintf("kept %d of %d fragments", len(entries), total),
		Timestamp: now,
	}
	if report != nil {
		rec.Conflicts = report.Conflicts
		rec.AffectedFragments = report.Dropped
		rec.Reasons = report.Reasons
	}
	merged.DecisionTrace = append(merged.DecisionTrace, rec)

	op.contextID = merged.ContextID
	op.ids["contextId"] = merged.ContextID
	if err := checkDeadline(tctx, OpMerge, ""); err != nil {
		return nil, op.fail(err)
	}
	if err := e.commit(op, merged, store.NewContext); err != nil {
		return nil, op.fail(err)
	}

	e.logger.Info("contexts merged",
		"context_id", merged.ContextID,
		"sources", strings.Join(ids, ","),
		"strategy", string(strategy),
		"fragments", len(merged.Fragments))

	var reportPayload any
	if report != nil {
		reportPayload = map[string]any{
			"strategy":  string(report.Strategy),
			"conflicts": conflictsPayload(report.Conflicts),
			"dropped":   report.Dropped,
		}
	}
	e.events.Publish(events.TypeContextMerged, map[string]any{
		"contextId":      merged.ContextID,
		"sourceIds":      ids,
		"strategy":       string(strategy),
		"fragmentCount":  len(merged.Fragments),
		"conflictReport": reportPayload,
	})
	op.succeed()
	return &MergeResult{Packet: merged, ConflictReport: report}, nil
}

// loadAll fetches every source. Missing IDs are reported together.
func (e *Engine) loadAll(op *operation, ids []string) ([]*store.ContextPacket, error) {
	span := op.span(stageLoad)
	out := make([]*store.ContextPacket, 0, len(ids))
	var missing []string
	for _, id := range ids {
		p, err := e.store.Get(op.ctx, id)
		if err != nil {
			if KindOf(err) == KindNotFound {
				missing = append(missing, id)
				continue
			}
			span.finish(err, nil)
			return nil, err
		}
		out = append(out, p)
	}
	if len(missing) > 0 {
		err := &Error{
			Kind:       KindNotFound,
			Op:         OpMerge,
			Message:    fmt.Sprintf("contexts not found: %s", strings.Join(missing, ", ")),
			MissingIDs: missing,
		}
		span.finish(err, nil)
		return nil, err
	}
	span.finish(nil, map[string]int64{"sources": int64(len(out))})
	return out, nil
}

// unionFragments concatenates the sources in input order. On an ID collision
// the first occurrence is kept and later ones are reported as dropped.
func unionFragments(sources []*store.ContextPacket) ([]sourced, *ConflictReport) {
	report := &ConflictReport{Reasons: map[string]string{}}
	seen := make(map[string]bool)
	var out []sourced
	for i, p := range sources {
		for _, f := range p.Fragments {
			if seen[f.FragmentID] {
				report.Dropped = append(report.Dropped, f.FragmentID)
				report.Reasons[f.FragmentID] = fmt.Sprintf("duplicate id: kept the copy from %s", firstSource(sources[:i], f.FragmentID))
				continue
			}
			seen[f.FragmentID] = true
			out = append(out, sourced{frag: f, source: i})
		}
	}
	return out, report
}

func firstSource(sources []*store.ContextPacket, fragmentID string) string {
	for _, p := range sources {
		if _, ok := p.Fragment(fragmentID); ok {
			return p.ContextID
		}
	}
	return ""
}

// resolveBySimilarity drops the less important fragment of every pair at or
// above the merge threshold. Equal importance keeps the earlier entry.
func (e *Engine) resolveBySimilarity(entries []sourced, report *ConflictReport) []sourced {
	return resolvePairs(entries, e.cfg.MergeSimilarityThreshold, report, false, func(a, b sourced) bool {
		return b.frag.Metadata.Importance > a.frag.Metadata.Importance
	}, "similar to %s with higher importance")
}

// resolveByPriority resolves cross-source pairs in favour of the source with
// the higher metadata "priority". Equal priority keeps the earlier source.
func (e *Engine) resolveByPriority(entries []sourced, sources []*store.ContextPacket, report *ConflictReport) []sourced {
	prio := make([]float64, len(sources))
	for i, p := range sources {
		prio[i] = sourcePriority(p)
	}
	return resolvePairs(entries, e.cfg.MergeSimilarityThreshold, report, true, func(a, b sourced) bool {
		return prio[b.source] > prio[a.source]
	}, "overwritten by %s from a higher priority source")
}

// resolvePairs walks similar pairs in (i, j) order with i < j. For each pair
// whose members are both still kept, the later entry is dropped unless
// laterWins reports that it beats the earlier one.
func resolvePairs(entries []sourced, threshold float64, report *ConflictReport, crossSourceOnly bool,
	laterWins func(a, b sourced) bool, reason string) []sourced {

	frags := make([]store.Fragment, len(entries))
	index := make(map[string]int, len(entries))
	for i, en := range entries {
		frags[i] = en.frag
		index[en.frag.FragmentID] = i
	}

	dropped := make([]bool, len(entries))
	for _, pair := range similarity.FindDuplicates(frags, threshold) {
		i, j := index[pair.FragmentA], index[pair.FragmentB]
		if crossSourceOnly && entries[i].source == entries[j].source {
			continue
		}
		report.Conflicts = append(report.Conflicts, pair)
		if dropped[i] || dropped[j] {
			continue
		}
		loser, winner := j, i
		if laterWins(entries[i], entries[j]) {
			loser, winner = i, j
		}
		dropped[loser] = true
		id := entries[loser].frag.FragmentID
		report.Dropped = append(report.Dropped, id)
		report.Reasons[id] = fmt.Sprintf(reason, entries[winner].frag.FragmentID)
	}

	kept := make([]sourced, 0, len(entries))
	for i, en := range entries {
		if !dropped[i] {
			kept = append(kept, en)
		}
	}
	return kept
}

// sourcePriority reads the numeric "priority" metadata of a source context.
func sourcePriority(p *store.ContextPacket) float64 {
	switch v := p.Metadata["priority"].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
