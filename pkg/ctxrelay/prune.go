package ctxrelay

import (
	"context"
	"fmt"
	"sort"

	"github.com/dan-solli/ctxrelay/pkg/events"
	"github.com/dan-solli/ctxrelay/pkg/similarity"
	"github.com/dan-solli/ctxrelay/pkg/store"
)

// PruneStrategy selects which fragments survive a prune.
type PruneStrategy string

const (
	PruneRecency           PruneStrategy = "recency"
	PruneImportance        PruneStrategy = "importance"
	PruneSemanticDiversity PruneStrategy = "semantic_diversity"
)

// ParsePruneStrategy returns the strategy named by s or an InvalidInput error.
func ParsePruneStrategy(s string) (PruneStrategy, error) {
	switch PruneStrategy(s) {
	case PruneRecency, PruneImportance, PruneSemanticDiversity:
		return PruneStrategy(s), nil
	}
	return "", invalidInput(OpPrune, "", "unknown pruning strategy %q (want recency, importance or semantic_diversity)", s)
}

const (
	reasonRecency    = "below recency cutoff"
	reasonImportance = "below importance cutoff"
)

// PruneRequest reduces a context to Budget fragments.
type PruneRequest struct {
	ContextID string
	Strategy  string
	Budget    int
}

// pruneSelection is the outcome of a strategy: the IDs to keep and, for every
// removed ID, why it was removed.
type pruneSelection struct {
	keep    map[string]bool
	reasons map[string]string
}

// Prune removes fragments so that Budget remain (the importance strategy may
// keep more) and commits the result as the next version of the same context.
func (e *Engine) Prune(ctx context.Context, req PruneRequest) (*store.ContextPacket, error) {
	op := e.begin(ctx, OpPrune, req.ContextID)

	if req.ContextID == "" {
		return nil, op.fail(invalidInput(OpPrune, "", "context_id is required"))
	}
	strategy, err := ParsePruneStrategy(req.Strategy)
	if err != nil {
		return nil, op.fail(err)
	}
	if req.Budget < 1 {
		return nil, op.fail(invalidInput(OpPrune, req.ContextID, "budget must be at least 1"))
	}

	unlock := e.locks.lock(req.ContextID)
	defer unlock()

	tctx, cancel := e.withTimeout(ctx)
	defer cancel()
	op.ctx = tctx

	cur, err := e.load(op, req.ContextID)
	if err != nil {
		return nil, op.fail(err)
	}
	if req.Budget >= len(cur.Fragments) {
		return nil, op.fail(invalidInput(OpPrune, req.ContextID,
			"budget %d must be smaller than the current fragment count %d", req.Budget, len(cur.Fragments)))
	}

	next := cur.Clone()
	var sel pruneSelection
	switch strategy {
	case PruneRecency:
		sel = selectRecent(next.Fragments, req.Budget)
	case PruneImportance:
		sel, err = e.selectImportant(next.Fragments, req.Budget)
	case PruneSemanticDiversity:
		if err = e.embed(op, next.Fragments); err == nil {
			span := op.span(stageSelect)
			sel = e.selectDiverse(next.Fragments, req.Budget)
			span.finish(nil, map[string]int64{"kept": int64(len(sel.keep))})
		}
	}
	if err != nil {
		return nil, op.fail(err)
	}
	if err := checkDeadline(tctx, OpPrune, req.ContextID); err != nil {
		return nil, op.fail(err)
	}

	kept := make([]store.Fragment, 0, len(sel.keep))
	var removed []string
	for _, f := range next.Fragments {
		if sel.keep[f.FragmentID] {
			kept = append(kept, f)
		} else {
			removed = append(removed, f.FragmentID)
		}
	}
	next.Fragments = kept

	now := e.now()
	next.DecisionTrace = append(next.DecisionTrace, store.DecisionRecord{
		Agent:             e.cfg.SystemAgent,
		Operation:         OpPrune,
		Decision:          fmt.Sprintf("pruned to %d fragments using %s", len(kept), strategy),
		Reasoning:         fmt.Sprintf("budget %d, removed %d of %d fragments", req.Budget, len(removed), len(cur.Fragments)),
		Timestamp:         now,
		AffectedFragments: removed,
		Reasons:           sel.reasons,
	})
	next.UpdatedAt = now

	if err := e.commit(op, next, cur.Version); err != nil {
		return nil, op.fail(err)
	}

	e.logger.Info("context pruned",
		"context_id", next.ContextID,
		"strategy", string(strategy),
		"budget", req.Budget,
		"version", next.Version,
		"removed", len(removed))

	e.events.Publish(events.TypeContextPruned, map[string]any{
		"contextId":     next.ContextID,
		"strategy":      string(strategy),
		"budget":        req.Budget,
		"version":       next.Version,
		"fragmentCount": len(next.Fragments),
		"removedIds":    removed,
	})
	op.succeed()
	return next, nil
}

// selectRecent keeps the budget newest fragments; ties go to the smaller ID.
func selectRecent(frags []store.Fragment, budget int) pruneSelection {
	ordered := make([]store.Fragment, len(frags))
	copy(ordered, frags)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.Metadata.CreatedAt.Equal(b.Metadata.CreatedAt) {
			return a.Metadata.CreatedAt.After(b.Metadata.CreatedAt)
		}
		return a.FragmentID < b.FragmentID
	})

	sel := pruneSelection{keep: map[string]bool{}, reasons: map[string]string{}}
	for i, f := range ordered {
		if i < budget {
			sel.keep[f.FragmentID] = true
		} else {
			sel.reasons[f.FragmentID] = reasonRecency
		}
	}
	return sel
}

// selectImportant keeps every fragment above the importance floor and fills
// the remaining budget by rank. A selection that keeps everything fails.
func (e *Engine) selectImportant(frags []store.Fragment, budget int) (pruneSelection, error) {
	sel := pruneSelection{keep: map[string]bool{}, reasons: map[string]string{}}
	var rest []store.Fragment
	for _, f := range frags {
		if f.Metadata.Importance > e.cfg.ImportanceFloor {
			sel.keep[f.FragmentID] = true
		} else {
			rest = append(rest, f)
		}
	}
	if len(rest) == 0 {
		return sel, newError(KindInvalidInput, OpPrune, "",
			"all %d fragments have importance above %.2f; nothing can be pruned", len(frags), e.cfg.ImportanceFloor)
	}

	slots := budget - len(sel.keep)
	for i, f := range similarity.Rank(rest) {
		if i < slots {
			sel.keep[f.FragmentID] = true
		} else {
			sel.reasons[f.FragmentID] = reasonImportance
		}
	}
	return sel, nil
}

// selectDiverse runs greedy diversity selection and backfills with the
// best-ranked excluded fragments until exactly budget are kept.
func (e *Engine) selectDiverse(frags []store.Fragment, budget int) pruneSelection {
	res := similarity.SelectDiverse(frags, budget, e.cfg.DiversityThreshold)

	sel := pruneSelection{keep: map[string]bool{}, reasons: map[string]string{}}
	for _, id := range res.Selected {
		sel.keep[id] = true
	}
	if len(sel.keep) < budget {
		for _, f := range similarity.Rank(frags) {
			if len(sel.keep) >= budget {
				break
			}
			sel.keep[f.FragmentID] = true
		}
	}
	for id, by := range res.CoveredBy {
		if !sel.keep[id] {
			sel.reasons[id] = "consolidated: similar to fragment " + by
		}
	}
	return sel
}
