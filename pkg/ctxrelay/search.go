package ctxrelay

import (
	"context"
	"strings"

	"github.com/dan-solli/ctxrelay/pkg/similarity"
	"github.com/dan-solli/ctxrelay/pkg/store"
)

// DefaultSearchLimit caps FindSimilar results when no limit is given.
const DefaultSearchLimit = 10

// SimilarFragment is one FindSimilar hit.
type SimilarFragment struct {
	Fragment store.Fragment `json:"fragment"`
	Score    float64        `json:"score"`
}

// FindSimilar ranks the fragments of a context by similarity to query.
// Fragments without an embedding are embedded for scoring only; the stored
// packet is not modified.
func (e *Engine) FindSimilar(ctx context.Context, contextID, query string, limit int, minScore float64) ([]SimilarFragment, error) {
	op := e.begin(ctx, OpFindSimilar, contextID)
	if contextID == "" {
		return nil, op.fail(invalidInput(OpFindSimilar, "", "context_id is required"))
	}
	if strings.TrimSpace(query) == "" {
		return nil, op.fail(invalidInput(OpFindSimilar, contextID, "query is required"))
	}
	if minScore < -1 || minScore > 1 {
		return nil, op.fail(invalidInput(OpFindSimilar, contextID, "min_score must be within [-1,1]"))
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	p, err := e.load(op, contextID)
	if err != nil {
		return nil, op.fail(err)
	}
	if err := e.embed(op, p.Fragments); err != nil {
		return nil, op.fail(err)
	}

	span := op.span(stageSearch)
	vec, err := e.sim.EmbedQuery(op.ctx, query)
	if err != nil {
		span.finish(err, nil)
		return nil, op.fail(err)
	}
	matches := similarity.TopK(vec, p.Fragments, limit, minScore)
	span.finish(nil, map[string]int64{"matches": int64(len(matches))})

	out := make([]SimilarFragment, len(matches))
	for i, m := range matches {
		out[i] = SimilarFragment{Fragment: m.Fragment, Score: m.Score}
	}
	op.succeed()
	return out, nil
}
