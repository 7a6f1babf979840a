// Package similarity implements the vector primitives behind conflict
// detection, duplicate detection and diversity-preserving selection.
// Every function here is pure and deterministic: ties are broken by
// fragment ID so the same input always yields the same output.
package similarity

import (
	"math"
	"sort"

	"github.com/dan-solli/ctxrelay/pkg/store"
)

// Cosine computes the cosine similarity between two vectors.
// Returns a value between -1 and 1. Vectors of different length, empty
// vectors and zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	sim := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	// clamp float drift
	return math.Max(-1, math.Min(1, sim))
}

// Dimensions returns the embedding length of the first embedded fragment,
// or 0 when none is embedded.
func Dimensions(frags []store.Fragment) int {
	for i := range frags {
		if n := len(frags[i].Embedding); n > 0 {
			return n
		}
	}
	return 0
}

// FindConflicts returns every (new, existing) pair whose similarity is at or
// above threshold. Pairs sharing a fragment ID and fragments without an
// embedding are skipped. Results are ordered by new-fragment position, then
// existing-fragment position.
func FindConflicts(newFrags, existing []store.Fragment, threshold float64) []store.ConflictPair {
	var out []store.ConflictPair
	for _, n := range newFrags {
		if len(n.Embedding) == 0 {
			continue
		}
		for _, e := range existing {
			if n.FragmentID == e.FragmentID || len(e.Embedding) == 0 {
				continue
			}
			if sim := Cosine(n.Embedding, e.Embedding); sim >= threshold {
				out = append(out, store.ConflictPair{FragmentA: n.FragmentID, FragmentB: e.FragmentID, Similarity: sim})
			}
		}
	}
	return out
}

// FindDuplicates returns every pair (i < j) within frags whose similarity is
// at or above threshold.
func FindDuplicates(frags []store.Fragment, threshold float64) []store.ConflictPair {
	var out []store.ConflictPair
	for i := 0; i < len(frags); i++ {
		if len(frags[i].Embedding) == 0 {
			continue
		}
		for j := i + 1; j < len(frags); j++ {
			if len(frags[j].Embedding) == 0 {
				continue
			}
			if sim := Cosine(frags[i].Embedding, frags[j].Embedding); sim >= threshold {
				out = append(out, store.ConflictPair{FragmentA: frags[i].FragmentID, FragmentB: frags[j].FragmentID, Similarity: sim})
			}
		}
	}
	return out
}

// Selection is the result of SelectDiverse.
type Selection struct {
	// Selected holds the chosen fragment IDs in rank order.
	Selected []string
	// CoveredBy maps every excluded fragment ID to the selected fragment it
	// is most similar to.
	CoveredBy map[string]string
}

// Rank orders fragments by importance descending, then newest CreatedAt,
// then fragment ID ascending. The input is not modified.
func Rank(frags []store.Fragment) []store.Fragment {
	ranked := make([]store.Fragment, len(frags))
	copy(ranked, frags)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i].Metadata, ranked[j].Metadata
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return ranked[i].FragmentID < ranked[j].FragmentID
	})
	return ranked
}

// SelectDiverse greedily picks up to budget fragments: candidates are ranked
// with Rank, the top one seeds the selection, and a candidate is added only
// if its similarity to every selected fragment is below diversityThreshold.
// Selection may end with fewer than budget fragments when the candidates are
// too alike.
func SelectDiverse(candidates []store.Fragment, budget int, diversityThreshold float64) Selection {
	sel := Selection{CoveredBy: make(map[string]string)}
	if budget <= 0 || len(candidates) == 0 {
		return sel
	}

	ranked := Rank(candidates)
	var chosen []store.Fragment
	for _, c := range ranked {
		if len(chosen) >= budget {
			break
		}
		diverse := true
		for _, s := range chosen {
			if Cosine(c.Embedding, s.Embedding) >= diversityThreshold {
				diverse = false
				break
			}
		}
		if diverse {
			chosen = append(chosen, c)
			sel.Selected = append(sel.Selected, c.FragmentID)
		}
	}

	selected := make(map[string]bool, len(chosen))
	for _, s := range chosen {
		selected[s.FragmentID] = true
	}
	for _, c := range ranked {
		if selected[c.FragmentID] {
			continue
		}
		sel.CoveredBy[c.FragmentID] = nearest(c, chosen)
	}
	return sel
}

// nearest returns the ID of the selected fragment most similar to f.
// Ties go to the earlier (higher ranked) selection.
func nearest(f store.Fragment, chosen []store.Fragment) string {
	best := ""
	bestSim := math.Inf(-1)
	for _, s := range chosen {
		if sim := Cosine(f.Embedding, s.Embedding); sim > bestSim {
			best, bestSim = s.FragmentID, sim
		}
	}
	return best
}

// Match is a fragment scored against a query vector.
type Match struct {
	Fragment store.Fragment
	Score    float64
}

// TopK scores frags against query and returns up to limit matches with a
// score of at least minScore, best first (ties by fragment ID).
func TopK(query []float32, frags []store.Fragment, limit int, minScore float64) []Match {
	var out []Match
	for _, f := range frags {
		if len(f.Embedding) == 0 {
			continue
		}
		if score := Cosine(query, f.Embedding); score >= minScore {
			out = append(out, Match{Fragment: f, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Fragment.FragmentID < out[j].Fragment.FragmentID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
