package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const defaultLocalDimensions = 256

// LocalEmbedder is a deterministic feature-hashing embedder. Text is NFKC
// normalized and case folded, split into word tokens, and every token and
// adjacent token pair is hashed into a signed bucket. The vector is L2
// normalized, so identical texts always score 1.0.
//
// It needs no network and is the default for tests and single-node setups.
type LocalEmbedder struct {
	dims int
}

// NewLocalEmbedder creates a local embedder. dims <= 0 uses 256.
func NewLocalEmbedder(dims int) *LocalEmbedder {
	if dims <= 0 {
		dims = defaultLocalDimensions
	}
	return &LocalEmbedder{dims: dims}
}

// Dimensions returns the vector length.
func (e *LocalEmbedder) Dimensions() int {
	return e.dims
}

// Embed generates embeddings for multiple texts
func (e *LocalEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.vector(text)
	}
	return out, nil
}

// EmbedOne generates an embedding for a single text
func (e *LocalEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.vector(text), nil
}

func (e *LocalEmbedder) tokens(text string) []string {
	// cases.Caser is stateful and not safe for concurrent use.
	folded := cases.Fold().String(norm.NFKC.String(text))
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func (e *LocalEmbedder) vector(text string) []float32 {
	v := make([]float64, e.dims)
	toks := e.tokens(text)
	for i, tok := range toks {
		e.add(v, tok, 1.0)
		if i > 0 {
			e.add(v, toks[i-1]+" "+tok, 0.5)
		}
	}

	var norm2 float64
	for _, x := range v {
		norm2 += x * x
	}
	out := make([]float32, e.dims)
	if norm2 == 0 {
		return out
	}
	scale := 1 / math.Sqrt(norm2)
	for i, x := range v {
		out[i] = float32(x * scale)
	}
	return out
}

func (e *LocalEmbedder) add(v []float64, feature string, weight float64) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(e.dims))
	if sum>>63 == 1 {
		weight = -weight
	}
	v[idx] += weight
}
