// Package index stores passage embeddings and serves hybrid search:
// cosine similarity blended with a term-frequency lexical score.
package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// DefaultSemanticWeight favours semantic similarity over lexical overlap.
const DefaultSemanticWeight = 0.7

var (
	// ErrSchema is matched by every *SchemaError.
	ErrSchema = errors.New("index schema error")

	ErrInvalidK      = errors.New("k must be at least 1")
	ErrInvalidWeight = errors.New("semantic weight must be within [0,1]")
)

// SchemaError reports an embedding whose dimension differs from the index.
type SchemaError struct {
	PassageID string
	Want      int
	Got       int
}

func (e *SchemaError) Error() string {
	if e.PassageID == "" {
		return fmt.Sprintf("index schema error: query has %d dimensions, index has %d", e.Got, e.Want)
	}
	return fmt.Sprintf("index schema error: passage %s has %d dimensions, index has %d", e.PassageID, e.Got, e.Want)
}

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// Entry is one passage held by an index.
type Entry struct {
	PassageID string
	Embedding []float32
	Text      string
}

// Result is one ranked search hit. Score is the weighted blend of
// Semantic and Lexical, each within [0,1].
type Result struct {
	PassageID string
	Score     float64
	Semantic  float64
	Lexical   float64
	Rank      int // 1-based
}

// Index is the vector index contract shared by the in-memory and Qdrant
// implementations. Apply mutates atomically with respect to Search.
type Index interface {
	Upsert(ctx context.Context, entry Entry) error
	Remove(ctx context.Context, passageID string) error
	Apply(ctx context.Context, upserts []Entry, removes []string) error
	Search(ctx context.Context, query []float32, queryText string, k int) ([]Result, error)
	Len() int
	Dimension() int
}

// Options configures scoring.
type Options struct {
	SemanticWeight float64
	Scorer         *Scorer // nil uses NewScorer(nil)
}

// DefaultOptions returns the product defaults.
func DefaultOptions() Options {
	return Options{SemanticWeight: DefaultSemanticWeight}
}

func (o Options) validate() error {
	if o.SemanticWeight < 0 || o.SemanticWeight > 1 || math.IsNaN(o.SemanticWeight) {
		return fmt.Errorf("%w: %v", ErrInvalidWeight, o.SemanticWeight)
	}
	return nil
}

// combine blends the two scores with the semantic weight.
func combine(w, semantic, lexical float64) float64 {
	return w*semantic + (1-w)*lexical
}

// semanticScore maps a cosine similarity from [-1,1] to [0,1].
func semanticScore(cos float64) float64 {
	s := (cos + 1) / 2
	return math.Max(0, math.Min(1, s))
}

// rank sorts results by score, then lexical score, then passage ID, and
// keeps the first k with 1-based ranks assigned.
func rank(results []Result, k int) []Result {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Lexical != b.Lexical {
			return a.Lexical > b.Lexical
		}
		return a.PassageID < b.PassageID
	})
	if len(results) > k {
		results = results[:k]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}
