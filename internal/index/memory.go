package index

import (
	"context"
	"math"
	"sync"
)

type memEntry struct {
	unit []float32 // L2-normalised copy of the embedding
	tf   map[string]int
}

// Memory is an exact in-memory index. Mutations take the write lock, so
// a search sees either all or none of an Apply batch.
type Memory struct {
	mu        sync.RWMutex
	entries   map[string]*memEntry
	dimension int
	weight    float64
	scorer    *Scorer
}

var _ Index = (*Memory)(nil)

// NewMemory creates an empty in-memory index.
func NewMemory(opts Options) (*Memory, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	scorer := opts.Scorer
	if scorer == nil {
		scorer = NewScorer(nil)
	}
	return &Memory{
		entries: make(map[string]*memEntry),
		weight:  opts.SemanticWeight,
		scorer:  scorer,
	}, nil
}

// Upsert stores or replaces a single entry.
func (m *Memory) Upsert(ctx context.Context, entry Entry) error {
	return m.Apply(ctx, []Entry{entry}, nil)
}

// Remove deletes an entry; absent IDs are ignored.
func (m *Memory) Remove(ctx context.Context, passageID string) error {
	return m.Apply(ctx, nil, []string{passageID})
}

// Apply validates every upsert, then applies removes and upserts under
// one write lock. On a dimension mismatch nothing is changed.
func (m *Memory) Apply(ctx context.Context, upserts []Entry, removes []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prepared := make(map[string]*memEntry, len(upserts))
	dim := 0
	for _, e := range upserts {
		if dim == 0 {
			dim = len(e.Embedding)
		}
		if len(e.Embedding) != dim || dim == 0 {
			return &SchemaError{PassageID: e.PassageID, Want: dim, Got: len(e.Embedding)}
		}
		prepared[e.PassageID] = &memEntry{unit: unitVector(e.Embedding), tf: TermFrequencies(e.Text)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if dim != 0 && m.dimension != 0 && dim != m.dimension {
		return &SchemaError{PassageID: upserts[0].PassageID, Want: m.dimension, Got: dim}
	}
	for _, id := range removes {
		delete(m.entries, id)
	}
	for id, e := range prepared {
		m.entries[id] = e
	}
	if m.dimension == 0 {
		m.dimension = dim
	}
	return nil
}

// Rebuild replaces the whole index content with entries.
func (m *Memory) Rebuild(ctx context.Context, entries []Entry) error {
	fresh, err := NewMemory(Options{SemanticWeight: m.weight, Scorer: m.scorer})
	if err != nil {
		return err
	}
	if err := fresh.Apply(ctx, entries, nil); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = fresh.entries
	m.dimension = fresh.dimension
	return nil
}

// Search scores every entry against the query and returns the top k.
func (m *Memory) Search(ctx context.Context, query []float32, queryText string, k int) ([]Result, error) {
	if k < 1 {
		return nil, ErrInvalidK
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := unitVector(query)
	terms := m.scorer.QueryTerms(queryText)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return nil, nil
	}
	if len(query) != m.dimension {
		return nil, &SchemaError{Want: m.dimension, Got: len(query)}
	}

	results := make([]Result, 0, len(m.entries))
	for id, e := range m.entries {
		sem := semanticScore(dot(q, e.unit))
		lex := m.scorer.Score(terms, e.tf)
		results = append(results, Result{
			PassageID: id,
			Score:     combine(m.weight, sem, lex),
			Semantic:  sem,
			Lexical:   lex,
		})
	}
	return rank(results, k), nil
}

// Len returns the number of entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Dimension returns the embedding size, 0 until the first upsert.
func (m *Memory) Dimension() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dimension
}

// Contains reports whether passageID is indexed.
func (m *Memory) Contains(passageID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[passageID]
	return ok
}

func unitVector(v []float32) []float32 {
	out := make([]float32, len(v))
	var sum float64
	for i, x := range v {
		out[i] = x
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i := range out {
		out[i] = float32(float64(out[i]) * inv)
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
