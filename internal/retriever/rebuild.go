package retriever

import (
	"context"
	"fmt"

	"github.com/bull/offline-rag/internal/index"
	"github.com/bull/offline-rag/internal/storage"
)

// RebuildReport describes an index rebuild.
type RebuildReport struct {
	Passages int
	// Verified is true when a probe query returned the same ranking
	// before and after the rebuild, or when there was nothing to compare.
	Verified bool
}

// Rebuild reloads the index from the passage store. When the index
// already held passages, a probe search taken before the reload is
// repeated afterwards and compared.
func (r *Retriever) Rebuild(ctx context.Context) (*RebuildReport, error) {
	r.rebuildMu.Lock()
	defer r.rebuildMu.Unlock()

	var entries []index.Entry
	err := r.store.EachPassage(ctx, func(p storage.Passage) error {
		entries = append(entries, index.Entry{PassageID: p.ID, Embedding: p.Embedding, Text: p.Text})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read passages: %w", err)
	}

	var before []index.Result
	probe := probeFor(entries)
	if probe != nil && r.index.Len() > 0 && r.index.Dimension() == len(probe.Embedding) {
		before, _ = r.index.Search(ctx, probe.Embedding, probe.Text, probeK)
	}

	if err := r.index.Rebuild(ctx, entries); err != nil {
		return nil, fmt.Errorf("rebuild index: %w", err)
	}

	report := &RebuildReport{Passages: len(entries), Verified: true}
	if before != nil {
		after, err := r.index.Search(ctx, probe.Embedding, probe.Text, probeK)
		if err != nil {
			return nil, fmt.Errorf("verify rebuild: %w", err)
		}
		report.Verified = sameRanking(before, after)
		if !report.Verified {
			r.logger.Warn("Rebuilt index ranks the probe query differently", "passages", len(entries))
		}
	}

	r.logger.Info("Rebuilt index", "passages", len(entries), "verified", report.Verified)
	return report, nil
}

const probeK = 10

func probeFor(entries []index.Entry) *index.Entry {
	if len(entries) == 0 {
		return nil
	}
	return &entries[0]
}

func sameRanking(a, b []index.Result) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].PassageID != b[i].PassageID {
			return false
		}
	}
	return true
}

// Status summarises the store and index.
type Status struct {
	Documents      int
	Passages       int
	IndexedEntries int
	Dimension      int
	StoreModel     string // embedding model recorded in the store
	EmbedderModel  string // embedding model currently configured
}

// Status returns document, passage and index counts.
func (r *Retriever) Status(ctx context.Context) (Status, error) {
	st, err := r.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	dim := r.index.Dimension()
	if dim == 0 {
		dim = st.Dimension
	}
	return Status{
		Documents:      st.Documents,
		Passages:       st.Passages,
		IndexedEntries: r.index.Len(),
		Dimension:      dim,
		StoreModel:     st.Model,
		EmbedderModel:  r.embedder.Model(),
	}, nil
}

// Documents lists ingested documents with passage counts.
func (r *Retriever) Documents(ctx context.Context) ([]storage.DocumentSummary, error) {
	return r.store.ListDocuments(ctx)
}
