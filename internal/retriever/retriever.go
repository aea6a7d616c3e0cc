// Package retriever orchestrates ingestion (load, chunk, embed, index)
// and query-time passage retrieval over the passage store.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bull/offline-rag/internal/chunker"
	"github.com/bull/offline-rag/internal/embedding"
	"github.com/bull/offline-rag/internal/index"
	"github.com/bull/offline-rag/internal/loader"
	"github.com/bull/offline-rag/internal/storage"
	"github.com/bull/offline-rag/internal/telemetry"
)

// Defaults for Options.
const (
	DefaultTargetTokens   = 200
	DefaultOverlapTokens  = 40
	DefaultMinScore       = 0.15
	DefaultHistoryTurns   = 1
	DefaultConcurrency    = 4
	DefaultEmbedBatchSize = 32
)

// Store is the passage store the retriever reads and writes.
// *storage.SQLiteStore implements it.
type Store interface {
	EnsureEmbeddingSchema(ctx context.Context, model string, dimension int) error
	SaveDocument(ctx context.Context, doc storage.Document, upserts []storage.Passage, removeOrdinals []int) error
	DocumentByPath(ctx context.Context, sourcePath string) (storage.Document, error)
	Document(ctx context.Context, id string) (storage.Document, error)
	DeleteDocument(ctx context.Context, id string) ([]string, error)
	Passages(ctx context.Context, documentID string) ([]storage.Passage, error)
	PassagesByID(ctx context.Context, ids []string) (map[string]storage.Passage, error)
	EachPassage(ctx context.Context, fn func(storage.Passage) error) error
	ListDocuments(ctx context.Context) ([]storage.DocumentSummary, error)
	Stats(ctx context.Context) (storage.Stats, error)
}

// Index is a vector index that can be reloaded wholesale.
type Index interface {
	index.Index
	Rebuild(ctx context.Context, entries []index.Entry) error
}

// Options configures chunking, filtering and concurrency.
type Options struct {
	TargetTokens   int
	OverlapTokens  int
	MinScore       float64 // results scoring below are dropped
	HistoryTurns   int     // prior user turns appended to the query before embedding
	Concurrency    int     // documents ingested in parallel by IngestAll
	EmbedBatchSize int     // passages per embedding call; failures drop one batch
}

func (o *Options) applyDefaults() {
	if o.TargetTokens <= 0 {
		o.TargetTokens = DefaultTargetTokens
	}
	if o.OverlapTokens < 0 {
		o.OverlapTokens = 0
	}
	if o.MinScore < 0 {
		o.MinScore = 0
	}
	if o.HistoryTurns < 0 {
		o.HistoryTurns = 0
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.EmbedBatchSize <= 0 {
		o.EmbedBatchSize = DefaultEmbedBatchSize
	}
}

// DefaultOptions returns the product defaults.
func DefaultOptions() Options {
	return Options{
		TargetTokens:   DefaultTargetTokens,
		OverlapTokens:  DefaultOverlapTokens,
		MinScore:       DefaultMinScore,
		HistoryTurns:   DefaultHistoryTurns,
		Concurrency:    DefaultConcurrency,
		EmbedBatchSize: DefaultEmbedBatchSize,
	}
}

// Hit is one retrieved passage with its scores.
type Hit struct {
	Passage    storage.Passage
	SourcePath string
	Score      float64
	Semantic   float64
	Lexical    float64
	Rank       int // 1-based, contiguous after filtering
}

// Retriever ingests documents and answers retrieval queries.
type Retriever struct {
	loader   *loader.Loader
	chunker  *chunker.Chunker
	embedder embedding.Provider
	store    Store
	index    Index
	metrics  *telemetry.Metrics
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	// rebuildMu is held shared by document writes and exclusively by
	// Rebuild, so no write lands between reading the store and swapping
	// the index.
	rebuildMu sync.RWMutex
	locks     sync.Map // document ID -> *sync.Mutex
}

// New creates a retriever with the given components. metrics may be nil.
func New(
	ld *loader.Loader,
	ch *chunker.Chunker,
	embedder embedding.Provider,
	store Store,
	idx Index,
	metrics *telemetry.Metrics,
	opts Options,
	logger *slog.Logger,
) (*Retriever, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	if opts.OverlapTokens >= opts.TargetTokens {
		return nil, fmt.Errorf("%w: target=%d overlap=%d", chunker.ErrInvalidParams, opts.TargetTokens, opts.OverlapTokens)
	}
	return &Retriever{
		loader:   ld,
		chunker:  ch,
		embedder: embedder,
		store:    store,
		index:    idx,
		metrics:  metrics,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Options returns the effective options.
func (r *Retriever) Options() Options { return r.opts }

func (r *Retriever) lockDocument(id string) func() {
	r.rebuildMu.RLock()
	v, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return func() {
		mu.Unlock()
		r.rebuildMu.RUnlock()
	}
}

// Retrieve embeds the query (with the last HistoryTurns prior user turns
// appended), searches the index and resolves hits to passages. Results
// below MinScore are dropped; ranks are renumbered from 1.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, history []string) ([]Hit, error) {
	start := time.Now()
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if k < 1 {
		return nil, ErrInvalidK
	}

	vectors, err := r.embedder.Embed(ctx, []string{r.embedQuery(query, history)})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: %w: got %d vectors", embedding.ErrUnavailable, len(vectors))
	}

	results, err := r.index.Search(ctx, vectors[0], query, k)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	ids := make([]string, 0, len(results))
	for _, res := range results {
		if res.Score >= r.opts.MinScore {
			ids = append(ids, res.PassageID)
		}
	}
	passages, err := r.store.PassagesByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve passages: %w", err)
	}

	paths := make(map[string]string)
	hits := make([]Hit, 0, len(ids))
	for _, res := range results {
		if res.Score < r.opts.MinScore {
			continue
		}
		p, ok := passages[res.PassageID]
		if !ok {
			r.logger.Debug("Dropping index hit without stored passage", "passage_id", res.PassageID)
			continue
		}
		path, ok := paths[p.DocumentID]
		if !ok {
			if doc, err := r.store.Document(ctx, p.DocumentID); err == nil {
				path = doc.SourcePath
			}
			paths[p.DocumentID] = path
		}
		hits = append(hits, Hit{
			Passage:    p,
			SourcePath: path,
			Score:      res.Score,
			Semantic:   res.Semantic,
			Lexical:    res.Lexical,
			Rank:       len(hits) + 1,
		})
	}

	r.metrics.RecordRetrieval(ctx, len(hits), time.Since(start))
	r.logger.Debug("Retrieved passages", "query", query, "candidates", len(results), "returned", len(hits))
	return hits, nil
}

func (r *Retriever) embedQuery(query string, history []string) string {
	n := min(r.opts.HistoryTurns, len(history))
	if n == 0 {
		return query
	}
	parts := append([]string{query}, history[len(history)-n:]...)
	return strings.Join(parts, "\n")
}
