package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"
)

// ErrQdrantUnreachable is returned when the Qdrant server fails its startup health check.
var ErrQdrantUnreachable = errors.New("qdrant server unreachable")

const (
	// DefaultCollection is the Qdrant collection holding passages.
	DefaultCollection = "passages"

	vectorName      = "content"
	upsertBatchSize = 100

	// candidateFactor widens the vector query so lexical rescoring can
	// promote passages that rank lower on cosine alone.
	candidateFactor = 4
)

// QdrantOptions configures a Qdrant-backed index.
type QdrantOptions struct {
	Host       string
	Port       int
	APIKey     string
	Collection string
	Dimension  int
	Options
}

// Qdrant is an Index backed by a Qdrant collection with a named "content"
// vector. Qdrant ranks candidates by cosine; the blend with the lexical
// score and the final ordering are computed locally so both backends rank
// identically for the same candidates.
//
// Apply is not transactional on the server: upserts are written first,
// then removals, each waiting for Qdrant to acknowledge. Writers hold mu
// exclusively for the whole of Apply and Rebuild and Search holds it
// shared, so a search observes the collection before or after a write.
type Qdrant struct {
	mu sync.RWMutex

	client     *qdrant.Client
	collection string
	dimension  int
	weight     float64
	scorer     *Scorer
	count      atomic.Int64
}

var _ Index = (*Qdrant)(nil)

// NewQdrant connects to Qdrant, waits for it to become healthy, and ensures
// the collection exists with the configured dimension.
func NewQdrant(ctx context.Context, opts QdrantOptions) (*Qdrant, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("qdrant index needs a positive dimension, got %d", opts.Dimension)
	}
	if opts.Collection == "" {
		opts.Collection = DefaultCollection
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   opts.Host,
		Port:   opts.Port,
		APIKey: opts.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	scorer := opts.Scorer
	if scorer == nil {
		scorer = NewScorer(nil)
	}
	q := &Qdrant{
		client:     client,
		collection: opts.Collection,
		dimension:  opts.Dimension,
		weight:     opts.SemanticWeight,
		scorer:     scorer,
	}

	if err := q.healthCheckWithRetry(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrQdrantUnreachable, err)
	}
	if err := q.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	if err := q.refreshCount(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

func retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(b, ctx)
}

func (q *Qdrant) healthCheckWithRetry(ctx context.Context) error {
	return backoff.Retry(func() error { return q.Health(ctx) }, retryPolicy(ctx))
}

// Health performs a single health check against Qdrant.
func (q *Qdrant) Health(ctx context.Context) error {
	result, err := q.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

// ensureCollection creates the collection when missing. An existing
// collection is reused; its vector size is checked against the index.
func (q *Qdrant) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return q.checkCollectionDimension(ctx)
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			vectorName: {
				Size:     uint64(q.dimension),
				Distance: qdrant.Distance_Cosine,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (q *Qdrant) checkCollectionDimension(ctx context.Context) error {
	info, err := q.client.GetCollectionInfo(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("failed to get collection: %w", err)
	}
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParamsMap().GetMap()[vectorName]
	if params == nil {
		return fmt.Errorf("collection %s has no %q vector", q.collection, vectorName)
	}
	if got := int(params.GetSize()); got != q.dimension {
		return &SchemaError{Want: got, Got: q.dimension}
	}
	return nil
}

func (q *Qdrant) refreshCount(ctx context.Context) error {
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to count points: %w", err)
	}
	q.count.Store(int64(n))
	return nil
}

// Upsert stores or replaces a single entry.
func (q *Qdrant) Upsert(ctx context.Context, entry Entry) error {
	return q.Apply(ctx, []Entry{entry}, nil)
}

// Remove deletes an entry; absent IDs are ignored.
func (q *Qdrant) Remove(ctx context.Context, passageID string) error {
	return q.Apply(ctx, nil, []string{passageID})
}

// Apply writes upserts in batches, then deletes removes.
func (q *Qdrant) Apply(ctx context.Context, upserts []Entry, removes []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.apply(ctx, upserts, removes)
}

func (q *Qdrant) apply(ctx context.Context, upserts []Entry, removes []string) error {
	for _, e := range upserts {
		if len(e.Embedding) != q.dimension {
			return &SchemaError{PassageID: e.PassageID, Want: q.dimension, Got: len(e.Embedding)}
		}
	}

	for i := 0; i < len(upserts); i += upsertBatchSize {
		end := min(i+upsertBatchSize, len(upserts))
		points := make([]*qdrant.PointStruct, 0, end-i)
		for _, e := range upserts[i:end] {
			points = append(points, &qdrant.PointStruct{
				Id: qdrant.NewIDUUID(e.PassageID),
				Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
					vectorName: qdrant.NewVector(e.Embedding...),
				}),
				Payload: qdrant.NewValueMap(map[string]any{
					"passage_id": e.PassageID,
					"text":       e.Text,
				}),
			})
		}
		if err := q.upsertWithRetry(ctx, points); err != nil {
			return fmt.Errorf("failed to upsert batch %d-%d: %w", i, end, err)
		}
	}

	if len(removes) > 0 {
		ids := make([]*qdrant.PointId, len(removes))
		for i, id := range removes {
			ids[i] = qdrant.NewIDUUID(id)
		}
		err := backoff.Retry(func() error {
			_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
				CollectionName: q.collection,
				Wait:           qdrant.PtrOf(true),
				Points:         qdrant.NewPointsSelector(ids...),
			})
			return err
		}, retryPolicy(ctx))
		if err != nil {
			return fmt.Errorf("failed to delete %d points: %w", len(ids), err)
		}
	}

	if len(upserts) > 0 || len(removes) > 0 {
		return q.refreshCount(ctx)
	}
	return nil
}

func (q *Qdrant) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	return backoff.Retry(func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	}, retryPolicy(ctx))
}

// Search queries Qdrant for cosine candidates, rescores them with the
// lexical scorer and returns the top k.
func (q *Qdrant) Search(ctx context.Context, query []float32, queryText string, k int) ([]Result, error) {
	if k < 1 {
		return nil, ErrInvalidK
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.count.Load() == 0 {
		return nil, nil
	}
	if len(query) != q.dimension {
		return nil, &SchemaError{Want: q.dimension, Got: len(query)}
	}

	using := vectorName
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(query...),
		Using:          &using,
		Limit:          qdrant.PtrOf(uint64(k * candidateFactor)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search passages: %w", err)
	}

	terms := q.scorer.QueryTerms(queryText)
	results := make([]Result, 0, len(points))
	for _, p := range points {
		id := p.GetPayload()["passage_id"].GetStringValue()
		if id == "" {
			id = p.GetId().GetUuid()
		}
		sem := semanticScore(float64(p.GetScore()))
		lex := q.scorer.Score(terms, TermFrequencies(p.GetPayload()["text"].GetStringValue()))
		results = append(results, Result{
			PassageID: id,
			Score:     combine(q.weight, sem, lex),
			Semantic:  sem,
			Lexical:   lex,
		})
	}
	return rank(results, k), nil
}

// Rebuild drops and recreates the collection, then loads entries.
func (q *Qdrant) Rebuild(ctx context.Context, entries []Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.client.DeleteCollection(ctx, q.collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	if err := q.ensureCollection(ctx); err != nil {
		return err
	}
	q.count.Store(0)
	return q.apply(ctx, entries, nil)
}

// Len returns the point count observed after the last mutation.
func (q *Qdrant) Len() int { return int(q.count.Load()) }

// Dimension returns the collection's vector size.
func (q *Qdrant) Dimension() int { return q.dimension }

// Close closes the Qdrant client connection.
func (q *Qdrant) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}
