package embedding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"golang.org/x/time/rate"
)

const (
	// DefaultModel is a small local embedding model served by Ollama and llama.cpp.
	DefaultModel = "nomic-embed-text"

	// DefaultBatchSize keeps request bodies small for local servers.
	DefaultBatchSize = 64
)

// EmbedderOptions configures an OpenAIEmbedder.
type EmbedderOptions struct {
	Model     string
	Dimension int     // expected dimension; 0 learns it from the first response
	BatchSize int     // texts per request; 0 uses DefaultBatchSize
	RateLimit float64 // requests per second; 0 disables limiting
}

// OpenAIEmbedder generates embeddings through an OpenAI-compatible endpoint.
// It batches requests and retries with exponential backoff on transient errors.
type OpenAIEmbedder struct {
	client    *Client
	model     string
	batchSize int
	dimension atomic.Int64
	limiter   *rate.Limiter
}

// NewOpenAIEmbedder creates an embedder with the given client and options.
func NewOpenAIEmbedder(client *Client, opts EmbedderOptions) *OpenAIEmbedder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	e := &OpenAIEmbedder{
		client:    client,
		model:     opts.Model,
		batchSize: opts.BatchSize,
	}
	e.dimension.Store(int64(opts.Dimension))
	if opts.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return e
}

// Model returns the embedding model name.
func (e *OpenAIEmbedder) Model() string { return e.model }

// Dimension returns the vector size, or 0 before the first response when
// no dimension was configured.
func (e *OpenAIEmbedder) Dimension() int { return int(e.dimension.Load()) }

// Embed generates embeddings for the given texts.
// Batches requests and retries with exponential backoff on transient errors.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	all := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))

		vectors, err := e.embedBatchWithRetry(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("%w: batch %d-%d: %v", ErrUnavailable, i, end, err)
		}
		all = append(all, vectors...)
	}

	return all, nil
}

// embedBatchWithRetry generates embeddings for a single batch with retry logic.
// Rate limits, server errors and connection failures are retried; other
// errors are treated as permanent and fail immediately.
func (e *OpenAIEmbedder) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32

	operation := func() error {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		resp, err := e.client.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: texts,
			},
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(resp.Data) != len(texts) {
			return backoff.Permanent(fmt.Errorf("got %d embeddings for %d texts", len(resp.Data), len(texts)))
		}

		out := make([][]float32, len(texts))
		for _, data := range resp.Data {
			idx := int(data.Index)
			if idx < 0 || idx >= len(out) {
				return backoff.Permanent(fmt.Errorf("embedding index %d out of range", idx))
			}
			out[idx] = toFloat32(data.Embedding)
		}
		if err := e.checkDimension(out); err != nil {
			return backoff.Permanent(err)
		}
		vectors = out
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	return vectors, err
}

// checkDimension validates vector sizes, learning the dimension once.
func (e *OpenAIEmbedder) checkDimension(vectors [][]float32) error {
	for i, v := range vectors {
		if v == nil {
			return fmt.Errorf("missing embedding %d", i)
		}
		want := e.dimension.Load()
		if want == 0 {
			e.dimension.CompareAndSwap(0, int64(len(v)))
			want = e.dimension.Load()
		}
		if int64(len(v)) != want {
			return fmt.Errorf("embedding %d has %d dimensions, expected %d", i, len(v), want)
		}
	}
	return nil
}

// isRetryable reports whether err is a rate limit, server error or network failure.
func isRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// toFloat32 converts []float64 to []float32.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
