// Package app builds the component graph from configuration for the
// command-line tools.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bull/offline-rag/internal/assembler"
	"github.com/bull/offline-rag/internal/backend"
	"github.com/bull/offline-rag/internal/chat"
	"github.com/bull/offline-rag/internal/chunker"
	"github.com/bull/offline-rag/internal/config"
	"github.com/bull/offline-rag/internal/conversation"
	"github.com/bull/offline-rag/internal/embedding"
	"github.com/bull/offline-rag/internal/family"
	"github.com/bull/offline-rag/internal/index"
	"github.com/bull/offline-rag/internal/inference"
	"github.com/bull/offline-rag/internal/loader"
	"github.com/bull/offline-rag/internal/mcp"
	"github.com/bull/offline-rag/internal/retriever"
	"github.com/bull/offline-rag/internal/storage"
	"github.com/bull/offline-rag/internal/telemetry"
	"github.com/bull/offline-rag/internal/tokens"
)

// App holds the opened components. Close releases them.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *storage.SQLiteStore
	Index     retriever.Index
	Embedder  embedding.Provider
	Retriever *retriever.Retriever
	Metrics   *telemetry.Metrics
	Health    map[string]mcp.HealthChecker

	closers []func() error
}

// Open opens the store, embedder and index, and loads the in-memory
// index from the store.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Health: map[string]mcp.HealthChecker{}}

	metrics, err := telemetry.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	a.Metrics = metrics

	store, err := storage.OpenSQLite(cfg.StorePath())
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)
	a.Health["store"] = mcp.HealthFunc(func(ctx context.Context) error {
		_, err := store.Stats(ctx)
		return err
	})

	a.Embedder = a.newEmbedder()

	idx, err := a.newIndex(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Index = idx

	opts := retriever.Options{
		TargetTokens:   cfg.Retrieval.TargetTokens,
		OverlapTokens:  cfg.Retrieval.OverlapTokens,
		MinScore:       cfg.Retrieval.MinScore,
		HistoryTurns:   cfg.Retrieval.HistoryTurns,
		Concurrency:    cfg.Retrieval.Concurrency,
		EmbedBatchSize: cfg.Embedding.BatchSize,
	}
	r, err := retriever.New(loader.New(logger), chunker.New(tokens.NewWordCounter()), a.Embedder, store, idx, metrics, opts, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Retriever = r

	if err := a.loadIndex(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) newEmbedder() embedding.Provider {
	cfg := a.Config.Embedding
	if cfg.Type == "hash" {
		return embedding.NewHashEmbedder(cfg.Dimension)
	}
	client := embedding.NewClient(embedding.ClientOptions{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey})
	inner := embedding.NewOpenAIEmbedder(client, embedding.EmbedderOptions{
		Model:     cfg.Model,
		Dimension: cfg.Dimension,
		BatchSize: cfg.BatchSize,
		RateLimit: cfg.RateLimit,
	})
	b := embedding.NewBreaker(inner, embedding.BreakerOptions{Timeout: cfg.BreakerTimeout}, a.Logger)
	a.Health["embedder"] = mcp.HealthFunc(func(context.Context) error {
		if b.State() == "open" {
			return fmt.Errorf("%w: circuit open", embedding.ErrUnavailable)
		}
		return nil
	})
	return b
}

func (a *App) newIndex(ctx context.Context) (retriever.Index, error) {
	cfg := a.Config.Index
	opts := index.DefaultOptions()
	opts.SemanticWeight = cfg.SemanticWeight

	if cfg.Type != "qdrant" {
		return index.NewMemory(opts)
	}

	dim, err := a.dimension(ctx)
	if err != nil {
		return nil, err
	}
	q, err := index.NewQdrant(ctx, index.QdrantOptions{
		Host:       cfg.Qdrant.Host,
		Port:       cfg.Qdrant.Port,
		APIKey:     cfg.Qdrant.APIKey,
		Collection: cfg.Qdrant.Collection,
		Dimension:  dim,
		Options:    opts,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, q.Close)
	a.Health["index"] = q
	return q, nil
}

// dimension finds the embedding size: configured, recorded in the
// store, or probed from the embedder.
func (a *App) dimension(ctx context.Context) (int, error) {
	if d := a.Embedder.Dimension(); d > 0 {
		return d, nil
	}
	if st, err := a.Store.Stats(ctx); err == nil && st.Dimension > 0 {
		return st.Dimension, nil
	}
	vectors, err := a.Embedder.Embed(ctx, []string{"dimension probe"})
	if err != nil {
		return 0, fmt.Errorf("probe embedding dimension: %w", err)
	}
	return len(vectors[0]), nil
}

// loadIndex fills a memory index from the store, and rebuilds a
// persistent one only when its size disagrees with the store.
func (a *App) loadIndex(ctx context.Context) error {
	st, err := a.Store.Stats(ctx)
	if err != nil {
		return err
	}
	if st.Passages == 0 || a.Index.Len() == st.Passages {
		return nil
	}
	a.Logger.Info("Loading index from store", "passages", st.Passages, "indexed", a.Index.Len())
	_, err = a.Retriever.Rebuild(ctx)
	return err
}

// Close releases resources in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Family resolves the configured or detected model family.
func (a *App) Family() (*family.Family, error) {
	cfg := a.Config.Generation
	table := family.Builtin()
	if cfg.FamiliesFile != "" {
		t, err := family.Load(cfg.FamiliesFile)
		if err != nil {
			return nil, err
		}
		table = t
	}
	if cfg.Family != "" {
		return table.Get(cfg.Family)
	}
	return table.Detect(cfg.Model), nil
}

// Backend creates the configured generation backend.
func (a *App) Backend() inference.Backend {
	cfg := a.Config.Generation
	if cfg.Backend == "openai" {
		client := embedding.NewClient(embedding.ClientOptions{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey})
		return backend.NewOpenAI(client, cfg.Model)
	}
	return backend.NewOllama(backend.OllamaOptions{BaseURL: cfg.BaseURL, Model: cfg.Model}, a.Logger)
}

// Engine wires a chat engine to a fresh conversation.
func (a *App) Engine(listener chat.Listener) (*chat.Engine, error) {
	fam, err := a.Family()
	if err != nil {
		return nil, err
	}
	cfg := a.Config.Generation
	asm := assembler.New(tokens.NewWordCounter(), assembler.Options{HistoryShare: cfg.HistoryShare})
	session := inference.NewSession(a.Backend(), a.Metrics, a.Logger)
	a.Logger.Debug("Using model family", "family", fam.Name, "model", cfg.Model, "backend", cfg.Backend)

	return chat.New(a.Retriever, asm, fam, session, conversation.New(), listener, chat.Options{
		SystemPrompt:  cfg.SystemPrompt,
		TopK:          a.Config.Retrieval.TopK,
		MaxTokens:     cfg.MaxTokens,
		ContextWindow: cfg.ContextWindow,
		Temperature:   cfg.Temperature,
		TopP:          cfg.TopP,
		RepeatPenalty: cfg.RepeatPenalty,
	}, a.Logger), nil
}
