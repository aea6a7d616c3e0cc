package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/offline-rag/internal/chat"
	"github.com/bull/offline-rag/internal/config"
)

func offlineConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Embedding.Type = "hash"
	cfg.Embedding.Dimension = 64
	return cfg
}

func TestOpenReloadsMemoryIndexFromStore(t *testing.T) {
	ctx := context.Background()
	cfg := offlineConfig(t)
	doc := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(doc, []byte("Solar panels convert sunlight into electricity."), 0o644))

	a, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	report, err := a.Retriever.Ingest(ctx, doc, "")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, report.Passages, b.Index.Len())
	hits, err := b.Retriever.Retrieve(ctx, "solar panels", 3, nil)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, doc, hits[0].SourcePath)
	assert.Contains(t, b.Health, "store")
	assert.NotContains(t, b.Health, "embedder")
}

func TestFamilyResolution(t *testing.T) {
	cfg := offlineConfig(t)
	a, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	cfg.Generation.Model = "Qwen3-4B-Instruct"
	fam, err := a.Family()
	require.NoError(t, err)
	assert.Equal(t, "qwen3", fam.Name)

	cfg.Generation.Family = "chatml"
	fam, err = a.Family()
	require.NoError(t, err)
	assert.Equal(t, "chatml", fam.Name)

	cfg.Generation.Family = "no-such-family"
	_, err = a.Family()
	assert.Error(t, err)
}

func TestEngineUsesConfiguredBackend(t *testing.T) {
	cfg := offlineConfig(t)
	a, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "ollama", a.Backend().Name())
	cfg.Generation.Backend = "openai"
	assert.Equal(t, "openai", a.Backend().Name())

	engine, err := a.Engine(chat.Events{})
	require.NoError(t, err)
	assert.NotEmpty(t, engine.Conversation().ID())
}
