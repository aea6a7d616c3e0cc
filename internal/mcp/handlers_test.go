package mcp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/offline-rag/internal/chunker"
	"github.com/bull/offline-rag/internal/embedding"
	"github.com/bull/offline-rag/internal/index"
	"github.com/bull/offline-rag/internal/loader"
	"github.com/bull/offline-rag/internal/retriever"
	"github.com/bull/offline-rag/internal/storage"
)

func newService(t *testing.T) *retriever.Retriever {
	t.Helper()
	store, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	idx, err := index.NewMemory(index.DefaultOptions())
	require.NoError(t, err)
	opts := retriever.DefaultOptions()
	opts.TargetTokens = 16
	opts.OverlapTokens = 0
	r, err := retriever.New(loader.New(nil), chunker.New(nil), embedding.NewHashEmbedder(128), store, idx, nil, opts, nil)
	require.NoError(t, err)
	return r
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestIngestSearchListRemove(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	dir := writeFiles(t, map[string]string{
		"garden.md":   "# Garden\n\nTomatoes need full sun and steady watering.",
		"kitchen.txt": "Sourdough bread rises slowly overnight in a cool kitchen.",
		"notes.bin":   "ignored",
	})

	_, ingested, err := makeIngestHandler(svc)(ctx, nil, IngestDocumentInput{Path: dir})
	require.NoError(t, err)
	assert.Equal(t, 2, ingested.Documents)
	assert.Equal(t, 2, ingested.Succeeded)
	assert.Empty(t, ingested.Failed)

	_, found, err := makeSearchHandler(svc)(ctx, nil, SearchPassagesInput{Query: "tomatoes full sun"})
	require.NoError(t, err)
	require.NotEmpty(t, found.Results)
	assert.Equal(t, 1, found.Results[0].Rank)
	assert.Equal(t, filepath.Join(dir, "garden.md"), found.Results[0].Source)
	assert.Contains(t, found.Results[0].Location, "Garden")

	_, listed, err := makeListHandler(svc)(ctx, nil, ListDocumentsInput{})
	require.NoError(t, err)
	assert.Equal(t, 2, listed.Count)

	_, removed, err := makeRemoveHandler(svc)(ctx, nil, RemoveDocumentInput{Path: filepath.Join(dir, "garden.md")})
	require.NoError(t, err)
	assert.True(t, removed.Found)
	assert.Positive(t, removed.Passages)

	_, removed, err = makeRemoveHandler(svc)(ctx, nil, RemoveDocumentInput{Path: filepath.Join(dir, "garden.md")})
	require.NoError(t, err)
	assert.False(t, removed.Found)
}

func TestIngestSingleFileFailureIsReported(t *testing.T) {
	svc := newService(t)
	dir := writeFiles(t, map[string]string{"data.bin": "x"})

	_, out, err := makeIngestHandler(svc)(context.Background(), nil, IngestDocumentInput{Path: filepath.Join(dir, "data.bin")})
	require.NoError(t, err)
	assert.Zero(t, out.Succeeded)
	require.Len(t, out.Failed, 1)
	assert.Contains(t, out.Failed[0].Reason, "unsupported")
}

func TestSearchWithoutMatches(t *testing.T) {
	svc := newService(t)
	_, out, err := makeSearchHandler(svc)(context.Background(), nil, SearchPassagesInput{Query: "anything"})
	require.NoError(t, err)
	assert.Empty(t, out.Results)
	assert.NotEmpty(t, out.Message)
}

func TestStatusReportsHealth(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	dir := writeFiles(t, map[string]string{"a.txt": "alpha beta gamma"})
	_, err := svc.Ingest(ctx, filepath.Join(dir, "a.txt"), "")
	require.NoError(t, err)

	health := map[string]HealthChecker{
		"index":    HealthFunc(func(context.Context) error { return nil }),
		"embedder": HealthFunc(func(context.Context) error { return errors.New("breaker open") }),
	}
	_, st, err := makeStatusHandler(svc, health)(ctx, nil, StatusInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Documents)
	assert.Equal(t, st.Passages, st.IndexedEntries)
	assert.Equal(t, "hash", st.EmbedderModel)
	assert.Equal(t, map[string]string{"index": "ok", "embedder": "breaker open"}, st.Health)
	assert.Empty(t, st.Warning)
}

func TestServerListsTools(t *testing.T) {
	ctx := context.Background()
	s := NewServer(&Config{Service: newService(t)})

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	_, err := s.MCPServer().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "v0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer session.Close()

	res, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"search_passages", "ingest_document", "list_documents", "remove_document", "get_index_status",
	}, names)
}
