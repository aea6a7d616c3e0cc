package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type embeddingsRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

func newEmbeddingsServer(t *testing.T, handler func(w http.ResponseWriter, req embeddingsRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req embeddingsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeEmbeddings(w http.ResponseWriter, req embeddingsRequest, dim int) {
	data := make([]map[string]any, len(req.Input))
	for i := range req.Input {
		vec := make([]float64, dim)
		vec[i%dim] = 1
		data[i] = map[string]any{"object": "embedding", "index": i, "embedding": vec}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   data,
		"model":  req.Model,
		"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
	})
}

func TestOpenAIEmbedder_Batches(t *testing.T) {
	var calls atomic.Int32
	srv := newEmbeddingsServer(t, func(w http.ResponseWriter, req embeddingsRequest) {
		calls.Add(1)
		assert.LessOrEqual(t, len(req.Input), 2)
		assert.Equal(t, "test-model", req.Model)
		writeEmbeddings(w, req, 4)
	})

	e := NewOpenAIEmbedder(NewClient(ClientOptions{BaseURL: srv.URL + "/v1/"}), EmbedderOptions{
		Model:     "test-model",
		BatchSize: 2,
	})

	vectors, err := e.Embed(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)

	assert.Len(t, vectors, 5)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 4, e.Dimension(), "dimension learned from the first response")
}

func TestOpenAIEmbedder_DimensionMismatchIsUnavailable(t *testing.T) {
	srv := newEmbeddingsServer(t, func(w http.ResponseWriter, req embeddingsRequest) {
		writeEmbeddings(w, req, 3)
	})

	e := NewOpenAIEmbedder(NewClient(ClientOptions{BaseURL: srv.URL + "/v1/"}), EmbedderOptions{Dimension: 8})

	_, err := e.Embed(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOpenAIEmbedder_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := newEmbeddingsServer(t, func(w http.ResponseWriter, req embeddingsRequest) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad input","type":"invalid_request_error"}}`))
	})

	e := NewOpenAIEmbedder(NewClient(ClientOptions{BaseURL: srv.URL + "/v1/"}), EmbedderOptions{})

	_, err := e.Embed(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIEmbedder_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := newEmbeddingsServer(t, func(w http.ResponseWriter, req embeddingsRequest) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeEmbeddings(w, req, 2)
	})

	e := NewOpenAIEmbedder(NewClient(ClientOptions{BaseURL: srv.URL + "/v1/"}), EmbedderOptions{})

	vectors, err := e.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, int32(2), calls.Load())
}
