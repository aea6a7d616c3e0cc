package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/offline-rag/internal/embedding"
	"github.com/bull/offline-rag/internal/inference"
)

func drain(t *testing.T, s inference.TokenStream) ([]string, error) {
	t.Helper()
	defer s.Close()
	var out []string
	for {
		tok, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, tok)
	}
}

func TestOllamaStreamsNDJSON(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		enc := json.NewEncoder(w)
		enc.Encode(ollamaChunk{Response: "Hel"})
		enc.Encode(ollamaChunk{Response: "lo"})
		enc.Encode(ollamaChunk{Done: true, DoneReason: "stop"})
	}))
	defer srv.Close()

	b := NewOllama(OllamaOptions{BaseURL: srv.URL, Model: "qwen3:4b"}, nil)
	stream, err := b.Generate(context.Background(), inference.Request{
		Prompt:        "hi",
		MaxTokens:     16,
		Temperature:   0.6,
		RepeatPenalty: 1.1,
	})
	require.NoError(t, err)

	tokens, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, tokens)

	assert.Equal(t, "qwen3:4b", got.Model)
	assert.True(t, got.Stream)
	assert.True(t, got.Raw)
	assert.EqualValues(t, 16, got.Options["num_predict"])
	assert.EqualValues(t, 1.1, got.Options["repeat_penalty"])
	assert.NotContains(t, got.Options, "top_p")
}

func TestOllamaTruncatedStreamIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaChunk{Response: "partial"})
	}))
	defer srv.Close()

	stream, err := NewOllama(OllamaOptions{BaseURL: srv.URL, Model: "m"}, nil).
		Generate(context.Background(), inference.Request{Prompt: "hi", MaxTokens: 4})
	require.NoError(t, err)

	tokens, err := drain(t, stream)
	assert.Equal(t, []string{"partial"}, tokens)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestOllamaInlineError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaChunk{Error: "model not loaded"})
	}))
	defer srv.Close()

	stream, err := NewOllama(OllamaOptions{BaseURL: srv.URL, Model: "m"}, nil).
		Generate(context.Background(), inference.Request{Prompt: "hi", MaxTokens: 4})
	require.NoError(t, err)
	_, err = drain(t, stream)
	assert.ErrorContains(t, err, "model not loaded")
}

func TestOllamaRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "loading", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(ollamaChunk{Response: "ok", Done: true})
	}))
	defer srv.Close()

	stream, err := NewOllama(OllamaOptions{BaseURL: srv.URL, Model: "m"}, nil).
		Generate(context.Background(), inference.Request{Prompt: "hi", MaxTokens: 4})
	require.NoError(t, err)
	tokens, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, tokens)
	assert.EqualValues(t, 2, calls.Load())
}

func TestOllamaBadRequestIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such model", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllama(OllamaOptions{BaseURL: srv.URL, Model: "m"}, nil).
		Generate(context.Background(), inference.Request{Prompt: "hi", MaxTokens: 4})
	assert.ErrorContains(t, err, "status 404")
	assert.EqualValues(t, 1, calls.Load())
}

func TestOpenAIStreamsCompletions(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "text/event-stream")
		for i, piece := range []string{"ans", "wer"} {
			fmt.Fprintf(w, "data: {\"id\":\"c%d\",\"object\":\"text_completion\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"text\":%q,\"finish_reason\":null}]}\n\n", i, piece)
		}
		fmt.Fprint(w, "data: {\"id\":\"c2\",\"object\":\"text_completion\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"text\":\"\",\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := embedding.NewClient(embedding.ClientOptions{BaseURL: srv.URL + "/v1/"})
	b := NewOpenAI(client, "granite-4.0-h-tiny")
	stream, err := b.Generate(context.Background(), inference.Request{
		Prompt:        "<|user|>hi",
		MaxTokens:     32,
		TopP:          0.9,
		RepeatPenalty: 1.15,
	})
	require.NoError(t, err)

	tokens, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"ans", "wer"}, tokens)

	assert.Equal(t, "granite-4.0-h-tiny", body["model"])
	assert.Equal(t, "<|user|>hi", body["prompt"])
	assert.Equal(t, true, body["stream"])
	assert.EqualValues(t, 32, body["max_tokens"])
	assert.EqualValues(t, 1.15, body["repeat_penalty"])
	assert.NotContains(t, body, "temperature")
}

// The session enforces stops over a real adapter.
func TestSessionOverOllama(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		for _, p := range []string{"answer", "\n", "\n", "more"} {
			enc.Encode(ollamaChunk{Response: p})
		}
		enc.Encode(ollamaChunk{Done: true})
	}))
	defer srv.Close()

	s := inference.NewSession(NewOllama(OllamaOptions{BaseURL: srv.URL, Model: "m"}, nil), nil, nil)
	g, err := s.Start(context.Background(), inference.Request{Prompt: "q", StopSequences: []string{"\n\n"}})
	require.NoError(t, err)
	for range g.Tokens() {
	}
	res := g.Wait()
	assert.Equal(t, "answer", res.Text)
	assert.Equal(t, inference.ReasonStopSequence, res.Reason)
}
