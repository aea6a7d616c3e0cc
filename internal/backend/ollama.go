package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bull/offline-rag/internal/inference"
)

// DefaultOllamaURL is where a local Ollama listens.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaOptions configures an Ollama backend.
type OllamaOptions struct {
	BaseURL        string
	Model          string
	ConnectRetries uint64        // retries while the server is not accepting connections
	HTTPClient     *http.Client  // nil uses a client without a timeout; callers pass contexts
	KeepAlive      time.Duration // how long Ollama keeps the model loaded; 0 leaves its default
}

// Ollama streams from Ollama's native /api/generate endpoint. The prompt
// is sent raw so the model family's template is authoritative.
type Ollama struct {
	opts   OllamaOptions
	client *http.Client
	logger *slog.Logger
}

// NewOllama creates an Ollama backend.
func NewOllama(opts OllamaOptions, logger *slog.Logger) *Ollama {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultOllamaURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.ConnectRetries == 0 {
		opts.ConnectRetries = 3
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ollama{opts: opts, client: client, logger: logger}
}

// Name implements inference.Backend.
func (b *Ollama) Name() string { return "ollama" }

type ollamaRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	Stream    bool           `json:"stream"`
	Raw       bool           `json:"raw"`
	KeepAlive string         `json:"keep_alive,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

type ollamaChunk struct {
	Response   string `json:"response"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Generate implements inference.Backend.
func (b *Ollama) Generate(ctx context.Context, req inference.Request) (inference.TokenStream, error) {
	options := map[string]any{"num_predict": req.MaxTokens}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		options["top_p"] = req.TopP
	}
	if req.RepeatPenalty > 0 {
		options["repeat_penalty"] = req.RepeatPenalty
	}
	if len(req.StopSequences) > 0 {
		options["stop"] = req.StopSequences
	}
	body := ollamaRequest{
		Model:   b.opts.Model,
		Prompt:  req.Prompt,
		Stream:  true,
		Raw:     true,
		Options: options,
	}
	if b.opts.KeepAlive > 0 {
		body.KeepAlive = b.opts.KeepAlive.String()
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var resp *http.Response
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.opts.BaseURL+"/api/generate", bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")

		r, err := b.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("call ollama: %w", err)
		}
		if r.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			r.Body.Close()
			err := fmt.Errorf("ollama returned status %d: %s", r.StatusCode, strings.TrimSpace(string(msg)))
			if r.StatusCode == http.StatusServiceUnavailable {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), b.opts.ConnectRetries), ctx)
	notify := func(err error, wait time.Duration) {
		b.logger.Debug("Ollama not ready, retrying", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		return nil, err
	}
	return &ollamaStream{body: resp.Body, dec: json.NewDecoder(resp.Body)}, nil
}

type ollamaStream struct {
	body io.ReadCloser
	dec  *json.Decoder
	done bool
}

func (s *ollamaStream) Recv() (string, error) {
	for !s.done {
		var chunk ollamaChunk
		if err := s.dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.ErrUnexpectedEOF
			}
			return "", fmt.Errorf("decode chunk: %w", err)
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("ollama: %s", chunk.Error)
		}
		s.done = chunk.Done
		if chunk.Response != "" {
			return chunk.Response, nil
		}
	}
	return "", io.EOF
}

func (s *ollamaStream) Close() error { return s.body.Close() }
