// Package backend adapts local generation servers to inference.Backend.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/bull/offline-rag/internal/embedding"
	"github.com/bull/offline-rag/internal/inference"
)

// OpenAI streams raw completions from an OpenAI-compatible server
// (llama.cpp server, LM Studio, vLLM, Ollama /v1). The prompt is already
// rendered with the model family's template.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates a backend for model on the client's server.
func NewOpenAI(client *embedding.Client, model string) *OpenAI {
	return &OpenAI{client: client.Client(), model: model}
}

// Name implements inference.Backend.
func (b *OpenAI) Name() string { return "openai" }

// Generate implements inference.Backend.
func (b *OpenAI) Generate(ctx context.Context, req inference.Request) (inference.TokenStream, error) {
	params := openai.CompletionNewParams{
		Model: openai.CompletionNewParamsModel(b.model),
		Prompt: openai.CompletionNewParamsPromptUnion{
			OfString: openai.String(req.Prompt),
		},
		MaxTokens: openai.Int(int64(req.MaxTokens)),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = openai.Float(req.TopP)
	}

	var opts []option.RequestOption
	if req.RepeatPenalty > 0 {
		// llama.cpp-style servers read this non-standard field.
		opts = append(opts, option.WithJSONSet("repeat_penalty", req.RepeatPenalty))
	}

	stream := b.client.Completions.NewStreaming(ctx, params, opts...)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start completion: %w", err)
	}
	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream *ssestream.Stream[openai.Completion]
}

func (s *openAIStream) Recv() (string, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Text; text != "" {
			return text, nil
		}
		if chunk.Choices[0].FinishReason != "" {
			return "", io.EOF
		}
	}
	if err := s.stream.Err(); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("completion stream: %w", err)
	}
	return "", io.EOF
}

func (s *openAIStream) Close() error { return s.stream.Close() }
