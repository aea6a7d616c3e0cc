package embedding

import (
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Client wraps an OpenAI-compatible client. Local servers such as
// llama.cpp, Ollama and LM Studio expose the same /v1 API.
type Client struct {
	client *openai.Client
}

// ClientOptions points the client at a server.
type ClientOptions struct {
	BaseURL string // e.g. http://localhost:11434/v1
	APIKey  string // local servers accept any non-empty key
}

// NewClient creates a client for the given server.
func NewClient(opts ClientOptions) *Client {
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = "local"
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0), // OpenAIEmbedder retries with its own backoff
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}

	client := openai.NewClient(reqOpts...)
	return &Client{client: &client}
}

// Client returns the underlying OpenAI client for use in other packages (e.g., generation).
func (c *Client) Client() *openai.Client {
	return c.client
}
