// Package inference drives one streaming generation at a time over a
// pluggable backend, with stop-sequence monitoring and cancellation.
package inference

import "context"

// Request is one generation request. StopSequences are enforced by the
// Session over the streamed text.
type Request struct {
	Prompt        string
	MaxTokens     int
	Temperature   float64
	TopP          float64
	RepeatPenalty float64 // 0 leaves the backend default
	StopSequences []string
}

// Backend is a generation capability. Generate starts producing tokens
// for prompt with the given sampling; the stream ends with io.EOF.
// Cancelling ctx must unblock a pending Recv.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req Request) (TokenStream, error)
}

// TokenStream yields generated text pieces in order.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}
