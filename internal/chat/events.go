package chat

import (
	"github.com/bull/offline-rag/internal/conversation"
	"github.com/bull/offline-rag/internal/inference"
	"github.com/bull/offline-rag/internal/retriever"
)

// Completion is delivered once per assistant turn, whatever its outcome.
type Completion struct {
	ConversationID string
	Answer         string // visible text, reasoning removed
	Reasoning      string
	Raw            string // everything the model streamed
	Reason         inference.EndReason
	Status         conversation.Status
	Sources        []retriever.Hit
	PromptTokens   int
	Err            error // *inference.GenerationError when Status is failed
}

// Listener receives engine events. Methods are called from engine
// goroutines and must not block for long; OnToken and OnReasoning hold
// up generation. Streamed text is split by the family's reasoning
// delimiters: OnReasoning gets reasoning, OnToken the visible answer,
// and neither sees the delimiters.
type Listener interface {
	OnToken(text string)
	OnReasoning(text string)
	OnComplete(c Completion)
	OnIngest(path string, report *retriever.DocumentReport, err error)
}

// Events adapts optional callbacks to a Listener.
type Events struct {
	Token     func(text string)
	Reasoning func(text string)
	Complete  func(c Completion)
	Ingest    func(path string, report *retriever.DocumentReport, err error)
}

func (e Events) OnToken(text string) {
	if e.Token != nil {
		e.Token(text)
	}
}

func (e Events) OnReasoning(text string) {
	if e.Reasoning != nil {
		e.Reasoning(text)
	}
}

func (e Events) OnComplete(c Completion) {
	if e.Complete != nil {
		e.Complete(c)
	}
}

func (e Events) OnIngest(path string, report *retriever.DocumentReport, err error) {
	if e.Ingest != nil {
		e.Ingest(path, report, err)
	}
}
