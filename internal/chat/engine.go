// Package chat is the facade a presentation layer drives: it ingests
// documents, answers turns by retrieving passages, assembling a bounded
// prompt and streaming a generation, and records the conversation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/bull/offline-rag/internal/assembler"
	"github.com/bull/offline-rag/internal/conversation"
	"github.com/bull/offline-rag/internal/embedding"
	"github.com/bull/offline-rag/internal/family"
	"github.com/bull/offline-rag/internal/inference"
	"github.com/bull/offline-rag/internal/loader"
	"github.com/bull/offline-rag/internal/retriever"
)

// Defaults for Options.
const (
	DefaultSystemPrompt  = "You are a helpful assistant. Answer using the provided context when it is relevant and say so when it does not cover the question."
	DefaultTopK          = 4
	DefaultMaxTokens     = 512
	DefaultContextWindow = 4096
)

// Options configures an Engine. Zero sampling values fall back to the
// model family's defaults.
type Options struct {
	SystemPrompt  string
	TopK          int
	MaxTokens     int // tokens reserved for the answer
	ContextWindow int // 0 uses the family's window
	Temperature   float64
	TopP          float64
	RepeatPenalty float64
}

func (o *Options) applyDefaults(fam *family.Family) {
	if o.SystemPrompt == "" {
		o.SystemPrompt = DefaultSystemPrompt
	}
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.ContextWindow <= 0 {
		o.ContextWindow = fam.ContextWindow
	}
	if o.ContextWindow <= 0 {
		o.ContextWindow = DefaultContextWindow
	}
	if o.Temperature <= 0 {
		o.Temperature = fam.Temperature
	}
	if o.TopP <= 0 {
		o.TopP = fam.TopP
	}
	if o.RepeatPenalty <= 0 {
		o.RepeatPenalty = fam.RepeatPenalty
	}
}

// Engine wires retrieval, assembly and generation to one conversation.
type Engine struct {
	retriever *retriever.Retriever
	assembler *assembler.Assembler
	family    *family.Family
	session   *inference.Session
	conv      *conversation.State
	listener  Listener
	opts      Options
	logger    *slog.Logger

	mu     sync.Mutex
	active *Reply
}

// New creates an engine. listener may be nil.
func New(
	r *retriever.Retriever,
	a *assembler.Assembler,
	fam *family.Family,
	session *inference.Session,
	conv *conversation.State,
	listener Listener,
	opts Options,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if listener == nil {
		listener = Events{}
	}
	if conv == nil {
		conv = conversation.New()
	}
	opts.applyDefaults(fam)
	return &Engine{
		retriever: r,
		assembler: a,
		family:    fam,
		session:   session,
		conv:      conv,
		listener:  listener,
		opts:      opts,
		logger:    logger,
	}
}

// Conversation returns the engine's session state.
func (e *Engine) Conversation() *conversation.State { return e.conv }

// Family returns the model family in use.
func (e *Engine) Family() *family.Family { return e.family }

// Ingest ingests one document and reports it to the listener.
func (e *Engine) Ingest(ctx context.Context, path string, hint loader.Format) (*retriever.DocumentReport, error) {
	report, err := e.retriever.Ingest(ctx, path, hint)
	e.listener.OnIngest(path, report, err)
	return report, err
}

// IngestAll ingests documents concurrently, reporting each to the listener.
func (e *Engine) IngestAll(ctx context.Context, paths []string) (*retriever.IngestResult, error) {
	return e.retriever.IngestAll(ctx, paths, e.listener.OnIngest)
}

// Remove deletes a document from the store and index.
func (e *Engine) Remove(ctx context.Context, path string) (int, error) {
	return e.retriever.Remove(ctx, path)
}

// Retrieve searches with the conversation's user turns as history.
func (e *Engine) Retrieve(ctx context.Context, query string, k int) ([]retriever.Hit, error) {
	return e.retriever.Retrieve(ctx, query, k, e.conv.UserTexts())
}

// Reply is an assistant turn in progress.
type Reply struct {
	gen       *inference.Generation
	done      chan struct{}
	emitMu    sync.Mutex
	cancelled atomic.Bool
	result    Completion
}

// Done is closed once the turn has been recorded.
func (r *Reply) Done() <-chan struct{} { return r.done }

// Wait blocks until the turn has been recorded and returns it.
func (r *Reply) Wait() Completion {
	<-r.done
	return r.result
}

// Start answers query. Tokens and the completion are delivered to the
// listener; the user turn is recorded only once generation has started.
// A second Start while a turn is generating fails with
// inference.ErrAlreadyGenerating.
func (e *Engine) Start(ctx context.Context, query string) (*Reply, error) {
	if e.session.State() == inference.Generating {
		return nil, inference.ErrAlreadyGenerating
	}
	// A cancelled turn may still be recording; keep turns in order.
	e.mu.Lock()
	prev := e.active
	e.mu.Unlock()
	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	hits, err := e.Retrieve(ctx, query, e.opts.TopK)
	if err != nil {
		if !errors.Is(err, embedding.ErrUnavailable) {
			return nil, err
		}
		e.logger.Warn("Retrieval unavailable, answering without context", "error", err)
		hits = nil
	}

	prompt, rendered, err := e.buildPrompt(query, hits)
	if err != nil {
		return nil, err
	}

	gen, err := e.session.Start(ctx, inference.Request{
		Prompt:        rendered,
		MaxTokens:     e.opts.MaxTokens,
		Temperature:   e.opts.Temperature,
		TopP:          e.opts.TopP,
		RepeatPenalty: e.opts.RepeatPenalty,
		StopSequences: e.family.Stop,
	})
	if err != nil {
		return nil, err
	}

	if _, err := e.conv.Append(conversation.Turn{
		Role:       assembler.RoleUser,
		Text:       query,
		TokenCount: e.assembler.Count(query),
	}); err != nil {
		e.session.Cancel()
		gen.Wait()
		return nil, err
	}

	reply := &Reply{gen: gen, done: make(chan struct{})}
	e.mu.Lock()
	e.active = reply
	e.mu.Unlock()

	go e.stream(reply, hits, e.assembler.Count(rendered))
	e.logger.Debug("Started turn",
		"family", e.family.Name,
		"passages", len(prompt.Passages),
		"history_turns", len(prompt.Turns),
		"prompt_tokens", prompt.Tokens,
		"budget", prompt.Budget,
	)
	return reply, nil
}

// Ask answers query and waits for the completion.
func (e *Engine) Ask(ctx context.Context, query string) (Completion, error) {
	reply, err := e.Start(ctx, query)
	if err != nil {
		return Completion{}, err
	}
	c := reply.Wait()
	return c, c.Err
}

// Cancel stops the turn in progress. No OnToken or OnReasoning call
// happens after it returns. It is a no-op when nothing is generating.
func (e *Engine) Cancel() {
	e.mu.Lock()
	r := e.active
	e.mu.Unlock()
	if r != nil {
		r.cancelled.Store(true)
	}
	e.session.Cancel()
	if r != nil {
		r.emitMu.Lock()
		r.emitMu.Unlock() //nolint:staticcheck // barrier for in-flight emits
	}
}

// NewConversation cancels any turn in progress and clears the history.
func (e *Engine) NewConversation() {
	e.mu.Lock()
	r := e.active
	e.mu.Unlock()
	if r != nil {
		e.Cancel()
		r.Wait()
	}
	e.conv.Clear()
}

// buildPrompt assembles the passages and history that fit the window
// after the answer reservation and renders them with the family. The
// template overhead is measured with every optional section present; if
// the rendered prompt still overshoots, the budget shrinks by the excess
// and the prompt is assembled again.
func (e *Engine) buildPrompt(query string, hits []retriever.Hit) (*assembler.Prompt, string, error) {
	limit := e.opts.ContextWindow - e.opts.MaxTokens
	overhead, err := e.templateOverhead(query)
	if err != nil {
		return nil, "", err
	}
	budget := limit - overhead

	passages := make([]assembler.Passage, len(hits))
	for i, h := range hits {
		passages[i] = assembler.Passage{
			ID:     h.Passage.ID,
			Text:   h.Passage.Text,
			Source: sourceLabel(h),
			Score:  h.Score,
		}
	}

	history := e.conv.Messages()
	for {
		prompt, err := e.assembler.Assemble(e.opts.SystemPrompt, passages, history, budget)
		if err != nil {
			return nil, "", err
		}
		rendered, err := e.family.Render(family.PromptData{
			System:  prompt.System,
			Context: prompt.Context,
			History: prompt.History,
			Prompt:  query,
		})
		if err != nil {
			return nil, "", err
		}
		n := e.assembler.Count(rendered)
		if n <= limit {
			return prompt, rendered, nil
		}
		e.logger.Debug("Rendered prompt over window, shrinking budget", "tokens", n, "limit", limit, "budget", budget)
		budget -= n - limit
	}
}

// placeholder fills optional template sections when measuring overhead.
const placeholder = "x"

// templateOverhead counts the tokens the family template and query add
// around the system, context and history sections.
func (e *Engine) templateOverhead(query string) (int, error) {
	full, err := e.family.Render(family.PromptData{
		System:  placeholder,
		Context: placeholder,
		History: placeholder,
		Prompt:  query,
	})
	if err != nil {
		return 0, err
	}
	return e.assembler.Count(full) - 3*e.assembler.Count(placeholder), nil
}

func sourceLabel(h retriever.Hit) string {
	if h.SourcePath == "" {
		return h.Passage.Location
	}
	label := filepath.Base(h.SourcePath)
	if h.Passage.Location != "" {
		label += " (" + h.Passage.Location + ")"
	}
	return label
}

// emit delivers streamed segments unless the turn was cancelled.
func (e *Engine) emit(r *Reply, segs []family.Segment) {
	if len(segs) == 0 {
		return
	}
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.cancelled.Load() {
		return
	}
	for _, seg := range segs {
		if seg.Kind == family.KindReasoning {
			e.listener.OnReasoning(seg.Text)
		} else {
			e.listener.OnToken(seg.Text)
		}
	}
}

func (e *Engine) stream(r *Reply, hits []retriever.Hit, promptTokens int) {
	splitter := e.family.NewSplitter()
	for tok := range r.gen.Tokens() {
		e.emit(r, splitter.Feed(tok))
	}
	e.emit(r, splitter.Flush())
	res := r.gen.Wait()

	split := e.family.Extract(res.Text)
	status := conversation.StatusComplete
	switch res.State {
	case inference.Cancelled:
		status = conversation.StatusCancelled
	case inference.Failed:
		status = conversation.StatusFailed
	}

	c := Completion{
		ConversationID: e.conv.ID(),
		Answer:         split.Answer,
		Reasoning:      split.Reasoning,
		Raw:            res.Text,
		Reason:         res.Reason,
		Status:         status,
		Sources:        hits,
		PromptTokens:   promptTokens,
		Err:            res.Err,
	}

	if _, err := e.conv.Append(conversation.Turn{
		Role:       assembler.RoleAssistant,
		Text:       split.Answer,
		Reasoning:  split.Reasoning,
		TokenCount: e.assembler.Count(split.Answer),
		Status:     status,
	}); err != nil {
		c.Err = errors.Join(c.Err, fmt.Errorf("record turn: %w", err))
	}
	if res.State == inference.Failed {
		e.logger.Warn("Turn failed", "conversation", c.ConversationID, "partial_bytes", len(res.Text), "error", res.Err)
	}

	e.mu.Lock()
	if e.active == r {
		e.active = nil
	}
	e.mu.Unlock()

	r.result = c
	e.listener.OnComplete(c)
	close(r.done)
}
