package inference

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bull/offline-rag/internal/telemetry"
)

// DefaultMaxTokens applies when a request leaves MaxTokens unset.
const DefaultMaxTokens = 2048

// State of a Session.
type State int

const (
	Idle State = iota
	Generating
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Generating:
		return "generating"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// EndReason tells why a token stream ended.
type EndReason string

const (
	ReasonStopSequence EndReason = "stop_sequence"
	ReasonMaxTokens    EndReason = "max_tokens"
	ReasonEndOfStream  EndReason = "end_of_stream"
	ReasonCancelled    EndReason = "cancelled"
	ReasonError        EndReason = "error"
)

// Result is the outcome of a finished generation.
type Result struct {
	Text     string // everything emitted on the token channel
	Reason   EndReason
	State    State // Completed, Cancelled or Failed
	Tokens   int   // pieces received from the backend
	Duration time.Duration
	Err      error // *GenerationError when State is Failed
}

// Generation is a running token stream. Tokens must be drained (or the
// generation cancelled) for it to finish.
type Generation struct {
	tokens chan string
	done   chan struct{}
	result Result
}

// Tokens returns the unbuffered token channel. It is closed when the
// generation ends.
func (g *Generation) Tokens() <-chan string { return g.tokens }

// Done is closed once the result is available.
func (g *Generation) Done() <-chan struct{} { return g.done }

// Wait blocks until the generation ends and returns its result.
func (g *Generation) Wait() Result {
	<-g.done
	return g.result
}

// run is the cancellation state of one generation.
type run struct {
	cancelled atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	emitMu    sync.Mutex // held around each send
	cancelCtx context.CancelFunc
}

// stop marks the run cancelled and waits for any in-flight send to
// settle, so no token is delivered after it returns.
func (r *run) stop() {
	r.cancelled.Store(true)
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.cancelCtx()
	r.emitMu.Lock()
	r.emitMu.Unlock() //nolint:staticcheck // empty critical section is a barrier
}

// Session runs at most one generation at a time against a backend.
// States move Idle → Generating → Completed|Cancelled|Failed → Idle.
type Session struct {
	backend Backend
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	last    State
	current *run
}

// NewSession creates an idle session. metrics may be nil.
func NewSession(backend Backend, metrics *telemetry.Metrics, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{backend: backend, metrics: metrics, logger: logger, state: Idle, last: Idle}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastState returns the terminal state of the most recent generation,
// or Idle if none has finished.
func (s *Session) LastState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start begins a generation. It fails with ErrAlreadyGenerating, and
// leaves the running generation untouched, unless the session is Idle.
// Cancelling ctx cancels the generation.
func (s *Session) Start(ctx context.Context, req Request) (*Generation, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}

	s.mu.Lock()
	if s.state == Generating {
		s.mu.Unlock()
		return nil, ErrAlreadyGenerating
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{stopCh: make(chan struct{}), cancelCtx: cancel}
	s.current = r
	s.state = Generating
	s.mu.Unlock()

	g := &Generation{
		tokens: make(chan string),
		done:   make(chan struct{}),
	}
	go s.produce(runCtx, r, req, g)
	return g, nil
}

// Cancel stops the running generation. No token is delivered after it
// returns. It is a no-op unless the session is Generating.
func (s *Session) Cancel() {
	s.mu.Lock()
	r := s.current
	if s.state != Generating || r == nil {
		s.mu.Unlock()
		return
	}
	s.state = Cancelled
	s.mu.Unlock()

	r.stop()
	s.logger.Debug("Generation cancelled")
}

func (s *Session) produce(ctx context.Context, r *run, req Request, g *Generation) {
	start := time.Now()
	var out strings.Builder
	tokens := 0

	send := func(text string) bool {
		if text == "" {
			return true
		}
		r.emitMu.Lock()
		defer r.emitMu.Unlock()
		if r.cancelled.Load() {
			return false
		}
		select {
		case g.tokens <- text:
			out.WriteString(text)
			return true
		case <-r.stopCh:
			return false
		case <-ctx.Done():
			return false
		}
	}

	reason, err := s.stream(ctx, r, req, send, &tokens)
	r.cancelCtx()

	res := Result{
		Text:     out.String(),
		Reason:   reason,
		Tokens:   tokens,
		Duration: time.Since(start),
	}
	switch reason {
	case ReasonCancelled:
		res.State = Cancelled
	case ReasonError:
		res.State = Failed
		res.Err = &GenerationError{Partial: res.Text, Reason: ReasonError, Err: err}
	default:
		res.State = Completed
	}

	s.mu.Lock()
	if s.current == r {
		s.current = nil
		s.state = Idle
	}
	s.last = res.State
	s.mu.Unlock()

	s.metrics.RecordGeneration(context.WithoutCancel(ctx), s.backend.Name(), string(reason), tokens, res.Duration)
	if res.State == Failed {
		s.logger.Warn("Generation failed", "backend", s.backend.Name(), "tokens", tokens, "error", err)
	} else {
		s.logger.Debug("Generation finished", "backend", s.backend.Name(), "reason", reason, "tokens", tokens)
	}

	g.result = res
	close(g.tokens)
	close(g.done)
}

// stream pulls tokens until a stop condition and reports why it ended.
func (s *Session) stream(ctx context.Context, r *run, req Request, send func(string) bool, tokens *int) (EndReason, error) {
	backendReq := req
	backendReq.StopSequences = nil

	stream, err := s.backend.Generate(ctx, backendReq)
	if err != nil {
		if r.cancelled.Load() || ctx.Err() != nil {
			return ReasonCancelled, nil
		}
		return ReasonError, err
	}
	defer stream.Close()

	matcher := newStopMatcher(req.StopSequences)
	for {
		if r.cancelled.Load() {
			return ReasonCancelled, nil
		}
		piece, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if !send(matcher.flush()) {
				return ReasonCancelled, nil
			}
			return ReasonEndOfStream, nil
		}
		if err != nil {
			if r.cancelled.Load() || ctx.Err() != nil {
				return ReasonCancelled, nil
			}
			return ReasonError, err
		}
		*tokens++

		emit, hit := matcher.push(piece)
		if !send(emit) {
			return ReasonCancelled, nil
		}
		if hit {
			return ReasonStopSequence, nil
		}
		if *tokens >= req.MaxTokens {
			if !send(matcher.flush()) {
				return ReasonCancelled, nil
			}
			return ReasonMaxTokens, nil
		}
	}
}
