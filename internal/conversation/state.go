// Package conversation holds the ordered turns of the current
// conversation. Turns are immutable once appended; the whole state is
// discarded on Clear.
package conversation

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bull/offline-rag/internal/assembler"
)

var (
	ErrEmptyTurn   = errors.New("turn text is empty")
	ErrInvalidRole = errors.New("turn role must be user or assistant")
)

// Status of a turn.
type Status string

const (
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Turn is one message of the conversation.
type Turn struct {
	Role       assembler.Role `json:"role"`
	Text       string         `json:"text"`
	Reasoning  string         `json:"reasoning,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	TokenCount int            `json:"token_count"`
	Status     Status         `json:"status"`
}

// State is the session state for one conversation. It is safe for
// concurrent use.
type State struct {
	mu    sync.RWMutex
	id    string
	turns []Turn
	now   func() time.Time
}

// New starts an empty conversation with a fresh id.
func New() *State {
	return &State{id: uuid.NewString(), now: time.Now}
}

// ID identifies the current conversation. It changes on Clear.
func (s *State) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Append adds a turn at the end. CreatedAt and Status are filled in when
// unset. Only assistant turns may be empty.
func (s *State) Append(t Turn) (Turn, error) {
	if t.Status == "" {
		t.Status = StatusComplete
	}
	if t.Role != assembler.RoleUser && t.Role != assembler.RoleAssistant {
		return Turn{}, ErrInvalidRole
	}
	if t.Text == "" && t.Role == assembler.RoleUser {
		return Turn{}, ErrEmptyTurn
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	s.turns = append(s.turns, t)
	return t, nil
}

// Turns returns a copy of all turns, oldest first.
func (s *State) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the number of turns.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Clear drops every turn and starts a new conversation id.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
	s.id = uuid.NewString()
}

// Messages returns the prompt history, oldest first. Failed assistant
// turns are left out; cancelled ones contribute their partial text.
func (s *State) Messages() []assembler.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]assembler.Message, 0, len(s.turns))
	for _, t := range s.turns {
		if t.Status == StatusFailed || t.Text == "" {
			continue
		}
		out = append(out, assembler.Message{Role: t.Role, Text: t.Text})
	}
	return out
}

// UserTexts returns the text of the user turns, oldest first.
func (s *State) UserTexts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, t := range s.turns {
		if t.Role == assembler.RoleUser {
			out = append(out, t.Text)
		}
	}
	return out
}

// Tokens sums the token counts of all turns.
func (s *State) Tokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.turns {
		n += t.TokenCount
	}
	return n
}
