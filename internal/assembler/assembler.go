// Package assembler builds a prompt from a system prompt, retrieved
// passages and conversation history under a hard token budget.
package assembler

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bull/offline-rag/internal/tokens"
)

// DefaultHistoryShare is the fraction of the post-system budget history may use.
const DefaultHistoryShare = 0.5

// ErrBudgetTooSmall is returned when the system prompt alone exceeds the budget.
var ErrBudgetTooSmall = errors.New("token budget too small for system prompt")

// Role of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior conversation turn.
type Message struct {
	Role Role
	Text string
}

// Passage is a retrieved passage offered to the assembler.
type Passage struct {
	ID     string
	Text   string
	Source string // shown in the passage label; may be empty
	Score  float64
}

// Prompt is the assembled output. Context and History are the rendered
// blocks for template slots; Text joins system, passages and history in
// that order. Tokens never exceeds the budget passed to Assemble.
type Prompt struct {
	System   string
	Context  string
	History  string
	Passages []Passage // included passages, highest score first
	Turns    []Message // included turns, oldest first
	Tokens   int
	Budget   int
}

// Text returns the flat prompt: system, then passages, then history.
func (p *Prompt) Text() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{p.System, p.Context, p.History} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Options configures an Assembler.
type Options struct {
	HistoryShare float64 // within (0,1]; 0 uses DefaultHistoryShare
}

// Assembler packs prompt units by priority: the system prompt always,
// then newest-first history up to its share, then passages by score.
// Units are included whole or not at all.
type Assembler struct {
	counter tokens.Counter
	share   float64
}

// New creates an assembler. A nil counter uses tokens.WordCounter.
func New(counter tokens.Counter, opts Options) *Assembler {
	if counter == nil {
		counter = tokens.NewWordCounter()
	}
	share := opts.HistoryShare
	if share <= 0 || share > 1 {
		share = DefaultHistoryShare
	}
	return &Assembler{counter: counter, share: share}
}

// Count exposes the assembler's token counter.
func (a *Assembler) Count(text string) int { return a.counter.Count(text) }

// Assemble packs the prompt. History that does not fit its share stops
// at the first turn that would overflow, keeping it contiguous with the
// present; unused history share is given to passages. A passage that does
// not fit is skipped and smaller ones after it are still tried.
func (a *Assembler) Assemble(system string, retrieved []Passage, history []Message, budget int) (*Prompt, error) {
	sys := a.counter.Count(system)
	if sys > budget {
		return nil, fmt.Errorf("%w: system prompt needs %d tokens, budget is %d", ErrBudgetTooSmall, sys, budget)
	}
	remaining := budget - sys

	historyCap := int(float64(remaining) * a.share)
	var turns []Message
	var turnBlocks []string
	historyUsed := 0
	for i := len(history) - 1; i >= 0; i-- {
		block := renderTurn(history[i])
		cost := a.counter.Count(block)
		if historyUsed+cost > historyCap {
			break
		}
		historyUsed += cost
		turns = append(turns, history[i])
		turnBlocks = append(turnBlocks, block)
	}
	reverse(turns)
	reverse(turnBlocks)

	ranked := make([]Passage, len(retrieved))
	copy(ranked, retrieved)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	passageCap := remaining - historyUsed
	var included []Passage
	var passageBlocks []string
	passagesUsed := 0
	for _, p := range ranked {
		block := renderPassage(len(included)+1, p)
		cost := a.counter.Count(block)
		if passagesUsed+cost > passageCap {
			continue
		}
		passagesUsed += cost
		included = append(included, p)
		passageBlocks = append(passageBlocks, block)
	}

	return &Prompt{
		System:   system,
		Context:  strings.Join(passageBlocks, "\n\n"),
		History:  strings.Join(turnBlocks, "\n"),
		Passages: included,
		Turns:    turns,
		Tokens:   sys + historyUsed + passagesUsed,
		Budget:   budget,
	}, nil
}

func renderPassage(n int, p Passage) string {
	label := "[" + strconv.Itoa(n) + "]"
	if p.Source != "" {
		label += " " + p.Source
	}
	return label + "\n" + p.Text
}

func renderTurn(m Message) string {
	role := "User"
	if m.Role == RoleAssistant {
		role = "Assistant"
	}
	return role + ": " + m.Text
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
