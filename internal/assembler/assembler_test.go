package assembler

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/offline-rag/internal/tokens"
)

// fixedCounter reports preset counts for known strings.
type fixedCounter struct {
	tokens.WordCounter
	counts map[string]int
}

func (c fixedCounter) Count(text string) int {
	if n, ok := c.counts[text]; ok {
		return n
	}
	return c.WordCounter.Count(text)
}

func TestAssemble_SystemPromptOverBudget(t *testing.T) {
	counter := fixedCounter{counts: map[string]int{"You are helpful.": 10}}
	a := New(counter, Options{})

	_, err := a.Assemble("You are helpful.", nil, nil, 5)
	assert.ErrorIs(t, err, ErrBudgetTooSmall)
}

func TestAssemble_SystemPromptExactlyFits(t *testing.T) {
	a := New(nil, Options{})

	p, err := a.Assemble("You are helpful.", []Passage{{ID: "p", Text: "extra", Score: 1}}, nil, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Tokens)
	assert.Empty(t, p.Passages)

	_, err = a.Assemble("You are helpful.", nil, nil, 3)
	assert.ErrorIs(t, err, ErrBudgetTooSmall)
}

func TestAssemble_HistoryShareAndPassageSkipping(t *testing.T) {
	a := New(nil, Options{})
	history := []Message{
		{Role: RoleUser, Text: "alpha beta gamma delta"},
		{Role: RoleAssistant, Text: "eps zeta"},
		{Role: RoleUser, Text: "eta theta"},
	}
	passages := []Passage{
		{ID: "small", Text: "tiny", Score: 0.4},
		{ID: "big", Text: strings.Repeat("word ", 20), Score: 0.9},
		{ID: "mid", Text: "short passage text", Score: 0.5},
	}

	p, err := a.Assemble("Sys.", passages, history, 22)
	require.NoError(t, err)

	assert.Equal(t, []Message{history[1], history[2]}, p.Turns, "newest turns, oldest first")
	require.Len(t, p.Passages, 2)
	assert.Equal(t, "mid", p.Passages[0].ID)
	assert.Equal(t, "small", p.Passages[1].ID)
	assert.Equal(t, 20, p.Tokens)
	assert.Equal(t, "[1]\nshort passage text\n\n[2]\ntiny", p.Context)
	assert.Equal(t, "Assistant: eps zeta\nUser: eta theta", p.History)
}

func TestAssemble_HistoryStopsAtFirstOverflow(t *testing.T) {
	a := New(nil, Options{})
	history := []Message{
		{Role: RoleUser, Text: "ok"},
		{Role: RoleAssistant, Text: strings.Repeat("long ", 30)},
		{Role: RoleUser, Text: "latest"},
	}

	p, err := a.Assemble("", nil, history, 20)
	require.NoError(t, err)
	assert.Equal(t, []Message{history[2]}, p.Turns, "an older turn that fits is not taken past a gap")
}

func TestAssemble_UnusedHistoryGoesToPassages(t *testing.T) {
	a := New(nil, Options{HistoryShare: 0.5})
	passages := []Passage{{ID: "p", Text: strings.Repeat("w ", 15), Score: 1}}

	p, err := a.Assemble("", passages, nil, 20)
	require.NoError(t, err)
	require.Len(t, p.Passages, 1, "an 18-token passage needs more than the 10-token passage half")
	assert.Equal(t, 18, p.Tokens)
}

func TestAssemble_SourceLabel(t *testing.T) {
	a := New(nil, Options{})
	p, err := a.Assemble("", []Passage{{ID: "p", Text: "body", Source: "notes.txt", Score: 1}}, nil, 100)
	require.NoError(t, err)
	assert.Equal(t, "[1] notes.txt\nbody", p.Context)
	assert.Equal(t, a.Count(p.Context), p.Tokens)
}

func TestAssemble_BudgetLaw(t *testing.T) {
	a := New(nil, Options{})
	history := []Message{
		{Role: RoleUser, Text: "How do heat pumps work in winter?"},
		{Role: RoleAssistant, Text: "They move heat rather than generate it."},
		{Role: RoleUser, Text: "And the efficiency?"},
	}
	var passages []Passage
	for i := 0; i < 6; i++ {
		passages = append(passages, Passage{
			ID:    fmt.Sprintf("p%d", i),
			Text:  strings.Repeat(fmt.Sprintf("fact%d ", i), i*3+1),
			Score: float64(i%3) / 3,
		})
	}

	for budget := 6; budget <= 120; budget++ {
		p, err := a.Assemble("Answer briefly.", passages, history, budget)
		require.NoError(t, err, "budget %d", budget)
		assert.LessOrEqual(t, p.Tokens, budget, "budget %d", budget)
		assert.Equal(t, p.Tokens, a.Count(p.Text()), "budget %d", budget)
		assert.Equal(t, "Answer briefly.", p.System)
	}
}

func TestAssemble_DoesNotReorderInput(t *testing.T) {
	a := New(nil, Options{})
	in := []Passage{{ID: "low", Text: "a", Score: 0.1}, {ID: "high", Text: "b", Score: 0.9}}
	_, err := a.Assemble("", in, nil, 100)
	require.NoError(t, err)
	assert.Equal(t, "low", in[0].ID)
}
