package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/offline-rag/internal/assembler"
)

func TestAppendKeepsOrderAndFillsDefaults(t *testing.T) {
	s := New()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	u, err := s.Append(Turn{Role: assembler.RoleUser, Text: "hello", TokenCount: 1})
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, u.Status)
	assert.Equal(t, fixed, u.CreatedAt)

	_, err = s.Append(Turn{Role: assembler.RoleAssistant, Text: "hi there", TokenCount: 2})
	require.NoError(t, err)

	turns := s.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, "hello", turns[0].Text)
	assert.Equal(t, "hi there", turns[1].Text)
	assert.Equal(t, 3, s.Tokens())
}

func TestTurnsAreCopies(t *testing.T) {
	s := New()
	_, err := s.Append(Turn{Role: assembler.RoleUser, Text: "original"})
	require.NoError(t, err)

	turns := s.Turns()
	turns[0].Text = "mutated"
	assert.Equal(t, "original", s.Turns()[0].Text)
}

func TestEmptyTurns(t *testing.T) {
	s := New()
	_, err := s.Append(Turn{Role: assembler.RoleUser})
	assert.ErrorIs(t, err, ErrEmptyTurn)
	_, err = s.Append(Turn{Text: "no role"})
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = s.Append(Turn{Role: assembler.RoleAssistant, Status: StatusCancelled})
	assert.NoError(t, err)
	assert.Equal(t, 1, s.Len())
	assert.Empty(t, s.Messages())
}

func TestClearStartsNewConversation(t *testing.T) {
	s := New()
	first := s.ID()
	_, err := s.Append(Turn{Role: assembler.RoleUser, Text: "q"})
	require.NoError(t, err)

	s.Clear()
	assert.Zero(t, s.Len())
	assert.NotEqual(t, first, s.ID())
}

func TestMessagesSkipFailedTurns(t *testing.T) {
	s := New()
	for _, turn := range []Turn{
		{Role: assembler.RoleUser, Text: "one"},
		{Role: assembler.RoleAssistant, Text: "broken", Status: StatusFailed},
		{Role: assembler.RoleUser, Text: "two"},
		{Role: assembler.RoleAssistant, Text: "half", Status: StatusCancelled},
	} {
		_, err := s.Append(turn)
		require.NoError(t, err)
	}

	assert.Equal(t, []assembler.Message{
		{Role: assembler.RoleUser, Text: "one"},
		{Role: assembler.RoleUser, Text: "two"},
		{Role: assembler.RoleAssistant, Text: "half"},
	}, s.Messages())
	assert.Equal(t, []string{"one", "two"}, s.UserTexts())

	// The failed turn itself is retained.
	assert.Equal(t, StatusFailed, s.Turns()[1].Status)
}
