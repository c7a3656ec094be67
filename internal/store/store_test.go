package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypernetix/fullmoon-go/pkg/prompt"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndReadTurnsInOrder(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.AppendTurn(ctx, "c1", prompt.Turn{Role: prompt.RoleAssistant, Text: "second", CreatedAt: base.Add(time.Minute)})
	require.NoError(t, err)
	first, err := s.AppendTurn(ctx, "c1", prompt.Turn{Role: prompt.RoleUser, Text: "first", CreatedAt: base})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	_, err = s.AppendTurn(ctx, "c2", prompt.Turn{Role: prompt.RoleUser, Text: "elsewhere"})
	require.NoError(t, err)

	turns, err := s.Turns(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "first", turns[0].Text)
	assert.Equal(t, prompt.RoleUser, turns[0].Role)
	assert.Equal(t, "second", turns[1].Text)
	assert.True(t, turns[0].CreatedAt.Equal(base))
}

func TestGenerationDurationRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	d := 1500 * time.Millisecond

	_, err := s.AppendTurn(ctx, "c", prompt.Turn{Role: prompt.RoleUser, Text: "q"})
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, "c", prompt.Turn{Role: prompt.RoleAssistant, Text: "a", GenerationDuration: &d})
	require.NoError(t, err)

	turns, err := s.Turns(ctx, "c")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Nil(t, turns[0].GenerationDuration)
	require.NotNil(t, turns[1].GenerationDuration)
	assert.Equal(t, d, *turns[1].GenerationDuration)
}

func TestConversationCreatedWithTitle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	long := strings.Repeat("word ", 30)

	_, err := s.AppendTurn(ctx, "c", prompt.Turn{Role: prompt.RoleUser, Text: long})
	require.NoError(t, err)
	conv, err := s.Conversation(ctx, "c")
	require.NoError(t, err)
	assert.Len(t, []rune(conv.Title), titleLength)

	created, err := s.CreateConversation(ctx, "Plans")
	require.NoError(t, err)
	list, err := s.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	ids := []string{list[0].ID, list[1].ID}
	assert.Contains(t, ids, created.ID)
}

func TestUnknownConversation(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	turns, err := s.Turns(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, turns)

	_, err = s.Conversation(ctx, "missing")
	assert.True(t, errors.Is(err, ErrConversationNotFound))
	assert.True(t, errors.Is(s.DeleteConversation(ctx, "missing"), ErrConversationNotFound))
}

func TestDeleteConversation(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	_, err := s.AppendTurn(ctx, "c", prompt.Turn{Role: prompt.RoleUser, Text: "q"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, "c"))
	turns, err := s.Turns(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chats.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.AppendTurn(context.Background(), "c", prompt.Turn{Role: prompt.RoleUser, Text: "q"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	turns, err := s.Turns(context.Background(), "c")
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}
