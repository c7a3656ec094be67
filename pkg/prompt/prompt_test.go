package prompt

import (
	"testing"
	"time"

	"github.com/hypernetix/fullmoon-go/pkg/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembleOrdersByCreatedAt(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	turns := []Turn{
		{Role: RoleAssistant, Text: "second", CreatedAt: base.Add(2 * time.Second)},
		{Role: RoleUser, Text: "third", CreatedAt: base.Add(3 * time.Second)},
		{Role: RoleUser, Text: "first", CreatedAt: base.Add(1 * time.Second)},
	}

	got := Assemble(turns, "be brief", catalog.Regular)

	require.Len(t, got, 4)
	assert.Equal(t, Message{Role: RoleSystem, Content: "be brief"}, got[0])
	assert.Equal(t, "first", got[1].Content)
	assert.Equal(t, "second", got[2].Content)
	assert.Equal(t, RoleAssistant, got[2].Role)
	assert.Equal(t, "third", got[3].Content)

	// input untouched
	assert.Equal(t, "second", turns[0].Text)
}

func TestAssembleEmptyConversation(t *testing.T) {
	got := Assemble(nil, "sys", catalog.Reasoning)
	require.Len(t, got, 1)
	assert.Equal(t, RoleSystem, got[0].Role)
	assert.Equal(t, "sys", got[0].Content)
}

func TestNormalizeReasoning(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		role Role
		want string
	}{
		{"closed span", "<think>plan</think>answer", RoleAssistant, " answer"},
		{"unterminated span", "<think>still going", RoleAssistant, " "},
		{"multiline span", "<think>a\nb\nc</think>\nok", RoleAssistant, " \nok"},
		{"two spans", "<think>x</think>one<think>y</think>two", RoleAssistant, " onetwo"},
		{"no span", "plain", RoleAssistant, " plain"},
		{"user text keeps tags", "<think>why</think>", RoleUser, " <think>why</think>"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.in, tc.role, catalog.Reasoning))
		})
	}
}

func TestNormalizeRegularPassesThrough(t *testing.T) {
	in := "<think>plan</think>answer"
	assert.Equal(t, in, Normalize(in, RoleAssistant, catalog.Regular))
}

func TestAssembleAppliesBehavior(t *testing.T) {
	now := time.Now()
	turns := []Turn{
		{Role: RoleUser, Text: "hi", CreatedAt: now},
		{Role: RoleAssistant, Text: "<think>hmm</think>hello", CreatedAt: now.Add(time.Second)},
	}
	got := Assemble(turns, "sys", catalog.Reasoning)
	require.Len(t, got, 3)
	assert.Equal(t, "sys", got[0].Content)
	assert.Equal(t, " hi", got[1].Content)
	assert.Equal(t, " hello", got[2].Content)
}

func TestLastUserText(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "s"},
		{Role: RoleUser, Content: "a"},
		{Role: RoleAssistant, Content: "b"},
		{Role: RoleUser, Content: "c"},
		{Role: RoleAssistant, Content: "d"},
	}
	assert.Equal(t, "c", LastUserText(msgs))
	assert.Equal(t, "", LastUserText(msgs[:1]))
}
