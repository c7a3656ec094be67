// Package prompt turns a stored conversation into the role/content list an
// inference backend consumes.
package prompt

import (
	"regexp"
	"sort"
	"time"

	"github.com/hypernetix/fullmoon-go/pkg/catalog"
)

// Role attributes a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one stored message of a conversation.
type Turn struct {
	ID                 string         `json:"id"`
	Role               Role           `json:"role"`
	Text               string         `json:"text"`
	CreatedAt          time.Time      `json:"createdAt"`
	GenerationDuration *time.Duration `json:"generationDuration,omitempty"`
}

// Message is one element of an assembled prompt.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

var thinkSpan = regexp.MustCompile(`(?s)<think>.*?(?:</think>|$)`)

// Normalize prepares stored text for replay under the given behavior.
// Reasoning models get their thinking removed and a single leading space,
// which the chat templates of those models expect.
func Normalize(text string, role Role, behavior catalog.Behavior) string {
	switch behavior {
	case catalog.Reasoning:
		if role == RoleAssistant {
			text = thinkSpan.ReplaceAllString(text, "")
		}
		return " " + text
	case catalog.Regular:
		return text
	default:
		return text
	}
}

// Assemble returns the system prompt followed by every turn in CreatedAt
// order. turns is not modified.
func Assemble(turns []Turn, systemPrompt string, behavior catalog.Behavior) []Message {
	sorted := make([]Turn, len(turns))
	copy(sorted, turns)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	out := make([]Message, 0, len(sorted)+1)
	out = append(out, Message{Role: RoleSystem, Content: systemPrompt})
	for _, t := range sorted {
		out = append(out, Message{
			Role:    t.Role,
			Content: Normalize(t.Text, t.Role, behavior),
		})
	}
	return out
}

// LastUserText returns the content of the newest user message, if any.
func LastUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
