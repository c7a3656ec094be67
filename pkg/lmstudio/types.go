package lmstudio

import (
	"errors"
	"strings"
)

// ErrModelUnavailable is returned when LM Studio has no downloaded model
// matching a requested key.
var ErrModelUnavailable = errors.New("model not available in LM Studio")

// Model is a downloaded or loaded model as reported by LM Studio.
type Model struct {
	ModelKey          string `json:"modelKey"`
	Path              string `json:"path"`
	Type              string `json:"type"`
	Format            string `json:"format,omitempty"`
	Size              int64  `json:"sizeBytes,omitempty"`
	MaxContextLength  int    `json:"maxContextLength,omitempty"`
	DisplayName       string `json:"displayName,omitempty"`
	Architecture      string `json:"architecture,omitempty"`
	TrainedForToolUse bool   `json:"trainedForToolUse,omitempty"`

	// Set for loaded models only.
	Identifier        string `json:"identifier,omitempty"`
	InstanceReference string `json:"instanceReference,omitempty"`
	ContextLength     int    `json:"contextLength,omitempty"`

	IsLoaded bool `json:"-"`
}

// matches reports whether key names this model. LM Studio keys are compared
// case-insensitively against the model key, identifier and path.
func (m Model) matches(key string) bool {
	key = strings.ToLower(key)
	for _, candidate := range []string{m.ModelKey, m.Identifier, m.Path} {
		if candidate != "" && strings.ToLower(candidate) == key {
			return true
		}
	}
	return false
}

// LoadedModel is what a finished loadModel channel reports.
type LoadedModel struct {
	Identifier        string `json:"identifier"`
	InstanceReference string `json:"instanceReference"`
	ModelKey          string `json:"modelKey,omitempty"`
}

// ChatMessage is a single entry of a predict history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type historyMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

func toHistory(messages []ChatMessage) []historyMessage {
	out := make([]historyMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, historyMessage{
			Role:    m.Role,
			Content: []contentPart{{Type: "text", Text: m.Content}},
		})
	}
	return out
}

// PredictionConfig is the instance layer of a predict request.
type PredictionConfig struct {
	Temperature float64
	MaxTokens   int
	Seed        uint64
}
