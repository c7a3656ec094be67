package remote

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind selects the wire dialect of a server.
type Kind string

const (
	KindOpenAI   Kind = "openai"
	KindOllama   Kind = "ollama"
	KindLMStudio Kind = "lmStudio"
	KindCustom   Kind = "custom"
)

// ParseKind accepts the canonical names case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return KindOpenAI, nil
	case "ollama":
		return KindOllama, nil
	case "lmstudio", "lm-studio", "lm_studio":
		return KindLMStudio, nil
	case "custom", "":
		return KindCustom, nil
	default:
		return "", fmt.Errorf("unknown server kind %q", s)
	}
}

// DefaultBaseURL returns the usual endpoint for the kind, or "" for custom.
func (k Kind) DefaultBaseURL() string {
	switch k {
	case KindOpenAI:
		return "https://api.openai.com/v1"
	case KindOllama:
		return "http://localhost:11434/v1"
	case KindLMStudio:
		return "http://localhost:1234/v1"
	default:
		return ""
	}
}

// DisplayName is the human label of the kind.
func (k Kind) DisplayName() string {
	switch k {
	case KindOpenAI:
		return "OpenAI"
	case KindOllama:
		return "Ollama"
	case KindLMStudio:
		return "LM Studio"
	default:
		return "Custom"
	}
}

// Profile is a configured OpenAI-compatible server.
type Profile struct {
	ID          uuid.UUID `json:"id" yaml:"id"`
	DisplayName string    `json:"displayName" yaml:"name"`
	BaseURL     string    `json:"baseURL" yaml:"base_url"`
	APIKey      string    `json:"-" yaml:"api_key"`
	Kind        Kind      `json:"kind" yaml:"kind"`
}

// NewProfile creates a profile with a fresh id. An empty baseURL takes the
// kind's default and an empty name the kind's label.
func NewProfile(kind Kind, name, baseURL, apiKey string) Profile {
	if baseURL == "" {
		baseURL = kind.DefaultBaseURL()
	}
	if name == "" {
		name = kind.DisplayName()
	}
	return Profile{
		ID:          uuid.New(),
		DisplayName: name,
		BaseURL:     baseURL,
		APIKey:      apiKey,
		Kind:        kind,
	}
}

// Endpoint joins the base URL and path.
func (p Profile) Endpoint(path string) string {
	return strings.TrimRight(p.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// Validate reports whether the profile can be used.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.BaseURL) == "" {
		return fmt.Errorf("%w: server %q has no base URL", ErrRemoteProtocol, p.DisplayName)
	}
	return nil
}
