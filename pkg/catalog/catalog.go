// Package catalog holds the static registry of on-device models.
package catalog

import (
	"fmt"
	"strings"
)

// Behavior tags how a model formats its output.
type Behavior int

const (
	// Regular models produce plain answers.
	Regular Behavior = iota
	// Reasoning models embed a <think> span before the answer.
	Reasoning
)

func (b Behavior) String() string {
	switch b {
	case Regular:
		return "regular"
	case Reasoning:
		return "reasoning"
	default:
		return fmt.Sprintf("Behavior(%d)", int(b))
	}
}

// MarshalText lets descriptors serialize the tag as a word.
func (b Behavior) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// CommunityPrefix is the registry namespace the default models live under.
const CommunityPrefix = "mlx-community/"

// ModelDescriptor identifies a selectable model.
type ModelDescriptor struct {
	ID                string   `json:"id"`
	DisplayName       string   `json:"displayName"`
	ApproximateSizeGB *float64 `json:"approximateSizeGB,omitempty"`
	Behavior          Behavior `json:"behavior"`
}

func newDescriptor(id string, sizeGB float64, behavior Behavior) ModelDescriptor {
	size := sizeGB
	return ModelDescriptor{
		ID:                id,
		DisplayName:       DisplayName(id),
		ApproximateSizeGB: &size,
		Behavior:          behavior,
	}
}

var (
	Llama3_2_1B_4bit          = newDescriptor(CommunityPrefix+"Llama-3.2-1B-Instruct-4bit", 0.7, Regular)
	Llama3_2_3B_4bit          = newDescriptor(CommunityPrefix+"Llama-3.2-3B-Instruct-4bit", 1.8, Regular)
	DeepSeekR1DistillQwen1_5B = newDescriptor(CommunityPrefix+"DeepSeek-R1-Distill-Qwen-1.5B-4bit", 1.0, Reasoning)
	DeepSeekR1DistillQwen8bit = newDescriptor(CommunityPrefix+"DeepSeek-R1-Distill-Qwen-1.5B-8bit", 1.9, Reasoning)
	Qwen3_4B_4bit             = newDescriptor(CommunityPrefix+"Qwen3-4B-4bit", 2.3, Reasoning)
	Qwen3_8B_4bit             = newDescriptor(CommunityPrefix+"Qwen3-8B-4bit", 4.7, Reasoning)
)

// Catalog is an immutable id-indexed set of descriptors.
type Catalog struct {
	models   []ModelDescriptor
	byID     map[string]ModelDescriptor
	defaultM ModelDescriptor
}

// New builds a catalog; def must be one of models.
func New(def ModelDescriptor, models ...ModelDescriptor) (*Catalog, error) {
	c := &Catalog{
		models: make([]ModelDescriptor, 0, len(models)),
		byID:   make(map[string]ModelDescriptor, len(models)),
	}
	for _, m := range models {
		if m.ID == "" {
			return nil, fmt.Errorf("catalog: descriptor with empty id")
		}
		if _, dup := c.byID[m.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate model id %q", m.ID)
		}
		c.byID[m.ID] = m
		c.models = append(c.models, m)
	}
	if _, ok := c.byID[def.ID]; !ok {
		return nil, fmt.Errorf("catalog: default model %q is not in the catalog", def.ID)
	}
	c.defaultM = def
	return c, nil
}

var builtin = func() *Catalog {
	c, err := New(Llama3_2_1B_4bit,
		Llama3_2_1B_4bit,
		Llama3_2_3B_4bit,
		DeepSeekR1DistillQwen1_5B,
		DeepSeekR1DistillQwen8bit,
		Qwen3_4B_4bit,
		Qwen3_8B_4bit,
	)
	if err != nil {
		panic(err)
	}
	return c
}()

// Builtin returns the process-wide catalog.
func Builtin() *Catalog { return builtin }

// Lookup resolves an id. The display name is accepted as well.
func (c *Catalog) Lookup(id string) (ModelDescriptor, bool) {
	if m, ok := c.byID[id]; ok {
		return m, true
	}
	for _, m := range c.models {
		if m.DisplayName == strings.ToLower(id) {
			return m, true
		}
	}
	return ModelDescriptor{}, false
}

// Default returns the default descriptor.
func (c *Catalog) Default() ModelDescriptor { return c.defaultM }

// All returns the descriptors in registration order.
func (c *Catalog) All() []ModelDescriptor {
	out := make([]ModelDescriptor, len(c.models))
	copy(out, c.models)
	return out
}

// DisplayName strips the community namespace and lower-cases the id.
func DisplayName(id string) string {
	return strings.ToLower(strings.TrimPrefix(id, CommunityPrefix))
}

// SizeLabel renders the approximate size, or "N/A".
func (m ModelDescriptor) SizeLabel() string {
	if m.ApproximateSizeGB == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.1f GB", *m.ApproximateSizeGB)
}
