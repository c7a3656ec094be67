package lmstudio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hypernetix/fullmoon-go/pkg/backend"
	"github.com/hypernetix/fullmoon-go/pkg/catalog"
	"github.com/hypernetix/fullmoon-go/pkg/logging"
	"github.com/hypernetix/fullmoon-go/pkg/prompt"
)

// Instance is a model loaded into LM Studio.
type Instance struct {
	modelID           string
	Identifier        string
	InstanceReference string
	client            *Client
}

func (i *Instance) ModelID() string { return i.modelID }

// Release unloads the instance from LM Studio.
func (i *Instance) Release(ctx context.Context) error {
	return i.client.UnloadModel(ctx, i.Identifier)
}

// Backend runs fullmoon models on a local LM Studio server. Loading a model
// into LM Studio stands in for fetching the asset; looking up the loaded
// instance is initialization.
type Backend struct {
	client *Client
	logger logging.Logger
	keys   map[string]string
}

type BackendOption func(*Backend)

// WithModelKey maps a catalog id to the LM Studio model key to load for it.
func WithModelKey(modelID, key string) BackendOption {
	return func(b *Backend) { b.keys[modelID] = key }
}

func NewBackend(client *Client, logger logging.Logger, opts ...BackendOption) *Backend {
	b := &Backend{
		client: client,
		logger: logging.OrDefault(logger),
		keys:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ backend.Backend = (*Backend)(nil)

// candidates lists the keys tried, most specific first.
func (b *Backend) candidates(desc catalog.ModelDescriptor) []string {
	var keys []string
	if k, ok := b.keys[desc.ID]; ok {
		keys = append(keys, k)
	}
	return append(keys, desc.ID, desc.DisplayName, strings.TrimPrefix(desc.ID, catalog.CommunityPrefix))
}

func (b *Backend) resolve(ctx context.Context, desc catalog.ModelDescriptor) (Model, error) {
	var lastErr error
	for _, key := range b.candidates(desc) {
		m, err := b.client.FindDownloaded(ctx, key)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrModelUnavailable) {
			return Model{}, err
		}
		lastErr = err
	}
	return Model{}, fmt.Errorf("%w: %w", backend.ErrAssetUnavailable, lastErr)
}

func (b *Backend) FetchAsset(ctx context.Context, desc catalog.ModelDescriptor, progress chan<- float64) (backend.Asset, error) {
	model, err := b.resolve(ctx, desc)
	if err != nil {
		return backend.Asset{}, err
	}
	b.logger.Debug("Resolved %s to LM Studio model %s", desc.ID, model.ModelKey)

	info, err := b.client.LoadModel(ctx, model.ModelKey, func(p float64) {
		select {
		case progress <- p:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return backend.Asset{}, err
	}
	return backend.Asset{ModelID: desc.ID, Location: info.Identifier}, nil
}

func (b *Backend) Initialize(ctx context.Context, asset backend.Asset) (backend.Handle, error) {
	m, ok, err := b.client.FindLoaded(ctx, asset.Location)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("model %s is not loaded in LM Studio", asset.Location)
	}
	return &Instance{
		modelID:           asset.ModelID,
		Identifier:        m.Identifier,
		InstanceReference: m.InstanceReference,
		client:            b.client,
	}, nil
}

func instanceOf(h backend.Handle) (*Instance, error) {
	inst, ok := h.(*Instance)
	if !ok || inst == nil {
		return nil, fmt.Errorf("handle %T was not created by the LM Studio backend", h)
	}
	return inst, nil
}

func (b *Backend) PrepareInput(_ context.Context, h backend.Handle, messages []prompt.Message) (backend.Input, error) {
	if _, err := instanceOf(h); err != nil {
		return backend.Input{}, err
	}
	return backend.Input{Messages: messages}, nil
}

func (b *Backend) StreamGenerate(ctx context.Context, h backend.Handle, in backend.Input, params backend.Params, onTokens backend.TokenFunc) (backend.Result, error) {
	inst, err := instanceOf(h)
	if err != nil {
		return backend.Result{}, err
	}
	history := make([]ChatMessage, 0, len(in.Messages))
	for _, m := range in.Messages {
		history = append(history, ChatMessage{Role: string(m.Role), Content: m.Content})
	}

	var temperature float64
	if params.Temperature != nil {
		temperature = *params.Temperature
	}
	var tokens []backend.Token
	_, err = b.client.Predict(ctx, inst.InstanceReference, history, PredictionConfig{
		Temperature: temperature,
		MaxTokens:   params.MaxTokens,
		Seed:        params.Seed,
	}, func(text string) bool {
		tokens = append(tokens, backend.Token{ID: len(tokens), Text: text})
		return onTokens(tokens) == backend.More
	})
	return backend.Result{TokenCount: len(tokens)}, err
}

func (b *Backend) Decode(_ backend.Handle, tokens []backend.Token) string {
	var sb strings.Builder
	for _, t := range tokens {
		sb.WriteString(t.Text)
	}
	return sb.String()
}
