package lmstudio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hypernetix/fullmoon-go/pkg/logging"
)

// Client talks to the LM Studio websocket API. Connections are opened
// lazily per namespace and reused until they drop.
type Client struct {
	logger      logging.Logger
	apiHost     string
	mu          sync.Mutex
	connections map[string]*namespaceConnection
}

// NewClient creates a client for apiHost ("localhost:1234" or a URL with
// an http or https scheme).
func NewClient(apiHost string, logger logging.Logger) *Client {
	if apiHost == "" {
		apiHost = fmt.Sprintf("%s:%d", LMStudioAPIHosts[0], LMStudioAPIPorts[0])
	}
	return &Client{
		logger:      logging.OrDefault(logger),
		apiHost:     apiHost,
		connections: make(map[string]*namespaceConnection),
	}
}

// Host returns the configured API host.
func (c *Client) Host() string { return c.apiHost }

func (c *Client) getConnection(ctx context.Context, namespace string) (*namespaceConnection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if nc, ok := c.connections[namespace]; ok {
		if nc.alive() {
			return nc, nil
		}
		c.logger.Debug("Reconnecting to %s namespace", namespace)
		delete(c.connections, namespace)
	}

	nc := newNamespaceConnection(namespace, c.logger)
	if err := nc.connect(ctx, c.apiHost); err != nil {
		return nil, fmt.Errorf("failed to connect to %s namespace: %w", namespace, err)
	}
	c.connections[namespace] = nc
	return nc, nil
}

// Close closes every open namespace connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conns := c.connections
	c.connections = make(map[string]*namespaceConnection)
	c.mu.Unlock()

	for ns, nc := range conns {
		c.logger.Debug("Closing connection to %s namespace", ns)
		nc.close()
	}
	return nil
}

func (c *Client) listModels(ctx context.Context, namespace, endpoint string) ([]Model, error) {
	nc, err := c.getConnection(ctx, namespace)
	if err != nil {
		return nil, err
	}
	raw, err := nc.RemoteCall(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var models []Model
	if err := json.Unmarshal(raw, &models); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", endpoint, err)
	}
	return models, nil
}

// ListLoadedLLMs returns models currently loaded into memory.
func (c *Client) ListLoadedLLMs(ctx context.Context) ([]Model, error) {
	models, err := c.listModels(ctx, LLMNamespace, ModelListLoadedEndpoint)
	if err != nil {
		return nil, err
	}
	for i := range models {
		models[i].IsLoaded = true
	}
	return models, nil
}

// ListDownloadedModels returns every model on disk, marking loaded ones.
func (c *Client) ListDownloadedModels(ctx context.Context) ([]Model, error) {
	models, err := c.listModels(ctx, SystemAPINamespace, ModelListDownloadedEndpoint)
	if err != nil {
		return nil, err
	}
	loaded, err := c.ListLoadedLLMs(ctx)
	if err != nil {
		c.logger.Warn("Failed to list loaded models: %v", err)
		return models, nil
	}
	for i := range models {
		for _, l := range loaded {
			if l.ModelKey == models[i].ModelKey || l.Identifier == models[i].ModelKey {
				models[i].IsLoaded = true
				break
			}
		}
	}
	return models, nil
}

// FindDownloaded returns the downloaded model that key names.
func (c *Client) FindDownloaded(ctx context.Context, key string) (Model, error) {
	models, err := c.ListDownloadedModels(ctx)
	if err != nil {
		return Model{}, err
	}
	for _, m := range models {
		if m.matches(key) {
			return m, nil
		}
	}
	return Model{}, fmt.Errorf("%w: %s", ErrModelUnavailable, key)
}

// FindLoaded returns the loaded instance named by identifier.
func (c *Client) FindLoaded(ctx context.Context, identifier string) (Model, bool, error) {
	loaded, err := c.ListLoadedLLMs(ctx)
	if err != nil {
		return Model{}, false, err
	}
	for _, m := range loaded {
		if m.matches(identifier) {
			return m, true, nil
		}
	}
	return Model{}, false, nil
}

// LoadModel loads modelKey into memory, reporting progress until it is
// ready. An already loaded model reports 1 and returns immediately.
func (c *Client) LoadModel(ctx context.Context, modelKey string, onProgress ProgressFunc) (LoadedModel, error) {
	if m, ok, err := c.FindLoaded(ctx, modelKey); err == nil && ok {
		c.logger.Debug("Model %s is already loaded", modelKey)
		if onProgress != nil {
			onProgress(1)
		}
		return LoadedModel{Identifier: m.Identifier, InstanceReference: m.InstanceReference, ModelKey: m.ModelKey}, nil
	}

	nc, err := c.getConnection(ctx, LLMNamespace)
	if err != nil {
		return LoadedModel{}, err
	}
	ch, err := nc.openChannel(ModelLoadEndpoint, loadCreation{
		ModelKey:        modelKey,
		Identifier:      modelKey,
		LoadConfigStack: loadConfigStack{Layers: []any{}},
	})
	if err != nil {
		return LoadedModel{}, err
	}
	c.logger.Info("Loading model %s", modelKey)
	info, err := (&loadChannel{ch: ch, modelKey: modelKey, onUpdate: onProgress}).wait(ctx)
	if err != nil {
		return LoadedModel{}, err
	}
	c.logger.Info("Model %s loaded as %s", modelKey, info.Identifier)
	return info, nil
}

// UnloadModel unloads the instance with the given identifier.
func (c *Client) UnloadModel(ctx context.Context, identifier string) error {
	nc, err := c.getConnection(ctx, LLMNamespace)
	if err != nil {
		return err
	}
	c.logger.Debug("Sending unloadModel request for model: %s", identifier)
	if _, err := nc.RemoteCall(ctx, ModelUnloadEndpoint, map[string]string{"identifier": identifier}); err != nil {
		return err
	}
	c.logger.Debug("Successfully unloaded model: %s", identifier)
	return nil
}

// UnloadAllModels unloads every loaded LLM, returning the joined failures.
func (c *Client) UnloadAllModels(ctx context.Context) error {
	loaded, err := c.ListLoadedLLMs(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range loaded {
		id := m.Identifier
		if id == "" {
			id = m.ModelKey
		}
		if err := c.UnloadModel(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("unload %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// CheckStatus reports whether LM Studio accepts connections and answers
// API calls. An unreachable service is (false, nil).
func (c *Client) CheckStatus(ctx context.Context) (bool, error) {
	nc, err := c.getConnection(ctx, SystemAPINamespace)
	if err != nil {
		c.logger.Debug("LM Studio not reachable: %v", err)
		return false, nil
	}
	if _, err := nc.RemoteCall(ctx, ModelListDownloadedEndpoint, nil); err != nil {
		return false, fmt.Errorf("service is running but API is not responding correctly: %w", err)
	}
	return true, nil
}

// Predict streams a completion for messages from the loaded instance.
func (c *Client) Predict(ctx context.Context, instanceRef string, messages []ChatMessage, cfg PredictionConfig, onFragment FragmentFunc) (PredictResult, error) {
	nc, err := c.getConnection(ctx, LLMNamespace)
	if err != nil {
		return PredictResult{}, err
	}
	ch, err := nc.openChannel(ModelChatEndpoint, newPredictCreation(instanceRef, messages, cfg))
	if err != nil {
		return PredictResult{}, err
	}
	c.logger.Debug("Streaming prediction from %s (%d messages)", instanceRef, len(messages))
	return stream(ctx, ch, onFragment)
}
