package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hypernetix/fullmoon-go/internal/config"
	"github.com/hypernetix/fullmoon-go/internal/metrics"
	"github.com/hypernetix/fullmoon-go/internal/settings"
	"github.com/hypernetix/fullmoon-go/internal/store"
	"github.com/hypernetix/fullmoon-go/pkg/catalog"
	"github.com/hypernetix/fullmoon-go/pkg/dispatch"
	"github.com/hypernetix/fullmoon-go/pkg/lifecycle"
	"github.com/hypernetix/fullmoon-go/pkg/lmstudio"
	"github.com/hypernetix/fullmoon-go/pkg/loader"
	"github.com/hypernetix/fullmoon-go/pkg/logging"
	"github.com/hypernetix/fullmoon-go/pkg/progress"
	"github.com/hypernetix/fullmoon-go/pkg/remote"
)

// app holds the components a command opened. Everything is created on
// first use and closed by close.
type app struct {
	out    io.Writer
	errOut io.Writer
	cfg    config.Config
	logger logging.Logger

	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	settings   *settings.Store
	store      *store.Store
	lmClient   *lmstudio.Client
	monitor    *lifecycle.Monitor
	tracker    *progress.Tracker
	coord      *loader.Coordinator
	backend    *lmstudio.Backend
	remote     *remote.Client
	dispatcher *dispatch.Dispatcher
}

func (a *app) close() {
	logger := logging.OrDefault(a.logger)
	if a.tracker != nil {
		a.tracker.End()
	}
	if a.lmClient != nil {
		_ = a.lmClient.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("Failed to close chat database: %v", err)
		}
	}
	if a.settings != nil {
		if err := a.settings.Close(); err != nil {
			logger.Warn("Failed to close settings: %v", err)
		}
	}
}

func (a *app) observer() *metrics.Metrics {
	if a.metrics == nil {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.New(a.registry)
	}
	return a.metrics
}

func (a *app) openSettings() (*settings.Store, error) {
	if a.settings == nil {
		s, err := settings.Open(settings.Options{Dir: a.cfg.SettingsDir(), Logger: a.logger})
		if err != nil {
			return nil, err
		}
		a.settings = s
	}
	return a.settings, nil
}

func (a *app) openStore() (*store.Store, error) {
	if a.store == nil {
		s, err := store.Open(a.cfg.DBPath())
		if err != nil {
			return nil, err
		}
		a.store = s
	}
	return a.store, nil
}

// lmStudio returns a client for the configured server, discovering one on
// the local network when no host or port is set.
func (a *app) lmStudio(ctx context.Context) (*lmstudio.Client, error) {
	if a.lmClient != nil {
		return a.lmClient, nil
	}
	host := a.cfg.LMStudioHost()
	if host == "" {
		a.logger.Debug("Host and port not explicitly set, attempting to discover LM Studio server...")
		found, err := lmstudio.Discover(ctx, a.cfg.LMStudio.Host, a.cfg.LMStudio.Port, a.logger)
		if err != nil {
			return nil, fmt.Errorf("could not discover LM Studio server, try to set host and port explicitly: %w", err)
		}
		a.logger.Debug("Discovered LM Studio server at %s", found)
		host = found
	}
	a.lmClient = lmstudio.NewClient(host, a.logger)
	return a.lmClient, nil
}

// localStack wires the coordinator for on-device generation. surface may
// be nil.
func (a *app) localStack(ctx context.Context, surface progress.Surface) (*loader.Coordinator, error) {
	if a.coord != nil {
		return a.coord, nil
	}
	client, err := a.lmStudio(ctx)
	if err != nil {
		return nil, err
	}
	st, err := a.openSettings()
	if err != nil {
		return nil, err
	}

	var opts []lmstudio.BackendOption
	for id, key := range a.cfg.LMStudio.ModelKeys {
		opts = append(opts, lmstudio.WithModelKey(id, key))
	}
	a.backend = lmstudio.NewBackend(client, a.logger, opts...)
	if a.monitor == nil {
		a.monitor = lifecycle.New(true)
	}
	a.tracker = progress.NewTracker(surface, st, a.logger)
	a.coord = loader.New(a.backend, catalog.Builtin(), a.tracker, a.monitor,
		loader.WithPolicy(a.cfg.LoadPolicy()),
		loader.WithLogger(a.logger),
		loader.WithObserver(a.observer()),
	)
	return a.coord, nil
}

func (a *app) remoteClient() *remote.Client {
	if a.remote == nil {
		a.remote = remote.NewClient(a.cfg.RemoteConfig(), a.logger, remote.WithObserver(a.observer()))
	}
	return a.remote
}

// openDispatcher wires the dispatcher. The local stack is only built when
// local is set, so remote chats work without LM Studio.
func (a *app) openDispatcher(ctx context.Context, local bool, surface progress.Surface) (*dispatch.Dispatcher, error) {
	if a.dispatcher != nil {
		return a.dispatcher, nil
	}
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	deps := dispatch.Deps{
		Store:              st,
		Catalog:            catalog.Builtin(),
		Remote:             a.remoteClient(),
		Generation:         a.cfg.GenerationConfig(),
		GenerationObserver: a.observer(),
		Logger:             a.logger,
	}
	if local {
		coord, err := a.localStack(ctx, surface)
		if err != nil {
			return nil, err
		}
		deps.Loader = coord
		deps.Backend = a.backend
	}
	a.dispatcher = dispatch.New(deps)
	return a.dispatcher, nil
}

// localModel picks the model for local generation: the explicit id, then
// the persisted selection, then the configured default.
func (a *app) localModel(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if st, err := a.openSettings(); err == nil {
		if id, err := st.SelectedModel(); err == nil && id != "" {
			if _, ok := catalog.Builtin().Lookup(id); ok {
				return id
			}
		}
	}
	return a.cfg.Model
}

// recordLoaded persists a successfully loaded model as selected and
// installed.
func (a *app) recordLoaded(modelID string) {
	st, err := a.openSettings()
	if err != nil {
		a.logger.Warn("Failed to open settings: %v", err)
		return
	}
	if err := errors.Join(st.SetSelectedModel(modelID), st.AddInstalledModel(modelID)); err != nil {
		a.logger.Warn("Failed to record %s as installed: %v", modelID, err)
	}
}

// remoteTarget resolves the profile and model for a remote chat.
func (a *app) remoteTarget(model string) (remote.Profile, string, error) {
	profile, ok := a.cfg.SelectedProfile()
	if !ok {
		return remote.Profile{}, "", errors.New("no remote server configured, add one under remote.profiles")
	}
	if model == "" {
		model = a.cfg.Remote.Model
	}
	if model == "" {
		return remote.Profile{}, "", errors.New("no remote model selected, pass --model or set remote.model")
	}
	return profile, model, nil
}
