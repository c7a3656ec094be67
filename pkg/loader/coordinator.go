// Package loader owns the single loaded model handle and drives a model
// from the catalog through fetch and initialization.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/hypernetix/fullmoon-go/pkg/backend"
	"github.com/hypernetix/fullmoon-go/pkg/catalog"
	"github.com/hypernetix/fullmoon-go/pkg/logging"
	"github.com/hypernetix/fullmoon-go/pkg/progress"
)

var tracer = otel.Tracer("fullmoon.loader")

// State is the coarse coordinator state.
type State int

const (
	Idle State = iota
	Loading
	Loaded
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State   State  `json:"-"`
	Name    string `json:"state"`
	ModelID string `json:"modelId,omitempty"`
}

// Policy bounds a single load.
type Policy struct {
	// MaxAttempts is the number of fetch attempts, including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt; it doubles
	// for every following one.
	InitialBackoff time.Duration
	// InitTimeout bounds backend initialization after a successful fetch.
	InitTimeout time.Duration
	// PauseThreshold is the fraction at which a backgrounded fetch is
	// suspended.
	PauseThreshold float64
}

// DefaultPolicy returns the stock load policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		InitTimeout:    5 * time.Second,
		PauseThreshold: 0.80,
	}
}

// Lifecycle reports whether the application may keep loading.
type Lifecycle interface {
	Foreground() bool
	Subscribe() (<-chan bool, func())
}

// Observer receives load telemetry. Implementations must be safe for
// concurrent use.
type Observer interface {
	LoadAttempt(modelID string)
	LoadRetry(modelID string)
	LoadFinished(modelID string, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) LoadAttempt(string)                         {}
func (nopObserver) LoadRetry(string)                           {}
func (nopObserver) LoadFinished(string, time.Duration, error) {}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy overrides DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Coordinator) { c.logger = logging.OrDefault(l) }
}

// WithObserver sets the telemetry sink.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = sleep }
}

// flight is one shared load. It outlives any single caller and is
// abandoned once no caller waits for it.
type flight struct {
	key     string
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Coordinator caches at most one initialized model. Loads of the same
// model are shared between callers; loads of different models run one at
// a time.
type Coordinator struct {
	backend   backend.Backend
	catalog   *catalog.Catalog
	tracker   *progress.Tracker
	lifecycle Lifecycle
	policy    Policy
	logger    logging.Logger
	observer  Observer
	sleep     func(ctx context.Context, d time.Duration) error

	group singleflight.Group
	sem   *semaphore.Weighted

	mu           sync.Mutex
	state        State
	handle       backend.Handle
	loadingID    string
	epoch        uint64
	cancelFlight context.CancelFunc
	flights      map[string]*flight
	flightSeq    uint64
}

// New creates a coordinator in the Idle state.
func New(b backend.Backend, cat *catalog.Catalog, tracker *progress.Tracker, lc Lifecycle, opts ...Option) *Coordinator {
	c := &Coordinator{
		backend:   b,
		catalog:   cat,
		tracker:   tracker,
		lifecycle: lc,
		policy:    DefaultPolicy(),
		logger:    logging.Default(),
		observer:  nopObserver{},
		sleep:     sleepContext,
		sem:       semaphore.NewWeighted(1),
		flights:   make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load returns the handle for modelID, loading it if needed.
func (c *Coordinator) Load(ctx context.Context, modelID string) (backend.Handle, error) {
	desc, ok := c.catalog.Lookup(modelID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}

	c.mu.Lock()
	if c.state == Loaded && c.handle != nil && c.handle.ModelID() == desc.ID {
		h := c.handle
		c.mu.Unlock()
		return h, nil
	}
	epoch := c.epoch
	f := c.join(ctx, fmt.Sprintf("%s#%d", desc.ID, epoch))
	c.mu.Unlock()
	defer c.leave(f)

	ch := c.group.DoChan(f.key, func() (interface{}, error) {
		return c.lead(f.ctx, desc, epoch)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.logger.Debug("Joined in-flight load of %s", desc.ID)
		}
		return res.Val.(backend.Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// join registers a waiter on the flight for id, starting a new flight
// when there is none or the previous one was abandoned. The flight runs
// under ctx's values but not its cancellation. Called with c.mu held.
func (c *Coordinator) join(ctx context.Context, id string) *flight {
	f := c.flights[id]
	if f == nil || f.ctx.Err() != nil {
		c.flightSeq++
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{key: fmt.Sprintf("%s.%d", id, c.flightSeq), ctx: fctx, cancel: cancel}
		c.flights[id] = f
	}
	f.waiters++
	return f
}

// leave drops a waiter. The last one out cancels the flight.
func (c *Coordinator) leave(f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	for id, cur := range c.flights {
		if cur == f {
			delete(c.flights, id)
		}
	}
}

// SwitchModel drops the current handle, abandons any in-flight load and
// loads modelID from zero progress.
func (c *Coordinator) SwitchModel(ctx context.Context, modelID string) (backend.Handle, error) {
	if _, ok := c.catalog.Lookup(modelID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}

	c.mu.Lock()
	c.epoch++
	if c.cancelFlight != nil {
		c.cancelFlight()
		c.cancelFlight = nil
	}
	previous := c.handle
	c.handle = nil
	c.state = Idle
	c.loadingID = ""
	c.tracker.Reset()
	c.mu.Unlock()

	c.release(previous)
	return c.Load(ctx, modelID)
}

// Resume reloads the model recorded by the last failed attempt.
func (c *Coordinator) Resume(ctx context.Context) (backend.Handle, error) {
	rec, ok, err := c.tracker.PendingResume()
	if err != nil {
		return nil, fmt.Errorf("read resume record: %w", err)
	}
	if !ok {
		return nil, ErrNothingToResume
	}
	c.logger.Info("Resuming load of %s from %d%%", rec.ModelID, int(rec.LastFraction*100))
	return c.Load(ctx, rec.ModelID)
}

// Current returns the loaded handle or nil.
func (c *Coordinator) Current() backend.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Loaded {
		return nil
	}
	return c.handle
}

// State reports the coordinator state and the model it concerns.
func (c *Coordinator) State() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state, Name: c.state.String()}
	switch c.state {
	case Loaded:
		st.ModelID = c.handle.ModelID()
	case Loading:
		st.ModelID = c.loadingID
	}
	return st
}

func (c *Coordinator) lead(ctx context.Context, desc catalog.ModelDescriptor, epoch uint64) (backend.Handle, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	ctx, span := tracer.Start(ctx, "loader.Load",
		trace.WithAttributes(attribute.String("model.id", desc.ID)))
	defer span.End()

	flightCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return nil, ErrSuperseded
	}
	if c.state == Loaded && c.handle != nil && c.handle.ModelID() == desc.ID {
		h := c.handle
		c.mu.Unlock()
		return h, nil
	}
	previous := c.handle
	c.handle = nil
	c.state = Loading
	c.loadingID = desc.ID
	c.cancelFlight = cancel
	c.tracker.Begin(desc.ID, desc.DisplayName)
	c.mu.Unlock()

	c.release(previous)

	c.logger.Info("Loading model %s", desc.ID)
	start := time.Now()
	handle, err := c.run(flightCtx, desc, epoch)
	elapsed := time.Since(start)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		if err == nil {
			c.release(handle)
		}
		c.logger.Debug("Discarding superseded load of %s", desc.ID)
		return nil, ErrSuperseded
	}
	c.cancelFlight = nil
	c.loadingID = ""
	if err != nil {
		c.state = Idle
		c.tracker.Fail(desc.ID, err)
	} else {
		c.state = Loaded
		c.handle = handle
		c.tracker.Complete()
	}
	c.mu.Unlock()

	c.observer.LoadFinished(desc.ID, elapsed, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("Failed to load model %s: %v", desc.ID, err)
		return nil, err
	}
	c.logger.Info("Model %s loaded in %v", desc.ID, elapsed.Round(time.Millisecond))
	return handle, nil
}

func (c *Coordinator) run(ctx context.Context, desc catalog.ModelDescriptor, epoch uint64) (backend.Handle, error) {
	asset, err := c.fetchWithRetry(ctx, desc, epoch)
	if err != nil {
		return nil, err
	}
	if !c.lifecycle.Foreground() {
		c.suspend(desc, epoch)
		return nil, fmt.Errorf("%w: %s fetched but not initialized", ErrBackgroundSuspended, desc.ID)
	}
	return c.initialize(ctx, asset)
}

func (c *Coordinator) fetchWithRetry(ctx context.Context, desc catalog.ModelDescriptor, epoch uint64) (backend.Asset, error) {
	attempts := c.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := c.policy.InitialBackoff

	for attempt := 1; ; attempt++ {
		c.observer.LoadAttempt(desc.ID)
		asset, err := c.fetch(ctx, desc, epoch)
		if err == nil {
			return asset, nil
		}
		if attempt >= attempts || !Retryable(err) {
			return backend.Asset{}, err
		}
		c.logger.Warn("Fetch of %s failed (attempt %d/%d), retrying in %v: %v",
			desc.ID, attempt, attempts, backoff, err)
		c.observer.LoadRetry(desc.ID)
		if err := c.sleep(ctx, backoff); err != nil {
			return backend.Asset{}, err
		}
		backoff *= 2
	}
}

func (c *Coordinator) fetch(ctx context.Context, desc catalog.ModelDescriptor, epoch uint64) (backend.Asset, error) {
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan float64, 16)
	suspended := make(chan bool, 1)
	go func() {
		suspended <- c.forward(updates, desc, epoch, cancel)
	}()

	asset, err := c.backend.FetchAsset(fetchCtx, desc, updates)
	close(updates)

	if <-suspended {
		return backend.Asset{}, fmt.Errorf("%w: %s", ErrBackgroundSuspended, desc.ID)
	}
	if err != nil {
		if ctx.Err() != nil {
			return backend.Asset{}, fmt.Errorf("fetch %s: %w", desc.ID, ctx.Err())
		}
		if errors.Is(err, backend.ErrAssetUnavailable) {
			return backend.Asset{}, fmt.Errorf("%w: %w", ErrModelNotFound, err)
		}
		return backend.Asset{}, fmt.Errorf("%w: %s: %w", ErrTransientFetch, desc.ID, err)
	}
	return asset, nil
}

// forward is the only writer of fetch progress for one attempt. It reports
// whether it suspended the fetch.
func (c *Coordinator) forward(updates <-chan float64, desc catalog.ModelDescriptor, epoch uint64, cancel context.CancelFunc) bool {
	events, unsubscribe := c.lifecycle.Subscribe()
	defer unsubscribe()

	var last float64
	suspended := false
	gate := func() {
		if suspended || last < c.policy.PauseThreshold || c.lifecycle.Foreground() {
			return
		}
		suspended = true
		c.logger.Info("Suspending load of %s at %d%% while in background", desc.ID, int(last*100))
		c.suspend(desc, epoch)
		cancel()
	}

	for {
		select {
		case f, ok := <-updates:
			if !ok {
				return suspended
			}
			if f > last {
				last = f
			}
			c.mu.Lock()
			if c.epoch == epoch {
				c.tracker.Update(f)
			}
			c.mu.Unlock()
			gate()
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			gate()
		}
	}
}

func (c *Coordinator) suspend(desc catalog.ModelDescriptor, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch == epoch {
		c.tracker.Suspend(SuspendedStatus(desc.DisplayName))
	}
}

// SuspendedStatus is the status shown while a load waits for the
// foreground.
func SuspendedStatus(displayName string) string {
	return fmt.Sprintf("Return to fullmoon to finish loading %s", displayName)
}

type initResult struct {
	handle backend.Handle
	err    error
}

func (c *Coordinator) initialize(ctx context.Context, asset backend.Asset) (backend.Handle, error) {
	results := make(chan initResult, 1)
	go func() {
		h, err := c.backend.Initialize(ctx, asset)
		results <- initResult{handle: h, err: err}
	}()

	timer := time.NewTimer(c.policy.InitTimeout)
	defer timer.Stop()

	select {
	case r := <-results:
		if r.err != nil {
			return nil, fmt.Errorf("initialize %s: %w", asset.ModelID, r.err)
		}
		return r.handle, nil
	case <-timer.C:
		go c.discard(results)
		return nil, fmt.Errorf("%w after %v: %s", ErrInitializationTimeout, c.policy.InitTimeout, asset.ModelID)
	case <-ctx.Done():
		go c.discard(results)
		return nil, ctx.Err()
	}
}

func (c *Coordinator) discard(results <-chan initResult) {
	r := <-results
	if r.err == nil {
		c.release(r.handle)
	}
}

func (c *Coordinator) release(h backend.Handle) {
	if h == nil {
		return
	}
	r, ok := h.(backend.Releaser)
	if !ok {
		return
	}
	if err := r.Release(context.Background()); err != nil {
		c.logger.Warn("Failed to release model %s: %v", h.ModelID(), err)
	}
}
