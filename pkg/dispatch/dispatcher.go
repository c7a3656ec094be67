// Package dispatch routes a generation request to the on-device model or
// to a remote server and writes the reply back to the conversation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hypernetix/fullmoon-go/pkg/backend"
	"github.com/hypernetix/fullmoon-go/pkg/catalog"
	"github.com/hypernetix/fullmoon-go/pkg/generation"
	"github.com/hypernetix/fullmoon-go/pkg/loader"
	"github.com/hypernetix/fullmoon-go/pkg/logging"
	"github.com/hypernetix/fullmoon-go/pkg/prompt"
	"github.com/hypernetix/fullmoon-go/pkg/remote"
)

// ErrBusy is returned when a generation is already running.
var ErrBusy = errors.New("a response is already being generated")

// Source selects where a reply is generated.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// ParseSource maps a config or flag value to a Source.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceLocal, "":
		return SourceLocal, nil
	case SourceRemote:
		return SourceRemote, nil
	default:
		return "", fmt.Errorf("unknown source %q", s)
	}
}

// Store holds conversations. Turns are returned in any order.
type Store interface {
	Turns(ctx context.Context, conversationID string) ([]prompt.Turn, error)
	AppendTurn(ctx context.Context, conversationID string, turn prompt.Turn) (prompt.Turn, error)
}

// Loader provides loaded model handles.
type Loader interface {
	Load(ctx context.Context, modelID string) (backend.Handle, error)
}

// Streamer generates remote replies.
type Streamer interface {
	Stream(ctx context.Context, profile remote.Profile, model string, messages []prompt.Message, onUpdate remote.UpdateFunc) (string, error)
}

// Request asks for one assistant reply.
type Request struct {
	ConversationID string
	// Prompt, when set, is appended as a user turn before generating.
	Prompt       string
	Source       Source
	ModelID      string
	Profile      remote.Profile
	SystemPrompt string
	OnUpdate     func(text string)
}

// Response is the outcome of Generate. Text is what was stored as the
// assistant turn; on failure it is the user-visible status and Partial
// holds whatever was generated before the failure.
type Response struct {
	Turn    prompt.Turn
	Text    string
	Partial string
	Stat    string
	Status  string
	Err     error
}

// Deps wires a Dispatcher.
type Deps struct {
	Store              Store
	Catalog            *catalog.Catalog
	Loader             Loader
	Backend            backend.Backend
	Remote             Streamer
	Generation         generation.Config
	GenerationObserver generation.Observer
	Logger             logging.Logger
}

// Dispatcher runs at most one generation at a time.
type Dispatcher struct {
	store   Store
	catalog *catalog.Catalog
	loader  Loader
	session *generation.Session
	remote  Streamer
	logger  logging.Logger
	now     func() time.Time

	mu           sync.Mutex
	active       bool
	activeSource Source
	activeConv   string
	onUpdate     func(string)
	cancelRemote context.CancelFunc
}

// New creates a dispatcher and the generation session it owns.
func New(deps Deps) *Dispatcher {
	d := &Dispatcher{
		store:   deps.Store,
		catalog: deps.Catalog,
		loader:  deps.Loader,
		remote:  deps.Remote,
		logger:  logging.OrDefault(deps.Logger),
		now:     time.Now,
	}
	if d.catalog == nil {
		d.catalog = catalog.Builtin()
	}
	opts := []generation.Option{generation.WithOutput(d.publishLocal)}
	if deps.GenerationObserver != nil {
		opts = append(opts, generation.WithObserver(deps.GenerationObserver))
	}
	d.session = generation.NewSession(deps.Backend, deps.Generation, d.logger, opts...)
	return d
}

// Session exposes the local generation session.
func (d *Dispatcher) Session() *generation.Session {
	return d.session
}

// Running reports whether a generation is in progress.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Stop cancels the active generation. Local runs stop at their next token,
// including a run that has not started because its model is still loading.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return
	}
	switch d.activeSource {
	case SourceRemote:
		if d.cancelRemote != nil {
			d.cancelRemote()
		}
	default:
		d.session.Stop()
	}
}

// Generate produces one assistant reply for req.ConversationID and appends
// it to the store, failures included.
func (d *Dispatcher) Generate(ctx context.Context, req Request) Response {
	if req.Source == "" {
		req.Source = SourceLocal
	}

	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return Response{Status: StatusText(ErrBusy), Err: ErrBusy}
	}
	d.active = true
	d.activeSource = req.Source
	d.activeConv = req.ConversationID
	d.onUpdate = req.OnUpdate
	d.session.Reset()
	if req.Source == SourceRemote {
		ctx, d.cancelRemote = context.WithCancel(ctx)
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.cancelRemote != nil {
			d.cancelRemote()
			d.cancelRemote = nil
		}
		d.active = false
		d.onUpdate = nil
		d.activeConv = ""
		d.mu.Unlock()
	}()

	if req.Prompt != "" {
		if _, err := d.store.AppendTurn(ctx, req.ConversationID, prompt.Turn{
			Role:      prompt.RoleUser,
			Text:      req.Prompt,
			CreatedAt: d.now(),
		}); err != nil {
			err = fmt.Errorf("append prompt to %s: %w", req.ConversationID, err)
			return Response{Status: StatusText(err), Err: err}
		}
	}

	turns, err := d.store.Turns(ctx, req.ConversationID)
	if err != nil {
		err = fmt.Errorf("read conversation %s: %w", req.ConversationID, err)
		return Response{Status: StatusText(err), Err: err}
	}

	start := d.now()
	var resp Response
	switch req.Source {
	case SourceRemote:
		resp = d.generateRemote(ctx, req, turns)
	default:
		resp = d.generateLocal(ctx, req, turns)
	}
	elapsed := d.now().Sub(start)

	if resp.Err != nil {
		resp.Status = StatusText(resp.Err)
		if resp.Text == "" {
			resp.Text = resp.Status
		}
		d.logger.Warn("Generation for %s failed: %v", req.ConversationID, resp.Err)
	}
	if errors.Is(resp.Err, ErrBusy) {
		return resp
	}

	turn, err := d.store.AppendTurn(context.WithoutCancel(ctx), req.ConversationID, prompt.Turn{
		Role:               prompt.RoleAssistant,
		Text:               resp.Text,
		CreatedAt:          d.now(),
		GenerationDuration: &elapsed,
	})
	if err != nil {
		d.logger.Error("Failed to store reply for %s: %v", req.ConversationID, err)
		if resp.Err == nil {
			resp.Err = fmt.Errorf("append reply to %s: %w", req.ConversationID, err)
			resp.Status = StatusText(resp.Err)
		}
		return resp
	}
	resp.Turn = turn
	return resp
}

func (d *Dispatcher) generateLocal(ctx context.Context, req Request, turns []prompt.Turn) Response {
	desc, ok := d.catalog.Lookup(req.ModelID)
	if !ok {
		return Response{Err: fmt.Errorf("%w: %s", loader.ErrModelNotFound, req.ModelID)}
	}
	handle, err := d.loader.Load(ctx, desc.ID)
	if err != nil {
		return Response{Err: err}
	}

	messages := prompt.Assemble(turns, req.SystemPrompt, desc.Behavior)
	res := d.session.Run(ctx, req.ConversationID, handle, messages, backend.Params{})
	switch {
	case res.Busy:
		return Response{Err: ErrBusy}
	case res.Err != nil:
		return Response{Text: res.Output, Partial: res.Partial, Err: res.Err}
	}
	return Response{Text: res.Output, Stat: d.session.Stat()}
}

func (d *Dispatcher) generateRemote(ctx context.Context, req Request, turns []prompt.Turn) Response {
	messages := prompt.Assemble(turns, req.SystemPrompt, catalog.Regular)
	text, err := d.remote.Stream(ctx, req.Profile, req.ModelID, messages, req.OnUpdate)
	if err != nil {
		// a stopped stream keeps what arrived, like a stopped local run
		if errors.Is(ctx.Err(), context.Canceled) && text != "" {
			return Response{Text: text}
		}
		return Response{Partial: text, Err: err}
	}
	return Response{Text: text}
}

func (d *Dispatcher) publishLocal(conversationID, output string) {
	d.mu.Lock()
	fn := d.onUpdate
	current := d.activeConv
	d.mu.Unlock()
	if fn != nil && current == conversationID {
		fn(output)
	}
}

// StatusText converts an error from any stage into the message shown to
// the user.
func StatusText(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBusy):
		return "A response is already being generated."
	case errors.Is(err, loader.ErrModelNotFound):
		return "Failed: " + err.Error()
	case errors.Is(err, loader.ErrBackgroundSuspended):
		return "Model loading paused while fullmoon was in the background. Return to the app to continue."
	case errors.Is(err, loader.ErrInitializationTimeout):
		return "Failed: the model could not be initialized on this device in time."
	case errors.Is(err, loader.ErrTransientFetch):
		return "Failed to download model: " + err.Error()
	case errors.Is(err, generation.ErrBackendGeneration):
		return "Failed: " + err.Error()
	case errors.Is(err, remote.ErrRemoteTransport):
		return "Failed to reach server: " + err.Error()
	case errors.Is(err, remote.ErrRemoteProtocol):
		return "Server error: " + err.Error()
	case errors.Is(err, context.Canceled):
		return "Cancelled."
	default:
		return "Failed: " + err.Error()
	}
}
