// Package generation runs one streaming generation at a time against a
// loaded model and publishes the partial output at a fixed token cadence.
package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hypernetix/fullmoon-go/pkg/backend"
	"github.com/hypernetix/fullmoon-go/pkg/logging"
	"github.com/hypernetix/fullmoon-go/pkg/prompt"
)

var tracer = otel.Tracer("fullmoon.generation")

// ErrBackendGeneration wraps failures reported by the backend during a run.
var ErrBackendGeneration = errors.New("generation failed")

// Config holds run limits.
type Config struct {
	// DisplayEvery is the publish cadence in tokens.
	DisplayEvery int
	// MaxTokens is the hard ceiling per run.
	MaxTokens    int
	Temperature  float64
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		DisplayEvery: 4,
		MaxTokens:    4096,
		Temperature:  0.5,
	}
}

// Result is the outcome of one Run. A Run rejected because another is
// active returns an empty Result with Busy set.
type Result struct {
	ConversationID  string
	Busy            bool
	Output          string
	Partial         string // last decoded text before a failure
	TokenCount      int
	TokensPerSecond float64
	Duration        time.Duration
	Stopped         bool
	Err             error
}

// Observer receives generation telemetry.
type Observer interface {
	GenerationFinished(modelID string, tokens int, tokensPerSecond float64, err error)
}

// OutputFunc receives every published output, in order.
type OutputFunc func(conversationID, output string)

// Option configures a Session.
type Option func(*Session)

// WithObserver sets the telemetry sink.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

// WithOutput registers the output callback.
func WithOutput(fn OutputFunc) Option {
	return func(s *Session) { s.onOutput = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session allows at most one active run.
type Session struct {
	backend  backend.Backend
	cfg      Config
	logger   logging.Logger
	observer Observer
	onOutput OutputFunc
	now      func() time.Time

	stopFlag atomic.Bool

	mu      sync.Mutex
	running bool
	convID  string
	output  string
	stat    string
}

// NewSession creates an idle session.
func NewSession(b backend.Backend, cfg Config, logger logging.Logger, opts ...Option) *Session {
	def := DefaultConfig()
	if cfg.DisplayEvery <= 0 {
		cfg.DisplayEvery = def.DisplayEvery
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	s := &Session{
		backend: b,
		cfg:     cfg,
		logger:  logging.OrDefault(logger),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stop asks the active run to finish at its next token. A stop requested
// before the run starts ends it at its first token; Reset discards it.
func (s *Session) Stop() {
	s.stopFlag.Store(true)
}

// Reset discards a pending stop. Callers invoke it when a new request is
// accepted, before loading the model.
func (s *Session) Reset() {
	s.stopFlag.Store(false)
}

// Running reports whether a run is active.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Output returns the last published output.
func (s *Session) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

// Stat returns the throughput line of the last completed run.
func (s *Session) Stat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stat
}

// Run streams a reply to messages. A nil Temperature and a zero MaxTokens
// in params fall back to the session config; a zero Seed is replaced by
// the current time so repeated runs diverge. The stop flag is cleared when
// the run ends.
func (s *Session) Run(ctx context.Context, conversationID string, handle backend.Handle, messages []prompt.Message, params backend.Params) Result {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debug("Generation already running for %s, ignoring run for %s", s.convID, conversationID)
		return Result{ConversationID: conversationID, Busy: true}
	}
	s.running = true
	s.convID = conversationID
	s.output = ""
	s.stat = ""
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.stopFlag.Store(false)
		s.mu.Unlock()
	}()

	if params.Temperature == nil {
		temp := s.cfg.Temperature
		params.Temperature = &temp
	}
	if params.MaxTokens <= 0 || params.MaxTokens > s.cfg.MaxTokens {
		params.MaxTokens = s.cfg.MaxTokens
	}
	if params.Seed == 0 {
		params.Seed = uint64(s.now().UnixMilli())
	}

	ctx, span := tracer.Start(ctx, "generation.Run",
		trace.WithAttributes(
			attribute.String("model.id", handle.ModelID()),
			attribute.String("conversation.id", conversationID),
		))
	defer span.End()

	res := s.generate(ctx, conversationID, handle, messages, params)
	span.SetAttributes(attribute.Int("tokens", res.TokenCount))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	if s.observer != nil {
		s.observer.GenerationFinished(handle.ModelID(), res.TokenCount, res.TokensPerSecond, res.Err)
	}
	return res
}

func (s *Session) generate(ctx context.Context, conversationID string, handle backend.Handle, messages []prompt.Message, params backend.Params) Result {
	res := Result{ConversationID: conversationID}
	start := s.now()

	input, err := s.backend.PrepareInput(ctx, handle, messages)
	if err != nil {
		return s.fail(res, err)
	}

	var tokens []backend.Token
	_, err = s.backend.StreamGenerate(ctx, handle, input, params, func(ts []backend.Token) backend.Directive {
		tokens = ts
		n := len(ts)
		if n%s.cfg.DisplayEvery == 0 {
			s.publish(conversationID, s.backend.Decode(handle, ts))
		}
		if n >= params.MaxTokens {
			return backend.Stop
		}
		if s.stopFlag.Load() {
			res.Stopped = true
			return backend.Stop
		}
		return backend.More
	})
	res.TokenCount = len(tokens)
	res.Duration = s.now().Sub(start)
	if err != nil {
		res.Partial = s.backend.Decode(handle, tokens)
		return s.fail(res, err)
	}

	res.Output = s.backend.Decode(handle, tokens)
	if secs := res.Duration.Seconds(); secs > 0 {
		res.TokensPerSecond = float64(res.TokenCount) / secs
	}
	stat := FormatStat(res.TokensPerSecond)

	s.mu.Lock()
	s.output = res.Output
	s.stat = stat
	s.mu.Unlock()
	s.emit(conversationID, res.Output)

	s.logger.Debug("Generated %d tokens for %s in %v (%.3f tok/s)", res.TokenCount, conversationID, res.Duration, res.TokensPerSecond)
	return res
}

func (s *Session) fail(res Result, err error) Result {
	res.Err = fmt.Errorf("%w: %w", ErrBackendGeneration, err)
	res.Output = FailureText(err)
	s.logger.Error("Generation for %s failed: %v", res.ConversationID, err)
	s.publish(res.ConversationID, res.Output)
	return res
}

func (s *Session) publish(conversationID, output string) {
	s.mu.Lock()
	s.output = output
	s.mu.Unlock()
	s.emit(conversationID, output)
}

func (s *Session) emit(conversationID, output string) {
	if s.onOutput != nil {
		s.onOutput(conversationID, output)
	}
}

// FormatStat renders the throughput line.
func FormatStat(tokensPerSecond float64) string {
	return fmt.Sprintf(" Tokens/second: %.3f", tokensPerSecond)
}

// FailureText renders a backend failure as run output.
func FailureText(err error) string {
	return "Failed: " + err.Error()
}
