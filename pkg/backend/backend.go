// Package backend defines the contract between the generation core and an
// inference runtime that can fetch, initialize and stream from a model.
package backend

import (
	"context"
	"errors"

	"github.com/hypernetix/fullmoon-go/pkg/catalog"
	"github.com/hypernetix/fullmoon-go/pkg/prompt"
)

// ErrAssetUnavailable is returned by FetchAsset when the runtime can never
// provide the model. Callers do not retry it.
var ErrAssetUnavailable = errors.New("model asset unavailable")

// Asset is a fetched, not yet initialized model.
type Asset struct {
	ModelID string
	// Location is backend specific: a path, an instance reference, a key.
	Location string
}

// Handle is an initialized model ready for generation. Handles are shared
// between callers and must not be mutated after Initialize returns.
type Handle interface {
	ModelID() string
}

// Releaser is implemented by handles that hold resources beyond the
// lifetime of the coordinator's cached state.
type Releaser interface {
	Release(ctx context.Context) error
}

// Token is one unit emitted by the runtime.
type Token struct {
	ID   int
	Text string
}

// Input is a prepared, backend-specific prompt.
type Input struct {
	Messages []prompt.Message
	// Encoded is set by backends that tokenize up front.
	Encoded []int
}

// Params are the sampling parameters for one run.
type Params struct {
	// Temperature is nil when the caller has no preference. Zero asks for
	// greedy decoding.
	Temperature *float64
	MaxTokens   int
	Seed        uint64
}

// Directive is returned from the token callback.
type Directive int

const (
	More Directive = iota
	Stop
)

// Result describes a finished stream.
type Result struct {
	TokenCount int
}

// TokenFunc receives every token emitted so far, oldest first.
type TokenFunc func(tokens []Token) Directive

// Backend is an inference runtime.
type Backend interface {
	// FetchAsset downloads or locates the model. Progress fractions in [0,1]
	// may be sent on progress; the backend must not close it. Returning
	// early when ctx is cancelled is required.
	FetchAsset(ctx context.Context, desc catalog.ModelDescriptor, progress chan<- float64) (Asset, error)
	Initialize(ctx context.Context, asset Asset) (Handle, error)
	PrepareInput(ctx context.Context, handle Handle, messages []prompt.Message) (Input, error)
	StreamGenerate(ctx context.Context, handle Handle, input Input, params Params, onTokens TokenFunc) (Result, error)
	Decode(handle Handle, tokens []Token) string
}
