package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypernetix/fullmoon-go/internal/metrics"
	"github.com/hypernetix/fullmoon-go/internal/store"
	"github.com/hypernetix/fullmoon-go/pkg/backend"
	"github.com/hypernetix/fullmoon-go/pkg/catalog"
	"github.com/hypernetix/fullmoon-go/pkg/dispatch"
	"github.com/hypernetix/fullmoon-go/pkg/generation"
	"github.com/hypernetix/fullmoon-go/pkg/lifecycle"
	"github.com/hypernetix/fullmoon-go/pkg/loader"
	"github.com/hypernetix/fullmoon-go/pkg/logging"
	"github.com/hypernetix/fullmoon-go/pkg/progress"
	"github.com/hypernetix/fullmoon-go/pkg/prompt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type handle string

func (h handle) ModelID() string { return string(h) }

// wordBackend loads instantly and answers with a fixed sentence.
type wordBackend struct {
	words []string
	// failAfter makes the stream fail once that many words were sent
	failAfter int
}

func (b *wordBackend) FetchAsset(_ context.Context, desc catalog.ModelDescriptor, progress chan<- float64) (backend.Asset, error) {
	progress <- 0.5
	progress <- 1
	return backend.Asset{ModelID: desc.ID}, nil
}

func (b *wordBackend) Initialize(_ context.Context, asset backend.Asset) (backend.Handle, error) {
	return handle(asset.ModelID), nil
}

func (b *wordBackend) PrepareInput(_ context.Context, _ backend.Handle, messages []prompt.Message) (backend.Input, error) {
	return backend.Input{Messages: messages}, nil
}

func (b *wordBackend) StreamGenerate(_ context.Context, _ backend.Handle, _ backend.Input, _ backend.Params, onTokens backend.TokenFunc) (backend.Result, error) {
	var tokens []backend.Token
	for i, w := range b.words {
		if b.failAfter > 0 && i == b.failAfter {
			return backend.Result{TokenCount: len(tokens)}, errors.New("metal device lost")
		}
		tokens = append(tokens, backend.Token{ID: i, Text: w})
		if onTokens(tokens) == backend.Stop {
			break
		}
	}
	return backend.Result{TokenCount: len(tokens)}, nil
}

func (b *wordBackend) Decode(_ backend.Handle, tokens []backend.Token) string {
	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		parts = append(parts, t.Text)
	}
	return strings.Join(parts, " ")
}

type fixture struct {
	router  *gin.Engine
	store   *store.Store
	monitor *lifecycle.Monitor
	coord   *loader.Coordinator
	backend *wordBackend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	logger := logging.Nop()
	b := &wordBackend{words: []string{"the", "moon", "is", "full", "tonight"}}
	monitor := lifecycle.New(true)
	tracker := progress.NewTracker(nil, nil, logger)
	coord := loader.New(b, catalog.Builtin(), tracker, monitor,
		loader.WithLogger(logger), loader.WithObserver(m))
	disp := dispatch.New(dispatch.Deps{
		Store:              st,
		Loader:             coord,
		Backend:            b,
		Generation:         generation.DefaultConfig(),
		GenerationObserver: m,
		Logger:             logger,
	})

	router := NewRouter(Deps{
		Coordinator: coord,
		Tracker:     tracker,
		Dispatcher:  disp,
		Lifecycle:   monitor,
		Gatherer:    reg,
		Defaults: Defaults{
			Source:       dispatch.SourceLocal,
			ModelID:      catalog.Llama3_2_1B_4bit.ID,
			SystemPrompt: "you are a helpful assistant",
		},
		LoadTimeout: 5 * time.Second,
		Logger:      logger,
	})
	return &fixture{router: router, store: st, monitor: monitor, coord: coord, backend: b}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

type sseEvent struct {
	Name string
	Data map[string]any
}

func parseEvents(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.Data))
			}
		}
		events = append(events, ev)
	}
	return events
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/v2/nothing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/v1/load", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestModelsListsCatalog(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Models []modelView `json:"models"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Models, len(catalog.Builtin().All()))

	var defaults int
	for _, m := range resp.Models {
		if m.Default {
			defaults++
			assert.Equal(t, catalog.Builtin().Default().ID, m.ID)
		}
		assert.False(t, m.Loaded)
		assert.NotEmpty(t, m.Behavior)
	}
	assert.Equal(t, 1, defaults)
}

func TestLoadThenStatus(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/v1/load", loadRequest{Model: catalog.Qwen3_4B_4bit.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"state":"loaded"`)

	w = f.do(http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		Load       loader.Status     `json:"load"`
		Progress   progress.Snapshot `json:"progress"`
		Generating bool              `json:"generating"`
		Foreground bool              `json:"foreground"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "loaded", status.Load.Name)
	assert.Equal(t, catalog.Qwen3_4B_4bit.ID, status.Load.ModelID)
	assert.True(t, status.Progress.Loaded)
	assert.False(t, status.Generating)
	assert.True(t, status.Foreground)

	w = f.do(http.MethodGet, "/v1/models", nil)
	assert.Contains(t, w.Body.String(), `"loaded":true`)
}

func TestLoadDefaultsModel(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/v1/load", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, catalog.Llama3_2_1B_4bit.ID, f.coord.State().ModelID)
}

func TestLoadErrors(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/load", loadRequest{Model: "nobody/unknown"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "model not found")

	w = f.do(http.MethodPost, "/v1/load", loadRequest{Resume: true})
	assert.Equal(t, http.StatusConflict, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/load", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoadStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{loader.ErrModelNotFound, http.StatusNotFound},
		{loader.ErrBackgroundSuspended, http.StatusConflict},
		{loader.ErrSuperseded, http.StatusConflict},
		{loader.ErrInitializationTimeout, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{loader.ErrTransientFetch, http.StatusBadGateway},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, loadStatusCode(tc.err), tc.err.Error())
	}
}

func TestGenerateStreamsAndStores(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/v1/generate", generateRequest{ConversationID: "c1", Prompt: "how is the moon"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseEvents(t, w.Body.String())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "done", last.Name)
	assert.Equal(t, "the moon is full tonight", last.Data["text"])
	assert.NotEmpty(t, last.Data["turnId"])
	assert.Nil(t, last.Data["error"])

	turns, err := f.store.Turns(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, prompt.RoleUser, turns[0].Role)
	assert.Equal(t, "how is the moon", turns[0].Text)
	assert.Equal(t, "the moon is full tonight", turns[1].Text)
}

func TestGenerateFailureIsReportedInDoneEvent(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/v1/generate", generateRequest{ConversationID: "c1", Prompt: "hi", Model: "nobody/unknown"})
	require.Equal(t, http.StatusOK, w.Code)

	events := parseEvents(t, w.Body.String())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "done", last.Name)
	assert.Contains(t, last.Data["error"], "model not found")
}

func TestGenerateFailureCarriesPartialText(t *testing.T) {
	f := newFixture(t)
	f.backend.failAfter = 2
	w := f.do(http.MethodPost, "/v1/generate", generateRequest{ConversationID: "c1", Prompt: "hi"})
	require.Equal(t, http.StatusOK, w.Code)

	events := parseEvents(t, w.Body.String())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "done", last.Name)
	assert.Contains(t, last.Data["error"], "metal device lost")
	assert.Equal(t, "the moon", last.Data["partial"])
}

func TestGenerateValidation(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/generate", map[string]string{"prompt": "hi"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/v1/generate", generateRequest{ConversationID: "c1", Source: "satellite"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/v1/generate", generateRequest{ConversationID: "c1", Source: "remote"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "no remote server configured")
}

func TestStopWhenIdle(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/v1/stop", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"stopped":false}`, w.Body.String())
}

func TestLifecycleToggle(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/v1/lifecycle", map[string]bool{"foreground": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.monitor.Foreground())

	w = f.do(http.MethodPost, "/v1/lifecycle", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, f.monitor.Foreground())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/load", nil).Code)

	w := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fullmoon_model_load_attempts_total")
}
