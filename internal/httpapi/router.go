// Package httpapi serves the local fullmoon HTTP API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hypernetix/fullmoon-go/pkg/backend"
	"github.com/hypernetix/fullmoon-go/pkg/catalog"
	"github.com/hypernetix/fullmoon-go/pkg/dispatch"
	"github.com/hypernetix/fullmoon-go/pkg/lifecycle"
	"github.com/hypernetix/fullmoon-go/pkg/loader"
	"github.com/hypernetix/fullmoon-go/pkg/logging"
	"github.com/hypernetix/fullmoon-go/pkg/progress"
	"github.com/hypernetix/fullmoon-go/pkg/remote"
)

const heartbeatInterval = 15 * time.Second

// Coordinator is the part of loader.Coordinator the API drives.
type Coordinator interface {
	Load(ctx context.Context, modelID string) (backend.Handle, error)
	SwitchModel(ctx context.Context, modelID string) (backend.Handle, error)
	Resume(ctx context.Context) (backend.Handle, error)
	State() loader.Status
}

// Defaults fill generate requests that leave fields empty.
type Defaults struct {
	Source       dispatch.Source
	ModelID      string
	SystemPrompt string
	Profile      remote.Profile
	HasProfile   bool
	RemoteModel  string
}

type Deps struct {
	Catalog     *catalog.Catalog
	Coordinator Coordinator
	Tracker     *progress.Tracker
	Dispatcher  *dispatch.Dispatcher
	Lifecycle   *lifecycle.Monitor
	Gatherer    prometheus.Gatherer
	Defaults    Defaults
	LoadTimeout time.Duration
	Logger      logging.Logger
}

type handler struct {
	Deps
	logger logging.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Deps) *gin.Engine {
	h := &handler{Deps: deps, logger: logging.OrDefault(deps.Logger)}
	if h.Catalog == nil {
		h.Catalog = catalog.Builtin()
	}
	if h.LoadTimeout <= 0 {
		h.LoadTimeout = 10 * time.Minute
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), h.requestLog())
	r.NoRoute(func(c *gin.Context) { fail(c, http.StatusNotFound, "route not found") })
	r.NoMethod(func(c *gin.Context) { fail(c, http.StatusMethodNotAllowed, "method not allowed") })

	r.GET("/healthz", h.health)
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	v1.GET("/models", h.models)
	v1.GET("/status", h.status)
	v1.POST("/load", h.load)
	v1.POST("/generate", h.generate)
	v1.POST("/stop", h.stop)
	v1.POST("/lifecycle", h.lifecycle)
	return r
}

func (h *handler) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type modelView struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	SizeGB      *float64 `json:"sizeGB,omitempty"`
	Behavior    string   `json:"behavior"`
	Default     bool     `json:"default"`
	Loaded      bool     `json:"loaded"`
}

func (h *handler) models(c *gin.Context) {
	def := h.Catalog.Default().ID
	current := ""
	if h.Coordinator != nil {
		if st := h.Coordinator.State(); st.State == loader.Loaded {
			current = st.ModelID
		}
	}
	var out []modelView
	for _, m := range h.Catalog.All() {
		out = append(out, modelView{
			ID:          m.ID,
			DisplayName: m.DisplayName,
			SizeGB:      m.ApproximateSizeGB,
			Behavior:    m.Behavior.String(),
			Default:     m.ID == def,
			Loaded:      m.ID == current,
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

func (h *handler) status(c *gin.Context) {
	resp := gin.H{}
	if h.Coordinator != nil {
		resp["load"] = h.Coordinator.State()
	}
	if h.Tracker != nil {
		resp["progress"] = h.Tracker.Snapshot()
		if rec, ok, err := h.Tracker.PendingResume(); err == nil && ok {
			resp["resume"] = rec
		}
	}
	if h.Dispatcher != nil {
		resp["generating"] = h.Dispatcher.Running()
	}
	if h.Lifecycle != nil {
		resp["foreground"] = h.Lifecycle.Foreground()
	}
	c.JSON(http.StatusOK, resp)
}

// loadStatusCode maps load errors to HTTP statuses.
func loadStatusCode(err error) int {
	switch {
	case errors.Is(err, loader.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, loader.ErrBackgroundSuspended), errors.Is(err, loader.ErrSuperseded),
		errors.Is(err, loader.ErrNothingToResume):
		return http.StatusConflict
	case errors.Is(err, loader.ErrInitializationTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, loader.ErrTransientFetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type loadRequest struct {
	Model  string `json:"model"`
	Switch bool   `json:"switch"`
	Resume bool   `json:"resume"`
}

func (h *handler) load(c *gin.Context) {
	if h.Coordinator == nil {
		fail(c, http.StatusServiceUnavailable, "local models are not available")
		return
	}
	var req loadRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if req.Model == "" {
		req.Model = h.Defaults.ModelID
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.LoadTimeout)
	defer cancel()

	var err error
	switch {
	case req.Resume:
		_, err = h.Coordinator.Resume(ctx)
	case req.Switch:
		_, err = h.Coordinator.SwitchModel(ctx, req.Model)
	default:
		_, err = h.Coordinator.Load(ctx, req.Model)
	}
	if err != nil {
		h.logger.Warn("Load of %s failed: %v", req.Model, err)
		c.JSON(loadStatusCode(err), gin.H{"error": dispatch.StatusText(err), "state": h.Coordinator.State()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.Coordinator.State()})
}

type generateRequest struct {
	ConversationID string `json:"conversationId" binding:"required"`
	Prompt         string `json:"prompt"`
	Source         string `json:"source"`
	Model          string `json:"model"`
	SystemPrompt   string `json:"systemPrompt"`
}

func (h *handler) buildRequest(body generateRequest) (dispatch.Request, error) {
	req := dispatch.Request{
		ConversationID: body.ConversationID,
		Prompt:         body.Prompt,
		Source:         h.Defaults.Source,
		ModelID:        body.Model,
		SystemPrompt:   body.SystemPrompt,
	}
	if body.Source != "" {
		src, err := dispatch.ParseSource(body.Source)
		if err != nil {
			return dispatch.Request{}, err
		}
		req.Source = src
	}
	if req.Source == "" {
		req.Source = dispatch.SourceLocal
	}
	if req.SystemPrompt == "" {
		req.SystemPrompt = h.Defaults.SystemPrompt
	}
	if req.Source == dispatch.SourceRemote {
		if !h.Defaults.HasProfile {
			return dispatch.Request{}, errors.New("no remote server configured")
		}
		req.Profile = h.Defaults.Profile
		if req.ModelID == "" {
			req.ModelID = h.Defaults.RemoteModel
		}
	} else if req.ModelID == "" {
		req.ModelID = h.Defaults.ModelID
	}
	return req, nil
}

// generate streams partial outputs as server-sent events and finishes with
// a done event carrying the stored reply.
func (h *handler) generate(c *gin.Context) {
	var body generateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	req, err := h.buildRequest(body)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if h.Dispatcher.Running() {
		fail(c, http.StatusConflict, dispatch.StatusText(dispatch.ErrBusy))
		return
	}

	// Only the newest partial output matters; older ones are dropped.
	updates := make(chan string, 1)
	req.OnUpdate = func(text string) {
		select {
		case updates <- text:
		default:
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- text:
			default:
			}
		}
	}
	done := make(chan dispatch.Response, 1)
	ctx := c.Request.Context()
	go func() { done <- h.Dispatcher.Generate(ctx, req) }()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeEvent := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"error\":\"json marshal failed\"}\n\n")
		} else {
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, b)
		}
		c.Writer.Flush()
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case text := <-updates:
			writeEvent("update", gin.H{"text": text})
		case <-ticker.C:
			writeEvent("ping", gin.H{"ts": time.Now().Unix()})
		case resp := <-done:
			select {
			case text := <-updates:
				writeEvent("update", gin.H{"text": text})
			default:
			}
			payload := gin.H{"text": resp.Text, "stat": resp.Stat, "turnId": resp.Turn.ID}
			if resp.Err != nil {
				payload["error"] = resp.Status
				if resp.Partial != "" {
					payload["partial"] = resp.Partial
				}
			}
			writeEvent("done", payload)
			return
		case <-ctx.Done():
			h.Dispatcher.Stop()
			<-done
			return
		}
	}
}

func (h *handler) stop(c *gin.Context) {
	running := h.Dispatcher.Running()
	h.Dispatcher.Stop()
	c.JSON(http.StatusAccepted, gin.H{"stopped": running})
}

type lifecycleRequest struct {
	Foreground *bool `json:"foreground" binding:"required"`
}

func (h *handler) lifecycle(c *gin.Context) {
	if h.Lifecycle == nil {
		fail(c, http.StatusServiceUnavailable, "lifecycle monitor not configured")
		return
	}
	var req lifecycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	h.Lifecycle.Set(*req.Foreground)
	c.JSON(http.StatusOK, gin.H{"foreground": h.Lifecycle.Foreground()})
}
