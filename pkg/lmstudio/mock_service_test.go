package lmstudio

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type inboundFrame struct {
	Type              string          `json:"type"`
	Endpoint          string          `json:"endpoint"`
	CallID            int             `json:"callId"`
	ChannelID         int             `json:"channelId"`
	Parameter         json.RawMessage `json:"parameter"`
	CreationParameter json.RawMessage `json:"creationParameter"`
	Message           json.RawMessage `json:"message"`
}

// mockService is an in-process LM Studio websocket API.
type mockService struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	models    []Model
	loaded    map[string]bool
	progress  []float64
	fragments []string
	loadError string
	holdLoad  bool
	histories []predictCreation
	cancelled []int
	unloaded  []string
}

func newMockService(t *testing.T) *mockService {
	t.Helper()
	m := &mockService{
		t: t,
		models: []Model{
			{ModelKey: "mock-model-0.5B", Path: "/mock/path/mock-model-0.5B", Type: "llm"},
			{ModelKey: "mock-model-7B", Path: "/mock/path/mock-model-7B", Type: "llm"},
			{ModelKey: "llama-3.2-1b-instruct", Path: "mlx-community/Llama-3.2-1B-Instruct-4bit", Type: "llm"},
		},
		loaded:    map[string]bool{"mock-model-7B": true},
		progress:  []float64{0.1, 0.3, 0.5, 0.3, 0.7, 0.9, 1.0},
		fragments: []string{"Hello", ", ", "world", "!"},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockService) host() string {
	return strings.TrimPrefix(m.server.URL, "http://")
}

func (m *mockService) client(t *testing.T) *Client {
	c := NewClient(m.host(), newTestLogger())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func instanceRef(key string) string { return "ref-" + key }

func (m *mockService) loadedModels() []Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Model
	for _, model := range m.models {
		if m.loaded[model.ModelKey] {
			model.Identifier = model.ModelKey
			model.InstanceReference = instanceRef(model.ModelKey)
			out = append(out, model)
		}
	}
	return out
}

func (m *mockService) serve(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	var auth map[string]any
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if err := conn.WriteJSON(map[string]any{"success": true}); err != nil {
		return
	}

	var writeMu sync.Mutex
	write := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteJSON(v)
	}
	cancels := make(map[int]chan struct{})
	var cancelMu sync.Mutex
	cancelSignal := func(id int) chan struct{} {
		cancelMu.Lock()
		defer cancelMu.Unlock()
		ch, ok := cancels[id]
		if !ok {
			ch = make(chan struct{})
			cancels[id] = ch
		}
		return ch
	}

	for {
		var f inboundFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch {
		case f.Type == "rpcCall":
			m.handleCall(f, write)
		case f.Type == "channelCreate" && f.Endpoint == ModelLoadEndpoint:
			go m.handleLoad(f, write, cancelSignal(f.ChannelID))
		case f.Type == "channelCreate" && f.Endpoint == ModelChatEndpoint:
			go m.handlePredict(f, write)
		case f.Type == "channelSend":
			var msg struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(f.Message, &msg)
			if msg.Type == "cancel" {
				m.mu.Lock()
				m.cancelled = append(m.cancelled, f.ChannelID)
				m.mu.Unlock()
				sig := cancelSignal(f.ChannelID)
				select {
				case <-sig:
				default:
					close(sig)
				}
			}
		case f.Type == "channelClose":
		default:
			m.t.Logf("mock service: unhandled %s %s", f.Type, f.Endpoint)
		}
	}
}

func (m *mockService) handleCall(f inboundFrame, write func(any)) {
	reply := func(result any) {
		write(map[string]any{"type": "rpcResult", "callId": f.CallID, "result": result})
	}
	switch f.Endpoint {
	case ModelListLoadedEndpoint:
		loaded := m.loadedModels()
		if loaded == nil {
			loaded = []Model{}
		}
		reply(loaded)
	case ModelListDownloadedEndpoint:
		m.mu.Lock()
		models := append([]Model(nil), m.models...)
		m.mu.Unlock()
		reply(models)
	case ModelUnloadEndpoint:
		var p struct {
			Identifier string `json:"identifier"`
		}
		_ = json.Unmarshal(f.Parameter, &p)
		m.mu.Lock()
		known := m.loaded[p.Identifier]
		delete(m.loaded, p.Identifier)
		m.unloaded = append(m.unloaded, p.Identifier)
		m.mu.Unlock()
		if !known {
			write(map[string]any{"type": "rpcError", "callId": f.CallID, "error": map[string]any{"title": "no model " + p.Identifier}})
			return
		}
		reply(map[string]any{"success": true})
	default:
		write(map[string]any{"type": "rpcError", "callId": f.CallID, "error": map[string]any{"title": "unknown endpoint"}})
	}
}

func (m *mockService) handleLoad(f inboundFrame, write func(any), cancelled <-chan struct{}) {
	var p loadCreation
	_ = json.Unmarshal(f.CreationParameter, &p)

	m.mu.Lock()
	loadErr, hold, steps := m.loadError, m.holdLoad, append([]float64(nil), m.progress...)
	found := false
	for _, model := range m.models {
		if model.ModelKey == p.ModelKey {
			found = true
		}
	}
	m.mu.Unlock()

	if !found || loadErr != "" {
		title := loadErr
		if title == "" {
			title = "Model not found"
		}
		write(map[string]any{"type": "channelError", "channelId": f.ChannelID, "error": map[string]any{"title": title}})
		return
	}
	for i, step := range steps {
		write(map[string]any{
			"type":      "channelSend",
			"channelId": f.ChannelID,
			"message":   map[string]any{"type": "progress", "progress": step},
		})
		if hold && i == 0 {
			select {
			case <-cancelled:
			case <-time.After(5 * time.Second):
			}
			return
		}
	}
	m.mu.Lock()
	m.loaded[p.ModelKey] = true
	m.mu.Unlock()
	write(map[string]any{
		"type":      "channelSend",
		"channelId": f.ChannelID,
		"message": map[string]any{
			"type": "success",
			"info": map[string]any{"identifier": p.Identifier, "instanceReference": instanceRef(p.ModelKey)},
		},
	})
}

func (m *mockService) handlePredict(f inboundFrame, write func(any)) {
	var p predictCreation
	_ = json.Unmarshal(f.CreationParameter, &p)

	m.mu.Lock()
	m.histories = append(m.histories, p)
	fragments := append([]string(nil), m.fragments...)
	known := false
	for key := range m.loaded {
		if instanceRef(key) == p.ModelSpecifier.InstanceReference {
			known = true
		}
	}
	m.mu.Unlock()

	if !known {
		write(map[string]any{"type": "channelError", "channelId": f.ChannelID, "content": map[string]any{"error": map[string]any{"title": "Model not loaded"}}})
		return
	}
	for _, text := range fragments {
		write(map[string]any{
			"type":      "channelSend",
			"channelId": f.ChannelID,
			"message":   map[string]any{"type": "fragment", "fragment": map[string]any{"content": text}},
		})
	}
	write(map[string]any{"type": "channelSend", "channelId": f.ChannelID, "message": map[string]any{"type": "success"}})
	write(map[string]any{"type": "channelClose", "channelId": f.ChannelID})
}

func (m *mockService) failLoads(title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadError = title
}

// holdLoads makes load channels stop after the first progress frame until
// the client cancels.
func (m *mockService) holdLoads() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdLoad = true
}

func (m *mockService) recordedHistories() []predictCreation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]predictCreation(nil), m.histories...)
}

func (m *mockService) cancelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancelled)
}

func (m *mockService) unloadedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.unloaded...)
}
