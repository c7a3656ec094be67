package lmstudio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hypernetix/fullmoon-go/pkg/logging"
)

// ErrConnectionLost is returned to callers waiting on a connection whose
// read loop has stopped.
var ErrConnectionLost = errors.New("lmstudio connection lost")

// wireError is the error object LM Studio attaches to rpcError and
// channelError messages.
type wireError struct {
	Title     string `json:"title,omitempty"`
	RootTitle string `json:"rootTitle,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (e *wireError) String() string {
	switch {
	case e == nil:
		return "unknown error"
	case e.Title != "":
		return e.Title
	case e.Message != "":
		return e.Message
	case e.RootTitle != "":
		return e.RootTitle
	default:
		return "unknown error"
	}
}

type channelContent struct {
	Error *wireError `json:"error,omitempty"`
}

// envelope is one inbound websocket frame.
type envelope struct {
	Type      string          `json:"type"`
	CallID    *int            `json:"callId,omitempty"`
	ChannelID *int            `json:"channelId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *wireError      `json:"error,omitempty"`
	Content   *channelContent `json:"content,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
}

// failure returns the error carried by an rpcError or channelError frame.
func (e envelope) failure() string {
	if e.Error != nil {
		return e.Error.String()
	}
	if e.Content != nil && e.Content.Error != nil {
		return e.Content.Error.String()
	}
	return "unknown error"
}

// channelMessage is the payload of a channelSend frame.
type channelMessage struct {
	Type     string       `json:"type"`
	Progress float64      `json:"progress,omitempty"`
	Token    string       `json:"token,omitempty"`
	Fragment *fragment    `json:"fragment,omitempty"`
	Info     *LoadedModel `json:"info,omitempty"`
}

type fragment struct {
	Content string `json:"content"`
}

// namespaceConnection is an authenticated websocket to one LM Studio namespace.
type namespaceConnection struct {
	logger    logging.Logger
	namespace string
	conn      *websocket.Conn

	writeMu sync.Mutex

	mu           sync.Mutex
	nextID       int
	pendingCalls map[int]chan envelope
	channels     map[int]*channel
	done         chan struct{}
	err          error
}

func newNamespaceConnection(namespace string, logger logging.Logger) *namespaceConnection {
	return &namespaceConnection{
		logger:       logger,
		namespace:    namespace,
		pendingCalls: make(map[int]chan envelope),
		channels:     make(map[int]*channel),
		done:         make(chan struct{}),
	}
}

// namespaceURL builds the websocket URL for apiHost, which may carry an
// http:// or https:// scheme.
func namespaceURL(apiHost, namespace string) url.URL {
	scheme := "ws"
	switch {
	case strings.HasPrefix(apiHost, "https://"):
		scheme = "wss"
		apiHost = strings.TrimPrefix(apiHost, "https://")
	case strings.HasPrefix(apiHost, "http://"):
		apiHost = strings.TrimPrefix(apiHost, "http://")
	}
	return url.URL{Scheme: scheme, Host: strings.TrimSuffix(apiHost, "/"), Path: "/" + namespace}
}

// connect dials and authenticates, retrying up to MaxConnectionRetries.
func (nc *namespaceConnection) connect(ctx context.Context, apiHost string) error {
	u := namespaceURL(apiHost, nc.namespace)
	dialer := websocket.Dialer{HandshakeTimeout: HandshakeTimeout}

	var conn *websocket.Conn
	var err error
	for attempt := 1; attempt <= MaxConnectionRetries; attempt++ {
		if attempt > 1 {
			nc.logger.Info("Connection attempt %d/%d after waiting %s...", attempt, MaxConnectionRetries, ConnectionRetryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ConnectionRetryDelay):
			}
		}
		nc.logger.Debug("Connecting to %s", u.String())
		conn, _, err = dialer.DialContext(ctx, u.String(), nil)
		if err == nil {
			break
		}
		nc.logger.Error("Connection attempt failed: %v", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to LM Studio after %d attempts: %w", MaxConnectionRetries, err)
	}

	if err := nc.authenticate(conn); err != nil {
		conn.Close()
		return err
	}
	nc.conn = conn
	go nc.readLoop()

	nc.logger.Debug("Successfully connected and authenticated to %s namespace", nc.namespace)
	return nil
}

func (nc *namespaceConnection) authenticate(conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return fmt.Errorf("failed to set read deadline: %w", err)
	}
	auth := struct {
		AuthVersion      int    `json:"authVersion"`
		ClientIdentifier string `json:"clientIdentifier"`
		ClientPasskey    string `json:"clientPasskey"`
	}{LMStudioAPIVersion, uuid.NewString(), uuid.NewString()}

	nc.logger.Debug("Sending authentication message to %s", nc.namespace)
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("failed to send authentication message: %w", err)
	}

	var resp struct {
		Success bool            `json:"success"`
		Error   json.RawMessage `json:"error,omitempty"`
	}
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	if !resp.Success {
		msg := "unknown error"
		if len(resp.Error) > 0 {
			msg = string(resp.Error)
		}
		return fmt.Errorf("authentication failed: %s", msg)
	}
	return conn.SetReadDeadline(time.Time{})
}

// alive reports whether the read loop is still running.
func (nc *namespaceConnection) alive() bool {
	select {
	case <-nc.done:
		return false
	default:
		return true
	}
}

func (nc *namespaceConnection) send(v any) error {
	nc.writeMu.Lock()
	defer nc.writeMu.Unlock()
	return nc.conn.WriteJSON(v)
}

func (nc *namespaceConnection) readLoop() {
	defer func() {
		nc.mu.Lock()
		if nc.err == nil {
			nc.err = ErrConnectionLost
		}
		nc.pendingCalls = make(map[int]chan envelope)
		nc.channels = make(map[int]*channel)
		nc.mu.Unlock()
		close(nc.done)
	}()

	for {
		var env envelope
		if err := nc.conn.ReadJSON(&env); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				nc.logger.Debug("Connection to %s closed", nc.namespace)
			} else {
				nc.logger.Debug("Read from %s failed: %v", nc.namespace, err)
			}
			nc.mu.Lock()
			nc.err = fmt.Errorf("%w: %w", ErrConnectionLost, err)
			nc.mu.Unlock()
			return
		}
		nc.logger.Trace("Received %s frame on %s", env.Type, nc.namespace)
		nc.route(env)
	}
}

func (nc *namespaceConnection) route(env envelope) {
	switch env.Type {
	case "rpcResult", "rpcError":
		if env.CallID == nil {
			nc.logger.Warn("Dropping %s without callId", env.Type)
			return
		}
		nc.mu.Lock()
		ch, ok := nc.pendingCalls[*env.CallID]
		delete(nc.pendingCalls, *env.CallID)
		nc.mu.Unlock()
		if !ok {
			nc.logger.Debug("No pending call %d for %s", *env.CallID, env.Type)
			return
		}
		ch <- env
	case "channelSend", "channelError", "channelClose":
		if env.ChannelID == nil {
			nc.logger.Warn("Dropping %s without channelId", env.Type)
			return
		}
		nc.mu.Lock()
		ch, ok := nc.channels[*env.ChannelID]
		nc.mu.Unlock()
		if !ok {
			nc.logger.Debug("Dropping %s for closed channel %d", env.Type, *env.ChannelID)
			return
		}
		ch.deliver(env)
	default:
		nc.logger.Debug("Ignoring %s frame on %s", env.Type, nc.namespace)
	}
}

// RemoteCall performs an rpcCall and returns the raw result.
func (nc *namespaceConnection) RemoteCall(ctx context.Context, endpoint string, params any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, RPCTimeout)
		defer cancel()
	}

	reply := make(chan envelope, 1)
	nc.mu.Lock()
	nc.nextID++
	callID := nc.nextID
	nc.pendingCalls[callID] = reply
	nc.mu.Unlock()

	forget := func() {
		nc.mu.Lock()
		delete(nc.pendingCalls, callID)
		nc.mu.Unlock()
	}

	call := map[string]any{
		"type":     "rpcCall",
		"endpoint": endpoint,
		"callId":   callID,
	}
	if params != nil {
		call["parameter"] = params
	}
	nc.logger.Debug("Calling %s/%s (call %d)", nc.namespace, endpoint, callID)
	if err := nc.send(call); err != nil {
		forget()
		return nil, fmt.Errorf("failed to send %s call: %w", endpoint, err)
	}

	select {
	case env := <-reply:
		if env.Type == "rpcError" {
			return nil, fmt.Errorf("%s failed: %s", endpoint, env.failure())
		}
		return env.Result, nil
	case <-nc.done:
		forget()
		return nil, nc.lostErr()
	case <-ctx.Done():
		forget()
		return nil, fmt.Errorf("%s: %w", endpoint, ctx.Err())
	}
}

func (nc *namespaceConnection) lostErr() error {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.err != nil {
		return nc.err
	}
	return ErrConnectionLost
}

// openChannel registers a channel and sends channelCreate.
func (nc *namespaceConnection) openChannel(endpoint string, creation any) (*channel, error) {
	nc.mu.Lock()
	nc.nextID++
	ch := &channel{
		id:       nc.nextID,
		endpoint: endpoint,
		nc:       nc,
		events:   make(chan envelope, 16),
		closed:   make(chan struct{}),
	}
	nc.channels[ch.id] = ch
	nc.mu.Unlock()

	err := nc.send(map[string]any{
		"type":              "channelCreate",
		"endpoint":          endpoint,
		"channelId":         ch.id,
		"creationParameter": creation,
	})
	if err != nil {
		ch.close(false)
		return nil, fmt.Errorf("failed to create %s channel: %w", endpoint, err)
	}
	nc.logger.Debug("Opened %s channel %d", endpoint, ch.id)
	return ch, nil
}

func (nc *namespaceConnection) close() {
	if nc.conn == nil {
		return
	}
	nc.writeMu.Lock()
	_ = nc.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	nc.writeMu.Unlock()
	nc.conn.Close()
	<-nc.done
}

// channel is one LM Studio channel (loadModel, predict) on a connection.
type channel struct {
	id       int
	endpoint string
	nc       *namespaceConnection
	events   chan envelope
	closed   chan struct{}
	once     sync.Once
}

// deliver hands a frame to the channel consumer. It blocks the read loop
// until the consumer takes it or the channel is closed.
func (ch *channel) deliver(env envelope) {
	select {
	case ch.events <- env:
	case <-ch.closed:
	}
}

// next waits for the next frame.
func (ch *channel) next(ctx context.Context) (envelope, error) {
	select {
	case env := <-ch.events:
		return env, nil
	case <-ch.nc.done:
		return envelope{}, ch.nc.lostErr()
	case <-ctx.Done():
		return envelope{}, ctx.Err()
	}
}

// cancel asks the server to abort the channel's work.
func (ch *channel) cancel() {
	err := ch.nc.send(map[string]any{
		"type":      "channelSend",
		"channelId": ch.id,
		"message":   map[string]string{"type": "cancel"},
	})
	if err != nil {
		ch.nc.logger.Debug("Failed to cancel %s channel %d: %v", ch.endpoint, ch.id, err)
	}
}

// close unregisters the channel and optionally tells the server.
func (ch *channel) close(notify bool) {
	ch.once.Do(func() {
		ch.nc.mu.Lock()
		delete(ch.nc.channels, ch.id)
		ch.nc.mu.Unlock()
		close(ch.closed)
		if notify && ch.nc.alive() {
			if err := ch.nc.send(map[string]any{"type": "channelClose", "channelId": ch.id}); err != nil {
				ch.nc.logger.Debug("Failed to close %s channel %d: %v", ch.endpoint, ch.id, err)
			}
		}
	})
}
