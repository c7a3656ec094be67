// Package remote streams chat completions from OpenAI-compatible servers.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hypernetix/fullmoon-go/pkg/logging"
	"github.com/hypernetix/fullmoon-go/pkg/prompt"
)

var tracer = otel.Tracer("fullmoon.remote")

var (
	// ErrRemoteTransport means the server could not be reached or the
	// connection broke mid-stream.
	ErrRemoteTransport = errors.New("remote transport failure")
	// ErrRemoteProtocol means the server answered with an error status or
	// an unusable body.
	ErrRemoteProtocol = errors.New("remote protocol error")
)

// Config holds request defaults.
type Config struct {
	Temperature float64
	MaxTokens   int
	// Timeout bounds the non-streaming calls (models, images).
	Timeout time.Duration
}

// DefaultConfig returns the stock request defaults.
func DefaultConfig() Config {
	return Config{
		Temperature: 0.5,
		MaxTokens:   4096,
		Timeout:     60 * time.Second,
	}
}

// Observer receives request telemetry.
type Observer interface {
	RemoteRequest(kind, outcome string)
}

// UpdateFunc receives the accumulated response after each fragment.
type UpdateFunc func(text string)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithObserver sets the telemetry sink.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// Client talks to remote servers described by a Profile. Failures are
// never retried.
type Client struct {
	http     *http.Client
	cfg      Config
	logger   logging.Logger
	observer Observer
}

// NewClient creates a client.
func NewClient(cfg Config, logger logging.Logger, opts ...Option) *Client {
	c := &Client{
		// no client timeout, streams may run for minutes
		http:   &http.Client{},
		cfg:    cfg,
		logger: logging.OrDefault(logger),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsImageModel reports whether model ids an image generation model.
func IsImageModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "dall-e")
}

func usesCompletionTokens(model string) bool {
	return strings.HasPrefix(model, "o1-")
}

// ReasoningStep renders a tool call announced by the server.
func ReasoningStep(name string) string {
	return fmt.Sprintf("\n\n> reasoning step: %s\n\n", name)
}

// Stream sends messages to {BaseURL}/chat/completions and streams the
// reply. onUpdate sees the accumulated text after every fragment. On error
// the text received so far is returned with it.
func (c *Client) Stream(ctx context.Context, profile Profile, model string, messages []prompt.Message, onUpdate UpdateFunc) (string, error) {
	ctx, span := tracer.Start(ctx, "remote.Stream",
		trace.WithAttributes(
			attribute.String("server.kind", string(profile.Kind)),
			attribute.String("model.id", model),
		))
	defer span.End()

	var (
		text string
		err  error
	)
	if IsImageModel(model) {
		text, err = c.generateImage(ctx, profile, model, messages)
		if err == nil && onUpdate != nil {
			onUpdate(text)
		}
	} else {
		text, err = c.streamChat(ctx, profile, model, messages, onUpdate)
	}

	c.record(profile.Kind, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("Remote request to %s (%s) failed: %v", profile.DisplayName, model, err)
	}
	return text, err
}

// ListModels returns the model ids served by the profile.
func (c *Client) ListModels(ctx context.Context, profile Profile) ([]string, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	list, err := c.openAI(profile).ListModels(ctx)
	if err != nil {
		err = classifyOpenAIError(err)
		c.record(profile.Kind, err)
		return nil, err
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	c.record(profile.Kind, nil)
	return ids, nil
}

func (c *Client) record(kind Kind, err error) {
	if c.observer == nil {
		return
	}
	outcome := "ok"
	switch {
	case errors.Is(err, ErrRemoteTransport):
		outcome = "transport_error"
	case errors.Is(err, ErrRemoteProtocol):
		outcome = "protocol_error"
	case err != nil:
		outcome = "error"
	}
	c.observer.RemoteRequest(string(kind), outcome)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

func (c *Client) openAI(profile Profile) *openai.Client {
	cfg := openai.DefaultConfig(profile.APIKey)
	cfg.BaseURL = strings.TrimRight(profile.BaseURL, "/")
	cfg.HTTPClient = c.http
	return openai.NewClientWithConfig(cfg)
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	if errors.As(err, &apiErr) || errors.As(err, &reqErr) {
		return fmt.Errorf("%w: %w", ErrRemoteProtocol, err)
	}
	return fmt.Errorf("%w: %w", ErrRemoteTransport, err)
}

func (c *Client) generateImage(ctx context.Context, profile Profile, model string, messages []prompt.Message) (string, error) {
	if err := profile.Validate(); err != nil {
		return "", err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.openAI(profile).CreateImage(ctx, openai.ImageRequest{
		Prompt:         strings.TrimSpace(prompt.LastUserText(messages)),
		Model:          model,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", fmt.Errorf("%w: image response carried no url", ErrRemoteProtocol)
	}
	return fmt.Sprintf("![image](%s)", resp.Data[0].URL), nil
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

func (c *Client) requestBody(profile Profile, model string, messages []prompt.Message) ([]byte, error) {
	if profile.Kind == KindOpenAI {
		req := openai.ChatCompletionRequest{
			Model:       model,
			Stream:      true,
			Temperature: float32(c.cfg.Temperature),
			Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
		}
		for _, m := range messages {
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
		}
		if usesCompletionTokens(model) {
			req.MaxCompletionTokens = c.cfg.MaxTokens
		} else {
			req.MaxTokens = c.cfg.MaxTokens
		}
		return json.Marshal(req)
	}

	req := chatRequest{
		Model:       model,
		Stream:      true,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Messages:    make([]wireMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	return json.Marshal(req)
}

func (c *Client) streamChat(ctx context.Context, profile Profile, model string, messages []prompt.Message, onUpdate UpdateFunc) (string, error) {
	if err := profile.Validate(); err != nil {
		return "", err
	}
	body, err := c.requestBody(profile, model, messages)
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %w", ErrRemoteProtocol, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, profile.Endpoint("chat/completions"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRemoteTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if profile.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+profile.APIKey)
	}

	c.logger.Debug("POST %s model=%s messages=%d", req.URL, model, len(messages))
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRemoteTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError(resp)
	}

	var out strings.Builder
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	for sc.Scan() {
		payload, ok := framePayload(sc.Text(), profile.Kind)
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			return out.String(), nil
		}
		if msg := errorMessage(payload); msg != "" {
			return out.String(), fmt.Errorf("%w: %s", ErrRemoteProtocol, msg)
		}

		delta, done, ok := parseFragment(payload, profile.Kind)
		if !ok {
			c.logger.Trace("Skipping unparsable stream line: %s", payload)
			continue
		}
		if delta != "" {
			out.WriteString(delta)
			if onUpdate != nil {
				onUpdate(out.String())
			}
		}
		if done {
			return out.String(), nil
		}
	}
	if err := sc.Err(); err != nil {
		return out.String(), fmt.Errorf("%w: %w", ErrRemoteTransport, err)
	}
	return out.String(), nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := errorMessage(string(raw))
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if msg == "" {
			return fmt.Errorf("%w: unauthorized (status %d)", ErrRemoteProtocol, resp.StatusCode)
		}
		return fmt.Errorf("%w: unauthorized (status %d): %s", ErrRemoteProtocol, resp.StatusCode, msg)
	}
	if msg == "" {
		return fmt.Errorf("%w: status %d", ErrRemoteProtocol, resp.StatusCode)
	}
	return fmt.Errorf("%w: status %d: %s", ErrRemoteProtocol, resp.StatusCode, msg)
}

// framePayload extracts the JSON carried by one stream line. Servers other
// than OpenAI may send bare JSON lines instead of SSE frames.
func framePayload(line string, kind Kind) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	if strings.HasPrefix(line, "data:") {
		return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
	}
	if kind != KindOpenAI && strings.HasPrefix(line, "{") {
		return line, true
	}
	return "", false
}

func errorMessage(payload string) string {
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &env); err != nil || len(env.Error) == 0 || string(env.Error) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(env.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(env.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(env.Error)
}

type compatFragment struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// parseFragment returns the content delta of one payload and whether the
// server marked the stream finished.
func parseFragment(payload string, kind Kind) (delta string, done bool, ok bool) {
	if kind == KindOpenAI {
		var chunk openai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return "", false, false
		}
		if len(chunk.Choices) == 0 {
			return "", false, true
		}
		d := chunk.Choices[0].Delta
		var sb strings.Builder
		sb.WriteString(d.Content)
		for _, call := range d.ToolCalls {
			if call.Function.Name != "" {
				sb.WriteString(ReasoningStep(call.Function.Name))
			}
		}
		return sb.String(), false, true
	}

	var frag compatFragment
	if err := json.Unmarshal([]byte(payload), &frag); err != nil {
		return "", false, false
	}
	if len(frag.Choices) > 0 {
		if c := frag.Choices[0].Delta.Content; c != "" {
			return c, false, true
		}
		return frag.Choices[0].Message.Content, false, true
	}
	if frag.Message != nil {
		return frag.Message.Content, frag.Done, true
	}
	return "", frag.Done, true
}
