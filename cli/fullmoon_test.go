package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypernetix/fullmoon-go/internal/config"
	"github.com/hypernetix/fullmoon-go/internal/store"
	"github.com/hypernetix/fullmoon-go/pkg/catalog"
	"github.com/hypernetix/fullmoon-go/pkg/logging"
	"github.com/hypernetix/fullmoon-go/pkg/progress"
	"github.com/hypernetix/fullmoon-go/pkg/prompt"
	"github.com/hypernetix/fullmoon-go/pkg/remote"
)

// runCLI runs the command line and returns stdout, stderr and the error.
func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

// writeConfig stores a config rooted in a temporary data directory.
func writeConfig(t *testing.T, edit func(*config.Config)) (string, config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Log.Level = "error"
	if edit != nil {
		edit(&cfg)
	}
	path := filepath.Join(cfg.DataDir, "config.yaml")
	require.NoError(t, config.Write(path, cfg))
	return path, cfg
}

// openAIServer serves a model list and a streamed chat completion.
func openAIServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"object":"list","data":[{"id":"gpt-4o","object":"model"},{"id":"dall-e-3","object":"model"}]}`)
		case "/chat/completions":
			w.Header().Set("Content-Type", "text/event-stream")
			for _, line := range []string{
				`data: {"choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
				`data: {"choices":[{"index":0,"delta":{"content":"lo!"}}]}`,
				`data: [DONE]`,
			} {
				fmt.Fprintf(w, "%s\n\n", line)
				w.(http.Flusher).Flush()
			}
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func withRemote(srv *httptest.Server) func(*config.Config) {
	return func(cfg *config.Config) {
		cfg.Remote.Profiles = []remote.Profile{remote.NewProfile(remote.KindOpenAI, "test server", srv.URL, "sk-test")}
		cfg.Remote.Model = "gpt-4o"
	}
}

func TestVersion(t *testing.T) {
	stdout, _, err := runCLI(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "fullmoon version")
}

func TestHelp(t *testing.T) {
	stdout, _, err := runCLI(t, "--help")
	require.NoError(t, err)
	for _, term := range []string{"Usage", "models", "chat", "serve", "--host", "--port", "--config"} {
		assert.Contains(t, stdout, term)
	}
}

func TestInvalidFlag(t *testing.T) {
	_, _, err := runCLI(t, "--invalid-flag")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestMissingExplicitConfig(t *testing.T) {
	_, _, err := runCLI(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "models")
	assert.Error(t, err)
}

func TestModelsTable(t *testing.T) {
	path, _ := writeConfig(t, nil)
	stdout, _, err := runCLI(t, "--config", path, "models")
	require.NoError(t, err)

	assert.Contains(t, stdout, "Models:")
	for _, m := range catalog.Builtin().All() {
		assert.Contains(t, stdout, m.ID)
	}
	assert.Contains(t, stdout, "default")
	assert.Contains(t, stdout, "reasoning")
}

func TestModelsJSON(t *testing.T) {
	path, _ := writeConfig(t, nil)
	stdout, _, err := runCLI(t, "--config", path, "models", "--json")
	require.NoError(t, err)

	var rows []struct {
		ID       string `json:"id"`
		Behavior string `json:"behavior"`
		Default  bool   `json:"default"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &rows))
	require.Len(t, rows, len(catalog.Builtin().All()))
	assert.Equal(t, catalog.Builtin().Default().ID, rows[0].ID)
	assert.True(t, rows[0].Default)
	assert.NotEmpty(t, rows[0].Behavior)
}

func TestRemoteModels(t *testing.T) {
	srv := openAIServer(t)
	path, _ := writeConfig(t, withRemote(srv))

	stdout, _, err := runCLI(t, "--config", path, "remote-models")
	require.NoError(t, err)
	assert.Contains(t, stdout, "test server")
	assert.Contains(t, stdout, "gpt-4o")
	assert.Contains(t, stdout, "dall-e-3 (image)")
}

func TestRemoteModelsWithoutProfile(t *testing.T) {
	path, _ := writeConfig(t, nil)
	_, _, err := runCLI(t, "--config", path, "remote-models")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no remote server configured")
}

func TestChatRemote(t *testing.T) {
	srv := openAIServer(t)
	path, cfg := writeConfig(t, withRemote(srv))

	stdout, stderr, err := runCLI(t, "--config", path, "chat", "--remote", "--conversation", "c1", "--prompt", "Say hello")
	require.NoError(t, err, stderr)
	assert.Equal(t, "Hello!\n", stdout)
	assert.Contains(t, stderr, "Conversation c1")

	st, err := store.Open(cfg.DBPath())
	require.NoError(t, err)
	defer st.Close()
	turns, err := st.Turns(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, prompt.RoleUser, turns[0].Role)
	assert.Equal(t, "Say hello", turns[0].Text)
	assert.Equal(t, "Hello!", turns[1].Text)
}

func TestChatRequiresPrompt(t *testing.T) {
	path, _ := writeConfig(t, nil)
	_, _, err := runCLI(t, "--config", path, "chat", "--remote")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--prompt is required")
}

func TestChatRemoteNeedsModel(t *testing.T) {
	srv := openAIServer(t)
	path, _ := writeConfig(t, func(cfg *config.Config) {
		withRemote(srv)(cfg)
		cfg.Remote.Model = ""
	})
	_, _, err := runCLI(t, "--config", path, "chat", "--remote", "--prompt", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no remote model selected")
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", truncateString("short", 10))
	assert.Equal(t, "abcdefg...", truncateString("abcdefghijklmnop", 10))
}

func TestPrintTableHeader(t *testing.T) {
	var buf bytes.Buffer
	printTableHeader(&buf, []string{"A", "B"}, []int{3, 2})
	assert.Equal(t, "A   | B \n----+---\n", buf.String())
}

func TestRenderProgressBar(t *testing.T) {
	bar := renderProgressBar(0.5)
	assert.Equal(t, barWidth/2, strings.Count(bar, "█"))
	assert.Equal(t, barWidth/2, strings.Count(bar, "░"))
	assert.True(t, strings.HasSuffix(bar, "50.00%"))

	assert.Equal(t, barWidth, strings.Count(renderProgressBar(1.5), "█"))
	assert.Equal(t, barWidth, strings.Count(renderProgressBar(-1), "░"))
}

func TestTerminalSurfaceWithoutTTY(t *testing.T) {
	var buf bytes.Buffer
	s := newTerminalSurface(&buf)
	require.False(t, s.tty)

	s.Begin(catalog.Qwen3_4B_4bit.ID, catalog.Qwen3_4B_4bit.DisplayName)
	s.Update(0.01, "Downloading qwen3-4b-4bit: 1%")
	s.Update(0.02, "Downloading qwen3-4b-4bit: 2%")
	s.Update(0.55, "Downloading qwen3-4b-4bit: 55%")
	s.End("Loaded qwen3-4b-4bit")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, `Loading model "qwen3-4b-4bit" (size: 2.3 GB) ...`, lines[0])
	assert.Equal(t, "Downloading qwen3-4b-4bit: 1%", lines[1])
	assert.Equal(t, "Downloading qwen3-4b-4bit: 55%", lines[2])
	assert.Equal(t, "Loaded qwen3-4b-4bit", lines[3])
}

func TestCloseDismissesInterruptedLoad(t *testing.T) {
	var buf bytes.Buffer
	a := &app{out: &buf, logger: logging.Nop()}
	a.tracker = progress.NewTracker(newTerminalSurface(&buf), nil, a.logger)
	a.tracker.Begin(catalog.Qwen3_4B_4bit.ID, catalog.Qwen3_4B_4bit.DisplayName)
	a.tracker.Update(0.3)

	a.close()
	assert.False(t, a.tracker.Snapshot().Active)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, "Downloading qwen3-4b-4bit: 30%", lines[len(lines)-1])

	// nothing more is written on a second close
	n := buf.Len()
	a.close()
	assert.Equal(t, n, buf.Len())
}

func TestStreamPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &streamPrinter{a: &app{out: &buf}}
	p.update("one")
	p.update("one two")
	p.update("one two")
	p.update("rewritten")
	assert.Equal(t, "one two\nrewritten", buf.String())
}
