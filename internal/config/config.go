// Package config loads fullmoon settings from a YAML file and FULLMOON_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/hypernetix/fullmoon-go/pkg/catalog"
	"github.com/hypernetix/fullmoon-go/pkg/dispatch"
	"github.com/hypernetix/fullmoon-go/pkg/generation"
	"github.com/hypernetix/fullmoon-go/pkg/loader"
	"github.com/hypernetix/fullmoon-go/pkg/logging"
	"github.com/hypernetix/fullmoon-go/pkg/remote"
)

const (
	EnvPrefix           = "FULLMOON_"
	DefaultSystemPrompt = "you are a helpful assistant"
	DefaultListen       = "127.0.0.1:8642"
)

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type LMStudioConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ModelKeys maps catalog ids to LM Studio model keys.
	ModelKeys map[string]string `yaml:"model_keys,omitempty"`
}

type LoadConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	InitTimeout    time.Duration `yaml:"init_timeout"`
	PauseThreshold float64       `yaml:"pause_threshold"`
	// Timeout bounds a whole load started from the CLI or HTTP API.
	Timeout time.Duration `yaml:"timeout"`
}

type GenerationConfig struct {
	MaxTokens    int     `yaml:"max_tokens"`
	DisplayEvery int     `yaml:"display_every"`
	Temperature  float64 `yaml:"temperature"`
}

type RemoteConfig struct {
	Temperature float64          `yaml:"temperature"`
	MaxTokens   int              `yaml:"max_tokens"`
	Timeout     time.Duration    `yaml:"timeout"`
	Model       string           `yaml:"model"`
	Profiles    []remote.Profile `yaml:"profiles,omitempty"`
	// Selected names a profile by id or display name.
	Selected string `yaml:"selected,omitempty"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// Config is the full application configuration.
type Config struct {
	DataDir      string           `yaml:"data_dir"`
	Log          LogConfig        `yaml:"log"`
	Source       string           `yaml:"source"`
	Model        string           `yaml:"model"`
	SystemPrompt string           `yaml:"system_prompt"`
	LMStudio     LMStudioConfig   `yaml:"lmstudio"`
	Load         LoadConfig       `yaml:"load"`
	Generation   GenerationConfig `yaml:"generation"`
	Remote       RemoteConfig     `yaml:"remote"`
	HTTP         HTTPConfig       `yaml:"http"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	policy := loader.DefaultPolicy()
	gen := generation.DefaultConfig()
	rc := remote.DefaultConfig()
	return Config{
		DataDir:      defaultDataDir(),
		Log:          LogConfig{Level: "info", Format: "text"},
		Source:       string(dispatch.SourceLocal),
		Model:        catalog.Builtin().Default().ID,
		SystemPrompt: DefaultSystemPrompt,
		Load: LoadConfig{
			MaxAttempts:    policy.MaxAttempts,
			InitialBackoff: policy.InitialBackoff,
			InitTimeout:    policy.InitTimeout,
			PauseThreshold: policy.PauseThreshold,
			Timeout:        10 * time.Minute,
		},
		Generation: GenerationConfig{
			MaxTokens:    gen.MaxTokens,
			DisplayEvery: gen.DisplayEvery,
			Temperature:  gen.Temperature,
		},
		Remote: RemoteConfig{
			Temperature: rc.Temperature,
			MaxTokens:   rc.MaxTokens,
			Timeout:     rc.Timeout,
		},
		HTTP: HTTPConfig{Listen: DefaultListen},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fullmoon"
	}
	return filepath.Join(home, ".fullmoon")
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load reads path (DefaultPath when empty), applies FULLMOON_* variables
// from the process environment and validates the result. A missing file is
// an error only when path was given explicitly.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	cfg.fillProfileIDs()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Write stores cfg as YAML, creating the directory.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	str("DATA_DIR", &c.DataDir)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("SOURCE", &c.Source)
	str("MODEL", &c.Model)
	str("SYSTEM_PROMPT", &c.SystemPrompt)
	str("LMSTUDIO_HOST", &c.LMStudio.Host)
	str("HTTP_LISTEN", &c.HTTP.Listen)
	str("REMOTE_MODEL", &c.Remote.Model)
	str("REMOTE_PROFILE", &c.Remote.Selected)

	if v := getenv(EnvPrefix + "LMSTUDIO_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sLMSTUDIO_PORT %q: %w", EnvPrefix, v, err)
		}
		c.LMStudio.Port = port
	}
	if v := getenv(EnvPrefix + "MAX_TOKENS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_TOKENS %q: %w", EnvPrefix, v, err)
		}
		c.Generation.MaxTokens = n
	}
	if v := getenv(EnvPrefix + "PAUSE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sPAUSE_THRESHOLD %q: %w", EnvPrefix, v, err)
		}
		c.Load.PauseThreshold = f
	}

	// A server given entirely through the environment becomes the selected profile.
	if base := getenv(EnvPrefix + "REMOTE_BASE_URL"); base != "" {
		kind, err := remote.ParseKind(getenv(EnvPrefix + "REMOTE_KIND"))
		if err != nil {
			return err
		}
		p := remote.NewProfile(kind, "env", base, getenv(EnvPrefix+"REMOTE_API_KEY"))
		c.Remote.Profiles = append(c.Remote.Profiles, p)
		c.Remote.Selected = p.DisplayName
	}
	return nil
}

// fillProfileIDs gives file profiles without an id a stable one derived
// from their name and URL.
func (c *Config) fillProfileIDs() {
	for i, p := range c.Remote.Profiles {
		if p.ID == uuid.Nil {
			c.Remote.Profiles[i].ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(p.DisplayName+"|"+p.BaseURL))
		}
		if p.Kind == "" {
			c.Remote.Profiles[i].Kind = remote.KindCustom
		}
		if p.BaseURL == "" {
			c.Remote.Profiles[i].BaseURL = c.Remote.Profiles[i].Kind.DefaultBaseURL()
		}
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if _, err := dispatch.ParseSource(c.Source); err != nil {
		return err
	}
	if _, ok := catalog.Builtin().Lookup(c.Model); !ok {
		return fmt.Errorf("%w: %s", loader.ErrModelNotFound, c.Model)
	}
	if c.LMStudio.Port < 0 || c.LMStudio.Port > 65535 {
		return fmt.Errorf("invalid LM Studio port %d", c.LMStudio.Port)
	}
	if c.Load.MaxAttempts < 1 {
		return fmt.Errorf("load.max_attempts must be at least 1, got %d", c.Load.MaxAttempts)
	}
	if c.Load.PauseThreshold < 0 || c.Load.PauseThreshold > 1 {
		return fmt.Errorf("load.pause_threshold must be within [0,1], got %g", c.Load.PauseThreshold)
	}
	if c.Load.InitTimeout <= 0 {
		return errors.New("load.init_timeout must be positive")
	}
	if c.Generation.MaxTokens < 1 || c.Generation.DisplayEvery < 1 {
		return errors.New("generation.max_tokens and generation.display_every must be positive")
	}
	for _, p := range c.Remote.Profiles {
		if _, err := remote.ParseKind(string(p.Kind)); err != nil {
			return err
		}
	}
	if c.Remote.Selected != "" {
		if _, ok := c.SelectedProfile(); !ok {
			return fmt.Errorf("remote profile %q is not configured", c.Remote.Selected)
		}
	}
	return nil
}

func (c Config) LogLevel() logging.LogLevel {
	lvl, _ := logging.ParseLevel(c.Log.Level)
	return lvl
}

// NewLogger builds the application logger writing to w.
func (c Config) NewLogger(w io.Writer, component string) logging.Logger {
	return logging.NewLoggerWithOptions(logging.Options{
		Level:     c.LogLevel(),
		Output:    w,
		JSON:      strings.EqualFold(c.Log.Format, "json"),
		Component: component,
	})
}

func (c Config) LoadPolicy() loader.Policy {
	return loader.Policy{
		MaxAttempts:    c.Load.MaxAttempts,
		InitialBackoff: c.Load.InitialBackoff,
		InitTimeout:    c.Load.InitTimeout,
		PauseThreshold: c.Load.PauseThreshold,
	}
}

func (c Config) GenerationConfig() generation.Config {
	return generation.Config{
		DisplayEvery: c.Generation.DisplayEvery,
		MaxTokens:    c.Generation.MaxTokens,
		Temperature:  c.Generation.Temperature,
	}
}

func (c Config) RemoteConfig() remote.Config {
	return remote.Config{
		Temperature: c.Remote.Temperature,
		MaxTokens:   c.Remote.MaxTokens,
		Timeout:     c.Remote.Timeout,
	}
}

func (c Config) SourceValue() dispatch.Source {
	s, _ := dispatch.ParseSource(c.Source)
	return s
}

// SelectedProfile returns the configured profile matching Remote.Selected,
// or the first profile when nothing is selected.
func (c Config) SelectedProfile() (remote.Profile, bool) {
	if c.Remote.Selected == "" {
		if len(c.Remote.Profiles) > 0 {
			return c.Remote.Profiles[0], true
		}
		return remote.Profile{}, false
	}
	for _, p := range c.Remote.Profiles {
		if p.ID.String() == c.Remote.Selected || strings.EqualFold(p.DisplayName, c.Remote.Selected) {
			return p, true
		}
	}
	return remote.Profile{}, false
}

// LMStudioHost returns host:port for the LM Studio API, or "" to discover.
func (c Config) LMStudioHost() string {
	if c.LMStudio.Host == "" && c.LMStudio.Port == 0 {
		return ""
	}
	host := c.LMStudio.Host
	if host == "" {
		host = "localhost"
	}
	if c.LMStudio.Port == 0 || strings.Contains(strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://"), ":") {
		return host
	}
	return fmt.Sprintf("%s:%d", host, c.LMStudio.Port)
}

// DBPath is the sqlite chat database inside DataDir.
func (c Config) DBPath() string { return filepath.Join(c.DataDir, "chats.db") }

// SettingsDir is the badger settings directory inside DataDir.
func (c Config) SettingsDir() string { return filepath.Join(c.DataDir, "settings") }
