package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/sandbox"
)

// DB selects the store. Driver is "sqlite" (default) or "postgres".
type DB struct {
	Driver string `yaml:"driver,omitempty"`
	DSN    string `yaml:"dsn,omitempty"`
}

// Conversation selects and configures the agent runtime.
type Conversation struct {
	Runtime   string        `yaml:"runtime,omitempty"` // stub, http or subprocess
	BaseURL   string        `yaml:"base_url,omitempty"`
	Model     string        `yaml:"model,omitempty"`
	APIKeyEnv string        `yaml:"api_key_env,omitempty"`
	Command   string        `yaml:"command,omitempty"`
	Args      []string      `yaml:"args,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	MaxSteps  int           `yaml:"max_steps,omitempty"`
}

// Merge configures the background merge worker.
type Merge struct {
	Disabled bool          `yaml:"disabled,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

// Slack configures issue notifications.
type Slack struct {
	WebhookURL string `yaml:"webhook_url,omitempty"`
	Channel    string `yaml:"channel,omitempty"`
}

// Config is <home>/config.yaml.
type Config struct {
	Workspace     string                   `yaml:"workspace,omitempty"`
	BaseBranch    string                   `yaml:"base_branch,omitempty"`
	MetadataDir   string                   `yaml:"metadata_dir,omitempty"`
	StandardsDirs []string                 `yaml:"standards_dirs,omitempty"`
	DB            DB                       `yaml:"db,omitempty"`
	LogLevel      string                   `yaml:"log_level,omitempty"`
	LogFormat     string                   `yaml:"log_format,omitempty"`
	Listen        string                   `yaml:"listen,omitempty"`
	APIKey        string                   `yaml:"api_key,omitempty"`
	ScopeProfiles map[string][]domain.Rule `yaml:"scope_profiles,omitempty"`
	PolicyFile    string                   `yaml:"policy_file,omitempty"`
	Conversation  Conversation             `yaml:"conversation,omitempty"`
	Merge         Merge                    `yaml:"merge,omitempty"`
	Slack         Slack                    `yaml:"slack,omitempty"`
	WatchDrift    *bool                    `yaml:"watch_drift,omitempty"`
}

// Path returns <home>/config.yaml.
func Path(home string) string {
	return filepath.Join(home, "config.yaml")
}

// Default returns the configuration used when config.yaml is absent.
func Default() Config {
	l := sandbox.DefaultLayout()
	return Config{
		BaseBranch:    "main",
		MetadataDir:   l.MetadataDir,
		StandardsDirs: l.StandardsDirs,
		DB:            DB{Driver: "sqlite"},
		LogLevel:      "info",
		LogFormat:     "text",
		Listen:        "127.0.0.1:4717",
		Conversation:  Conversation{Runtime: "stub", Model: "gpt-4o-mini", APIKeyEnv: "OPENAI_API_KEY", MaxSteps: 16},
		Merge:         Merge{Interval: 15 * time.Second},
	}
}

// Load reads <home>/config.yaml over the defaults and applies environment
// overrides. A missing file is not an error.
func Load(home string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path(home))
	if err != nil && !os.IsNotExist(err) {
		return cfg, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", Path(home), err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to <home>/config.yaml.
func Save(home string, cfg Config) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(home), data, 0o600)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DB = DB{Driver: "postgres", DSN: v}
	}
	if v := os.Getenv("CHIRALITY_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		c.Slack.WebhookURL = v
	}
	if v := os.Getenv("CHIRALITY_WORKSPACE"); v != "" {
		c.Workspace = v
	}
}

// Validate rejects settings the daemon cannot start with.
func (c Config) Validate() error {
	switch c.DB.Driver {
	case "", "sqlite":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("config: postgres driver needs db.dsn or DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown db driver %q", c.DB.Driver)
	}
	switch c.Conversation.Runtime {
	case "", "stub", "http", "subprocess":
	default:
		return fmt.Errorf("config: unknown conversation runtime %q", c.Conversation.Runtime)
	}
	if c.Conversation.Runtime == "subprocess" && c.Conversation.Command == "" {
		return fmt.Errorf("config: subprocess runtime needs conversation.command")
	}
	if _, err := c.Profiles(); err != nil {
		return err
	}
	return nil
}

// Layout returns the workspace layout the default scopes are built from.
func (c Config) Layout() sandbox.Layout {
	l := sandbox.DefaultLayout()
	if c.MetadataDir != "" {
		l.MetadataDir = c.MetadataDir
	}
	if len(c.StandardsDirs) > 0 {
		l.StandardsDirs = c.StandardsDirs
	}
	return l
}

// Profiles returns the extra scope rules per agent type.
func (c Config) Profiles() (map[domain.AgentType][]domain.Rule, error) {
	if len(c.ScopeProfiles) == 0 {
		return nil, nil
	}
	out := make(map[domain.AgentType][]domain.Rule, len(c.ScopeProfiles))
	for name, rules := range c.ScopeProfiles {
		t, err := domain.ParseAgentType(name)
		if err != nil {
			return nil, fmt.Errorf("config: scope_profiles: %w", err)
		}
		if _, err := sandbox.NewScope(rules...); err != nil {
			return nil, fmt.Errorf("config: scope_profiles.%s: %w", name, err)
		}
		out[t] = append(out[t], rules...)
	}
	return out, nil
}

// APIKey reads the conversation API key from the configured environment variable.
func (c Conversation) APIKey() string {
	env := c.APIKeyEnv
	if env == "" {
		env = "OPENAI_API_KEY"
	}
	return os.Getenv(env)
}

// WatchEnabled reports whether the drift watcher runs; it defaults to on.
func (c Config) WatchEnabled() bool {
	return c.WatchDrift == nil || *c.WatchDrift
}

// ParseLevel maps log_level to a slog level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds the process logger from log_level and log_format.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.LogLevel)}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
