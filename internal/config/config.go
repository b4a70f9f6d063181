package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the project-local config file searched for in the working tree
const LocalConfigName = ".gort.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Forge         ForgeConfig         `toml:"forge"`
	Assistant     AssistantConfig     `toml:"assistant"`
	Tools         ToolsConfig         `toml:"tools"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Telemetry     TelemetryConfig     `toml:"telemetry"`
	Janitor       JanitorConfig       `toml:"janitor"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	WorkspaceRoot string `toml:"workspace_root"`
	DatabasePath  string `toml:"database_path"`
	LogLevel      string `toml:"log_level"`
}

// ForgeConfig holds git hosting settings. Username is the bot account that owns the forks.
type ForgeConfig struct {
	Kind         string   `toml:"kind"` // "gitea" or "github"
	Endpoint     string   `toml:"endpoint"`
	Username     string   `toml:"username"`
	Email        string   `toml:"email"`
	Token        string   `toml:"token"`
	IgnoredUsers []string `toml:"ignored_users"`
}

// AssistantConfig holds assistant service settings
type AssistantConfig struct {
	Endpoint       string   `toml:"endpoint"`
	APIKey         string   `toml:"api_key"`
	AssistantID    string   `toml:"assistant_id"`
	PollInterval   Duration `toml:"poll_interval"`
	MaxRunDuration Duration `toml:"max_run_duration"`
}

// ToolsConfig holds tool execution limits
type ToolsConfig struct {
	ShellTimeout   Duration `toml:"shell_timeout"`
	MaxOutputBytes int      `toml:"max_output_bytes"`
	GitLogLimit    int      `toml:"git_log_limit"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds webhook server settings
type WebConfig struct {
	Port          int    `toml:"port"`
	Host          string `toml:"host"`
	PublicURL     string `toml:"public_url"` // Base URL registered as the webhook target
	WebhookSecret string `toml:"webhook_secret"`
}

// TelemetryConfig holds OpenTelemetry exporter settings. An empty endpoint disables export.
type TelemetryConfig struct {
	Endpoint    string `toml:"endpoint"`
	Insecure    bool   `toml:"insecure"`
	ServiceName string `toml:"service_name"`
}

// JanitorConfig holds the stale workspace sweeper settings
type JanitorConfig struct {
	Schedule string   `toml:"schedule"`
	MaxAge   Duration `toml:"max_age"`
}

// Duration is a time.Duration that reads and writes TOML strings like "90s"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			WorkspaceRoot: filepath.Join(home, ".gort", "workspaces"),
			DatabasePath:  filepath.Join(home, ".gort", "gort.db"),
			LogLevel:      "info",
		},
		Forge: ForgeConfig{
			Kind: "gitea",
		},
		Assistant: AssistantConfig{
			Endpoint:       "https://api.openai.com/v1",
			PollInterval:   Duration{2 * time.Second},
			MaxRunDuration: Duration{30 * time.Minute},
		},
		Tools: ToolsConfig{
			ShellTimeout:   Duration{5 * time.Minute},
			MaxOutputBytes: 64 * 1024,
			GitLogLimit:    20,
		},
		Web: WebConfig{
			Port: 5000,
			Host: "127.0.0.1",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "gort",
		},
		Janitor: JanitorConfig{
			Schedule: "0 * * * *",
			MaxAge:   Duration{6 * time.Hour},
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
// Environment overrides are applied after the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()

	// Expand paths
	cfg.General.WorkspaceRoot = ExpandPath(cfg.General.WorkspaceRoot)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	return cfg, nil
}

// LoadWithLocalFallback loads the explicit path if given, otherwise the nearest
// project-local config, otherwise the user config.
func LoadWithLocalFallback(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for LocalConfigName
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ApplyEnv overrides secrets and endpoints from the environment
func (c *Config) ApplyEnv() {
	overrides := []struct {
		key string
		dst *string
	}{
		{"GORT_FORGE_TOKEN", &c.Forge.Token},
		{"GORT_FORGE_ENDPOINT", &c.Forge.Endpoint},
		{"GORT_ASSISTANT_API_KEY", &c.Assistant.APIKey},
		{"GORT_ASSISTANT_ID", &c.Assistant.AssistantID},
		{"GORT_SLACK_WEBHOOK", &c.Notifications.SlackWebhook},
		{"GORT_WEBHOOK_SECRET", &c.Web.WebhookSecret},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.key); v != "" {
			*o.dst = v
		}
	}
}

// Validate checks the settings needed to drive runs
func (c *Config) Validate() error {
	switch c.Forge.Kind {
	case "gitea":
		if c.Forge.Endpoint == "" {
			return fmt.Errorf("config: forge.endpoint is required for gitea")
		}
	case "github":
	default:
		return fmt.Errorf("config: unknown forge.kind %q (expected gitea or github)", c.Forge.Kind)
	}
	if c.Forge.Username == "" {
		return fmt.Errorf("config: forge.username is required")
	}
	if c.Forge.Token == "" {
		return fmt.Errorf("config: forge.token is required (or set GORT_FORGE_TOKEN)")
	}
	if c.Assistant.APIKey == "" {
		return fmt.Errorf("config: assistant.api_key is required (or set GORT_ASSISTANT_API_KEY)")
	}
	if c.Assistant.AssistantID == "" {
		return fmt.Errorf("config: assistant.assistant_id is required (or set GORT_ASSISTANT_ID)")
	}
	if c.Assistant.PollInterval.Duration <= 0 {
		return fmt.Errorf("config: assistant.poll_interval must be positive")
	}
	if c.Assistant.MaxRunDuration.Duration < c.Assistant.PollInterval.Duration {
		return fmt.Errorf("config: assistant.max_run_duration must be at least poll_interval")
	}
	if c.Tools.ShellTimeout.Duration <= 0 {
		return fmt.Errorf("config: tools.shell_timeout must be positive")
	}
	if c.Tools.MaxOutputBytes <= 0 {
		return fmt.Errorf("config: tools.max_output_bytes must be positive")
	}
	return nil
}

// IsIgnored reports whether events from user should be ignored
func (c *Config) IsIgnored(user string) bool {
	if strings.EqualFold(user, c.Forge.Username) {
		return true
	}
	for _, u := range c.Forge.IgnoredUsers {
		if strings.EqualFold(u, user) {
			return true
		}
	}
	return false
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "gort", "config.toml")
}
