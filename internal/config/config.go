// Package config handles Concierge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oakhurst/concierge/internal/registry"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/concierge/config.yaml,
// /etc/concierge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "concierge", "config.yaml"))
	}

	paths = append(paths, "/etc/concierge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Concierge configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	Models        ModelsConfig        `yaml:"models"`
	Anthropic     AnthropicConfig     `yaml:"anthropic"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Search        SearchConfig        `yaml:"search"`
	Approvals     ApprovalsConfig     `yaml:"approvals"`
	Runner        RunnerConfig        `yaml:"runner"`
	ShellExec     ShellExecConfig     `yaml:"shell_exec"`
	Auth          AuthConfig          `yaml:"auth"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig maps the three routing tiers to concrete models and
// points at the local inference server.
type ModelsConfig struct {
	// Fast, Balanced, and Top are required; startup fails without all
	// three.
	Fast     string `yaml:"fast"`
	Balanced string `yaml:"balanced"`
	Top      string `yaml:"top"`

	OllamaURL string `yaml:"ollama_url"`

	// SpecialistTiers optionally pins a specialist to a tier label
	// ("fast", "balanced", "top") instead of the turn's tier.
	SpecialistTiers map[string]string `yaml:"specialist_tiers"`
}

// AnthropicConfig defines Anthropic API settings. Models with a
// "claude" prefix route here.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// PollIntervalSec is how often entity states are refreshed into the
	// capability snapshot (default 60).
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

// MQTTConfig defines the discovery subscriber settings. Disabled when
// BrokerURL is empty.
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// SearchConfig defines the web search provider.
type SearchConfig struct {
	Provider string `yaml:"provider"` // brave (default)
	APIKey   string `yaml:"api_key"`
}

// ApprovalsConfig tunes the approval engine.
type ApprovalsConfig struct {
	// TTLSeconds is how long a request stays pending (default 60).
	TTLSeconds int `yaml:"ttl_seconds"`
	// RiskOverrides maps tool name to a risk level string, replacing
	// the tool's declared risk.
	RiskOverrides map[string]string `yaml:"risk_overrides"`
}

// RunnerConfig bounds turn execution.
type RunnerConfig struct {
	MaxInputChars     int  `yaml:"max_input_chars"`
	MinOutputChars    int  `yaml:"min_output_chars"`
	MaxOutputChars    int  `yaml:"max_output_chars"`
	MaxIterations     int  `yaml:"max_iterations"`
	Fanout            int  `yaml:"fanout"`
	SubTurnTimeoutSec int  `yaml:"sub_turn_timeout_sec"`
	Debug             bool `yaml:"debug"`
}

// ShellExecConfig defines shell execution capabilities for the code
// specialist.
type ShellExecConfig struct {
	// Enabled allows shell command execution. Disabled by default.
	Enabled bool `yaml:"enabled"`
	// WorkingDir sets the default working directory for commands.
	WorkingDir string `yaml:"working_dir"`
	// DeniedPatterns are command substrings to block outright.
	DeniedPatterns []string `yaml:"denied_patterns"`
	// DefaultTimeoutSec is the per-command timeout (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// AuthConfig protects the HTTP API. TokenHash is a bcrypt hash of the
// bearer token; empty disables auth (local deployments only).
type AuthConfig struct {
	TokenHash string `yaml:"token_hash"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every defaulted field filled in.
// The model tiers are intentionally absent: they are deployment
// decisions and Validate rejects a config without them.
func Default() *Config {
	cfg := &Config{
		Listen:  ListenConfig{Port: 8080},
		DataDir: "data",
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.HomeAssistant.PollIntervalSec <= 0 {
		c.HomeAssistant.PollIntervalSec = 60
	}
	if c.Approvals.TTLSeconds <= 0 {
		c.Approvals.TTLSeconds = 60
	}
	if c.Runner.MaxIterations <= 0 {
		c.Runner.MaxIterations = 6
	}
	if c.Runner.Fanout <= 0 {
		c.Runner.Fanout = 5
	}
	if c.Runner.SubTurnTimeoutSec <= 0 {
		c.Runner.SubTurnTimeoutSec = 120
	}
	if c.ShellExec.DefaultTimeoutSec <= 0 {
		c.ShellExec.DefaultTimeoutSec = 30
	}
	if c.Search.Provider == "" {
		c.Search.Provider = "brave"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "concierge"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "homeassistant"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
}

// Validate checks required fields and value ranges. Defaulted fields
// are never validation errors; missing deployment decisions are.
func (c *Config) Validate() error {
	if c.Models.Fast == "" || c.Models.Balanced == "" || c.Models.Top == "" {
		return fmt.Errorf("config: models.fast, models.balanced, and models.top are all required")
	}
	for spec, tier := range c.Models.SpecialistTiers {
		switch tier {
		case "fast", "balanced", "top":
		default:
			return fmt.Errorf("config: specialist_tiers.%s: unknown tier %q", spec, tier)
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: log_level: %w", err)
	}
	if c.Runner.Fanout > 5 {
		return fmt.Errorf("config: runner.fanout must not exceed 5 (got %d)", c.Runner.Fanout)
	}
	if _, err := ParseRiskOverrides(c.Approvals.RiskOverrides); err != nil {
		return err
	}
	if c.HomeAssistant.URL != "" && c.HomeAssistant.Token == "" {
		return fmt.Errorf("config: homeassistant.token is required when homeassistant.url is set")
	}
	return nil
}

// ParseRiskOverrides converts the config risk-override strings to
// registry levels.
func ParseRiskOverrides(raw map[string]string) (map[string]registry.RiskLevel, error) {
	out := make(map[string]registry.RiskLevel, len(raw))
	for tool, s := range raw {
		level, err := registry.ParseRiskLevel(s)
		if err != nil {
			return nil, fmt.Errorf("config: approvals.risk_overrides.%s: %w", tool, err)
		}
		out[tool] = level
	}
	return out, nil
}

// ApprovalTTL returns the approval TTL as a duration.
func (c *Config) ApprovalTTL() time.Duration {
	return time.Duration(c.Approvals.TTLSeconds) * time.Second
}

// SubTurnTimeout returns the sub-turn budget as a duration.
func (c *Config) SubTurnTimeout() time.Duration {
	return time.Duration(c.Runner.SubTurnTimeoutSec) * time.Second
}
