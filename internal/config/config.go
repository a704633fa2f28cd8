// Package config loads the nexus3 configuration: YAML or JSON5 files with
// $include composition, environment variable expansion, and defaults. The
// runtime home directory is ~/.nexus3, overridable with NEXUS_HOME.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	// Home overrides the runtime home directory. Empty resolves via
	// NEXUS_HOME, falling back to ~/.nexus3.
	Home string `yaml:"home"`

	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Agent   AgentConfig   `yaml:"agent"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig covers the HTTP control surface.
type ServerConfig struct {
	Port int `yaml:"port"`

	// RateLimit is the sustained request rate each client is allowed,
	// in requests per second. Zero disables rate limiting.
	RateLimit float64 `yaml:"rate_limit"`

	// RateBurst is the burst capacity above the sustained rate.
	RateBurst int `yaml:"rate_burst"`
}

// LLMConfig selects the provider and model.
type LLMConfig struct {
	// DefaultProvider is one of anthropic, openai, openrouter.
	DefaultProvider string `yaml:"default_provider"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// MaxTokens caps provider responses. Zero uses the provider default.
	MaxTokens int `yaml:"max_tokens"`

	Providers map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig configures one provider. API keys left empty are
// filled from the provider's environment variable.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

// AgentConfig seeds fresh agents.
type AgentConfig struct {
	SystemPrompt     string `yaml:"system_prompt"`
	SystemPromptPath string `yaml:"system_prompt_path"`

	// PermissionPreset is one of yolo, trusted, sandboxed. The legacy
	// value "worker" maps to sandboxed.
	PermissionPreset string `yaml:"permission_preset"`

	DisabledTools []string `yaml:"disabled_tools"`
	WorkingDir    string   `yaml:"working_dir"`

	// MaxContextTokens bounds the conversation window.
	MaxContextTokens int `yaml:"max_context_tokens"`

	// ToolTimeout is the default per-tool execution timeout.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// AllowPrivateHosts and AllowLocalhost relax outbound URL validation
	// for skills that fetch or reach other servers.
	AllowPrivateHosts bool `yaml:"allow_private_hosts"`
	AllowLocalhost    bool `yaml:"allow_localhost"`
}

// LoggingConfig controls the process log.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Environment variables consulted by Load and the CLI.
const (
	EnvHome          = "NEXUS_HOME"
	EnvToken         = "NEXUS_TOKEN"
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvAnthropicKey  = "ANTHROPIC_API_KEY"
	EnvOpenRouterKey = "OPENROUTER_API_KEY"
)

// providerKeyEnv maps provider names to their API key variables.
var providerKeyEnv = map[string]string{
	"openai":     EnvOpenAIKey,
	"anthropic":  EnvAnthropicKey,
	"openrouter": EnvOpenRouterKey,
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the configuration file at path, resolving $include directives
// and expanding environment variables, then applies env overrides and
// defaults. An empty path loads DefaultPath() if that file exists, else
// pure defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
		if _, err := os.Stat(path); err != nil {
			return Default(), nil
		}
	}
	raw, err := loadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRaw(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// DefaultPath returns the default configuration file location,
// ${NEXUS_HOME}/config.yaml.
func DefaultPath() string {
	return filepath.Join(homeDir(""), "config.yaml")
}

func homeDir(override string) string {
	if override != "" {
		return override
	}
	if env := os.Getenv(EnvHome); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nexus3"
	}
	return filepath.Join(home, ".nexus3")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7777
	}
	if cfg.Server.RateLimit > 0 && cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = int(cfg.Server.RateLimit) * 2
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}
	for name, env := range providerKeyEnv {
		p := cfg.LLM.Providers[name]
		if p.APIKey == "" {
			p.APIKey = os.Getenv(env)
		}
		cfg.LLM.Providers[name] = p
	}
	if cfg.Agent.PermissionPreset == "" {
		cfg.Agent.PermissionPreset = "trusted"
	}
	if cfg.Agent.MaxContextTokens == 0 {
		cfg.Agent.MaxContextTokens = 100000
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = 60 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// HomeDir resolves the runtime home directory.
func (c *Config) HomeDir() string { return homeDir(c.Home) }

// SessionsDir is where saved sessions live.
func (c *Config) SessionsDir() string { return filepath.Join(c.HomeDir(), "sessions") }

// LogsDir is the base directory of per-session logs and storage.
func (c *Config) LogsDir() string { return filepath.Join(c.HomeDir(), "logs") }

// TokenPath is where the server writes its API token after binding.
func (c *Config) TokenPath() string { return filepath.Join(c.HomeDir(), "token") }

// Provider returns the named provider's settings; empty name selects the
// default provider.
func (c *Config) Provider(name string) (string, LLMProviderConfig, error) {
	if name == "" {
		name = c.LLM.DefaultProvider
	}
	p, ok := c.LLM.Providers[name]
	if !ok {
		return name, LLMProviderConfig{}, fmt.Errorf("unknown provider %q", name)
	}
	return name, p, nil
}

// SystemPrompt resolves the agent system prompt, reading the prompt file
// when a path is configured.
func (c *Config) SystemPrompt() (string, error) {
	if c.Agent.SystemPromptPath != "" {
		data, err := os.ReadFile(c.Agent.SystemPromptPath)
		if err != nil {
			return "", fmt.Errorf("read system prompt: %w", err)
		}
		return string(data), nil
	}
	return c.Agent.SystemPrompt, nil
}

// decodeRaw strictly decodes the merged raw map; unknown keys are errors
// so typos surface at startup instead of silently disabling features.
func decodeRaw(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	var cfg Config
	dec := newStrictDecoder(payload)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
