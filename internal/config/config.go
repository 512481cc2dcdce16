// Package config handles TaskPilot configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/taskpilot/config.yaml, /etc/taskpilot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "taskpilot", "config.yaml"))
	}

	paths = append(paths, "/etc/taskpilot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

// Config holds all TaskPilot configuration.
type Config struct {
	Listen   ListenConfig `yaml:"listen"`
	Database DBConfig     `yaml:"database"`
	Model    ModelConfig  `yaml:"model"`
	Agent    AgentConfig  `yaml:"agent"`
	Auth     AuthConfig   `yaml:"auth"`
	LogLevel string       `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DBConfig defines the SQLite database location.
type DBConfig struct {
	Path string `yaml:"path"`
}

// ModelConfig defines the language model endpoint.
type ModelConfig struct {
	Name    string `yaml:"name"`     // e.g. gpt-4o, llama-3.3-70b
	BaseURL string `yaml:"base_url"` // OpenAI-compatible endpoint; empty = api.openai.com
	APIKey  string `yaml:"api_key"`
}

// AgentConfig bounds the agent's per-turn behavior. All limits are finite;
// zero values are replaced by defaults at load time.
type AgentConfig struct {
	// HistoryWindow is the maximum number of stored messages loaded as
	// prompt context. Older messages are dropped silently.
	HistoryWindow int `yaml:"history_window"`
	// HistoryTokenBudget caps the token count of the loaded history.
	HistoryTokenBudget int `yaml:"history_token_budget"`
	// MaxToolRounds caps model/tool iterations within one turn.
	MaxToolRounds int `yaml:"max_tool_rounds"`
	// ModelTimeoutSec is the per-call timeout for the model endpoint.
	ModelTimeoutSec int `yaml:"model_timeout_sec"`
	// MaxRetries is how many times a failed model call is retried.
	// Zero means the default; any negative value disables retries.
	MaxRetries int `yaml:"max_retries"`
}

// AuthConfig defines bearer token verification settings.
type AuthConfig struct {
	// Secret is the HS256 signing secret shared with the token issuer.
	Secret string `yaml:"secret"`
	// ToolTokenTTLSec is the lifetime of the short-lived tokens minted
	// for tool execution within a turn. Default 300.
	ToolTokenTTLSec int `yaml:"tool_token_ttl_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyDefaults()

	if cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("auth.secret is required")
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8090
	}
	if c.Database.Path == "" {
		c.Database.Path = "taskpilot.db"
	}
	if c.Model.Name == "" {
		c.Model.Name = "gpt-4o"
	}
	if c.Agent.HistoryWindow <= 0 {
		c.Agent.HistoryWindow = 20
	}
	if c.Agent.HistoryTokenBudget <= 0 {
		c.Agent.HistoryTokenBudget = 8000
	}
	if c.Agent.MaxToolRounds <= 0 {
		c.Agent.MaxToolRounds = 10
	}
	if c.Agent.ModelTimeoutSec <= 0 {
		c.Agent.ModelTimeoutSec = 60
	}
	// Zero is indistinguishable from unset in YAML, so a negative value
	// stands in for "no retries".
	if c.Agent.MaxRetries == 0 {
		c.Agent.MaxRetries = 2
	} else if c.Agent.MaxRetries < 0 {
		c.Agent.MaxRetries = 0
	}
	if c.Auth.ToolTokenTTLSec <= 0 {
		c.Auth.ToolTokenTTLSec = 300
	}
}

// ModelTimeout returns the model call timeout as a duration.
func (c *Config) ModelTimeout() time.Duration {
	return time.Duration(c.Agent.ModelTimeoutSec) * time.Second
}

// ToolTokenTTL returns the tool token lifetime as a duration.
func (c *Config) ToolTokenTTL() time.Duration {
	return time.Duration(c.Auth.ToolTokenTTLSec) * time.Second
}
