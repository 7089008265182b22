// Package config loads the runtime configuration from YAML with environment
// variable expansion and optional .env loading.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/stationops/quartermaster/internal/observability"
)

// Config is the main configuration structure for quartermaster.
type Config struct {
	Server   ServerConfig              `yaml:"server"`
	Database DatabaseConfig            `yaml:"database"`
	LLM      LLMConfig                 `yaml:"llm"`
	Agent    AgentConfig               `yaml:"agent"`
	Sessions SessionsConfig            `yaml:"sessions"`
	Logging  observability.LogConfig   `yaml:"logging"`
	Tracing  observability.TraceConfig `yaml:"tracing"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
}

type DatabaseConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

type LLMConfig struct {
	// DefaultProvider selects which provider drives the loop:
	// "anthropic" or "openai".
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

type AgentConfig struct {
	MaxIterations    int           `yaml:"max_iterations"`
	MaxTokens        int           `yaml:"max_tokens"`
	Model            string        `yaml:"model"`
	System           string        `yaml:"system"`
	HistoryLimit     int           `yaml:"history_limit"`
	StreamRetries    int           `yaml:"stream_retries"`
	StreamRetryDelay time.Duration `yaml:"stream_retry_delay"`
	StreamTimeout    time.Duration `yaml:"stream_timeout"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	ToolRetry        RetryConfig   `yaml:"tool_retry"`
}

type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

type SessionsConfig struct {
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
	ExpiryTTL     time.Duration `yaml:"expiry_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Load reads the configuration file, expanding ${VAR} references from the
// environment. A .env file next to the working directory is loaded first
// when present; it never overrides variables already set.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "quartermaster.db"
	}
	if cfg.Database.BusyTimeout == 0 {
		cfg.Database.BusyTimeout = 5 * time.Second
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 5
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 4096
	}
	if cfg.Agent.HistoryLimit == 0 {
		cfg.Agent.HistoryLimit = 50
	}
	if cfg.Agent.StreamRetries == 0 {
		cfg.Agent.StreamRetries = 2
	}
	if cfg.Agent.StreamRetryDelay == 0 {
		cfg.Agent.StreamRetryDelay = 2 * time.Second
	}
	if cfg.Agent.StreamTimeout == 0 {
		cfg.Agent.StreamTimeout = 2 * time.Minute
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = time.Minute
	}
	if cfg.Agent.ToolRetry.MaxRetries == 0 {
		cfg.Agent.ToolRetry.MaxRetries = 3
	}
	if cfg.Agent.ToolRetry.BaseDelay == 0 {
		cfg.Agent.ToolRetry.BaseDelay = 250 * time.Millisecond
	}
	if cfg.Agent.ToolRetry.MaxDelay == 0 {
		cfg.Agent.ToolRetry.MaxDelay = 5 * time.Second
	}
	if cfg.Sessions.LeaseTTL == 0 {
		cfg.Sessions.LeaseTTL = 2 * time.Minute
	}
	if cfg.Sessions.ExpiryTTL == 0 {
		cfg.Sessions.ExpiryTTL = 24 * time.Hour
	}
	if cfg.Sessions.SweepInterval == 0 {
		cfg.Sessions.SweepInterval = time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "quartermaster"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.LLM.DefaultProvider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown llm provider: %q", c.LLM.DefaultProvider)
	}
	if c.Agent.MaxIterations < 0 {
		return fmt.Errorf("agent.max_iterations must be positive")
	}
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort)
	}
	return nil
}

// Provider returns the config block for the selected default provider.
func (c *Config) Provider() LLMProviderConfig {
	return c.LLM.Providers[c.LLM.DefaultProvider]
}
