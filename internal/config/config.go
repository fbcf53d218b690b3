package config

import (
	"fmt"
	"time"
)

// Config is the main configuration structure for metagen.
type Config struct {
	Database    DatabaseConfig     `yaml:"database"`
	LLM         LLMConfig          `yaml:"llm"`
	Agent       AgentConfig        `yaml:"agent"`
	Tools       ToolsConfig        `yaml:"tools"`
	ToolServers []ToolServerConfig `yaml:"tool_servers"`
	Logging     LoggingConfig      `yaml:"logging"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Tracing     TracingConfig      `yaml:"tracing"`
}

// DatabaseConfig configures the SQLite memory store.
type DatabaseConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for
	// throwaway sessions.
	Path string `yaml:"path"`

	// BusyTimeout is how long a writer waits on a locked database before
	// failing.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// LLMConfig selects and configures the language model provider.
type LLMConfig struct {
	// Provider is one of "anthropic", "openai", "gemini".
	Provider string `yaml:"provider"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// APIKey authenticates with the provider. Usually set via environment
	// expansion, e.g. api_key: ${ANTHROPIC_API_KEY}
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint (proxies, regional endpoints).
	BaseURL string `yaml:"base_url"`

	// MaxTokens caps the completion length per request.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature controls sampling randomness. Nil uses the provider default.
	Temperature *float64 `yaml:"temperature"`
}

// AgentConfig bounds the agentic tool loop.
type AgentConfig struct {
	// MaxIterations is the maximum number of LLM round-trips per turn.
	MaxIterations int `yaml:"max_iterations"`

	// MaxToolsPerTurn is the maximum number of tool executions per turn.
	MaxToolsPerTurn int `yaml:"max_tools_per_turn"`

	// MaxRepeatedCalls is how many times an identical tool call (same name
	// and arguments) may run before the loop skips it.
	MaxRepeatedCalls int `yaml:"max_repeated_calls"`

	// MaxTokenBudget is the total token budget per turn.
	MaxTokenBudget int `yaml:"max_token_budget"`

	// SystemPrompt replaces the built-in assistant instructions.
	SystemPrompt string `yaml:"system_prompt"`

	// HistoryLimit is how many recent turns are replayed to the model.
	HistoryLimit int `yaml:"history_limit"`
}

// ToolsConfig controls tool availability.
type ToolsConfig struct {
	// Disabled lists tool names that must never execute.
	Disabled []string `yaml:"disabled"`

	// RequireApproval lists tool names that need a user decision before
	// executing.
	RequireApproval []string `yaml:"require_approval"`
}

// ToolServerConfig describes one subprocess tool server.
type ToolServerConfig struct {
	// Name identifies the server in logs, metrics, and tool routing.
	Name string `yaml:"name"`

	// Command is the executable to spawn.
	Command string `yaml:"command"`

	// Args are passed to the command.
	Args []string `yaml:"args"`

	// Env adds environment variables to the subprocess. The database path
	// is always injected as METAGEN_DB_PATH.
	Env map[string]string `yaml:"env"`

	// HealthInterval is the period between liveness probes.
	HealthInterval time.Duration `yaml:"health_interval"`

	// MaxRestarts is how many consecutive restart attempts are made before
	// the server is marked failed.
	MaxRestarts int `yaml:"max_restarts"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled starts an HTTP listener exposing /metrics.
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address, e.g. "127.0.0.1:9090".
	Addr string `yaml:"addr"`
}

// TracingConfig configures OpenTelemetry trace export.
type TracingConfig struct {
	// Endpoint is the OTLP collector endpoint. Empty disables tracing.
	Endpoint string `yaml:"endpoint"`

	// SamplingRate is the fraction of traces recorded (0.0 to 1.0).
	SamplingRate float64 `yaml:"sampling_rate"`

	// Environment tags exported spans (production, staging, dev).
	Environment string `yaml:"environment"`

	// Insecure disables TLS for the OTLP connection.
	Insecure bool `yaml:"insecure"`
}

// Default returns a configuration with all defaults applied, suitable for
// running without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Path == "" {
		cfg.Database.Path = "metagen.db"
	}
	if cfg.Database.BusyTimeout == 0 {
		cfg.Database.BusyTimeout = 5 * time.Second
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 50
	}
	if cfg.Agent.MaxToolsPerTurn == 0 {
		cfg.Agent.MaxToolsPerTurn = 100
	}
	if cfg.Agent.MaxRepeatedCalls == 0 {
		cfg.Agent.MaxRepeatedCalls = 5
	}
	if cfg.Agent.MaxTokenBudget == 0 {
		cfg.Agent.MaxTokenBudget = 1_000_000
	}
	if cfg.Agent.HistoryLimit == 0 {
		cfg.Agent.HistoryLimit = 50
	}
	for i := range cfg.ToolServers {
		if cfg.ToolServers[i].HealthInterval == 0 {
			cfg.ToolServers[i].HealthInterval = 30 * time.Second
		}
		if cfg.ToolServers[i].MaxRestarts == 0 {
			cfg.ToolServers[i].MaxRestarts = 5
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:9090"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate checks the configuration for contradictions that would surface
// later as confusing runtime failures.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai", "gemini":
	default:
		return fmt.Errorf("llm.provider must be one of anthropic, openai, gemini; got %q", c.LLM.Provider)
	}

	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be positive; got %d", c.Agent.MaxIterations)
	}
	if c.Agent.MaxToolsPerTurn < 1 {
		return fmt.Errorf("agent.max_tools_per_turn must be positive; got %d", c.Agent.MaxToolsPerTurn)
	}
	if c.Agent.MaxRepeatedCalls < 1 {
		return fmt.Errorf("agent.max_repeated_calls must be positive; got %d", c.Agent.MaxRepeatedCalls)
	}
	if c.Agent.MaxTokenBudget < 1 {
		return fmt.Errorf("agent.max_token_budget must be positive; got %d", c.Agent.MaxTokenBudget)
	}

	seen := make(map[string]bool, len(c.ToolServers))
	for _, ts := range c.ToolServers {
		if ts.Name == "" {
			return fmt.Errorf("tool_servers entries require a name")
		}
		if ts.Command == "" {
			return fmt.Errorf("tool server %q requires a command", ts.Name)
		}
		if seen[ts.Name] {
			return fmt.Errorf("duplicate tool server name %q", ts.Name)
		}
		seen[ts.Name] = true
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be between 0 and 1; got %v", c.Tracing.SamplingRate)
	}

	return nil
}
