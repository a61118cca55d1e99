package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the runtime configuration
type Config struct {
	// Data directory for traces, artifacts and sessions
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Workspace root the built-in tools operate under
	WorkspaceRoot string `json:"workspace_root" mapstructure:"workspace_root"`

	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
	Model    ModelConfig    `json:"model" mapstructure:"model"`
	Context  ContextConfig  `json:"context" mapstructure:"context"`
	Loop     LoopConfig     `json:"loop" mapstructure:"loop"`
	Trace    TraceConfig    `json:"trace" mapstructure:"trace"`
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`
	Policy   PolicyConfig   `json:"policy" mapstructure:"policy"`
	Parallel ParallelConfig `json:"parallel" mapstructure:"parallel"`
	Metrics  MetricsConfig  `json:"metrics" mapstructure:"metrics"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	Pretty     bool   `json:"pretty" mapstructure:"pretty"`
	Redaction  bool   `json:"redaction" mapstructure:"redaction"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// ModelConfig holds model client configuration
type ModelConfig struct {
	Provider    string  `json:"provider" mapstructure:"provider"` // anthropic, openai, scripted
	Name        string  `json:"name" mapstructure:"name"`
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries  int     `json:"max_retries" mapstructure:"max_retries"`
}

// ContextConfig holds context window configuration
type ContextConfig struct {
	Budget          int `json:"budget" mapstructure:"budget"`
	CharsPerToken   int `json:"chars_per_token" mapstructure:"chars_per_token"`
	MessageOverhead int `json:"message_overhead" mapstructure:"message_overhead"`
}

// LoopConfig holds agent loop configuration
type LoopConfig struct {
	MaxSteps           int `json:"max_steps" mapstructure:"max_steps"`
	ToolTimeoutSeconds int `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
}

// TraceConfig holds trace and artifact store configuration
type TraceConfig struct {
	DBPath        string `json:"db_path" mapstructure:"db_path"`
	ArtifactDir   string `json:"artifact_dir" mapstructure:"artifact_dir"`
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule"` // cron expression
}

// SessionsConfig holds session archive configuration
type SessionsConfig struct {
	Dir string `json:"dir" mapstructure:"dir"`
}

// PolicyConfig holds safety policy configuration
type PolicyConfig struct {
	RulesPath string `json:"rules_path" mapstructure:"rules_path"`
	Watch     bool   `json:"watch" mapstructure:"watch"`
}

// ParallelConfig holds parallel executor configuration
type ParallelConfig struct {
	MaxWorkers int `json:"max_workers" mapstructure:"max_workers"`
}

// MetricsConfig holds the metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			Pretty:     true,
			Redaction:  true,
			MaxSizeMB:  100,
			MaxAgeDays: 7,
			Compress:   true,
		},
		Model: ModelConfig{
			Provider:    "anthropic",
			Name:        "claude-sonnet-4",
			Temperature: 0.7,
			MaxTokens:   4096,
			MaxRetries:  3,
		},
		Context: ContextConfig{
			Budget:          8000,
			CharsPerToken:   4,
			MessageOverhead: 4,
		},
		Loop: LoopConfig{
			MaxSteps:           10,
			ToolTimeoutSeconds: 60,
		},
		Trace: TraceConfig{
			RetentionDays: 30,
			SweepSchedule: "0 3 * * *",
		},
		Policy: PolicyConfig{
			Watch: true,
		},
		Parallel: ParallelConfig{
			MaxWorkers: 4,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9091",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "anthropic", "openai", "scripted":
	default:
		return fmt.Errorf("invalid model provider %s (must be: anthropic, openai, scripted)", c.Model.Provider)
	}

	if c.Model.Provider != "scripted" {
		if c.Model.Name == "" {
			return fmt.Errorf("model name is required")
		}
		if c.Model.APIKey == "" {
			return fmt.Errorf("model api_key is required for provider %s", c.Model.Provider)
		}
	}

	if c.Context.Budget <= 0 {
		return fmt.Errorf("context budget must be positive, got %d", c.Context.Budget)
	}
	if c.Context.CharsPerToken <= 0 {
		return fmt.Errorf("context chars_per_token must be positive, got %d", c.Context.CharsPerToken)
	}
	if c.Context.MessageOverhead < 0 {
		return fmt.Errorf("context message_overhead cannot be negative, got %d", c.Context.MessageOverhead)
	}

	if c.Loop.MaxSteps <= 0 {
		return fmt.Errorf("loop max_steps must be positive, got %d", c.Loop.MaxSteps)
	}
	if c.Loop.ToolTimeoutSeconds <= 0 {
		return fmt.Errorf("loop tool_timeout_seconds must be positive, got %d", c.Loop.ToolTimeoutSeconds)
	}

	if c.Parallel.MaxWorkers <= 0 {
		return fmt.Errorf("parallel max_workers must be positive, got %d", c.Parallel.MaxWorkers)
	}

	if c.Trace.RetentionDays < 0 {
		return fmt.Errorf("trace retention_days cannot be negative, got %d", c.Trace.RetentionDays)
	}

	return nil
}
