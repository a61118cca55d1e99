package config

import (
	"fmt"
	"strings"
)

// Validator validates individual configuration values. The CLI uses it
// to give field-level feedback before a full Config.Validate pass.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateCronSchedule rejects obviously malformed cron expressions.
// Full parsing is left to the scheduler that consumes it.
func (v *Validator) ValidateCronSchedule(schedule string) error {
	if strings.TrimSpace(schedule) == "" {
		return fmt.Errorf("cron schedule cannot be empty")
	}
	fields := strings.Fields(schedule)
	if len(fields) != 5 && len(fields) != 6 {
		return fmt.Errorf("cron schedule must have 5 or 6 fields, got %d", len(fields))
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if cfg.Model.Provider != "scripted" && cfg.Model.APIKey != "" {
		if err := v.ValidateAPIKey(cfg.Model.APIKey, cfg.Model.Provider); err != nil {
			errors = append(errors, err)
		}
	}

	if cfg.Model.Temperature != 0 {
		if err := v.ValidateTemperature(cfg.Model.Temperature); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Model.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Model.MaxTokens); err != nil {
			errors = append(errors, err)
		}
	}

	if cfg.Trace.SweepSchedule != "" {
		if err := v.ValidateCronSchedule(cfg.Trace.SweepSchedule); err != nil {
			errors = append(errors, err)
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	if err := cfg.Validate(); err != nil {
		errors = append(errors, err)
	}

	return errors
}
