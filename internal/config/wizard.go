package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
}

// NewWizard creates a new configuration wizard
func NewWizard() *Wizard {
	return &Wizard{
		reader: bufio.NewReader(os.Stdin),
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Println("=== Plinth Configuration Wizard ===")
	fmt.Println()

	cfg := DefaultConfig()
	validator := NewValidator()

	// Provider
	fmt.Println("Model provider options:")
	fmt.Println("  anthropic - Anthropic Messages API (default)")
	fmt.Println("  openai    - OpenAI Chat Completions API")
	fmt.Println("  scripted  - replay a local turn script, no API calls")
	for {
		fmt.Print("Provider [anthropic]: ")
		provider, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if provider == "" {
			provider = "anthropic"
		}

		switch strings.ToLower(provider) {
		case "anthropic":
			cfg.Model.Provider = "anthropic"
		case "openai":
			cfg.Model.Provider = "openai"
			cfg.Model.Name = "gpt-4o"
		case "scripted":
			cfg.Model.Provider = "scripted"
			cfg.Model.Name = ""
		default:
			fmt.Printf("Error: unknown provider %s\n", provider)
			continue
		}
		break
	}

	fmt.Println()

	if cfg.Model.Provider != "scripted" {
		// API Key
		for {
			fmt.Printf("%s API key: ", cfg.Model.Provider)
			key, err := w.readLine()
			if err != nil {
				return nil, err
			}

			if key == "" {
				fmt.Printf("Error: an API key is required for provider %s\n", cfg.Model.Provider)
				continue
			}

			if err := validator.ValidateAPIKey(key, cfg.Model.Provider); err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}

			cfg.Model.APIKey = key
			break
		}

		// Model name
		fmt.Printf("Model name [%s]: ", cfg.Model.Name)
		model, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if model != "" {
			cfg.Model.Name = model
		}

		fmt.Println()
	}

	// Workspace root
	fmt.Print("Workspace root for the built-in tools (press Enter for the current directory): ")
	root, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if root != "" {
		cfg.WorkspaceRoot = root
	}

	fmt.Println()

	// Log Level
	fmt.Println("Logging:")
	fmt.Print("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Println()
	fmt.Println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
