package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/plinth/internal/observability"
	"github.com/harun/plinth/pkg/core"
)

const (
	// DefaultMaxTokens caps model output when the config leaves it unset.
	DefaultMaxTokens = 4096

	// DefaultMaxRetries is the RetryClient attempt ceiling.
	DefaultMaxRetries = 3
)

// TokenUsage tracks token consumption for one call or one whole run.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatResponse is one model turn: assistant text plus any tool calls
// the model wants executed before it continues.
type ChatResponse struct {
	Content      string
	ToolCalls    []core.ToolCall
	FinishReason string
	Usage        *TokenUsage
}

// ModelClient is the inference contract the loop consumes. Retry and
// backoff for transient failures belong to the client, not the loop;
// wrap any implementation in a RetryClient to get them.
type ModelClient interface {
	Chat(ctx context.Context, messages []core.Message, tools []core.ToolSchema) (*ChatResponse, error)
	Provider() string
}

// ClientConfig configures a provider-backed model client.
type ClientConfig struct {
	Provider    string  `json:"provider"`
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// NewClient builds a model client for the configured provider.
func NewClient(cfg ClientConfig) (ModelClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicClient(cfg), nil
	case "openai":
		return NewOpenAIClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// IsRetryableError reports whether a provider error is worth retrying:
// rate limits, server-side errors, and transient network failures.
// Cancellation is never retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504",
		"connection reset", "connection refused", "timeout",
		"econnreset", "etimedout", "unexpected eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RetryConfig holds the backoff knobs for a RetryClient.
type RetryConfig struct {
	// MaxRetries is the attempt ceiling, default 3.
	MaxRetries int

	// BaseDelay is the first backoff, doubled per attempt, default 1s.
	BaseDelay time.Duration
}

// RetryClient wraps a ModelClient with exponential backoff on retryable
// provider errors. Non-retryable errors pass through on the first hit.
type RetryClient struct {
	inner      ModelClient
	maxRetries int
	baseDelay  time.Duration
	logger     zerolog.Logger
}

// NewRetryClient decorates inner with retry behavior.
func NewRetryClient(inner ModelClient, cfg RetryConfig, logger zerolog.Logger) (*RetryClient, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner client is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	return &RetryClient{
		inner:      inner,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		logger:     logger.With().Str("component", "model_retry").Logger(),
	}, nil
}

// Provider returns the wrapped client's provider name.
func (c *RetryClient) Provider() string {
	return c.inner.Provider()
}

// Chat calls the wrapped client, retrying retryable failures with
// exponential backoff: base, 2x base, 4x base.
func (c *RetryClient) Chat(ctx context.Context, messages []core.Message, tools []core.ToolSchema) (*ChatResponse, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		response, err := c.inner.Chat(ctx, messages, tools)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return nil, err
		}
		if attempt == c.maxRetries-1 {
			break
		}

		delay := c.baseDelay << attempt
		c.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying model call")
		observability.RecordModelRetry(c.inner.Provider())

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}
