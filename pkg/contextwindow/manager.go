// Package contextwindow assembles model-ready message windows under a
// fixed token budget. Costs are estimates: content length divided by a
// chars-per-token ratio plus a fixed per-message overhead. Truncation is
// drop-oldest and whole-message only; a message is never split.
package contextwindow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/plinth/internal/observability"
	"github.com/harun/plinth/pkg/core"
	"github.com/harun/plinth/pkg/session"
)

const (
	// DefaultCharsPerToken mirrors the common 4-chars-per-token estimate.
	DefaultCharsPerToken = 4

	// DefaultMessageOverhead covers role and framing tokens per message.
	DefaultMessageOverhead = 4

	previewLen = 80
)

// Config holds the budget knobs for a Manager.
type Config struct {
	Budget          int
	CharsPerToken   int
	MessageOverhead int
}

// Manager builds context windows. Same session state in, same window out.
type Manager struct {
	cfg    Config
	logger zerolog.Logger
}

// NewManager validates the config and creates a manager.
func NewManager(cfg Config, logger zerolog.Logger) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.Budget <= 0 {
		return nil, fmt.Errorf("budget must be positive, got %d", cfg.Budget)
	}
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = DefaultCharsPerToken
	}
	if cfg.MessageOverhead < 0 {
		return nil, fmt.Errorf("message overhead cannot be negative, got %d", cfg.MessageOverhead)
	}

	return &Manager{
		cfg:    cfg,
		logger: logger.With().Str("component", "contextwindow").Logger(),
	}, nil
}

// Result is the outcome of one window build.
type Result struct {
	// Messages is the model-ready window: the system message first when
	// present, then the kept conversation suffix in chronological order.
	Messages []core.Message

	TokensUsed   int
	Budget       int
	SchemaTokens int

	// Headroom is the budget left after the window. Negative when a
	// mandatory message alone exceeds the budget.
	Headroom int

	// Truncation is non-nil when messages were dropped; the same event
	// is recorded on the session.
	Truncation *session.TruncationEvent
}

// EstimateMessage returns the token cost estimate for one message.
func (m *Manager) EstimateMessage(msg core.Message) int {
	return len(msg.Content)/m.cfg.CharsPerToken + m.cfg.MessageOverhead
}

// EstimateSchemas returns the token cost estimate for the tool schema
// payload sent alongside the conversation.
func (m *Manager) EstimateSchemas(schemas []core.ToolSchema) int {
	total := 0
	for _, s := range schemas {
		doc, err := json.Marshal(s.JSONSchema())
		if err != nil {
			doc = nil
		}
		chars := len(s.Name) + len(s.Description) + len(doc)
		total += chars/m.cfg.CharsPerToken + m.cfg.MessageOverhead
	}
	return total
}

// Build assembles the window for a session. The system message's cost is
// reserved unconditionally, schema cost is subtracted up front, and the
// remaining conversation is walked newest to oldest, keeping messages
// while they fit. Every truncation is recorded on the session.
func (m *Manager) Build(sess *session.Session, schemas []core.ToolSchema) (Result, error) {
	if sess == nil {
		return Result{}, fmt.Errorf("session is required")
	}

	msgs := sess.Messages()

	var system *core.Message
	rest := make([]core.Message, 0, len(msgs))
	for i := range msgs {
		if system == nil && msgs[i].Role == core.RoleSystem {
			system = &msgs[i]
			continue
		}
		rest = append(rest, msgs[i])
	}

	schemaTokens := m.EstimateSchemas(schemas)
	systemTokens := 0
	if system != nil {
		systemTokens = m.EstimateMessage(*system)
	}

	available := m.cfg.Budget - schemaTokens - systemTokens

	// Newest to oldest: keep while it fits, stop at the first message
	// that does not. Everything older is dropped wholesale.
	kept := 0
	used := 0
	for i := len(rest) - 1; i >= 0; i-- {
		cost := m.EstimateMessage(rest[i])
		if used+cost > available {
			break
		}
		used += cost
		kept++
	}

	// A window must never be empty of conversation: when even the newest
	// message is over budget it is kept alone and the deficit surfaced.
	if kept == 0 && len(rest) > 0 {
		kept = 1
		used = m.EstimateMessage(rest[len(rest)-1])
	}

	window := rest[len(rest)-kept:]
	dropped := rest[:len(rest)-kept]

	var truncation *session.TruncationEvent
	if len(dropped) > 0 {
		droppedTokens := 0
		for _, msg := range dropped {
			droppedTokens += m.EstimateMessage(msg)
		}
		ev := session.TruncationEvent{
			DroppedMessages: len(dropped),
			DroppedTokens:   droppedTokens,
			OldestPreview:   preview(dropped[0].Content),
			Reason:          "budget exceeded",
			Timestamp:       time.Now().UTC(),
		}
		if err := sess.RecordTruncation(ev); err != nil {
			return Result{}, fmt.Errorf("failed to record truncation: %w", err)
		}
		observability.RecordTruncation(len(dropped))
		truncation = &ev

		m.logger.Warn().
			Str("session_id", sess.ID()).
			Int("dropped_messages", ev.DroppedMessages).
			Int("dropped_tokens", ev.DroppedTokens).
			Int("budget", m.cfg.Budget).
			Msg("Context window truncated")
	}

	out := make([]core.Message, 0, len(window)+1)
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, window...)

	tokensUsed := schemaTokens + systemTokens + used
	headroom := m.cfg.Budget - tokensUsed
	if headroom < 0 {
		m.logger.Warn().
			Str("session_id", sess.ID()).
			Int("headroom", headroom).
			Msg("Mandatory window content exceeds budget")
	}

	return Result{
		Messages:     out,
		TokensUsed:   tokensUsed,
		Budget:       m.cfg.Budget,
		SchemaTokens: schemaTokens,
		Headroom:     headroom,
		Truncation:   truncation,
	}, nil
}

func preview(s string) string {
	if len(s) <= previewLen {
		return s
	}
	return s[:previewLen]
}
