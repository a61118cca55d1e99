package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/harun/plinth/pkg/core"
)

// ErrScriptExhausted is returned when a scripted client is asked for
// more turns than its script holds.
var ErrScriptExhausted = errors.New("scripted client exhausted")

// Turn is one scripted model response.
type Turn struct {
	Content   string          `json:"content"`
	ToolCalls []core.ToolCall `json:"tool_calls,omitempty"`
}

// ScriptedClient plays a fixed turn script in order, giving the loop a
// deterministic model for tests and demos. Once the script runs out it
// fails closed instead of improvising.
type ScriptedClient struct {
	mu      sync.Mutex
	turns   []Turn
	cursor  int
	windows [][]core.Message
}

// NewScriptedClient builds a client that serves the given turns.
func NewScriptedClient(turns []Turn) *ScriptedClient {
	return &ScriptedClient{turns: turns}
}

// Provider returns the provider name.
func (c *ScriptedClient) Provider() string {
	return "scripted"
}

// Chat returns the next scripted turn. The received window is recorded
// for inspection regardless of whether a turn remains.
func (c *ScriptedClient) Chat(ctx context.Context, messages []core.Message, tools []core.ToolSchema) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	window := make([]core.Message, len(messages))
	for i, m := range messages {
		window[i] = m.Clone()
	}
	c.windows = append(c.windows, window)

	if c.cursor >= len(c.turns) {
		return nil, fmt.Errorf("%w after %d turns", ErrScriptExhausted, c.cursor)
	}

	turn := c.turns[c.cursor]
	c.cursor++

	calls := make([]core.ToolCall, len(turn.ToolCalls))
	for i, tc := range turn.ToolCalls {
		calls[i] = tc.Clone()
	}

	finish := "stop"
	if len(calls) > 0 {
		finish = "tool_calls"
	}
	return &ChatResponse{
		Content:      turn.Content,
		ToolCalls:    calls,
		FinishReason: finish,
	}, nil
}

// Calls returns how many chat calls the client has received.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

// Windows returns the message windows each call received, in order.
func (c *ScriptedClient) Windows() [][]core.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]core.Message, len(c.windows))
	copy(out, c.windows)
	return out
}
