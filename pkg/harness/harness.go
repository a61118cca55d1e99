package harness

import (
	"context"
	"errors"

	"github.com/harun/plinth/pkg/core"
)

// Handler is the function signature for tool execution. It returns the
// textual output fed back to the model.
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

// Harness is the dispatch boundary between the agent loop and tool
// implementations. Execution backends are interchangeable behind it.
type Harness interface {
	// Execute runs a single tool call and always returns a result;
	// failures are reported inside the result, never as a panic.
	Execute(ctx context.Context, call core.ToolCall) core.ToolResult

	// ExecuteParallel runs a batch of tool calls and returns results
	// in input order.
	ExecuteParallel(ctx context.Context, calls []core.ToolCall) []core.ToolResult

	// Schemas returns the tool schemas this harness can dispatch.
	Schemas() []core.ToolSchema
}

var (
	// ErrToolNotFound is returned when no tool matches the call name.
	ErrToolNotFound = errors.New("tool not found")

	// ErrReplayExhausted is returned when a replay harness runs out of
	// recorded results.
	ErrReplayExhausted = errors.New("replay recording exhausted")

	// ErrReplayMismatch is returned when a replayed call does not match
	// the recorded one.
	ErrReplayMismatch = errors.New("replay call mismatch")
)
