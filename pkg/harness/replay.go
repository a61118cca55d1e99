package harness

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harun/plinth/pkg/core"
)

// Exchange is one recorded call/result pair.
type Exchange struct {
	Call   core.ToolCall   `json:"call"`
	Result core.ToolResult `json:"result"`
}

// Recorder decorates a live harness and captures every exchange that
// passes through it. The transcript feeds a Replay harness later.
type Recorder struct {
	inner Harness

	mu         sync.Mutex
	transcript []Exchange
}

// NewRecorder wraps a harness.
func NewRecorder(inner Harness) (*Recorder, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner harness is required")
	}
	return &Recorder{inner: inner}, nil
}

// Execute dispatches through the wrapped harness and records the exchange.
func (r *Recorder) Execute(ctx context.Context, call core.ToolCall) core.ToolResult {
	result := r.inner.Execute(ctx, call)

	r.mu.Lock()
	r.transcript = append(r.transcript, Exchange{Call: call.Clone(), Result: result})
	r.mu.Unlock()

	return result
}

// ExecuteParallel dispatches the batch and records exchanges in input
// order, regardless of completion order underneath.
func (r *Recorder) ExecuteParallel(ctx context.Context, calls []core.ToolCall) []core.ToolResult {
	results := r.inner.ExecuteParallel(ctx, calls)

	r.mu.Lock()
	for i, call := range calls {
		r.transcript = append(r.transcript, Exchange{Call: call.Clone(), Result: results[i]})
	}
	r.mu.Unlock()

	return results
}

// Schemas returns the wrapped harness's schemas.
func (r *Recorder) Schemas() []core.ToolSchema {
	return r.inner.Schemas()
}

// Transcript returns a copy of the recorded exchanges in dispatch order.
func (r *Recorder) Transcript() []Exchange {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Exchange, len(r.transcript))
	copy(out, r.transcript)
	return out
}

// Replay reproduces a recorded transcript in its original order. It
// fails closed: an exhausted recording or a call that does not match
// the next recorded one produces a failed result, never a panic and
// never a silently wrong answer.
type Replay struct {
	logger  zerolog.Logger
	schemas []core.ToolSchema

	mu         sync.Mutex
	transcript []Exchange
	cursor     int
}

// NewReplay creates a replay harness over a transcript. The schemas are
// advertised to the model exactly as the live harness would advertise
// them, keeping the loop unaware of the swap.
func NewReplay(schemas []core.ToolSchema, transcript []Exchange, logger zerolog.Logger) *Replay {
	recorded := make([]Exchange, len(transcript))
	copy(recorded, transcript)

	return &Replay{
		logger:     logger.With().Str("component", "harness_replay").Logger(),
		schemas:    schemas,
		transcript: recorded,
	}
}

// Schemas returns the schemas the replay harness advertises.
func (r *Replay) Schemas() []core.ToolSchema {
	out := make([]core.ToolSchema, len(r.schemas))
	copy(out, r.schemas)
	return out
}

// Remaining reports how many recorded exchanges are still unplayed.
func (r *Replay) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transcript) - r.cursor
}

// Execute returns the next recorded result. The incoming call must name
// the same tool as the recording; when both carry call IDs those must
// match too.
func (r *Replay) Execute(ctx context.Context, call core.ToolCall) core.ToolResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cursor >= len(r.transcript) {
		r.logger.Error().Str("tool", call.Name).Msg("Replay exhausted")
		return core.FailedResult(call.ID, fmt.Errorf("%w: no recording for call %s", ErrReplayExhausted, call.Name))
	}

	next := r.transcript[r.cursor]
	if next.Call.Name != call.Name {
		r.logger.Error().
			Str("expected", next.Call.Name).
			Str("got", call.Name).
			Int("position", r.cursor).
			Msg("Replay tool mismatch")
		return core.FailedResult(call.ID, fmt.Errorf("%w: recorded %s at position %d, got %s",
			ErrReplayMismatch, next.Call.Name, r.cursor, call.Name))
	}
	if next.Call.ID != "" && call.ID != "" && next.Call.ID != call.ID {
		r.logger.Error().
			Str("expected", next.Call.ID).
			Str("got", call.ID).
			Int("position", r.cursor).
			Msg("Replay call id mismatch")
		return core.FailedResult(call.ID, fmt.Errorf("%w: recorded call id %s at position %d, got %s",
			ErrReplayMismatch, next.Call.ID, r.cursor, call.ID))
	}

	r.cursor++

	result := next.Result
	result.ToolCallID = call.ID
	return result
}

// ExecuteParallel replays the batch strictly in input order. Replay is
// sequential on purpose: the transcript is ordered and racing the
// cursor would reorder answers.
func (r *Replay) ExecuteParallel(ctx context.Context, calls []core.ToolCall) []core.ToolResult {
	results := make([]core.ToolResult, len(calls))
	for i, call := range calls {
		results[i] = r.Execute(ctx, call)
	}
	return results
}
