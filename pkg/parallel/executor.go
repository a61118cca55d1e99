package parallel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/harun/plinth/internal/observability"
	"github.com/harun/plinth/pkg/core"
	"github.com/harun/plinth/pkg/harness"
	"github.com/harun/plinth/pkg/tracestore"
)

// DefaultMaxWorkers bounds batch fan-out when no limit is configured.
const DefaultMaxWorkers = 4

// Executor runs tool call batches through a harness with conflict-aware
// scheduling. Results always come back in input order, and a failed
// call never cancels its siblings. When a TraceContext and artifact
// store are attached, every call records a TOOL_CALL span parented to
// the batch's enclosing span, with argument and output payloads stored
// by hash.
type Executor struct {
	harness    harness.Harness
	artifacts  *tracestore.ArtifactStore
	claimFor   ClaimFunc
	maxWorkers int
	logger     zerolog.Logger
}

// Config tunes an Executor. Zero values take defaults.
type Config struct {
	// MaxWorkers bounds concurrent groups.
	MaxWorkers int

	// Artifacts, when set, captures call arguments and outputs.
	Artifacts *tracestore.ArtifactStore

	// ClaimFor overrides the conflict claims; nil uses DefaultClaims.
	ClaimFor ClaimFunc
}

// NewExecutor creates an executor over h.
func NewExecutor(h harness.Harness, cfg Config, logger zerolog.Logger) (*Executor, error) {
	if h == nil {
		return nil, fmt.Errorf("harness is required")
	}
	observability.EnsureRegistered()

	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.ClaimFor == nil {
		cfg.ClaimFor = DefaultClaims
	}
	return &Executor{
		harness:    h,
		artifacts:  cfg.Artifacts,
		claimFor:   cfg.ClaimFor,
		maxWorkers: cfg.MaxWorkers,
		logger:     logger.With().Str("component", "parallel").Logger(),
	}, nil
}

// ExecuteBatch schedules the calls per the conflict plan and returns
// results in input order. tc may be nil, in which case no spans are
// recorded.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []core.ToolCall, tc *tracestore.TraceContext) []core.ToolResult {
	results := make([]core.ToolResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	plan := BuildPlan(calls, e.claimFor)
	observability.RecordParallelBatch(len(calls), plan.DemotedPairs)
	e.logger.Debug().
		Int("calls", len(calls)).
		Int("groups", len(plan.Groups)).
		Int("demoted_pairs", plan.DemotedPairs).
		Msg("Executing batch")

	p := pool.New().WithMaxGoroutines(e.maxWorkers)
	for _, group := range plan.Groups {
		group := group
		var branch *tracestore.TraceContext
		if tc != nil {
			branch = tc.Fork()
		}
		p.Go(func() {
			for _, idx := range group {
				results[idx] = e.runOne(ctx, calls[idx], branch)
			}
		})
	}
	p.Wait()

	return results
}

// runOne executes a single call under its branch's span. Tracing
// failures are logged and never turn a successful call into a failed
// one.
func (e *Executor) runOne(ctx context.Context, call core.ToolCall, branch *tracestore.TraceContext) core.ToolResult {
	if branch == nil {
		return e.harness.Execute(ctx, call)
	}

	spanID, err := branch.StartSpan(ctx, tracestore.KindToolCall, call.Name, map[string]interface{}{
		"call_id": call.ID,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("tool", call.Name).Msg("Failed to start span")
		return e.harness.Execute(ctx, call)
	}

	inputHash := e.putJSON(call.Arguments, "tool_args")

	result := e.harness.Execute(ctx, call)

	outputHash := ""
	if result.Content != "" {
		outputHash = e.putText(result.Content, "tool_output")
	}

	seal := tracestore.Seal{Status: tracestore.StatusOK, InputHash: inputHash, OutputHash: outputHash}
	if !result.Success {
		detail := result.Error
		if detail == "" {
			detail = "tool call failed"
		}
		seal.Status = tracestore.StatusError
		seal.ErrorDetail = detail
	}
	if err := branch.EndSpan(ctx, spanID, seal); err != nil {
		e.logger.Error().Err(err).Str("span_id", spanID).Msg("Failed to seal span")
	}

	return result
}

func (e *Executor) putJSON(v interface{}, kind string) string {
	if e.artifacts == nil || v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to encode artifact payload")
		return ""
	}
	hash, err := e.artifacts.Put(data, kind, "application/json")
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to store artifact")
		return ""
	}
	return hash
}

func (e *Executor) putText(content, kind string) string {
	if e.artifacts == nil {
		return ""
	}
	hash, err := e.artifacts.PutString(content, kind, "text/plain")
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to store artifact")
		return ""
	}
	return hash
}
