package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/plinth/internal/observability"
	"github.com/harun/plinth/internal/tracing"
	"github.com/harun/plinth/pkg/contextwindow"
	"github.com/harun/plinth/pkg/core"
	"github.com/harun/plinth/pkg/harness"
	"github.com/harun/plinth/pkg/parallel"
	"github.com/harun/plinth/pkg/policy"
	"github.com/harun/plinth/pkg/session"
	"github.com/harun/plinth/pkg/tracestore"
	"github.com/harun/plinth/pkg/verify"
)

// DefaultMaxSteps caps turns per run when the config leaves it unset.
const DefaultMaxSteps = 10

// Outcome is the terminal state of a run. The three are mutually
// exclusive: a finished answer, an exhausted step budget, and a fatal
// runtime error are never conflated.
type Outcome string

const (
	OutcomeFinished Outcome = "FINISHED"
	OutcomeMaxSteps Outcome = "MAX_STEPS"
	OutcomeErrored  Outcome = "ERRORED"
)

// Config wires a Loop's collaborators. Client, Harness, and Window are
// required; the rest degrade gracefully when absent.
type Config struct {
	Client  ModelClient
	Harness harness.Harness
	Window  *contextwindow.Manager

	// Session is the conversation to continue; a fresh one is created
	// when nil.
	Session *session.Session

	// MaxSteps is the turn ceiling, default DefaultMaxSteps.
	MaxSteps int

	// Policy screens calls before dispatch and redacts outbound tool
	// content when set.
	Policy *policy.Engine

	// Verifier attaches contract verdicts to tool results when set.
	Verifier *verify.Engine

	// Trace records turn/model/tool spans when set.
	Trace *tracestore.TraceContext

	// Parallel dispatches each batch concurrently when set; calls run
	// serially in issue order otherwise.
	Parallel *parallel.Executor
}

// Loop is the turn-based control loop. Each step builds a bounded
// window, calls the model, dispatches whatever tool calls come back,
// and appends the results for the next turn. The loop owns its session
// for the lifetime of the run and never retries model calls.
type Loop struct {
	client   ModelClient
	harness  harness.Harness
	window   *contextwindow.Manager
	sess     *session.Session
	maxSteps int
	policy   *policy.Engine
	verifier *verify.Engine
	trace    *tracestore.TraceContext
	parallel *parallel.Executor
	logger   zerolog.Logger
}

// NewLoop validates the config and creates a loop.
func NewLoop(cfg Config, logger zerolog.Logger) (*Loop, error) {
	observability.EnsureRegistered()

	if cfg.Client == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if cfg.Harness == nil {
		return nil, fmt.Errorf("harness is required")
	}
	if cfg.Window == nil {
		return nil, fmt.Errorf("context window manager is required")
	}

	sess := cfg.Session
	if sess == nil {
		sess = session.New("")
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	return &Loop{
		client:   cfg.Client,
		harness:  cfg.Harness,
		window:   cfg.Window,
		sess:     sess,
		maxSteps: maxSteps,
		policy:   cfg.Policy,
		verifier: cfg.Verifier,
		trace:    cfg.Trace,
		parallel: cfg.Parallel,
		logger:   logger.With().Str("component", "agent").Logger(),
	}, nil
}

// Session returns the conversation the loop owns.
func (l *Loop) Session() *session.Session {
	return l.sess
}

// Result is the terminal state of one run.
type Result struct {
	Outcome  Outcome `json:"outcome"`
	Response string  `json:"response,omitempty"`

	Steps    int `json:"steps"`
	MaxSteps int `json:"max_steps"`

	ToolCalls    int `json:"tool_calls"`
	BlockedCalls int `json:"blocked_calls"`

	Verifications []verify.VerificationResult `json:"verifications,omitempty"`
	Usage         TokenUsage                  `json:"usage"`
}

// Run appends the prompt and turns the loop until the model answers
// without tool calls, the step budget runs out, or something fatal
// happens. The returned error is non-nil exactly when the outcome is
// ERRORED; an exhausted step budget is a distinct outcome, not an error.
func (l *Loop) Run(ctx context.Context, prompt string) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if l.trace != nil && tracing.GetTraceID(ctx) == "" {
		ctx = tracing.WithTraceID(ctx, l.trace.TraceID())
	}
	ctx = tracing.WithSessionID(ctx, l.sess.ID())
	ctx, otelSpan := tracing.StartSpan(
		ctx,
		"plinth.agent",
		"agent.run",
		attribute.String("session_id", l.sess.ID()),
	)
	defer otelSpan.End()

	logger := tracing.LoggerFromContext(ctx, l.logger)
	result := Result{MaxSteps: l.maxSteps}

	if prompt != "" {
		if err := l.sess.Append(core.NewMessage(core.RoleUser, prompt)); err != nil {
			return l.errored(result, fmt.Errorf("failed to record prompt: %w", err))
		}
	}

	for step := 0; step < l.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			otelSpan.RecordError(err)
			otelSpan.SetStatus(codes.Error, err.Error())
			return l.errored(result, err)
		}
		result.Steps = step + 1

		turnSpan := l.startSpan(ctx, tracestore.KindTurn, fmt.Sprintf("turn-%02d", step+1), map[string]interface{}{
			"step": step + 1,
		})

		response, err := l.modelTurn(ctx, logger)
		if err != nil {
			l.endSpan(ctx, turnSpan, tracestore.ErrorSeal(err))
			otelSpan.RecordError(err)
			otelSpan.SetStatus(codes.Error, err.Error())
			return l.errored(result, err)
		}
		if response.Usage != nil {
			result.Usage.InputTokens += response.Usage.InputTokens
			result.Usage.OutputTokens += response.Usage.OutputTokens
		}

		assistant := core.NewMessage(core.RoleAssistant, response.Content)
		assistant.ToolCalls = response.ToolCalls
		if err := l.sess.Append(assistant); err != nil {
			err = fmt.Errorf("failed to record assistant message: %w", err)
			l.endSpan(ctx, turnSpan, tracestore.ErrorSeal(err))
			return l.errored(result, err)
		}

		if len(response.ToolCalls) == 0 {
			l.endSpan(ctx, turnSpan, tracestore.OKSeal())
			result.Outcome = OutcomeFinished
			result.Response = response.Content
			observability.RecordLoopOutcome(string(OutcomeFinished))
			logger.Info().
				Int("steps", result.Steps).
				Int("tool_calls", result.ToolCalls).
				Msg("Run finished")
			return result, nil
		}

		results, verifications, blocked := l.dispatch(ctx, logger, response.ToolCalls)
		result.ToolCalls += len(response.ToolCalls)
		result.BlockedCalls += blocked
		result.Verifications = append(result.Verifications, verifications...)

		for _, res := range results {
			msg := core.NewMessage(core.RoleTool, l.outbound(res))
			msg.ToolCallID = res.ToolCallID
			msg.Metadata = map[string]interface{}{"success": res.Success}
			if res.Blocked {
				msg.Metadata["blocked"] = true
			}
			if err := l.sess.Append(msg); err != nil {
				err = fmt.Errorf("failed to record tool result: %w", err)
				l.endSpan(ctx, turnSpan, tracestore.ErrorSeal(err))
				return l.errored(result, err)
			}
		}

		l.endSpan(ctx, turnSpan, tracestore.OKSeal())
	}

	result.Outcome = OutcomeMaxSteps
	observability.RecordLoopOutcome(string(OutcomeMaxSteps))
	logger.Warn().
		Int("max_steps", l.maxSteps).
		Msg("Step budget exhausted without a terminal response")
	return result, nil
}

// modelTurn builds the window and makes one model call under a
// MODEL_CALL span.
func (l *Loop) modelTurn(ctx context.Context, logger zerolog.Logger) (*ChatResponse, error) {
	schemas := l.harness.Schemas()

	window, err := l.window.Build(l.sess, schemas)
	if err != nil {
		return nil, fmt.Errorf("failed to build context window: %w", err)
	}

	spanID := l.startSpan(ctx, tracestore.KindModelCall, l.client.Provider(), map[string]interface{}{
		"messages":    len(window.Messages),
		"tokens_used": window.TokensUsed,
	})

	start := time.Now()
	response, err := l.client.Chat(ctx, window.Messages, schemas)
	observability.RecordModelCall(l.client.Provider(), time.Since(start), err == nil)
	if err != nil {
		err = fmt.Errorf("model call failed: %w", err)
		l.endSpan(ctx, spanID, tracestore.ErrorSeal(err))
		return nil, err
	}

	l.endSpan(ctx, spanID, tracestore.OKSeal())
	logger.Debug().
		Str("provider", l.client.Provider()).
		Str("finish_reason", response.FinishReason).
		Int("tool_calls", len(response.ToolCalls)).
		Msg("Model turn complete")
	return response, nil
}

// dispatch screens, executes, and verifies one batch of tool calls.
// Results come back in issue order; blocked calls hold their place.
func (l *Loop) dispatch(ctx context.Context, logger zerolog.Logger, calls []core.ToolCall) ([]core.ToolResult, []verify.VerificationResult, int) {
	results := make([]core.ToolResult, len(calls))
	contracts := make(map[string]*verify.Contract, len(calls))
	allowed := make([]core.ToolCall, 0, len(calls))
	allowedIdx := make([]int, 0, len(calls))
	blocked := 0

	for i, call := range calls {
		if l.policy != nil {
			findings := l.policy.Evaluate(call)
			if l.policy.ShouldBlock(findings) {
				reason := policy.BlockReason(findings)
				results[i] = core.BlockedResult(call.ID, reason)
				blocked++
				l.recordVeto(ctx, logger, call, reason)
				continue
			}
		}
		if l.verifier != nil {
			if contract, ok := l.verifier.CreateContract(call); ok {
				l.verifier.CheckPreconditions(contract)
				contracts[call.ID] = contract
			}
		}
		allowed = append(allowed, call)
		allowedIdx = append(allowedIdx, i)
	}

	executed := l.execute(ctx, allowed)
	for pos, idx := range allowedIdx {
		results[idx] = executed[pos]
	}

	var verifications []verify.VerificationResult
	for pos, idx := range allowedIdx {
		contract, ok := contracts[allowed[pos].ID]
		if !ok {
			continue
		}
		vr := l.verifier.Verify(contract, results[idx])
		verifications = append(verifications, vr)

		// Attached, never substituted: the original result stands.
		if results[idx].Metadata == nil {
			results[idx].Metadata = map[string]interface{}{}
		}
		results[idx].Metadata["verification"] = vr
		l.recordVerification(ctx, logger, allowed[pos], vr)
	}

	return results, verifications, blocked
}

// execute runs the allowed calls through the parallel executor when one
// is configured, serially otherwise.
func (l *Loop) execute(ctx context.Context, calls []core.ToolCall) []core.ToolResult {
	if len(calls) == 0 {
		return nil
	}
	if l.parallel != nil {
		return l.parallel.ExecuteBatch(ctx, calls, l.trace)
	}

	results := make([]core.ToolResult, len(calls))
	for i, call := range calls {
		spanID := l.startSpan(ctx, tracestore.KindToolCall, call.Name, map[string]interface{}{
			"call_id": call.ID,
		})
		res := l.harness.Execute(ctx, call)
		if res.Success {
			l.endSpan(ctx, spanID, tracestore.OKSeal())
		} else {
			detail := res.Error
			if detail == "" {
				detail = "tool call failed"
			}
			l.endSpan(ctx, spanID, tracestore.Seal{Status: tracestore.StatusError, ErrorDetail: detail})
		}
		results[i] = res
	}
	return results
}

// outbound renders a tool result as the message content the model will
// see, with secrets redacted on the way out.
func (l *Loop) outbound(res core.ToolResult) string {
	content := res.Content
	if content == "" && res.Error != "" {
		content = fmt.Sprintf("tool error: %s", res.Error)
	}
	if l.policy != nil {
		content = l.policy.Redact(content)
	}
	return content
}

func (l *Loop) recordVeto(ctx context.Context, logger zerolog.Logger, call core.ToolCall, reason string) {
	logger.Warn().
		Str("tool", call.Name).
		Str("call_id", call.ID).
		Str("reason", reason).
		Msg("Tool call blocked by policy")

	if l.trace == nil {
		return
	}
	spanID, err := l.trace.StartSpan(ctx, tracestore.KindPolicy, call.Name, map[string]interface{}{
		"call_id": call.ID,
		"blocked": true,
		"reason":  reason,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to record policy span")
		return
	}
	// The screen itself ran fine; the verdict lives in the attributes.
	if err := l.trace.EndSpan(ctx, spanID, tracestore.OKSeal()); err != nil {
		logger.Warn().Err(err).Msg("Failed to seal policy span")
	}
}

func (l *Loop) recordVerification(ctx context.Context, logger zerolog.Logger, call core.ToolCall, vr verify.VerificationResult) {
	if l.trace == nil {
		return
	}
	spanID, err := l.trace.StartSpan(ctx, tracestore.KindVerification, call.Name, map[string]interface{}{
		"call_id":    call.ID,
		"all_passed": vr.AllPassed,
		"conditions": len(vr.Conditions),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to record verification span")
		return
	}
	if err := l.trace.EndSpan(ctx, spanID, tracestore.OKSeal()); err != nil {
		logger.Warn().Err(err).Msg("Failed to seal verification span")
	}
}

func (l *Loop) startSpan(ctx context.Context, kind tracestore.SpanKind, name string, attrs map[string]interface{}) string {
	if l.trace == nil {
		return ""
	}
	spanID, err := l.trace.StartSpan(ctx, kind, name, attrs)
	if err != nil {
		l.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Failed to start span")
		return ""
	}
	return spanID
}

func (l *Loop) endSpan(ctx context.Context, spanID string, seal tracestore.Seal) {
	if l.trace == nil || spanID == "" {
		return
	}
	if err := l.trace.EndSpan(ctx, spanID, seal); err != nil {
		l.logger.Warn().Err(err).Str("span_id", spanID).Msg("Failed to seal span")
	}
}

func (l *Loop) errored(result Result, err error) (Result, error) {
	result.Outcome = OutcomeErrored
	observability.RecordLoopOutcome(string(OutcomeErrored))
	l.logger.Error().Err(err).Int("steps", result.Steps).Msg("Run errored")
	return result, err
}
