package agent

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/plinth/pkg/contextwindow"
	"github.com/harun/plinth/pkg/core"
	"github.com/harun/plinth/pkg/harness"
	"github.com/harun/plinth/pkg/parallel"
	"github.com/harun/plinth/pkg/policy"
	"github.com/harun/plinth/pkg/tracestore"
	"github.com/harun/plinth/pkg/verify"
)

func newLoopWindow(t *testing.T) *contextwindow.Manager {
	t.Helper()
	window, err := contextwindow.NewManager(contextwindow.Config{Budget: 16384}, zerolog.Nop())
	require.NoError(t, err)
	return window
}

// newLoopHarness registers an echoing tool and a stamped shell fake.
// shellRuns counts how often the shell handler actually executed.
func newLoopHarness(t *testing.T, shellRuns *atomic.Int64) *harness.Registry {
	t.Helper()
	reg := harness.NewRegistry(zerolog.Nop(), harness.RegistryConfig{})

	require.NoError(t, reg.Register(core.ToolSchema{
		Name:        "echo",
		Description: "Echoes the input text back.",
		Parameters: []core.ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo.", Required: true},
		},
	}, func(ctx context.Context, args map[string]interface{}) (string, error) {
		text, _ := args["text"].(string)
		return text, nil
	}))

	require.NoError(t, reg.Register(core.ToolSchema{
		Name:        "shell",
		Description: "Pretends to run a command and stamps a return code.",
		Parameters: []core.ToolParameter{
			{Name: "command", Type: "string", Description: "Command to run.", Required: true},
		},
	}, func(ctx context.Context, args map[string]interface{}) (string, error) {
		if shellRuns != nil {
			shellRuns.Add(1)
		}
		command, _ := args["command"].(string)
		if command == "false" {
			return "(return code = 1)", nil
		}
		return "ok\n(return code = 0)", nil
	}))

	return reg
}

func echoCall(id, text string) core.ToolCall {
	return core.ToolCall{ID: id, Name: "echo", Arguments: map[string]interface{}{"text": text}}
}

func shellCall(id, command string) core.ToolCall {
	return core.ToolCall{ID: id, Name: "shell", Arguments: map[string]interface{}{"command": command}}
}

func TestNewLoopValidatesConfig(t *testing.T) {
	window := newLoopWindow(t)
	reg := newLoopHarness(t, nil)
	client := NewScriptedClient(nil)

	_, err := NewLoop(Config{Harness: reg, Window: window}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model client is required")

	_, err = NewLoop(Config{Client: client, Window: window}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "harness is required")

	_, err = NewLoop(Config{Client: client, Harness: reg}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context window manager is required")
}

func TestRunFinishesWithoutToolCalls(t *testing.T) {
	client := NewScriptedClient([]Turn{{Content: "done"}})
	loop, err := NewLoop(Config{
		Client:  client,
		Harness: newLoopHarness(t, nil),
		Window:  newLoopWindow(t),
	}, zerolog.Nop())
	require.NoError(t, err)

	result, err := loop.Run(context.Background(), "ship it")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, result.Outcome)
	assert.Equal(t, "done", result.Response)
	assert.Equal(t, 1, result.Steps)
	assert.Zero(t, result.ToolCalls)
	assert.Equal(t, 1, client.Calls())

	msgs := loop.Session().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, core.RoleUser, msgs[0].Role)
	assert.Equal(t, "ship it", msgs[0].Content)
	assert.Equal(t, core.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "done", msgs[1].Content)
}

func TestRunExecutesToolTurnsUntilFinished(t *testing.T) {
	client := NewScriptedClient([]Turn{
		{Content: "reading both files", ToolCalls: []core.ToolCall{
			echoCall("c1", "alpha"),
			echoCall("c2", "beta"),
		}},
		{ToolCalls: []core.ToolCall{echoCall("c3", "gamma")}},
		{Content: "all done"},
	})
	loop, err := NewLoop(Config{
		Client:  client,
		Harness: newLoopHarness(t, nil),
		Window:  newLoopWindow(t),
	}, zerolog.Nop())
	require.NoError(t, err)

	result, err := loop.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, result.Outcome)
	assert.Equal(t, "all done", result.Response)
	assert.Equal(t, 3, result.Steps)
	assert.Equal(t, 3, result.ToolCalls)

	// Two tool turns cost three model calls: tools, tools, answer.
	assert.Equal(t, 3, client.Calls())

	msgs := loop.Session().Messages()
	require.Len(t, msgs, 7)
	assert.Equal(t, core.RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 2)

	assert.Equal(t, core.RoleTool, msgs[2].Role)
	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.Equal(t, "alpha", msgs[2].Content)
	assert.Equal(t, core.RoleTool, msgs[3].Role)
	assert.Equal(t, "c2", msgs[3].ToolCallID)
	assert.Equal(t, "beta", msgs[3].Content)
	assert.Equal(t, "gamma", msgs[5].Content)

	// The final model call saw the whole conversation so far.
	windows := client.Windows()
	require.Len(t, windows, 3)
	assert.Len(t, windows[2], 6)
}

func TestRunStopsAtMaxSteps(t *testing.T) {
	client := NewScriptedClient([]Turn{
		{ToolCalls: []core.ToolCall{echoCall("c1", "one")}},
		{ToolCalls: []core.ToolCall{echoCall("c2", "two")}},
		{ToolCalls: []core.ToolCall{echoCall("c3", "three")}},
	})
	loop, err := NewLoop(Config{
		Client:   client,
		Harness:  newLoopHarness(t, nil),
		Window:   newLoopWindow(t),
		MaxSteps: 2,
	}, zerolog.Nop())
	require.NoError(t, err)

	result, err := loop.Run(context.Background(), "go")
	require.NoError(t, err, "an exhausted step budget is an outcome, not an error")
	assert.Equal(t, OutcomeMaxSteps, result.Outcome)
	assert.Equal(t, 2, result.Steps)
	assert.Equal(t, 2, result.MaxSteps)
	assert.Equal(t, 2, result.ToolCalls)
	assert.Empty(t, result.Response)
	assert.Equal(t, 2, client.Calls())
}

func TestRunErrorsWhenModelFails(t *testing.T) {
	loop, err := NewLoop(Config{
		Client:  NewScriptedClient(nil),
		Harness: newLoopHarness(t, nil),
		Window:  newLoopWindow(t),
	}, zerolog.Nop())
	require.NoError(t, err)

	result, err := loop.Run(context.Background(), "go")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScriptExhausted)
	assert.Equal(t, OutcomeErrored, result.Outcome)
}

func TestRunErrorsOnCancelledContext(t *testing.T) {
	loop, err := NewLoop(Config{
		Client:  NewScriptedClient([]Turn{{Content: "never reached"}}),
		Harness: newLoopHarness(t, nil),
		Window:  newLoopWindow(t),
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := loop.Run(ctx, "go")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeErrored, result.Outcome)
}

func TestRunBlocksCallsByPolicy(t *testing.T) {
	engine, err := policy.NewEngine(policy.DefaultRuleset(), zerolog.Nop())
	require.NoError(t, err)

	store, err := tracestore.NewStore(t.TempDir()+"/spans.db", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	tc, err := tracestore.NewTraceContext(store, "trace-policy", "agent-1", zerolog.Nop())
	require.NoError(t, err)

	var shellRuns atomic.Int64
	client := NewScriptedClient([]Turn{
		{ToolCalls: []core.ToolCall{shellCall("c1", "rm -rf /")}},
		{Content: "understood, standing down"},
	})
	loop, err := NewLoop(Config{
		Client:  client,
		Harness: newLoopHarness(t, &shellRuns),
		Window:  newLoopWindow(t),
		Policy:  engine,
		Trace:   tc,
	}, zerolog.Nop())
	require.NoError(t, err)

	result, err := loop.Run(context.Background(), "clean the disk")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, result.Outcome)
	assert.Equal(t, 1, result.BlockedCalls)
	assert.Equal(t, int64(0), shellRuns.Load(), "blocked calls must never reach the handler")

	msgs := loop.Session().Messages()
	require.Len(t, msgs, 4)
	toolMsg := msgs[2]
	assert.Equal(t, core.RoleTool, toolMsg.Role)
	assert.Contains(t, toolMsg.Content, "blocked by policy")
	assert.Equal(t, true, toolMsg.Metadata["blocked"])
	assert.Equal(t, false, toolMsg.Metadata["success"])

	spans, err := store.Spans(context.Background(), "trace-policy")
	require.NoError(t, err)
	var vetoes int
	for _, span := range spans {
		if span.Kind == tracestore.KindPolicy {
			vetoes++
			assert.Equal(t, true, span.Attributes["blocked"])
			assert.Contains(t, span.Attributes["reason"], "filesystem root")
		}
	}
	assert.Equal(t, 1, vetoes)
}

func TestRunRedactsToolOutput(t *testing.T) {
	engine, err := policy.NewEngine(policy.DefaultRuleset(), zerolog.Nop())
	require.NoError(t, err)

	client := NewScriptedClient([]Turn{
		{ToolCalls: []core.ToolCall{echoCall("c1", "api_key=supersecretvalue123")}},
		{Content: "noted"},
	})
	loop, err := NewLoop(Config{
		Client:  client,
		Harness: newLoopHarness(t, nil),
		Window:  newLoopWindow(t),
		Policy:  engine,
	}, zerolog.Nop())
	require.NoError(t, err)

	_, err = loop.Run(context.Background(), "read the config")
	require.NoError(t, err)

	msgs := loop.Session().Messages()
	require.Len(t, msgs, 4)
	assert.Contains(t, msgs[2].Content, "[REDACTED]")
	assert.NotContains(t, msgs[2].Content, "supersecretvalue123")
}

func TestRunAttachesVerification(t *testing.T) {
	verifier := verify.NewEngine(t.TempDir(), zerolog.Nop())

	client := NewScriptedClient([]Turn{
		{ToolCalls: []core.ToolCall{
			shellCall("c1", "true"),
			shellCall("c2", "false"),
		}},
		{Content: "done"},
	})
	loop, err := NewLoop(Config{
		Client:   client,
		Harness:  newLoopHarness(t, nil),
		Window:   newLoopWindow(t),
		Verifier: verifier,
	}, zerolog.Nop())
	require.NoError(t, err)

	result, err := loop.Run(context.Background(), "run both")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, result.Outcome)

	require.Len(t, result.Verifications, 2)
	byCall := map[string]verify.VerificationResult{}
	for _, vr := range result.Verifications {
		byCall[vr.CallID] = vr
	}
	assert.True(t, byCall["c1"].AllPassed)
	assert.Equal(t, 1.0, byCall["c1"].Confidence)
	assert.False(t, byCall["c2"].AllPassed, "a stamped nonzero exit is a caught false success")
	assert.Equal(t, 0.0, byCall["c2"].Confidence)

	// Both executions themselves reported success; verification is
	// attached alongside, never substituted.
	msgs := loop.Session().Messages()
	assert.Equal(t, true, msgs[2].Metadata["success"])
	assert.Equal(t, true, msgs[3].Metadata["success"])
}

func TestRunRecordsSpanTree(t *testing.T) {
	store, err := tracestore.NewStore(t.TempDir()+"/spans.db", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	tc, err := tracestore.NewTraceContext(store, "trace-run", "agent-1", zerolog.Nop())
	require.NoError(t, err)

	client := NewScriptedClient([]Turn{
		{ToolCalls: []core.ToolCall{echoCall("c1", "alpha")}},
		{Content: "done"},
	})
	loop, err := NewLoop(Config{
		Client:  client,
		Harness: newLoopHarness(t, nil),
		Window:  newLoopWindow(t),
		Trace:   tc,
	}, zerolog.Nop())
	require.NoError(t, err)

	_, err = loop.Run(context.Background(), "go")
	require.NoError(t, err)

	spans, err := store.Spans(context.Background(), "trace-run")
	require.NoError(t, err)
	require.Len(t, spans, 5)

	assert.Equal(t, tracestore.KindTurn, spans[0].Kind)
	assert.Equal(t, "turn-01", spans[0].Name)
	assert.Empty(t, spans[0].ParentSpanID)

	assert.Equal(t, tracestore.KindModelCall, spans[1].Kind)
	assert.Equal(t, "scripted", spans[1].Name)
	assert.Equal(t, spans[0].SpanID, spans[1].ParentSpanID)

	assert.Equal(t, tracestore.KindToolCall, spans[2].Kind)
	assert.Equal(t, "echo", spans[2].Name)
	assert.Equal(t, spans[0].SpanID, spans[2].ParentSpanID)

	assert.Equal(t, tracestore.KindTurn, spans[3].Kind)
	assert.Equal(t, "turn-02", spans[3].Name)
	assert.Equal(t, tracestore.KindModelCall, spans[4].Kind)
	assert.Equal(t, spans[3].SpanID, spans[4].ParentSpanID)

	for _, span := range spans {
		assert.Equal(t, tracestore.StatusOK, span.Status, "span %s should be sealed OK", span.Name)
	}
}

func TestRunDispatchesThroughParallelExecutor(t *testing.T) {
	reg := newLoopHarness(t, nil)
	executor, err := parallel.NewExecutor(reg, parallel.Config{}, zerolog.Nop())
	require.NoError(t, err)

	client := NewScriptedClient([]Turn{
		{ToolCalls: []core.ToolCall{
			echoCall("c1", "alpha"),
			echoCall("c2", "beta"),
		}},
		{Content: "done"},
	})
	loop, err := NewLoop(Config{
		Client:   client,
		Harness:  reg,
		Window:   newLoopWindow(t),
		Parallel: executor,
	}, zerolog.Nop())
	require.NoError(t, err)

	result, err := loop.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, result.Outcome)

	msgs := loop.Session().Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.Equal(t, "alpha", msgs[2].Content)
	assert.Equal(t, "c2", msgs[3].ToolCallID)
	assert.Equal(t, "beta", msgs[3].Content)
}

func TestRunSurfacesHandlerFailureToModel(t *testing.T) {
	reg := harness.NewRegistry(zerolog.Nop(), harness.RegistryConfig{})
	require.NoError(t, reg.Register(core.ToolSchema{
		Name:        "boom",
		Description: "Always fails.",
		Parameters: []core.ToolParameter{
			{Name: "arg", Type: "string", Description: "Ignored.", Required: false},
		},
	}, func(ctx context.Context, args map[string]interface{}) (string, error) {
		return "", fmt.Errorf("disk on fire")
	}))

	client := NewScriptedClient([]Turn{
		{ToolCalls: []core.ToolCall{{ID: "c1", Name: "boom", Arguments: map[string]interface{}{}}}},
		{Content: "recovered"},
	})
	loop, err := NewLoop(Config{
		Client:  client,
		Harness: reg,
		Window:  newLoopWindow(t),
	}, zerolog.Nop())
	require.NoError(t, err)

	result, err := loop.Run(context.Background(), "go")
	require.NoError(t, err, "a failed tool call is feedback to the model, not a loop error")
	assert.Equal(t, OutcomeFinished, result.Outcome)

	msgs := loop.Session().Messages()
	require.Len(t, msgs, 4)
	assert.Contains(t, msgs[2].Content, "disk on fire")
	assert.Equal(t, false, msgs[2].Metadata["success"])
}
