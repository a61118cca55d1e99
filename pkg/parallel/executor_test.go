package parallel

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/plinth/pkg/core"
	"github.com/harun/plinth/pkg/harness"
	"github.com/harun/plinth/pkg/tracestore"
)

func readCall(id, path string) core.ToolCall {
	return core.ToolCall{ID: id, Name: "read_file", Arguments: map[string]interface{}{"path": path}}
}

func writeCall(id, path string) core.ToolCall {
	return core.ToolCall{ID: id, Name: "write_file", Arguments: map[string]interface{}{"path": path, "content": "x"}}
}

func shellCall(id, command string) core.ToolCall {
	return core.ToolCall{ID: id, Name: "shell", Arguments: map[string]interface{}{"command": command}}
}

func TestConflictClassification(t *testing.T) {
	tests := []struct {
		name string
		a, b core.ToolCall
		want bool
	}{
		{"reads of distinct files are safe", readCall("1", "/a"), readCall("2", "/b"), false},
		{"reads of the same file are safe", readCall("1", "/a"), readCall("2", "/a"), false},
		{"read and write of the same file conflict", readCall("1", "/a"), writeCall("2", "/a"), true},
		{"writes to distinct files are safe", writeCall("1", "/a"), writeCall("2", "/b"), false},
		{"writes to the same file conflict", writeCall("1", "/a"), writeCall("2", "/a"), true},
		{"shell conflicts with a read", shellCall("1", "ls"), readCall("2", "/a"), true},
		{"shell conflicts with shell", shellCall("1", "ls"), shellCall("2", "pwd"), true},
		{"unknown tool conflicts with everything", core.ToolCall{ID: "1", Name: "mystery"}, readCall("2", "/a"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Conflicts(DefaultClaims(tt.a), DefaultClaims(tt.b))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildPlanGroups(t *testing.T) {
	calls := []core.ToolCall{
		readCall("1", "/a"),  // conflicts with 2 (write /a)
		writeCall("2", "/a"), //
		readCall("3", "/b"),  // independent
		writeCall("4", "/c"), // independent
	}

	plan := BuildPlan(calls, DefaultClaims)
	require.Len(t, plan.Groups, 3)
	assert.Equal(t, []int{0, 1}, plan.Groups[0])
	assert.Equal(t, []int{2}, plan.Groups[1])
	assert.Equal(t, []int{3}, plan.Groups[2])
	assert.Equal(t, 1, plan.DemotedPairs)
}

func TestBuildPlanTransitiveConflicts(t *testing.T) {
	// 0 and 2 only conflict through 1; the union still serializes all three.
	calls := []core.ToolCall{
		writeCall("1", "/a"),
		shellCall("2", "make"),
		writeCall("3", "/b"),
	}

	plan := BuildPlan(calls, DefaultClaims)
	require.Len(t, plan.Groups, 1)
	assert.Equal(t, []int{0, 1, 2}, plan.Groups[0])
}

func readSchema() core.ToolSchema {
	return core.ToolSchema{
		Name:        "read_file",
		Description: "Read a file",
		Parameters: []core.ToolParameter{
			{Name: "path", Type: "string", Description: "file path", Required: true},
		},
	}
}

func writeSchema() core.ToolSchema {
	return core.ToolSchema{
		Name:        "write_file",
		Description: "Write a file",
		Parameters: []core.ToolParameter{
			{Name: "path", Type: "string", Description: "file path", Required: true},
			{Name: "content", Type: "string", Description: "content", Required: true},
		},
	}
}

func newTestExecutor(t *testing.T, backend harness.Harness, cfg Config) *Executor {
	t.Helper()
	e, err := NewExecutor(backend, cfg, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func TestExecuteBatchPreservesInputOrder(t *testing.T) {
	backend := harness.NewSynthetic(zerolog.Nop())
	require.NoError(t, backend.StubFunc(readSchema(), func(call core.ToolCall) (string, error) {
		// The first call sleeps so a naive append-as-completed would
		// invert the order.
		if call.Arguments["path"] == "/slow" {
			time.Sleep(50 * time.Millisecond)
		}
		return fmt.Sprintf("contents of %s", call.Arguments["path"]), nil
	}))

	executor := newTestExecutor(t, backend, Config{MaxWorkers: 4})

	calls := []core.ToolCall{
		readCall("c1", "/slow"),
		readCall("c2", "/fast"),
	}
	results := executor.ExecuteBatch(context.Background(), calls, nil)
	require.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].ToolCallID)
	assert.Equal(t, "contents of /slow", results[0].Content)
	assert.Equal(t, "c2", results[1].ToolCallID)
	assert.Equal(t, "contents of /fast", results[1].Content)
}

func TestExecuteBatchRunsIndependentCallsConcurrently(t *testing.T) {
	backend := harness.NewSynthetic(zerolog.Nop())
	require.NoError(t, backend.StubFunc(readSchema(), func(call core.ToolCall) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "data", nil
	}))

	executor := newTestExecutor(t, backend, Config{MaxWorkers: 4})

	calls := []core.ToolCall{
		readCall("c1", "/a"),
		readCall("c2", "/b"),
		readCall("c3", "/c"),
		readCall("c4", "/d"),
	}

	start := time.Now()
	results := executor.ExecuteBatch(context.Background(), calls, nil)
	elapsed := time.Since(start)

	require.Len(t, results, 4)
	for _, r := range results {
		assert.True(t, r.Success)
	}
	// Four independent 50ms reads across four workers: far under the
	// 200ms a serial run would take.
	assert.Less(t, elapsed, 150*time.Millisecond)
}

func TestExecuteBatchSerializesConflictingCalls(t *testing.T) {
	var current, peak int32
	backend := harness.NewSynthetic(zerolog.Nop())
	require.NoError(t, backend.StubFunc(writeSchema(), func(call core.ToolCall) (string, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return "written", nil
	}))

	executor := newTestExecutor(t, backend, Config{MaxWorkers: 4})

	calls := []core.ToolCall{
		writeCall("c1", "/shared.txt"),
		writeCall("c2", "/shared.txt"),
		writeCall("c3", "/shared.txt"),
	}
	results := executor.ExecuteBatch(context.Background(), calls, nil)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, calls[i].ID, r.ToolCallID)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak), "conflicting writes must never overlap")
}

func TestExecuteBatchFailureDoesNotCancelSiblings(t *testing.T) {
	backend := harness.NewSynthetic(zerolog.Nop())
	require.NoError(t, backend.StubFunc(readSchema(), func(call core.ToolCall) (string, error) {
		if call.Arguments["path"] == "/bad" {
			return "", fmt.Errorf("disk on fire")
		}
		time.Sleep(10 * time.Millisecond)
		return "fine", nil
	}))

	executor := newTestExecutor(t, backend, Config{MaxWorkers: 2})

	calls := []core.ToolCall{
		readCall("c1", "/bad"),
		readCall("c2", "/good"),
	}
	results := executor.ExecuteBatch(context.Background(), calls, nil)
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "disk on fire")
	assert.True(t, results[1].Success)
	assert.Equal(t, "fine", results[1].Content)
}

func TestExecuteBatchRecordsSpans(t *testing.T) {
	store, err := tracestore.NewStore(filepath.Join(t.TempDir(), "spans.db"), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()
	artifacts, err := tracestore.NewArtifactStore(filepath.Join(t.TempDir(), "artifacts"), zerolog.Nop())
	require.NoError(t, err)

	tc, err := tracestore.NewTraceContext(store, "trace-1", "agent-a", zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	batchSpan, err := tc.StartSpan(ctx, tracestore.KindTurn, "batch", nil)
	require.NoError(t, err)

	backend := harness.NewSynthetic(zerolog.Nop())
	require.NoError(t, backend.StubFunc(readSchema(), func(call core.ToolCall) (string, error) {
		if call.Arguments["path"] == "/bad" {
			return "", fmt.Errorf("cannot read")
		}
		return "payload", nil
	}))

	executor := newTestExecutor(t, backend, Config{MaxWorkers: 4, Artifacts: artifacts})

	calls := []core.ToolCall{
		readCall("c1", "/a"),
		readCall("c2", "/b"),
		readCall("c3", "/bad"),
	}
	results := executor.ExecuteBatch(ctx, calls, tc)
	require.Len(t, results, 3)
	require.NoError(t, tc.EndSpan(ctx, batchSpan, tracestore.OKSeal()))

	spans, err := store.Spans(ctx, "trace-1")
	require.NoError(t, err)
	require.Len(t, spans, 4)

	toolSpans := 0
	for _, span := range spans {
		if span.Kind != tracestore.KindToolCall {
			continue
		}
		toolSpans++
		assert.Equal(t, batchSpan, span.ParentSpanID, "tool span %s must parent to the batch", span.Name)
		assert.True(t, span.Sealed())
		assert.NotEmpty(t, span.InputHash)

		// Arguments round-trip through the artifact store.
		args, err := artifacts.Get(span.InputHash)
		require.NoError(t, err)
		assert.Contains(t, string(args), "path")

		if span.Status == tracestore.StatusError {
			assert.Equal(t, "cannot read", span.ErrorDetail)
		} else {
			assert.NotEmpty(t, span.OutputHash)
			output, err := artifacts.Get(span.OutputHash)
			require.NoError(t, err)
			assert.Equal(t, "payload", string(output))
		}
	}
	assert.Equal(t, 3, toolSpans)
}

func TestExecuteBatchEmpty(t *testing.T) {
	backend := harness.NewSynthetic(zerolog.Nop())
	executor := newTestExecutor(t, backend, Config{})

	results := executor.ExecuteBatch(context.Background(), nil, nil)
	assert.Empty(t, results)
}

func TestNewExecutorRequiresHarness(t *testing.T) {
	_, err := NewExecutor(nil, Config{}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "harness is required")
}
