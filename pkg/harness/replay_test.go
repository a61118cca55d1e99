package harness

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/plinth/pkg/core"
)

func recordedTranscript(t *testing.T) ([]core.ToolSchema, []Exchange) {
	t.Helper()

	s := NewSynthetic(zerolog.Nop())
	require.NoError(t, s.StubFunc(echoSchema(), func(call core.ToolCall) (string, error) {
		return call.Arguments["text"].(string), nil
	}))

	rec, err := NewRecorder(s)
	require.NoError(t, err)

	ctx := context.Background()
	rec.Execute(ctx, core.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "one"}})
	rec.Execute(ctx, core.ToolCall{ID: "c2", Name: "echo", Arguments: map[string]interface{}{"text": "two"}})

	return s.Schemas(), rec.Transcript()
}

func TestRecorderCapturesExchanges(t *testing.T) {
	_, transcript := recordedTranscript(t)

	require.Len(t, transcript, 2)
	assert.Equal(t, "c1", transcript[0].Call.ID)
	assert.Equal(t, "one", transcript[0].Result.Content)
	assert.Equal(t, "c2", transcript[1].Call.ID)
	assert.Equal(t, "two", transcript[1].Result.Content)
}

func TestReplayReproducesInOrder(t *testing.T) {
	schemas, transcript := recordedTranscript(t)
	r := NewReplay(schemas, transcript, zerolog.Nop())

	ctx := context.Background()
	first := r.Execute(ctx, core.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "one"}})
	require.True(t, first.Success)
	assert.Equal(t, "one", first.Content)

	second := r.Execute(ctx, core.ToolCall{ID: "c2", Name: "echo", Arguments: map[string]interface{}{"text": "two"}})
	require.True(t, second.Success)
	assert.Equal(t, "two", second.Content)

	assert.Equal(t, 0, r.Remaining())
}

func TestReplayFailsClosedWhenExhausted(t *testing.T) {
	schemas, transcript := recordedTranscript(t)
	r := NewReplay(schemas, transcript, zerolog.Nop())

	ctx := context.Background()
	r.Execute(ctx, core.ToolCall{ID: "c1", Name: "echo"})
	r.Execute(ctx, core.ToolCall{ID: "c2", Name: "echo"})

	extra := r.Execute(ctx, core.ToolCall{ID: "c3", Name: "echo"})
	assert.False(t, extra.Success)
	assert.Contains(t, extra.Error, "replay recording exhausted")
}

func TestReplayToolNameMismatch(t *testing.T) {
	schemas, transcript := recordedTranscript(t)
	r := NewReplay(schemas, transcript, zerolog.Nop())

	res := r.Execute(context.Background(), core.ToolCall{ID: "c1", Name: "shell"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "replay call mismatch")

	// A mismatch does not consume the recording.
	assert.Equal(t, 2, r.Remaining())
}

func TestReplayCallIDMismatch(t *testing.T) {
	schemas, transcript := recordedTranscript(t)
	r := NewReplay(schemas, transcript, zerolog.Nop())

	res := r.Execute(context.Background(), core.ToolCall{ID: "other-id", Name: "echo"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "replay call mismatch")
}

func TestReplayMatchesWhenIDsAbsent(t *testing.T) {
	transcript := []Exchange{
		{
			Call:   core.ToolCall{Name: "echo"},
			Result: core.ToolResult{Content: "recorded", Success: true},
		},
	}
	r := NewReplay(nil, transcript, zerolog.Nop())

	res := r.Execute(context.Background(), core.ToolCall{ID: "fresh-id", Name: "echo"})
	require.True(t, res.Success)
	assert.Equal(t, "recorded", res.Content)
	assert.Equal(t, "fresh-id", res.ToolCallID)
}

func TestReplayExecuteParallelKeepsTranscriptOrder(t *testing.T) {
	schemas, transcript := recordedTranscript(t)
	r := NewReplay(schemas, transcript, zerolog.Nop())

	calls := []core.ToolCall{
		{ID: "c1", Name: "echo"},
		{ID: "c2", Name: "echo"},
	}
	results := r.ExecuteParallel(context.Background(), calls)
	require.Len(t, results, 2)
	assert.Equal(t, "one", results[0].Content)
	assert.Equal(t, "two", results[1].Content)
}

func TestReplaySchemasAdvertised(t *testing.T) {
	schemas, transcript := recordedTranscript(t)
	r := NewReplay(schemas, transcript, zerolog.Nop())

	out := r.Schemas()
	require.Len(t, out, 1)
	assert.Equal(t, "echo", out[0].Name)
}
