package harness

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/plinth/pkg/core"
)

func TestSyntheticStub(t *testing.T) {
	s := NewSynthetic(zerolog.Nop())
	require.NoError(t, s.Stub(echoSchema(), "canned answer"))

	res := s.Execute(context.Background(), core.ToolCall{
		ID:        "call-1",
		Name:      "echo",
		Arguments: map[string]interface{}{"text": "anything"},
	})
	require.True(t, res.Success)
	assert.Equal(t, "canned answer", res.Content)
	assert.Equal(t, "call-1", res.ToolCallID)
}

func TestSyntheticStubFunc(t *testing.T) {
	s := NewSynthetic(zerolog.Nop())
	require.NoError(t, s.StubFunc(echoSchema(), func(call core.ToolCall) (string, error) {
		return fmt.Sprintf("echo: %v", call.Arguments["text"]), nil
	}))

	res := s.Execute(context.Background(), core.ToolCall{
		ID:        "call-1",
		Name:      "echo",
		Arguments: map[string]interface{}{"text": "dynamic"},
	})
	require.True(t, res.Success)
	assert.Equal(t, "echo: dynamic", res.Content)
}

func TestSyntheticStubError(t *testing.T) {
	s := NewSynthetic(zerolog.Nop())
	require.NoError(t, s.StubError(echoSchema(), "simulated failure"))

	res := s.Execute(context.Background(), core.ToolCall{
		ID:        "call-1",
		Name:      "echo",
		Arguments: map[string]interface{}{"text": "hi"},
	})
	assert.False(t, res.Success)
	assert.Equal(t, "simulated failure", res.Error)
}

func TestSyntheticValidatesArguments(t *testing.T) {
	s := NewSynthetic(zerolog.Nop())
	require.NoError(t, s.Stub(echoSchema(), "never reached"))

	res := s.Execute(context.Background(), core.ToolCall{ID: "call-1", Name: "echo"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "argument validation failed")
}

func TestSyntheticUnknownTool(t *testing.T) {
	s := NewSynthetic(zerolog.Nop())

	res := s.Execute(context.Background(), core.ToolCall{ID: "call-1", Name: "ghost"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "tool not found")
}

func TestSyntheticSchemas(t *testing.T) {
	s := NewSynthetic(zerolog.Nop())

	shell := core.ToolSchema{
		Name:        "shell",
		Description: "Run a command",
		Parameters: []core.ToolParameter{
			{Name: "command", Type: "string", Description: "command", Required: true},
		},
	}
	require.NoError(t, s.Stub(echoSchema(), "a"))
	require.NoError(t, s.Stub(shell, "b"))

	schemas := s.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "echo", schemas[0].Name)
	assert.Equal(t, "shell", schemas[1].Name)
}

func TestSyntheticExecuteParallelOrder(t *testing.T) {
	s := NewSynthetic(zerolog.Nop())
	require.NoError(t, s.StubFunc(echoSchema(), func(call core.ToolCall) (string, error) {
		return call.Arguments["text"].(string), nil
	}))

	calls := []core.ToolCall{
		{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "one"}},
		{ID: "c2", Name: "echo", Arguments: map[string]interface{}{"text": "two"}},
	}
	results := s.ExecuteParallel(context.Background(), calls)
	require.Len(t, results, 2)
	assert.Equal(t, "one", results[0].Content)
	assert.Equal(t, "two", results[1].Content)
}
