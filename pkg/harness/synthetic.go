package harness

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/plinth/pkg/core"
)

// ResponseFunc produces a canned response from the incoming call. It is
// expected to be deterministic so replayed test runs stay reproducible.
type ResponseFunc func(call core.ToolCall) (string, error)

type syntheticTool struct {
	schema   core.ToolSchema
	compiled *gojsonschema.Schema
	respond  ResponseFunc
}

// Synthetic is the deterministic execution backend: schema-faithful
// canned responses with no side effects. It validates arguments through
// the same front door as the live registry so tests exercise identical
// dispatch behavior.
type Synthetic struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	tools map[string]*syntheticTool
	names []string
}

// NewSynthetic creates an empty synthetic harness.
func NewSynthetic(logger zerolog.Logger) *Synthetic {
	return &Synthetic{
		logger: logger.With().Str("component", "harness_synthetic").Logger(),
		tools:  make(map[string]*syntheticTool),
	}
}

// Stub registers a tool that always answers with the same content.
func (s *Synthetic) Stub(schema core.ToolSchema, content string) error {
	return s.StubFunc(schema, func(core.ToolCall) (string, error) {
		return content, nil
	})
}

// StubError registers a tool that always fails with the given message.
func (s *Synthetic) StubError(schema core.ToolSchema, message string) error {
	return s.StubFunc(schema, func(core.ToolCall) (string, error) {
		return "", fmt.Errorf("%s", message)
	})
}

// StubFunc registers a tool whose response is computed per call.
func (s *Synthetic) StubFunc(schema core.ToolSchema, respond ResponseFunc) error {
	if err := schema.Validate(); err != nil {
		return fmt.Errorf("invalid tool schema: %w", err)
	}
	if respond == nil {
		return fmt.Errorf("response func is required")
	}

	doc := schema.JSONSchema()
	doc["additionalProperties"] = false
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", schema.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tools[schema.Name]; exists {
		s.logger.Warn().Str("tool", schema.Name).Msg("Tool already stubbed, replacing")
	} else {
		s.names = append(s.names, schema.Name)
	}
	s.tools[schema.Name] = &syntheticTool{
		schema:   schema,
		compiled: compiled,
		respond:  respond,
	}
	return nil
}

// Schemas returns stubbed schemas in registration order.
func (s *Synthetic) Schemas() []core.ToolSchema {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.ToolSchema, 0, len(s.names))
	for _, name := range s.names {
		if t, ok := s.tools[name]; ok {
			out = append(out, t.schema)
		}
	}
	return out
}

// Execute validates the call and returns its canned response. Unknown
// tools and invalid arguments fail exactly like the live registry.
func (s *Synthetic) Execute(ctx context.Context, call core.ToolCall) core.ToolResult {
	s.mu.RLock()
	tool := s.tools[call.Name]
	s.mu.RUnlock()

	if tool == nil {
		return core.FailedResult(call.ID, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name))
	}

	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := validateArguments(tool.compiled, args); err != nil {
		return core.FailedResult(call.ID, fmt.Errorf("argument validation failed: %w", err))
	}

	content, err := tool.respond(call)
	if err != nil {
		return core.FailedResult(call.ID, err)
	}
	return core.ToolResult{
		ToolCallID: call.ID,
		Content:    content,
		Success:    true,
	}
}

// ExecuteParallel evaluates the batch sequentially; canned responses
// have nothing to gain from fan-out and stay deterministic this way.
// Results are in input order.
func (s *Synthetic) ExecuteParallel(ctx context.Context, calls []core.ToolCall) []core.ToolResult {
	results := make([]core.ToolResult, len(calls))
	for i, call := range calls {
		results[i] = s.Execute(ctx, call)
	}
	return results
}
