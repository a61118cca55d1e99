package harness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/plinth/internal/observability"
	"github.com/harun/plinth/pkg/core"
)

const (
	// DefaultTimeout bounds a single handler invocation.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxOutputBytes caps tool output fed back to the model.
	DefaultMaxOutputBytes = 10 * 1024

	// DefaultMaxParallel bounds ExecuteParallel fan-out.
	DefaultMaxParallel = 4

	truncationMarker = "\n... [output truncated]"
)

// RegistryConfig tunes the live execution backend. Zero values take the
// package defaults.
type RegistryConfig struct {
	Timeout        time.Duration
	MaxOutputBytes int
	MaxParallel    int
}

type registeredTool struct {
	schema   core.ToolSchema
	compiled *gojsonschema.Schema
	handler  Handler
}

// Registry is the live execution backend: schema-validated dispatch to
// registered handlers with per-call timeouts.
type Registry struct {
	cfg    RegistryConfig
	logger zerolog.Logger

	mu    sync.RWMutex
	tools map[string]*registeredTool
	names []string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger, cfg RegistryConfig) *Registry {
	observability.EnsureRegistered()

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}

	return &Registry{
		cfg:    cfg,
		logger: logger.With().Str("component", "harness").Logger(),
		tools:  make(map[string]*registeredTool),
	}
}

var validParamTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

// Register adds a tool. The schema is compiled once here so every call
// pays only the validation cost. Registering an existing name replaces
// the previous tool with a warning.
func (r *Registry) Register(schema core.ToolSchema, handler Handler) error {
	if err := schema.Validate(); err != nil {
		return fmt.Errorf("invalid tool schema: %w", err)
	}
	if handler == nil {
		return fmt.Errorf("tool handler is required")
	}
	for _, p := range schema.Parameters {
		if !validParamTypes[p.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", p.Type, p.Name)
		}
	}

	doc := schema.JSONSchema()
	doc["additionalProperties"] = false
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", schema.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[schema.Name]; exists {
		r.logger.Warn().Str("tool", schema.Name).Msg("Tool already registered, replacing")
	} else {
		r.names = append(r.names, schema.Name)
	}

	r.tools[schema.Name] = &registeredTool{
		schema:   schema,
		compiled: compiled,
		handler:  handler,
	}

	r.logger.Info().Str("tool", schema.Name).Msg("Tool registered")
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return
	}
	delete(r.tools, name)
	for i, n := range r.names {
		if n == name {
			r.names = append(r.names[:i], r.names[i+1:]...)
			break
		}
	}
	r.logger.Info().Str("tool", name).Msg("Tool unregistered")
}

// Schemas returns registered schemas in registration order.
func (r *Registry) Schemas() []core.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.ToolSchema, 0, len(r.names))
	for _, name := range r.names {
		if t, ok := r.tools[name]; ok {
			out = append(out, t.schema)
		}
	}
	return out
}

// Has reports whether a tool is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.tools[name]
	return ok
}

// Execute runs one tool call. Unknown tools, invalid arguments, handler
// errors, panics, and timeouts all come back as failed results.
func (r *Registry) Execute(ctx context.Context, call core.ToolCall) core.ToolResult {
	start := time.Now()

	r.mu.RLock()
	tool := r.tools[call.Name]
	r.mu.RUnlock()

	if tool == nil {
		r.logger.Error().Str("tool", call.Name).Msg("Tool not found")
		observability.RecordToolExecution(call.Name, time.Since(start), false)
		return core.FailedResult(call.ID, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name))
	}

	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := validateArguments(tool.compiled, args); err != nil {
		r.logger.Error().Str("tool", call.Name).Err(err).Msg("Argument validation failed")
		observability.RecordToolExecution(call.Name, time.Since(start), false)
		return core.FailedResult(call.ID, fmt.Errorf("argument validation failed: %w", err))
	}

	execID := uuid.New().String()
	r.logger.Debug().
		Str("tool", call.Name).
		Str("execution_id", execID).
		Msg("Executing tool")

	timeoutCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", rec)}
			}
		}()
		output, err := tool.handler(timeoutCtx, args)
		done <- outcome{output: output, err: err}
	}()

	var result core.ToolResult
	select {
	case out := <-done:
		duration := time.Since(start)
		if out.err != nil {
			r.logger.Error().
				Str("tool", call.Name).
				Dur("duration", duration).
				Err(out.err).
				Msg("Tool execution failed")
			result = core.FailedResult(call.ID, out.err)
		} else {
			content, truncated := r.truncate(out.output)
			r.logger.Debug().
				Str("tool", call.Name).
				Dur("duration", duration).
				Bool("truncated", truncated).
				Msg("Tool execution completed")
			result = core.ToolResult{
				ToolCallID: call.ID,
				Content:    content,
				Success:    true,
			}
			if truncated {
				result.Metadata = map[string]interface{}{"truncated": true}
			}
		}

	case <-timeoutCtx.Done():
		duration := time.Since(start)
		r.logger.Error().
			Str("tool", call.Name).
			Dur("duration", duration).
			Msg("Tool execution timeout")
		result = core.FailedResult(call.ID, fmt.Errorf("tool execution timeout after %v", r.cfg.Timeout))
	}

	if result.Metadata == nil {
		result.Metadata = map[string]interface{}{}
	}
	result.Metadata["duration_ms"] = time.Since(start).Milliseconds()
	result.Metadata["execution_id"] = execID

	observability.RecordToolExecution(call.Name, time.Since(start), result.Success)
	return result
}

// ExecuteParallel fans the batch out over a bounded pool and returns
// results in input order. A failed call never affects its siblings.
func (r *Registry) ExecuteParallel(ctx context.Context, calls []core.ToolCall) []core.ToolResult {
	results := make([]core.ToolResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	p := pool.New().WithMaxGoroutines(r.cfg.MaxParallel)
	for i, call := range calls {
		i, call := i, call
		p.Go(func() {
			results[i] = r.Execute(ctx, call)
		})
	}
	p.Wait()

	return results
}

func (r *Registry) truncate(s string) (string, bool) {
	if len(s) <= r.cfg.MaxOutputBytes {
		return s, false
	}
	r.logger.Warn().
		Int("original", len(s)).
		Int("truncated", r.cfg.MaxOutputBytes).
		Msg("Output truncated")
	return s[:r.cfg.MaxOutputBytes] + truncationMarker, true
}

func validateArguments(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		errs := []string{}
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}
	return nil
}
