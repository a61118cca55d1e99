package tracestore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TraceContext is the ergonomic recording surface over a Store. It
// keeps an active span stack per execution context: StartSpan parents
// to whatever span is currently open and pushes, EndSpan seals and
// pops, so nested operations (turn, model call, tool call) form the
// right tree without anyone threading parent ids by hand.
//
// A TraceContext is not safe for concurrent use; parallel branches
// each get their own via Fork.
type TraceContext struct {
	store   *Store
	traceID string
	actorID string
	logger  zerolog.Logger

	mu    sync.Mutex
	stack []string
	base  string
}

// NewTraceContext creates a recording context for one trace. An empty
// traceID gets a generated one.
func NewTraceContext(store *Store, traceID, actorID string, logger zerolog.Logger) (*TraceContext, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return &TraceContext{
		store:   store,
		traceID: traceID,
		actorID: actorID,
		logger:  logger.With().Str("component", "tracecontext").Str("trace_id", traceID).Logger(),
	}, nil
}

// TraceID returns the trace this context records into.
func (tc *TraceContext) TraceID() string {
	return tc.traceID
}

// ActorID returns the actor stamped on every span.
func (tc *TraceContext) ActorID() string {
	return tc.actorID
}

// ActiveSpan returns the currently open span id, if any.
func (tc *TraceContext) ActiveSpan() (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if len(tc.stack) == 0 {
		if tc.base != "" {
			return tc.base, true
		}
		return "", false
	}
	return tc.stack[len(tc.stack)-1], true
}

// StartSpan opens a span parented to the current stack top (or the
// fork point for a fresh branch) and pushes it.
func (tc *TraceContext) StartSpan(ctx context.Context, kind SpanKind, name string, attrs map[string]interface{}) (string, error) {
	tc.mu.Lock()
	parent := tc.base
	if len(tc.stack) > 0 {
		parent = tc.stack[len(tc.stack)-1]
	}
	tc.mu.Unlock()

	spanID, err := tc.store.BeginSpan(ctx, tc.traceID, parent, kind, name, tc.actorID, attrs)
	if err != nil {
		return "", err
	}

	tc.mu.Lock()
	tc.stack = append(tc.stack, spanID)
	tc.mu.Unlock()

	return spanID, nil
}

// EndSpan seals a span and pops it off the stack. Sealing out of stack
// order is tolerated (the id is removed wherever it sits) but logged,
// since it usually means a missing EndSpan upstream.
func (tc *TraceContext) EndSpan(ctx context.Context, spanID string, seal Seal) error {
	if err := tc.store.EndSpan(ctx, tc.traceID, spanID, seal); err != nil {
		return err
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	for i := len(tc.stack) - 1; i >= 0; i-- {
		if tc.stack[i] == spanID {
			if i != len(tc.stack)-1 {
				tc.logger.Warn().
					Str("span_id", spanID).
					Int("open_below", len(tc.stack)-1-i).
					Msg("Span sealed out of stack order")
			}
			tc.stack = append(tc.stack[:i], tc.stack[i+1:]...)
			return nil
		}
	}
	return nil
}

// Fork produces an independent context for a parallel branch: an empty
// stack whose spans parent to the fork point, recording into the same
// trace. Branches never share a stack, so concurrent span open/close
// cannot corrupt each other's linkage.
func (tc *TraceContext) Fork() *TraceContext {
	base := tc.base
	tc.mu.Lock()
	if len(tc.stack) > 0 {
		base = tc.stack[len(tc.stack)-1]
	}
	tc.mu.Unlock()

	return &TraceContext{
		store:   tc.store,
		traceID: tc.traceID,
		actorID: tc.actorID,
		logger:  tc.logger,
		base:    base,
	}
}

// Record wraps fn in a span: started before, sealed OK after, or
// sealed ERROR with fn's error. The span id is passed to fn so it can
// stamp artifact hashes via the store.
func (tc *TraceContext) Record(ctx context.Context, kind SpanKind, name string, attrs map[string]interface{}, fn func(spanID string) error) error {
	spanID, err := tc.StartSpan(ctx, kind, name, attrs)
	if err != nil {
		return err
	}
	if err := fn(spanID); err != nil {
		if endErr := tc.EndSpan(ctx, spanID, ErrorSeal(err)); endErr != nil {
			tc.logger.Error().Err(endErr).Str("span_id", spanID).Msg("Failed to seal span")
		}
		return err
	}
	return tc.EndSpan(ctx, spanID, OKSeal())
}
