package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToBranch derives a context for a parallel branch of work.
// The trace and session IDs carry over; the branch gets a new run ID.
func PropagateToBranch(ctx context.Context, actorID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	branch := WithTraceID(ctx, traceID)
	branch = WithRunID(branch, NewRunID())
	if actorID != "" {
		branch = WithActorID(branch, actorID)
	}
	if sessionID := GetSessionID(ctx); sessionID != "" {
		branch = WithSessionID(branch, sessionID)
	}
	return branch
}

// PropagateToLogger adds the context's tracing identifiers to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.RunID != "" {
		logger = logger.With().Str("run_id", tc.RunID).Logger()
	}
	if tc.ActorID != "" {
		logger = logger.With().Str("actor_id", tc.ActorID).Logger()
	}
	if tc.SessionID != "" {
		logger = logger.With().Str("session_id", tc.SessionID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger enriched with the context's tracing identifiers
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}
