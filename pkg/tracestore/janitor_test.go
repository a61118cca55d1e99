package tracestore

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJanitor(t *testing.T, retention time.Duration) (*Janitor, *Store, *ArtifactStore) {
	t.Helper()
	store := newTestStore(t)
	artifacts := newTestArtifacts(t)
	janitor, err := NewJanitor(store, artifacts, retention, "0 3 * * *", zerolog.Nop())
	require.NoError(t, err)
	return janitor, store, artifacts
}

func TestNewJanitorValidation(t *testing.T) {
	store := newTestStore(t)
	artifacts := newTestArtifacts(t)

	_, err := NewJanitor(nil, artifacts, time.Hour, "0 3 * * *", zerolog.Nop())
	require.Error(t, err)

	_, err = NewJanitor(store, nil, time.Hour, "0 3 * * *", zerolog.Nop())
	require.Error(t, err)

	_, err = NewJanitor(store, artifacts, 0, "0 3 * * *", zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention must be positive")

	_, err = NewJanitor(store, artifacts, time.Hour, "not a schedule", zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sweep schedule")
}

func TestSweepRemovesExpiredTracesAndOrphans(t *testing.T) {
	janitor, store, artifacts := newTestJanitor(t, time.Nanosecond)
	ctx := context.Background()

	outHash, err := artifacts.Put([]byte("tool output"), "tool_output", "text/plain")
	require.NoError(t, err)
	orphanHash, err := artifacts.Put([]byte("never referenced"), "tool_output", "text/plain")
	require.NoError(t, err)

	spanID, err := store.BeginSpan(ctx, "trace-done", "", KindToolCall, "shell", "", nil)
	require.NoError(t, err)
	require.NoError(t, store.EndSpan(ctx, "trace-done", spanID, Seal{Status: StatusOK, OutputHash: outHash}))

	// Give the sealed end timestamp room to fall behind the cutoff.
	time.Sleep(2 * time.Millisecond)

	stats, err := janitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TracesRemoved)
	assert.Equal(t, 1, stats.SpansRemoved)

	// With the trace gone its artifact became orphaned too.
	assert.Equal(t, 2, stats.ArtifactsRemoved)
	assert.False(t, artifacts.Exists(outHash))
	assert.False(t, artifacts.Exists(orphanHash))
}

func TestSweepKeepsLiveTracesAndTheirArtifacts(t *testing.T) {
	janitor, store, artifacts := newTestJanitor(t, time.Nanosecond)
	ctx := context.Background()

	outHash, err := artifacts.Put([]byte("still needed"), "tool_output", "text/plain")
	require.NoError(t, err)

	sealed, err := store.BeginSpan(ctx, "trace-live", "", KindToolCall, "shell", "", nil)
	require.NoError(t, err)
	require.NoError(t, store.EndSpan(ctx, "trace-live", sealed, Seal{Status: StatusOK, OutputHash: outHash}))
	_, err = store.BeginSpan(ctx, "trace-live", "", KindTurn, "turn-2", "", nil)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	stats, err := janitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TracesRemoved)
	assert.Zero(t, stats.SpansRemoved)
	assert.Zero(t, stats.ArtifactsRemoved)
	assert.True(t, artifacts.Exists(outHash))
}

func TestSweepWithinRetentionWindow(t *testing.T) {
	janitor, store, artifacts := newTestJanitor(t, 24*time.Hour)
	ctx := context.Background()

	outHash, err := artifacts.Put([]byte("recent"), "tool_output", "text/plain")
	require.NoError(t, err)
	spanID, err := store.BeginSpan(ctx, "trace-recent", "", KindTurn, "turn", "", nil)
	require.NoError(t, err)
	require.NoError(t, store.EndSpan(ctx, "trace-recent", spanID, Seal{Status: StatusOK, OutputHash: outHash}))

	stats, err := janitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TracesRemoved)
	assert.True(t, artifacts.Exists(outHash))
}

func TestCollectArtifactsKeepsReferenced(t *testing.T) {
	janitor, store, artifacts := newTestJanitor(t, 24*time.Hour)
	ctx := context.Background()

	kept, err := artifacts.Put([]byte("referenced"), "tool_args", "application/json")
	require.NoError(t, err)
	orphan, err := artifacts.Put([]byte("orphaned"), "tool_args", "application/json")
	require.NoError(t, err)

	spanID, err := store.BeginSpan(ctx, "trace-1", "", KindToolCall, "shell", "", nil)
	require.NoError(t, err)
	require.NoError(t, store.EndSpan(ctx, "trace-1", spanID, Seal{Status: StatusOK, InputHash: kept}))

	removed, err := janitor.CollectArtifacts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.True(t, artifacts.Exists(kept))
	assert.False(t, artifacts.Exists(orphan))
}

func TestJanitorStartStop(t *testing.T) {
	janitor, _, _ := newTestJanitor(t, time.Hour)

	janitor.Start()
	janitor.Stop()
	// Stop twice is harmless.
	janitor.Stop()
}
