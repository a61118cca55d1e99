package tracestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// sweepTimeout bounds a single scheduled sweep run.
const sweepTimeout = 5 * time.Minute

// SweepStats summarizes one retention sweep.
type SweepStats struct {
	TracesRemoved    int
	SpansRemoved     int
	ArtifactsRemoved int
}

// Janitor enforces trace retention: on a cron schedule it deletes fully
// sealed traces older than the retention window, then removes artifact
// blobs no surviving span references. Traces with pending spans are
// never swept regardless of age.
type Janitor struct {
	store     *Store
	artifacts *ArtifactStore
	retention time.Duration
	schedule  cron.Schedule
	logger    zerolog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewJanitor creates a janitor. scheduleExpr is a standard five-field
// cron expression; retention must be positive.
func NewJanitor(store *Store, artifacts *ArtifactStore, retention time.Duration, scheduleExpr string, logger zerolog.Logger) (*Janitor, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if artifacts == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(scheduleExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule: %w", err)
	}

	return &Janitor{
		store:     store,
		artifacts: artifacts,
		retention: retention,
		schedule:  schedule,
		logger:    logger.With().Str("component", "janitor").Logger(),
	}, nil
}

// Start arms the sweep timer. Sweeps run until Stop is called.
func (j *Janitor) Start() {
	j.mu.Lock()
	j.stopped = false
	j.mu.Unlock()

	j.scheduleNext()
	j.logger.Info().
		Dur("retention", j.retention).
		Msg("Janitor started")
}

// Stop cancels any pending sweep. A sweep already in flight finishes.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.stopped {
		return
	}
	j.stopped = true
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	j.logger.Info().Msg("Janitor stopped")
}

func (j *Janitor) scheduleNext() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.stopped {
		return
	}

	next := j.schedule.Next(time.Now())
	j.timer = time.AfterFunc(time.Until(next), j.run)
	j.logger.Debug().Time("next_run", next).Msg("Sweep scheduled")
}

func (j *Janitor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if _, err := j.Sweep(ctx); err != nil {
		j.logger.Error().Err(err).Msg("Sweep failed")
	}
	j.scheduleNext()
}

// Sweep removes expired traces and then orphaned artifacts. It can be
// called directly (the CLI does) as well as from the timer.
func (j *Janitor) Sweep(ctx context.Context) (SweepStats, error) {
	cutoff := time.Now().Add(-j.retention)

	traces, spans, err := j.store.SweepExpired(ctx, cutoff)
	if err != nil {
		return SweepStats{}, fmt.Errorf("failed to sweep traces: %w", err)
	}

	removed, err := j.CollectArtifacts(ctx)
	if err != nil {
		return SweepStats{TracesRemoved: traces, SpansRemoved: spans}, fmt.Errorf("failed to collect artifacts: %w", err)
	}

	stats := SweepStats{
		TracesRemoved:    traces,
		SpansRemoved:     spans,
		ArtifactsRemoved: removed,
	}
	j.logger.Info().
		Int("traces", stats.TracesRemoved).
		Int("spans", stats.SpansRemoved).
		Int("artifacts", stats.ArtifactsRemoved).
		Msg("Sweep completed")

	return stats, nil
}

// CollectArtifacts deletes every blob in the artifact store that no
// span references. Deletion failures on individual blobs are logged
// and skipped so one bad file cannot wedge the sweep.
func (j *Janitor) CollectArtifacts(ctx context.Context) (int, error) {
	referenced, err := j.store.ReferencedHashes(ctx)
	if err != nil {
		return 0, err
	}
	all, err := j.artifacts.Hashes()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, hash := range all {
		if _, ok := referenced[hash]; ok {
			continue
		}
		if err := j.artifacts.Delete(hash); err != nil {
			j.logger.Warn().Err(err).Str("hash", hash).Msg("Failed to delete orphaned artifact")
			continue
		}
		removed++
	}
	return removed, nil
}
