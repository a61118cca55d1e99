package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/plinth/internal/config"
	"github.com/harun/plinth/pkg/tracestore"
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Manage the content-addressed artifact store",
}

var artifactsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Sweep expired traces and orphaned artifacts now",
	Long: `Run one retention sweep immediately: delete fully sealed traces older
than the retention window, then delete artifact blobs no surviving span
references. Traces with pending spans are never swept.`,
	Args: cobra.NoArgs,
	RunE: runArtifactsGC,
}

var artifactsCatCmd = &cobra.Command{
	Use:   "cat <hash>",
	Short: "Write an artifact blob to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactsCat,
}

func init() {
	artifactsCmd.AddCommand(artifactsGCCmd)
	artifactsCmd.AddCommand(artifactsCatCmd)
	rootCmd.AddCommand(artifactsCmd)
}

func runArtifactsGC(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Trace.RetentionDays <= 0 {
		return fmt.Errorf("retention is disabled (trace retention_days = %d)", cfg.Trace.RetentionDays)
	}

	zl := zerolog.Nop()
	store, err := tracestore.NewStore(cfg.Trace.DBPath, zl)
	if err != nil {
		return fmt.Errorf("failed to open trace store: %w", err)
	}
	defer store.Close()

	artifacts, err := tracestore.NewArtifactStore(cfg.Trace.ArtifactDir, zl)
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}

	retention := time.Duration(cfg.Trace.RetentionDays) * 24 * time.Hour
	janitor, err := tracestore.NewJanitor(store, artifacts, retention, cfg.Trace.SweepSchedule, zl)
	if err != nil {
		return fmt.Errorf("failed to create trace janitor: %w", err)
	}

	stats, err := janitor.Sweep(cmd.Context())
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "removed %d trace(s), %d span(s), %d artifact blob(s)\n",
		stats.TracesRemoved, stats.SpansRemoved, stats.ArtifactsRemoved)
	return nil
}

func runArtifactsCat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	artifacts, err := tracestore.NewArtifactStore(cfg.Trace.ArtifactDir, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}

	hash, err := resolveHash(artifacts, args[0])
	if err != nil {
		return err
	}

	data, err := artifacts.Get(hash)
	if err != nil {
		return fmt.Errorf("failed to read artifact %s: %w", hash, err)
	}

	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// resolveHash expands the short hash prefixes the trace command prints
// to the full content hash. A prefix matching more than one blob is an
// error.
func resolveHash(artifacts *tracestore.ArtifactStore, prefix string) (string, error) {
	if len(prefix) == 64 {
		return prefix, nil
	}

	all, err := artifacts.Hashes()
	if err != nil {
		return "", fmt.Errorf("failed to list artifacts: %w", err)
	}

	var match string
	for _, h := range all {
		if !strings.HasPrefix(h, prefix) {
			continue
		}
		if match != "" {
			return "", fmt.Errorf("ambiguous artifact prefix %s", prefix)
		}
		match = h
	}
	if match == "" {
		return "", fmt.Errorf("no artifact matches %s", prefix)
	}
	return match, nil
}
