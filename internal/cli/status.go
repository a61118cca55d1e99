package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/plinth/internal/config"
	"github.com/harun/plinth/pkg/session"
	"github.com/harun/plinth/pkg/tracestore"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show data directory status",
	Long:  `Show what the data directory holds: recorded traces, artifact blobs, and archived sessions.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "data dir:  %s\n", cfg.DataDir)
	fmt.Fprintf(out, "workspace: %s\n", cfg.WorkspaceRoot)

	zl := zerolog.Nop()
	ctx := cmd.Context()

	if _, err := os.Stat(cfg.Trace.DBPath); err == nil {
		store, err := tracestore.NewStore(cfg.Trace.DBPath, zl)
		if err != nil {
			return fmt.Errorf("failed to open trace store: %w", err)
		}
		defer store.Close()

		ids, err := store.TraceIDs(ctx, 0)
		if err != nil {
			return fmt.Errorf("failed to list traces: %w", err)
		}
		fmt.Fprintf(out, "traces:    %d", len(ids))
		if len(ids) > 0 {
			fmt.Fprintf(out, " (latest %s)", ids[0])
		}
		fmt.Fprintln(out)
	} else {
		fmt.Fprintln(out, "traces:    none recorded")
	}

	artifacts, err := tracestore.NewArtifactStore(cfg.Trace.ArtifactDir, zl)
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}
	hashes, err := artifacts.Hashes()
	if err != nil {
		return fmt.Errorf("failed to list artifacts: %w", err)
	}
	var bytes int64
	for _, h := range hashes {
		info, err := artifacts.Stat(h)
		if err != nil {
			continue
		}
		bytes += info.Size
	}
	fmt.Fprintf(out, "artifacts: %d blob(s), %s\n", len(hashes), formatBytes(bytes))

	sessions, err := session.NewStore(cfg.Sessions.Dir, zl)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	archived, err := sessions.List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	fmt.Fprintf(out, "sessions:  %d archived\n", len(archived))

	if cfg.Trace.RetentionDays > 0 {
		retention := time.Duration(cfg.Trace.RetentionDays) * 24 * time.Hour
		fmt.Fprintf(out, "retention: %s (sweep %q)\n", formatDuration(retention), cfg.Trace.SweepSchedule)
	} else {
		fmt.Fprintln(out, "retention: disabled")
	}

	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
