package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/plinth/internal/config"
	"github.com/harun/plinth/pkg/tracestore"
)

var traceJSON bool

var traceCmd = &cobra.Command{
	Use:   "trace [trace-id]",
	Short: "Inspect a recorded trace",
	Long: `Print the span tree of a recorded trace. Without a trace id the most
recently started traces are listed instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTrace,
}

func init() {
	traceCmd.Flags().BoolVar(&traceJSON, "json", false, "print raw spans as JSON")
	rootCmd.AddCommand(traceCmd)
}

func runTrace(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if _, err := os.Stat(cfg.Trace.DBPath); err != nil {
		return fmt.Errorf("no trace database at %s", cfg.Trace.DBPath)
	}

	store, err := tracestore.NewStore(cfg.Trace.DBPath, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("failed to open trace store: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		ids, err := store.TraceIDs(ctx, 20)
		if err != nil {
			return fmt.Errorf("failed to list traces: %w", err)
		}
		if len(ids) == 0 {
			fmt.Fprintln(out, "no traces recorded")
			return nil
		}
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil
	}

	traceID := args[0]
	spans, err := store.Spans(ctx, traceID)
	if err != nil {
		return fmt.Errorf("failed to load trace: %w", err)
	}
	if len(spans) == 0 {
		return fmt.Errorf("no spans recorded for trace %s", traceID)
	}

	if traceJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(spans)
	}

	fmt.Fprintf(out, "trace %s (%d spans)\n", traceID, len(spans))
	printSpanTree(out, spans)
	return nil
}

// printSpanTree renders spans indented under their parents. Spans whose
// parent is missing from the trace are treated as roots so partially
// swept traces still render completely.
func printSpanTree(out io.Writer, spans []tracestore.Span) {
	present := make(map[string]bool, len(spans))
	for _, s := range spans {
		present[s.SpanID] = true
	}

	children := make(map[string][]tracestore.Span, len(spans))
	for _, s := range spans {
		parent := s.ParentSpanID
		if !present[parent] {
			parent = ""
		}
		children[parent] = append(children[parent], s)
	}

	var walk func(parent string, depth int)
	walk = func(parent string, depth int) {
		for _, s := range children[parent] {
			fmt.Fprintf(out, "%s%s\n", strings.Repeat("  ", depth+1), formatSpan(s))
			walk(s.SpanID, depth+1)
		}
	}
	walk("", 0)
}

func formatSpan(s tracestore.Span) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-28s %-7s", s.Kind, s.Name, s.Status)
	if d := s.Duration(); d > 0 {
		fmt.Fprintf(&b, " %8s", d.Round(time.Millisecond))
	}
	if s.InputHash != "" {
		fmt.Fprintf(&b, "  in:%s", shortHash(s.InputHash))
	}
	if s.OutputHash != "" {
		fmt.Fprintf(&b, " out:%s", shortHash(s.OutputHash))
	}
	if blocked, ok := s.Attributes["blocked"].(bool); ok && blocked {
		reason, _ := s.Attributes["reason"].(string)
		fmt.Fprintf(&b, "  BLOCKED %s", reason)
	}
	if passed, ok := s.Attributes["all_passed"].(bool); ok && !passed {
		b.WriteString("  verification failed")
	}
	if s.ErrorDetail != "" {
		fmt.Fprintf(&b, "  %s", s.ErrorDetail)
	}
	return strings.TrimRight(b.String(), " ")
}

func shortHash(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12]
}
