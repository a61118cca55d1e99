package cli

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/plinth/internal/config"
	"github.com/harun/plinth/pkg/session"
)

var sessionsPruneMaxAge time.Duration

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage archived sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived session ids",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete session archives older than --max-age",
	Args:  cobra.NoArgs,
	RunE:  runSessionsPrune,
}

func init() {
	sessionsPruneCmd.Flags().DurationVar(&sessionsPruneMaxAge, "max-age", 30*24*time.Hour, "delete archives older than this")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsPruneCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := session.NewStore(cfg.Sessions.Dir, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	ids, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no archived sessions")
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func runSessionsPrune(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := session.NewStore(cfg.Sessions.Dir, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	removed, err := store.Prune(sessionsPruneMaxAge)
	if err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d session archive(s)\n", removed)
	return nil
}
