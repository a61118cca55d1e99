package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/plinth/internal/config"
	"github.com/harun/plinth/internal/logger"
	"github.com/harun/plinth/internal/observability"
	"github.com/harun/plinth/internal/tracing"
	"github.com/harun/plinth/pkg/agent"
	"github.com/harun/plinth/pkg/contextwindow"
	"github.com/harun/plinth/pkg/harness"
	"github.com/harun/plinth/pkg/parallel"
	"github.com/harun/plinth/pkg/policy"
	"github.com/harun/plinth/pkg/session"
	"github.com/harun/plinth/pkg/toolkit"
	"github.com/harun/plinth/pkg/tracestore"
	"github.com/harun/plinth/pkg/verify"
)

var (
	runSessionID string
	runScript    string
	runMaxSteps  int
	runSerial    bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run the agent once over a prompt",
	Long: `Run one agent loop over the given prompt and print the outcome.
Every tool call is policy-screened before dispatch, verified after, and
recorded to the trace store. The printed trace id can be inspected with
"plinth trace".`,
	Args: cobra.ArbitraryArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runSessionID, "session", "", "archived session id to resume")
	runCmd.Flags().StringVar(&runScript, "script", "", "turn script file (required for the scripted provider)")
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "override the configured step budget")
	runCmd.Flags().BoolVar(&runSerial, "serial", false, "dispatch tool calls serially instead of through the parallel executor")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" && runSessionID == "" {
		return fmt.Errorf("a prompt is required unless resuming a session")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if runMaxSteps > 0 {
		cfg.Loop.MaxSteps = runMaxSteps
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Logs go to the file; stdout stays clean for the run output.
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		Console:    false,
		Pretty:     cfg.Logging.Pretty,
		Redaction:  cfg.Logging.Redaction,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()
	zl := log.GetZerolog()

	if err := tracing.InitOpenTelemetry("plinth"); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer tracing.ShutdownOpenTelemetry(context.Background())

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zl.Error().Err(err).Str("listen", cfg.Metrics.Listen).Msg("Metrics endpoint failed")
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	store, err := tracestore.NewStore(cfg.Trace.DBPath, zl)
	if err != nil {
		return fmt.Errorf("failed to open trace store: %w", err)
	}
	defer store.Close()

	artifacts, err := tracestore.NewArtifactStore(cfg.Trace.ArtifactDir, zl)
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}

	if cfg.Trace.RetentionDays > 0 {
		retention := time.Duration(cfg.Trace.RetentionDays) * 24 * time.Hour
		janitor, err := tracestore.NewJanitor(store, artifacts, retention, cfg.Trace.SweepSchedule, zl)
		if err != nil {
			return fmt.Errorf("failed to create trace janitor: %w", err)
		}
		janitor.Start()
		defer janitor.Stop()
	}

	rules, err := policy.LoadRules(cfg.Policy.RulesPath)
	if err != nil {
		return fmt.Errorf("failed to load policy rules: %w", err)
	}
	engine, err := policy.NewEngine(rules, zl)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if cfg.Policy.Watch {
		watcher, err := policy.NewWatcher(engine, cfg.Policy.RulesPath, zl)
		if err != nil {
			zl.Warn().Err(err).Str("path", cfg.Policy.RulesPath).Msg("Policy hot-reload unavailable")
		} else {
			defer watcher.Stop()
		}
	}

	registry := harness.NewRegistry(zl, harness.RegistryConfig{
		Timeout:     time.Duration(cfg.Loop.ToolTimeoutSeconds) * time.Second,
		MaxParallel: cfg.Parallel.MaxWorkers,
	})
	if err := toolkit.Register(registry, toolkit.Options{
		WorkspaceRoot: cfg.WorkspaceRoot,
		ShellTimeout:  time.Duration(cfg.Loop.ToolTimeoutSeconds) * time.Second,
	}); err != nil {
		return fmt.Errorf("failed to register workspace tools: %w", err)
	}

	verifier := verify.NewEngine(cfg.WorkspaceRoot, zl)

	var executor *parallel.Executor
	if !runSerial {
		executor, err = parallel.NewExecutor(registry, parallel.Config{
			MaxWorkers: cfg.Parallel.MaxWorkers,
			Artifacts:  artifacts,
		}, zl)
		if err != nil {
			return fmt.Errorf("failed to create parallel executor: %w", err)
		}
	}

	client, err := buildClient(cfg, zl)
	if err != nil {
		return err
	}

	sessions, err := session.NewStore(cfg.Sessions.Dir, zl)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := session.New("")
	if runSessionID != "" {
		sess, err = sessions.Load(ctx, runSessionID)
		if err != nil {
			return fmt.Errorf("failed to resume session %s: %w", runSessionID, err)
		}
	}

	window, err := contextwindow.NewManager(contextwindow.Config{
		Budget:          cfg.Context.Budget,
		CharsPerToken:   cfg.Context.CharsPerToken,
		MessageOverhead: cfg.Context.MessageOverhead,
	}, zl)
	if err != nil {
		return fmt.Errorf("failed to create context window: %w", err)
	}

	traceID := tracing.NewTraceID()
	tc, err := tracestore.NewTraceContext(store, traceID, "plinth-cli", zl)
	if err != nil {
		return fmt.Errorf("failed to create trace context: %w", err)
	}

	loop, err := agent.NewLoop(agent.Config{
		Client:   client,
		Harness:  registry,
		Window:   window,
		Session:  sess,
		MaxSteps: cfg.Loop.MaxSteps,
		Policy:   engine,
		Verifier: verifier,
		Trace:    tc,
		Parallel: executor,
	}, zl)
	if err != nil {
		return fmt.Errorf("failed to create agent loop: %w", err)
	}

	ctx = tracing.WithTraceID(ctx, traceID)
	ctx = tracing.NewRunContext(ctx, "plinth-cli")

	result, runErr := loop.Run(ctx, prompt)

	// The transcript is archived whatever the outcome, so an errored run
	// can still be resumed.
	if err := sessions.Archive(context.Background(), loop.Session()); err != nil {
		zl.Error().Err(err).Str("session_id", loop.Session().ID()).Msg("Failed to archive session")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session: %s\n", loop.Session().ID())
	fmt.Fprintf(out, "trace:   %s\n", traceID)

	if runErr != nil {
		return fmt.Errorf("run failed after %d step(s): %w", result.Steps, runErr)
	}

	switch result.Outcome {
	case agent.OutcomeFinished:
		if result.Response != "" {
			fmt.Fprintf(out, "\n%s\n", result.Response)
		}
	case agent.OutcomeMaxSteps:
		fmt.Fprintf(out, "\nstep budget exhausted after %d step(s) without a final response\n", result.Steps)
	}

	fmt.Fprintf(out, "\noutcome: %s  steps: %d/%d  tool calls: %d  blocked: %d  tokens: %d in / %d out\n",
		result.Outcome, result.Steps, result.MaxSteps,
		result.ToolCalls, result.BlockedCalls,
		result.Usage.InputTokens, result.Usage.OutputTokens)

	if failed := failedVerifications(result.Verifications); failed > 0 {
		fmt.Fprintf(out, "verification: %d of %d check set(s) failed, inspect with: plinth trace %s\n",
			failed, len(result.Verifications), traceID)
	}

	return nil
}

// buildClient assembles the configured model client wrapped with retry.
// The scripted provider replays a turn script from disk instead of
// calling a real API.
func buildClient(cfg *config.Config, zl zerolog.Logger) (agent.ModelClient, error) {
	var inner agent.ModelClient

	if cfg.Model.Provider == "scripted" {
		if runScript == "" {
			return nil, fmt.Errorf("the scripted provider requires --script")
		}
		turns, err := loadScript(runScript)
		if err != nil {
			return nil, fmt.Errorf("failed to load script %s: %w", runScript, err)
		}
		inner = agent.NewScriptedClient(turns)
	} else {
		var err error
		inner, err = agent.NewClient(agent.ClientConfig{
			Provider:    cfg.Model.Provider,
			APIKey:      cfg.Model.APIKey,
			Model:       cfg.Model.Name,
			MaxTokens:   cfg.Model.MaxTokens,
			Temperature: cfg.Model.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create model client: %w", err)
		}
	}

	retry, err := agent.NewRetryClient(inner, agent.RetryConfig{MaxRetries: cfg.Model.MaxRetries}, zl)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap model client: %w", err)
	}
	return retry, nil
}

// loadScript reads a JSON turn script. Tool calls without an id get a
// generated one so results can be matched back.
func loadScript(path string) ([]agent.Turn, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var turns []agent.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("failed to parse turn script: %w", err)
	}

	for i := range turns {
		for j := range turns[i].ToolCalls {
			if turns[i].ToolCalls[j].ID == "" {
				id, err := gonanoid.New()
				if err != nil {
					return nil, fmt.Errorf("failed to generate call id: %w", err)
				}
				turns[i].ToolCalls[j].ID = id
			}
		}
	}
	return turns, nil
}

func failedVerifications(results []verify.VerificationResult) int {
	failed := 0
	for _, vr := range results {
		if !vr.AllPassed {
			failed++
		}
	}
	return failed
}
