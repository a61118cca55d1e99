package policy

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harun/plinth/internal/observability"
	"github.com/harun/plinth/pkg/core"
)

var (
	_ Checker = (*FilesystemChecker)(nil)
	_ Checker = (*NetworkChecker)(nil)
	_ Checker = (*CommandChecker)(nil)
	_ Checker = (*SecretsChecker)(nil)
)

// Engine runs every checker against outgoing tool calls. Evaluation
// never short-circuits: a call that trips three rules reports all
// three. The checker set swaps atomically on Reload, so hot-reloaded
// rules never expose a half-built set to concurrent callers.
type Engine struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	checkers []Checker
	secrets  *SecretsChecker
}

// NewEngine builds an engine from a ruleset.
func NewEngine(rules Ruleset, logger zerolog.Logger) (*Engine, error) {
	observability.EnsureRegistered()

	e := &Engine{
		logger: logger.With().Str("component", "policy").Logger(),
	}
	if err := e.Reload(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload replaces the checker set from a new ruleset. On error the
// previous set stays in effect.
func (e *Engine) Reload(rules Ruleset) error {
	command, err := NewCommandChecker(rules.Command)
	if err != nil {
		return fmt.Errorf("failed to build command checker: %w", err)
	}
	secrets, err := NewSecretsChecker(rules.Secrets)
	if err != nil {
		return fmt.Errorf("failed to build secrets checker: %w", err)
	}
	checkers := []Checker{
		NewFilesystemChecker(rules.Filesystem),
		NewNetworkChecker(rules.Network),
		command,
		secrets,
	}

	e.mu.Lock()
	e.checkers = checkers
	e.secrets = secrets
	e.mu.Unlock()

	e.logger.Info().Int("checkers", len(checkers)).Msg("Policy rules loaded")
	return nil
}

// Evaluate runs all checkers against the call and returns every
// finding. Advisory failures are logged here; vetoing is the caller's
// move via ShouldBlock.
func (e *Engine) Evaluate(call core.ToolCall) []CheckResult {
	e.mu.RLock()
	checkers := e.checkers
	e.mu.RUnlock()

	var results []CheckResult
	for _, checker := range checkers {
		findings := checker.Check(call)
		results = append(results, findings...)

		failed := false
		for _, f := range findings {
			if f.Passed {
				continue
			}
			failed = true
			if f.Severity == SeverityBlock {
				observability.RecordPolicyBlock(checker.Name())
				e.logger.Warn().
					Str("tool", call.Name).
					Str("checker", checker.Name()).
					Str("violation", f.Violation).
					Msg("Policy violation blocks tool call")
			} else {
				e.logger.Warn().
					Str("tool", call.Name).
					Str("checker", checker.Name()).
					Str("violation", f.Violation).
					Msg("Policy advisory on tool call")
			}
		}
		if len(findings) > 0 {
			observability.RecordPolicyCheck(checker.Name(), !failed)
		}
	}
	return results
}

// ShouldBlock reports whether the findings veto the call.
func (e *Engine) ShouldBlock(results []CheckResult) bool {
	return ShouldBlock(results)
}

// Redact scrubs credential-shaped substrings from tool output.
func (e *Engine) Redact(text string) string {
	e.mu.RLock()
	secrets := e.secrets
	e.mu.RUnlock()
	return secrets.Redact(text)
}
