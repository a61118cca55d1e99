package verify

import (
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/plinth/internal/observability"
	"github.com/harun/plinth/pkg/core"
)

// Engine instantiates contracts from per-tool templates and evaluates
// them around execution. Tools without a template simply go unverified;
// CreateContract reports that instead of inventing an empty contract.
type Engine struct {
	workspace string
	logger    zerolog.Logger
	templates map[string]TemplateFunc
}

// NewEngine creates an engine with the built-in templates registered.
// Relative paths in file contracts resolve against workspaceRoot, the
// same root the workspace tools use.
func NewEngine(workspaceRoot string, logger zerolog.Logger) *Engine {
	observability.EnsureRegistered()

	e := &Engine{
		workspace: workspaceRoot,
		logger:    logger.With().Str("component", "verify").Logger(),
		templates: make(map[string]TemplateFunc),
	}
	e.RegisterTemplate("shell", shellTemplate)
	e.RegisterTemplate("exec", shellTemplate)
	e.RegisterTemplate("write_file", e.writeFileTemplate)
	e.RegisterTemplate("edit_file", e.editFileTemplate)
	return e
}

// RegisterTemplate binds a contract template to a tool name,
// overwriting any previous binding.
func (e *Engine) RegisterTemplate(tool string, fn TemplateFunc) {
	e.templates[tool] = fn
}

// CreateContract instantiates the template for the call's tool. ok is
// false when no template exists or the template declined the call.
func (e *Engine) CreateContract(call core.ToolCall) (*Contract, bool) {
	template, found := e.templates[call.Name]
	if !found {
		return nil, false
	}
	contract := template(call)
	if contract == nil {
		e.logger.Debug().
			Str("tool", call.Name).
			Str("call_id", call.ID).
			Msg("Template declined malformed call")
		return nil, false
	}
	return contract, true
}

// CheckPreconditions evaluates the contract's preconditions and keeps
// their outcomes for the final verification. For edit contracts this is
// also where the baseline snapshot is captured, so it must run before
// the call is dispatched.
func (e *Engine) CheckPreconditions(contract *Contract) []ConditionResult {
	results := make([]ConditionResult, 0, len(contract.preconditions))
	for _, cond := range contract.preconditions {
		results = append(results, cond.eval(core.ToolResult{}))
	}
	contract.preResults = results
	contract.preChecked = true

	for _, r := range results {
		if !r.Satisfied {
			e.logger.Warn().
				Str("tool", contract.ToolName).
				Str("call_id", contract.CallID).
				Str("check", string(r.Type)).
				Str("actual", r.Actual).
				Msg("Precondition not satisfied")
		}
	}
	return results
}

// Verify evaluates every postcondition independently and folds in the
// precondition outcomes. One failed check never short-circuits the
// rest; the caller gets the full picture. The inspected result is never
// mutated.
func (e *Engine) Verify(contract *Contract, result core.ToolResult) VerificationResult {
	start := time.Now()

	conditions := make([]ConditionResult, 0, len(contract.preResults)+len(contract.postconditions))
	conditions = append(conditions, contract.preResults...)
	for _, cond := range contract.postconditions {
		conditions = append(conditions, cond.eval(result))
	}

	allPassed := true
	for _, c := range conditions {
		if !c.Satisfied {
			allPassed = false
			break
		}
	}

	confidence := 0.0
	if allPassed {
		confidence = 1.0
	}

	observability.RecordVerification(contract.ToolName, time.Since(start), allPassed)
	if !allPassed {
		e.logger.Warn().
			Str("tool", contract.ToolName).
			Str("call_id", contract.CallID).
			Int("conditions", len(conditions)).
			Msg("Verification failed")
	}

	return VerificationResult{
		ToolName:   contract.ToolName,
		CallID:     contract.CallID,
		Conditions: conditions,
		AllPassed:  allPassed,
		Confidence: confidence,
	}
}

// resolve turns a relative contract path into a workspace path.
func (e *Engine) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(e.workspace, path)
}
