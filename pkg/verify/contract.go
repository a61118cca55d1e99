// Package verify layers contract-based postcondition checking around
// tool execution to catch false success: a handler that reports ok
// while the effect it claims never landed. Verification is read-only
// auditing; it never mutates the result it inspects and never vetoes.
package verify

import (
	"github.com/harun/plinth/pkg/core"
)

// CheckType names the kind of condition a contract carries.
type CheckType string

const (
	CheckExitCode      CheckType = "exit_code"
	CheckOutputPattern CheckType = "output_pattern"
	CheckFileExists    CheckType = "file_exists"
	CheckContentMatch  CheckType = "content_match"
	CheckRegionsIntact CheckType = "regions_intact"
	CheckFileParses    CheckType = "file_parses"
)

// Condition is one executable check. Preconditions run before dispatch
// and ignore the result; postconditions run after with the result in
// hand.
type Condition struct {
	Type     CheckType
	Expected string

	eval func(result core.ToolResult) ConditionResult
}

// ConditionResult is the outcome of evaluating one condition.
type ConditionResult struct {
	Type      CheckType `json:"type"`
	Satisfied bool      `json:"satisfied"`
	Expected  string    `json:"expected"`
	Actual    string    `json:"actual"`
	Evidence  string    `json:"evidence,omitempty"`
}

// VerificationResult aggregates every condition outcome for one call.
// Confidence is binary: 1.0 when everything passed, 0.0 otherwise.
type VerificationResult struct {
	ToolName   string            `json:"tool_name"`
	CallID     string            `json:"call_id"`
	Conditions []ConditionResult `json:"conditions"`
	AllPassed  bool              `json:"all_passed"`
	Confidence float64           `json:"confidence"`
}

// Contract binds the pre and postconditions instantiated for one tool
// call. Precondition outcomes are kept on the contract so Verify can
// fold them into the final result.
type Contract struct {
	ToolName string
	CallID   string

	preconditions  []Condition
	postconditions []Condition
	preResults     []ConditionResult
	preChecked     bool
}

func satisfied(t CheckType, expected, actual, evidence string) ConditionResult {
	return ConditionResult{Type: t, Satisfied: true, Expected: expected, Actual: actual, Evidence: evidence}
}

func violated(t CheckType, expected, actual, evidence string) ConditionResult {
	return ConditionResult{Type: t, Satisfied: false, Expected: expected, Actual: actual, Evidence: evidence}
}
