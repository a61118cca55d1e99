// Package policy screens outgoing tool calls before they reach a
// harness. Checkers are independent and pluggable; each inspects the
// call and reports structured findings. A BLOCK-severity failure vetoes
// the call, ADVISORY failures are surfaced but never veto.
package policy

import (
	"fmt"
	"strings"

	"github.com/harun/plinth/pkg/core"
)

// Severity grades a finding. BLOCK vetoes the call, ADVISORY only warns.
type Severity string

const (
	SeverityAdvisory Severity = "ADVISORY"
	SeverityBlock    Severity = "BLOCK"
)

// CheckResult is one finding from one checker. Passing results carry no
// violation; failing results name the rule the call tripped.
type CheckResult struct {
	Checker   string   `json:"checker"`
	Severity  Severity `json:"severity"`
	Passed    bool     `json:"passed"`
	Violation string   `json:"violation,omitempty"`
}

// Checker inspects a tool call and returns zero or more findings. A
// checker with nothing relevant to inspect returns none.
type Checker interface {
	Name() string
	Check(call core.ToolCall) []CheckResult
}

// ShouldBlock reports whether any failed finding carries BLOCK severity.
func ShouldBlock(results []CheckResult) bool {
	for _, r := range results {
		if !r.Passed && r.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// BlockReason joins the blocking violations into one message for the
// model. Empty when nothing blocks.
func BlockReason(results []CheckResult) string {
	var reasons []string
	for _, r := range results {
		if !r.Passed && r.Severity == SeverityBlock {
			reasons = append(reasons, fmt.Sprintf("[%s] %s", r.Checker, r.Violation))
		}
	}
	return strings.Join(reasons, "; ")
}

// Advisories returns the failed findings that do not veto.
func Advisories(results []CheckResult) []CheckResult {
	var out []CheckResult
	for _, r := range results {
		if !r.Passed && r.Severity == SeverityAdvisory {
			out = append(out, r)
		}
	}
	return out
}

func pass(checker string) CheckResult {
	return CheckResult{Checker: checker, Severity: SeverityAdvisory, Passed: true}
}

func fail(checker string, severity Severity, format string, args ...interface{}) CheckResult {
	return CheckResult{
		Checker:   checker,
		Severity:  severity,
		Passed:    false,
		Violation: fmt.Sprintf(format, args...),
	}
}
