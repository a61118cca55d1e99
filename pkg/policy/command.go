package policy

import (
	"fmt"
	"regexp"

	"github.com/harun/plinth/pkg/core"
)

// commandArgNames are the argument keys treated as shell command text.
var commandArgNames = []string{"command", "cmd", "script"}

type compiledRule struct {
	re       *regexp.Regexp
	severity Severity
	reason   string
}

// CommandChecker screens shell command text against destructive-command
// patterns, each carrying its own severity.
type CommandChecker struct {
	rules    CommandRules
	compiled []compiledRule
}

// NewCommandChecker builds a checker from rules, compiling every
// pattern up front so a bad regex fails at load time, not per call.
func NewCommandChecker(rules CommandRules) (*CommandChecker, error) {
	compiled := make([]compiledRule, 0, len(rules.Patterns))
	for _, rule := range rules.Patterns {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid command pattern %q: %w", rule.Pattern, err)
		}
		severity := rule.Severity
		if severity != SeverityAdvisory && severity != SeverityBlock {
			return nil, fmt.Errorf("invalid severity %q for pattern %q", rule.Severity, rule.Pattern)
		}
		compiled = append(compiled, compiledRule{re: re, severity: severity, reason: rule.Reason})
	}
	return &CommandChecker{rules: rules, compiled: compiled}, nil
}

// Name implements Checker.
func (c *CommandChecker) Name() string { return "command" }

// Check implements Checker.
func (c *CommandChecker) Check(call core.ToolCall) []CheckResult {
	if !c.rules.Enabled {
		return nil
	}

	var results []CheckResult
	inspected := false
	for _, key := range commandArgNames {
		command, ok := call.Arguments[key].(string)
		if !ok || command == "" {
			continue
		}
		inspected = true
		for _, rule := range c.compiled {
			if rule.re.MatchString(command) {
				results = append(results, fail(c.Name(), rule.severity, "%s", rule.reason))
			}
		}
	}

	if !inspected {
		return nil
	}
	if len(results) == 0 {
		return []CheckResult{pass(c.Name())}
	}
	return results
}
