package policy

import (
	"fmt"
	"regexp"

	"github.com/harun/plinth/pkg/core"
)

// builtinSecretPatterns cover the common credential shapes. Matches are
// advisory findings on inbound arguments and redaction targets on
// outbound output; a leaked key should never veto the call that leaked
// it, only be scrubbed and reported.
var builtinSecretPatterns = []string{
	`sk-ant-[a-zA-Z0-9_-]{16,}`,
	`sk-[a-zA-Z0-9]{20,}`,
	`ghp_[a-zA-Z0-9]{36}`,
	`gho_[a-zA-Z0-9]{36}`,
	`AKIA[0-9A-Z]{16}`,
	`(?i)bearer\s+[a-zA-Z0-9._~+/-]{16,}=*`,
	`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY-----`,
	`(?i)(?:password|passwd|secret|token|api_key|apikey|access_key)\s*[=:]\s*['"]?[^\s'"]{8,}`,
}

// SecretsChecker detects credential-shaped values in tool call
// arguments and redacts them from tool output.
type SecretsChecker struct {
	rules    SecretsRules
	compiled []*regexp.Regexp
}

// NewSecretsChecker builds a checker from rules; extra patterns extend
// the built-in set.
func NewSecretsChecker(rules SecretsRules) (*SecretsChecker, error) {
	patterns := make([]string, 0, len(builtinSecretPatterns)+len(rules.ExtraPatterns))
	patterns = append(patterns, builtinSecretPatterns...)
	patterns = append(patterns, rules.ExtraPatterns...)

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid secret pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &SecretsChecker{rules: rules, compiled: compiled}, nil
}

// Name implements Checker.
func (c *SecretsChecker) Name() string { return "secrets" }

// Check implements Checker. Findings are always advisory.
func (c *SecretsChecker) Check(call core.ToolCall) []CheckResult {
	if !c.rules.Enabled {
		return nil
	}

	var results []CheckResult
	walkStrings(call.Arguments, func(key, value string) {
		for _, re := range c.compiled {
			if re.MatchString(value) {
				results = append(results, fail(c.Name(), SeverityAdvisory,
					"argument %q contains a credential-shaped value", key))
				return
			}
		}
	})

	if len(results) == 0 {
		return nil
	}
	return results
}

// Redact replaces credential-shaped substrings in text with [REDACTED].
func (c *SecretsChecker) Redact(text string) string {
	if !c.rules.Enabled || text == "" {
		return text
	}
	for _, re := range c.compiled {
		text = re.ReplaceAllString(text, "[REDACTED]")
	}
	return text
}

// walkStrings visits every string leaf in a JSON-shaped argument tree.
func walkStrings(args map[string]interface{}, visit func(key, value string)) {
	var walk func(key string, value interface{})
	walk = func(key string, value interface{}) {
		switch v := value.(type) {
		case string:
			visit(key, v)
		case map[string]interface{}:
			for k, nested := range v {
				walk(k, nested)
			}
		case []interface{}:
			for _, item := range v {
				walk(key, item)
			}
		}
	}
	for k, v := range args {
		walk(k, v)
	}
}
