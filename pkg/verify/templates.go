package verify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/harun/plinth/pkg/core"
)

// TemplateFunc instantiates a contract from a concrete call. Returning
// a nil contract means the template declined (malformed arguments).
type TemplateFunc func(call core.ToolCall) *Contract

// returnCodePattern matches the trailing exit status stamp the shell
// tool appends to its combined output.
var returnCodePattern = regexp.MustCompile(`\(return code = (\d+)\)\s*$`)

// testRunnerPatterns maps a command fragment to the success pattern its
// runner prints. Matching is first-hit in order.
var testRunnerPatterns = []struct {
	fragment string
	pattern  *regexp.Regexp
	expected string
}{
	{"pytest", regexp.MustCompile(`\d+ passed`), "pytest reports passed tests"},
	{"py.test", regexp.MustCompile(`\d+ passed`), "pytest reports passed tests"},
	{"go test", regexp.MustCompile(`(?m)^ok\b`), "go test reports ok"},
	{"cargo test", regexp.MustCompile(`test result: ok`), "cargo reports test result: ok"},
	{"npm test", regexp.MustCompile(`(?i)\d+\s*(?:passing|passed)`), "npm test reports passing tests"},
	{"yarn test", regexp.MustCompile(`(?i)\d+\s*(?:passing|passed)`), "yarn test reports passing tests"},
	{"jest", regexp.MustCompile(`(?i)\d+\s*passed`), "jest reports passed tests"},
	{"make test", regexp.MustCompile(`(?i)\b(?:pass(?:ed|ing)?|ok)\b`), "make test reports success"},
}

// shellTemplate builds the contract for shell-style tools: the output
// must carry a zero exit stamp, and test-runner shaped commands must
// additionally print their runner's success line. A green exit code
// from a runner wrapper that swallowed failures is exactly the false
// success this exists to catch.
func shellTemplate(call core.ToolCall) *Contract {
	command, _ := call.Arguments["command"].(string)
	if command == "" {
		return nil
	}

	c := &Contract{ToolName: call.Name, CallID: call.ID}
	c.postconditions = append(c.postconditions, exitCodeCondition())

	lowered := strings.ToLower(command)
	for _, runner := range testRunnerPatterns {
		if strings.Contains(lowered, runner.fragment) {
			c.postconditions = append(c.postconditions, outputPatternCondition(runner.pattern, runner.expected))
			break
		}
	}
	return c
}

func exitCodeCondition() Condition {
	expected := "return code 0"
	return Condition{
		Type:     CheckExitCode,
		Expected: expected,
		eval: func(result core.ToolResult) ConditionResult {
			match := returnCodePattern.FindStringSubmatch(result.Content)
			if match == nil {
				return violated(CheckExitCode, expected,
					"no return code stamp in output", tail(result.Content, 120))
			}
			code, err := strconv.Atoi(match[1])
			if err != nil || code != 0 {
				return violated(CheckExitCode, expected,
					fmt.Sprintf("return code %s", match[1]), match[0])
			}
			return satisfied(CheckExitCode, expected, "return code 0", match[0])
		},
	}
}

func outputPatternCondition(pattern *regexp.Regexp, expected string) Condition {
	return Condition{
		Type:     CheckOutputPattern,
		Expected: expected,
		eval: func(result core.ToolResult) ConditionResult {
			loc := pattern.FindString(result.Content)
			if loc == "" {
				return violated(CheckOutputPattern, expected,
					"success pattern not found in output", tail(result.Content, 120))
			}
			return satisfied(CheckOutputPattern, expected, "pattern matched", loc)
		},
	}
}

// writeFileTemplate builds the contract for write_file: afterwards the
// file exists, holds the requested content, and still parses.
func (e *Engine) writeFileTemplate(call core.ToolCall) *Contract {
	path, _ := call.Arguments["path"].(string)
	content, _ := call.Arguments["content"].(string)
	if path == "" {
		return nil
	}
	appendMode, _ := call.Arguments["append"].(bool)
	resolved := e.resolve(path)

	c := &Contract{ToolName: call.Name, CallID: call.ID}
	c.postconditions = append(c.postconditions,
		fileExistsCondition(resolved),
		writtenContentCondition(resolved, content, appendMode),
		fileParsesCondition(resolved),
	)
	return c
}

// editFileTemplate builds the contract for edit_file. The precondition
// snapshots the file before dispatch; afterwards the edited content is
// present, applying the same edit to the baseline reproduces the file
// on disk (untouched regions unperturbed), and the file still parses.
func (e *Engine) editFileTemplate(call core.ToolCall) *Contract {
	path, _ := call.Arguments["path"].(string)
	search, _ := call.Arguments["search"].(string)
	if path == "" || search == "" {
		return nil
	}
	replace, _ := call.Arguments["replace"].(string)
	replaceAll, _ := call.Arguments["replace_all"].(bool)
	resolved := e.resolve(path)

	state := &editBaseline{}
	c := &Contract{ToolName: call.Name, CallID: call.ID}
	c.preconditions = append(c.preconditions, baselineCondition(resolved, state))
	c.postconditions = append(c.postconditions,
		editedContentCondition(resolved, replace),
		regionsIntactCondition(resolved, search, replace, replaceAll, state),
		fileParsesCondition(resolved),
	)
	return c
}

type editBaseline struct {
	content  string
	captured bool
}

func baselineCondition(path string, state *editBaseline) Condition {
	expected := fmt.Sprintf("%s exists before edit", path)
	return Condition{
		Type:     CheckFileExists,
		Expected: expected,
		eval: func(core.ToolResult) ConditionResult {
			data, err := os.ReadFile(path)
			if err != nil {
				return violated(CheckFileExists, expected, "file not readable", err.Error())
			}
			state.content = string(data)
			state.captured = true
			return satisfied(CheckFileExists, expected, "file exists",
				fmt.Sprintf("%d bytes snapshotted", len(data)))
		},
	}
}

func fileExistsCondition(path string) Condition {
	expected := fmt.Sprintf("%s exists", path)
	return Condition{
		Type:     CheckFileExists,
		Expected: expected,
		eval: func(core.ToolResult) ConditionResult {
			info, err := os.Stat(path)
			if err != nil {
				return violated(CheckFileExists, expected, "file missing", err.Error())
			}
			if info.IsDir() {
				return violated(CheckFileExists, expected, "path is a directory", path)
			}
			return satisfied(CheckFileExists, expected, "file exists",
				fmt.Sprintf("%d bytes on disk", info.Size()))
		},
	}
}

func writtenContentCondition(path, content string, appended bool) Condition {
	expected := "file holds the requested content"
	if appended {
		expected = "file ends with the appended content"
	}
	return Condition{
		Type:     CheckContentMatch,
		Expected: expected,
		eval: func(core.ToolResult) ConditionResult {
			data, err := os.ReadFile(path)
			if err != nil {
				return violated(CheckContentMatch, expected, "file not readable", err.Error())
			}
			current := string(data)
			if appended {
				if !strings.HasSuffix(current, content) {
					return violated(CheckContentMatch, expected,
						"appended content not at end of file", tail(current, 120))
				}
				return satisfied(CheckContentMatch, expected, "appended content present", "")
			}
			if current != content {
				return violated(CheckContentMatch, expected,
					fmt.Sprintf("content differs at byte %d", firstDivergence(current, content)),
					tail(current, 120))
			}
			return satisfied(CheckContentMatch, expected, "content matches", "")
		},
	}
}

func editedContentCondition(path, replace string) Condition {
	expected := "edited content present in file"
	return Condition{
		Type:     CheckContentMatch,
		Expected: expected,
		eval: func(core.ToolResult) ConditionResult {
			if replace == "" {
				return satisfied(CheckContentMatch, expected, "deletion edit", "no replacement text to locate")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return violated(CheckContentMatch, expected, "file not readable", err.Error())
			}
			if !strings.Contains(string(data), replace) {
				return violated(CheckContentMatch, expected, "replacement text not found", tail(string(data), 120))
			}
			return satisfied(CheckContentMatch, expected, "replacement text present", "")
		},
	}
}

func regionsIntactCondition(path, search, replace string, replaceAll bool, state *editBaseline) Condition {
	expected := "untouched regions match the pre-edit baseline"
	return Condition{
		Type:     CheckRegionsIntact,
		Expected: expected,
		eval: func(core.ToolResult) ConditionResult {
			if !state.captured {
				return violated(CheckRegionsIntact, expected,
					"no baseline snapshot", "preconditions were not checked before dispatch")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return violated(CheckRegionsIntact, expected, "file not readable", err.Error())
			}

			n := 1
			if replaceAll {
				n = -1
			}
			want := strings.Replace(state.content, search, replace, n)
			current := string(data)
			if current != want {
				return violated(CheckRegionsIntact, expected,
					fmt.Sprintf("file diverges from expected edit at byte %d", firstDivergence(current, want)),
					tail(current, 120))
			}
			return satisfied(CheckRegionsIntact, expected, "edit applied cleanly", "")
		},
	}
}

func fileParsesCondition(path string) Condition {
	jsonFile := strings.EqualFold(filepath.Ext(path), ".json")
	expected := "file is valid UTF-8"
	if jsonFile {
		expected = "file is valid JSON"
	}
	return Condition{
		Type:     CheckFileParses,
		Expected: expected,
		eval: func(core.ToolResult) ConditionResult {
			data, err := os.ReadFile(path)
			if err != nil {
				return violated(CheckFileParses, expected, "file not readable", err.Error())
			}
			if jsonFile {
				if !json.Valid(data) {
					return violated(CheckFileParses, expected, "invalid JSON", tail(string(data), 120))
				}
				return satisfied(CheckFileParses, expected, "valid JSON", "")
			}
			if !utf8.Valid(data) {
				return violated(CheckFileParses, expected, "invalid UTF-8", "")
			}
			return satisfied(CheckFileParses, expected, "valid UTF-8", "")
		},
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func firstDivergence(a, b string) int {
	limit := len(a)
	if len(b) < limit {
		limit = len(b)
	}
	for i := 0; i < limit; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return limit
}
