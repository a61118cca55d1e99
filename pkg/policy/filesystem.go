package policy

import (
	"path/filepath"
	"strings"

	"github.com/harun/plinth/pkg/core"
)

// pathArgNames are the argument keys treated as filesystem paths.
var pathArgNames = []string{
	"path", "file", "file_path", "filename", "dir", "directory",
	"cwd", "target", "source", "src", "dest", "destination",
}

// FilesystemChecker screens path-bearing arguments against allow/deny
// prefix lists and deny globs. Traversal sequences and null bytes are
// always blocked, whatever the lists say.
type FilesystemChecker struct {
	rules FilesystemRules
}

// NewFilesystemChecker builds a checker from rules.
func NewFilesystemChecker(rules FilesystemRules) *FilesystemChecker {
	return &FilesystemChecker{rules: rules}
}

// Name implements Checker.
func (c *FilesystemChecker) Name() string { return "filesystem" }

// Check implements Checker.
func (c *FilesystemChecker) Check(call core.ToolCall) []CheckResult {
	if !c.rules.Enabled {
		return nil
	}

	var results []CheckResult
	inspected := false
	for _, key := range pathArgNames {
		raw, ok := call.Arguments[key]
		if !ok {
			continue
		}
		path, ok := raw.(string)
		if !ok || path == "" {
			continue
		}
		inspected = true
		results = append(results, c.checkPath(key, path)...)
	}

	if !inspected {
		return nil
	}
	if len(results) == 0 {
		return []CheckResult{pass(c.Name())}
	}
	return results
}

func (c *FilesystemChecker) checkPath(key, path string) []CheckResult {
	var results []CheckResult

	if strings.ContainsRune(path, 0) {
		results = append(results, fail(c.Name(), SeverityBlock,
			"argument %q contains a null byte", key))
		return results
	}
	if containsTraversal(path) {
		results = append(results, fail(c.Name(), SeverityBlock,
			"argument %q contains path traversal: %s", key, path))
		return results
	}

	cleaned := filepath.Clean(path)

	for _, deny := range c.rules.DenyPaths {
		if hasPathPrefix(cleaned, deny) {
			results = append(results, fail(c.Name(), SeverityBlock,
				"path %s is under denied prefix %s", cleaned, deny))
		}
	}
	for _, pattern := range c.rules.DenyGlobs {
		if globMatch(pattern, cleaned) {
			results = append(results, fail(c.Name(), SeverityBlock,
				"path %s matches denied pattern %s", cleaned, pattern))
		}
	}

	if len(c.rules.AllowPaths) > 0 {
		allowed := false
		for _, allow := range c.rules.AllowPaths {
			if hasPathPrefix(cleaned, allow) {
				allowed = true
				break
			}
		}
		if !allowed {
			results = append(results, fail(c.Name(), SeverityBlock,
				"path %s is outside the allowed roots", cleaned))
		}
	}

	return results
}

func containsTraversal(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

func hasPathPrefix(path, prefix string) bool {
	prefix = filepath.Clean(prefix)
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// globMatch tries the pattern against the whole path and its basename,
// so "*.pem" catches nested keys without needing "**" support.
func globMatch(pattern, path string) bool {
	if ok, err := filepath.Match(pattern, path); err == nil && ok {
		return true
	}
	ok, err := filepath.Match(pattern, filepath.Base(path))
	return err == nil && ok
}
