// Package toolkit registers the built-in workspace tools on a harness:
// shell execution plus file read/write/edit. Every path argument
// resolves inside a workspace root; escapes are errors, not silent
// clamps.
package toolkit

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/plinth/pkg/core"
	"github.com/harun/plinth/pkg/harness"
)

const (
	// DefaultMaxReadBytes caps read_file output when the call does not
	// set max_bytes.
	DefaultMaxReadBytes = 200000

	// DefaultShellTimeout bounds shell commands without an explicit
	// timeout argument.
	DefaultShellTimeout = 30 * time.Second
)

// Options configures the workspace tools.
type Options struct {
	// WorkspaceRoot confines every file path and shell working
	// directory. Required.
	WorkspaceRoot string

	// ShellTimeout bounds shell commands; zero takes the default.
	ShellTimeout time.Duration

	// MaxReadBytes caps read_file output; zero takes the default.
	MaxReadBytes int64
}

// Register binds the workspace tools to the registry.
func Register(reg *harness.Registry, opts Options) error {
	if reg == nil {
		return fmt.Errorf("registry is required")
	}
	if opts.WorkspaceRoot == "" {
		return fmt.Errorf("workspace root is required")
	}
	if opts.ShellTimeout <= 0 {
		opts.ShellTimeout = DefaultShellTimeout
	}
	if opts.MaxReadBytes <= 0 {
		opts.MaxReadBytes = DefaultMaxReadBytes
	}

	type toolPair struct {
		schema  core.ToolSchema
		handler harness.Handler
	}
	pair := func(schema core.ToolSchema, handler harness.Handler) toolPair {
		return toolPair{schema: schema, handler: handler}
	}
	tools := []toolPair{
		pair(shellTool(opts)),
		pair(readFileTool(opts)),
		pair(writeFileTool(opts)),
		pair(editFileTool(opts)),
	}
	for _, tool := range tools {
		if err := reg.Register(tool.schema, tool.handler); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.schema.Name, err)
		}
	}
	return nil
}

// resolvePath confines a path argument to the workspace root.
func resolvePath(workspaceRoot, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}

	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(workspaceRoot, candidate)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace root", pathValue)
	}
	return candidate, nil
}
