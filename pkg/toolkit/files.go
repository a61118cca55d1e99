package toolkit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/plinth/pkg/core"
	"github.com/harun/plinth/pkg/harness"
)

// readFileTool reads a workspace file up to max_bytes, marking
// truncation explicitly so the model never mistakes a prefix for the
// whole file.
func readFileTool(opts Options) (core.ToolSchema, harness.Handler) {
	schema := core.ToolSchema{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Parameters: []core.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "max_bytes", Type: "number", Description: "Maximum bytes to read", Required: false, Default: float64(DefaultMaxReadBytes)},
		},
	}

	handler := func(ctx context.Context, args map[string]interface{}) (string, error) {
		pathValue, _ := args["path"].(string)
		target, err := resolvePath(opts.WorkspaceRoot, pathValue)
		if err != nil {
			return "", err
		}

		limit := opts.MaxReadBytes
		if raw, ok := args["max_bytes"].(float64); ok && raw > 0 {
			limit = int64(raw)
		}

		data, truncated, err := readWithLimit(target, limit)
		if err != nil {
			return "", err
		}
		if truncated {
			return fmt.Sprintf("%s\n... [truncated at %d bytes]", string(data), limit), nil
		}
		return string(data), nil
	}

	return schema, handler
}

// writeFileTool writes or appends content to a workspace file, creating
// parent directories as needed.
func writeFileTool(opts Options) (core.ToolSchema, harness.Handler) {
	schema := core.ToolSchema{
		Name:        "write_file",
		Description: "Write content to a file in the workspace.",
		Parameters: []core.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append instead of overwrite", Required: false},
		},
	}

	handler := func(ctx context.Context, args map[string]interface{}) (string, error) {
		pathValue, _ := args["path"].(string)
		target, err := resolvePath(opts.WorkspaceRoot, pathValue)
		if err != nil {
			return "", err
		}
		content, _ := args["content"].(string)
		appendMode, _ := args["append"].(bool)

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}

		flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		verb := "wrote"
		if appendMode {
			flag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			verb = "appended"
		}
		f, err := os.OpenFile(target, flag, 0644)
		if err != nil {
			return "", fmt.Errorf("failed to open file: %w", err)
		}
		if _, err := f.WriteString(content); err != nil {
			f.Close()
			return "", fmt.Errorf("failed to write file: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("failed to close file: %w", err)
		}

		return fmt.Sprintf("%s %d bytes to %s", verb, len(content), pathValue), nil
	}

	return schema, handler
}

// editFileTool replaces search text in a workspace file. Zero matches
// is an error; the model asked for an edit that cannot land.
func editFileTool(opts Options) (core.ToolSchema, harness.Handler) {
	schema := core.ToolSchema{
		Name:        "edit_file",
		Description: "Replace text in a workspace file.",
		Parameters: []core.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace every occurrence", Required: false},
		},
	}

	handler := func(ctx context.Context, args map[string]interface{}) (string, error) {
		pathValue, _ := args["path"].(string)
		target, err := resolvePath(opts.WorkspaceRoot, pathValue)
		if err != nil {
			return "", err
		}
		search, _ := args["search"].(string)
		if search == "" {
			return "", fmt.Errorf("search is required")
		}
		replace, _ := args["replace"].(string)
		replaceAll, _ := args["replace_all"].(bool)

		data, err := os.ReadFile(target)
		if err != nil {
			return "", fmt.Errorf("failed to read file: %w", err)
		}
		content := string(data)

		occurrences := 0
		var updated string
		if replaceAll {
			occurrences = strings.Count(content, search)
			updated = strings.ReplaceAll(content, search, replace)
		} else if idx := strings.Index(content, search); idx >= 0 {
			occurrences = 1
			updated = content[:idx] + replace + content[idx+len(search):]
		}
		if occurrences == 0 {
			return "", fmt.Errorf("search text not found in %s", pathValue)
		}

		if err := os.WriteFile(target, []byte(updated), 0644); err != nil {
			return "", fmt.Errorf("failed to write file: %w", err)
		}

		plural := "occurrence"
		if occurrences != 1 {
			plural = "occurrences"
		}
		return fmt.Sprintf("replaced %d %s in %s", occurrences, plural, pathValue), nil
	}

	return schema, handler
}

// readWithLimit reads at most limit bytes, reporting whether more
// remained.
func readWithLimit(path string, limit int64) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, f, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, fmt.Errorf("failed to read file: %w", err)
	}

	extra := make([]byte, 1)
	truncated := false
	if _, err := f.Read(extra); err == nil {
		truncated = true
	}
	return buf.Bytes(), truncated, nil
}
