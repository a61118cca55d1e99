package toolkit

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/harun/plinth/pkg/core"
	"github.com/harun/plinth/pkg/harness"
)

// shellTool runs a command through /bin/sh in the workspace. Output is
// stdout and stderr interleaved, stamped with a trailing
// "(return code = N)" line. A nonzero exit is still a successful
// execution from the harness's point of view; the verification layer
// is what reads the stamp and judges the outcome.
func shellTool(opts Options) (core.ToolSchema, harness.Handler) {
	schema := core.ToolSchema{
		Name:        "shell",
		Description: "Execute a shell command in the workspace. Output includes stdout, stderr, and a trailing return code stamp.",
		Parameters: []core.ToolParameter{
			{Name: "command", Type: "string", Description: "Command to execute", Required: true},
			{Name: "cwd", Type: "string", Description: "Working directory relative to the workspace", Required: false},
			{Name: "timeout_seconds", Type: "number", Description: "Timeout in seconds", Required: false},
		},
	}

	handler := func(ctx context.Context, args map[string]interface{}) (string, error) {
		command, _ := args["command"].(string)
		command = strings.TrimSpace(command)
		if command == "" {
			return "", fmt.Errorf("command is required")
		}

		dir := opts.WorkspaceRoot
		if cwd, ok := args["cwd"].(string); ok && cwd != "" {
			resolved, err := resolvePath(opts.WorkspaceRoot, cwd)
			if err != nil {
				return "", err
			}
			dir = resolved
		}

		timeout := opts.ShellTimeout
		if raw, ok := args["timeout_seconds"].(float64); ok && raw > 0 {
			timeout = time.Duration(raw * float64(time.Second))
		}

		execCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", command)
		cmd.Dir = dir

		// One buffer for both streams keeps the interleaving the
		// model would see in a terminal.
		var output bytes.Buffer
		cmd.Stdout = &output
		cmd.Stderr = &output

		err := cmd.Run()
		if execCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("command timed out after %s", timeout)
		}

		exitCode := 0
		if err != nil {
			exitErr, ok := err.(*exec.ExitError)
			if !ok {
				return "", fmt.Errorf("failed to run command: %w", err)
			}
			exitCode = exitErr.ExitCode()
		}

		return stampOutput(output.String(), exitCode), nil
	}

	return schema, handler
}

// stampOutput appends the return code stamp the shell contract parses.
func stampOutput(output string, exitCode int) string {
	output = strings.TrimRight(output, "\n")
	if output == "" {
		return fmt.Sprintf("(return code = %d)", exitCode)
	}
	return fmt.Sprintf("%s\n(return code = %d)", output, exitCode)
}
