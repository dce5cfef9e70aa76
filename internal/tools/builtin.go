package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/chiseldev/chisel/internal/llm"
	"github.com/chiseldev/chisel/internal/sandbox"
)

// maxToolOutput caps what a single tool result feeds back into the model
// context. Output beyond the cap is truncated with a marker.
const maxToolOutput = 48 * 1024

// RegisterBuiltin installs the standard capability table against an execution
// handle. Every tool routes through the handle so the same table works in
// local and remote sandboxes.
func RegisterBuiltin(reg *Registry, handle sandbox.Handle, workDir string) error {
	handlers := []Handler{
		{
			Definition: llm.ToolDefinition{
				Name:        "shell",
				Description: "Run a shell command in the repository working directory and return its output.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"command": map[string]any{"type": "string"},
						"cwd":     map[string]any{"type": "string"},
					},
					"required": []any{"command"},
				},
			},
			Invoke: func(ctx context.Context, args map[string]any) (string, error) {
				command, _ := args["command"].(string)
				cwd, _ := args["cwd"].(string)
				if cwd == "" {
					cwd = workDir
				}
				return runExec(ctx, handle, command, cwd)
			},
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "read_file",
				Description: "Read a file and return its contents.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{"type": "string"},
					},
					"required": []any{"path"},
				},
			},
			Invoke: func(ctx context.Context, args map[string]any) (string, error) {
				path, _ := args["path"].(string)
				return runExec(ctx, handle, "cat -- "+shQuote(path), workDir)
			},
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "write_file",
				Description: "Write content to a file, creating parent directories and replacing any existing content.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":    map[string]any{"type": "string"},
						"content": map[string]any{"type": "string"},
					},
					"required": []any{"path", "content"},
				},
			},
			Invoke: func(ctx context.Context, args map[string]any) (string, error) {
				path, _ := args["path"].(string)
				content, _ := args["content"].(string)
				cmd := fmt.Sprintf("mkdir -p -- \"$(dirname -- %s)\" && printf '%%s' %s > %s",
					shQuote(path), shQuote(content), shQuote(path))
				if _, err := runExec(ctx, handle, cmd, workDir); err != nil {
					return "", err
				}
				return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
			},
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "apply_patch",
				Description: "Apply a unified diff to the repository.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"patch": map[string]any{"type": "string"},
					},
					"required": []any{"patch"},
				},
			},
			Invoke: func(ctx context.Context, args map[string]any) (string, error) {
				patch, _ := args["patch"].(string)
				if !strings.HasSuffix(patch, "\n") {
					patch += "\n"
				}
				cmd := fmt.Sprintf("printf '%%s' %s | git apply --whitespace=nowarn -", shQuote(patch))
				if out, err := runExec(ctx, handle, cmd, workDir); err != nil {
					return out, err
				}
				return "patch applied", nil
			},
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "search",
				Description: "Search file contents for a pattern (grep -rn).",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"pattern": map[string]any{"type": "string"},
						"path":    map[string]any{"type": "string"},
					},
					"required": []any{"pattern"},
				},
			},
			Invoke: func(ctx context.Context, args map[string]any) (string, error) {
				pattern, _ := args["pattern"].(string)
				path, _ := args["path"].(string)
				if path == "" {
					path = "."
				}
				cmd := fmt.Sprintf("grep -rn --exclude-dir=.git -- %s %s", shQuote(pattern), shQuote(path))
				out, err := runExec(ctx, handle, cmd, workDir)
				if err != nil && strings.TrimSpace(out) == "" {
					// grep exits 1 on no matches; that is an answer, not a failure.
					return "no matches", nil
				}
				return out, err
			},
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "list_directory",
				Description: "List a directory's entries.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{"type": "string"},
					},
				},
			},
			Invoke: func(ctx context.Context, args map[string]any) (string, error) {
				path, _ := args["path"].(string)
				if path == "" {
					path = "."
				}
				return runExec(ctx, handle, "ls -la -- "+shQuote(path), workDir)
			},
		},
	}

	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// runExec runs a command on the handle and folds exit status into the
// result-or-error contract the registry expects: nonzero exit returns the
// combined output as the error content.
func runExec(ctx context.Context, handle sandbox.Handle, command, cwd string) (string, error) {
	res, err := handle.Exec(ctx, command, cwd)
	if err != nil {
		return "", err
	}
	out := res.Stdout
	if strings.TrimSpace(res.Stderr) != "" {
		if out != "" {
			out += "\n"
		}
		out += res.Stderr
	}
	out = truncate(out)
	if res.ExitCode != 0 {
		return out, fmt.Errorf("exit status %d", res.ExitCode)
	}
	return out, nil
}

func truncate(s string) string {
	if len(s) <= maxToolOutput {
		return s
	}
	return s[:maxToolOutput] + "\n... (output truncated)"
}

// shQuote single-quotes s for POSIX sh.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
