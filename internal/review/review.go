// Package review inspects the session's diff against the base branch and
// decides whether the change is ready to publish or needs more actions.
package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/chiseldev/chisel/internal/gitutil"
	"github.com/chiseldev/chisel/internal/llm"
	"github.com/chiseldev/chisel/internal/plan"
	"github.com/chiseldev/chisel/internal/sandbox"
	"github.com/chiseldev/chisel/internal/tools"
)

// ModelInvoker is the slice of the router the stage needs.
type ModelInvoker interface {
	Invoke(ctx context.Context, task string, primary llm.ModelConfig, messages []llm.Message, tools []llm.ToolDefinition) (llm.Response, error)
}

type Stage struct {
	WorkDir      string
	BaseBranch   string
	Primary      llm.ModelConfig
	Router       ModelInvoker
	Executor     *tools.Executor
	Registry     *tools.Registry
	TreeMaxDepth int
	IgnoreGlobs  []string

	// UnsafeCommandGlobs filter reviewer shell commands before execution.
	UnsafeCommandGlobs []string
}

// Outcome reports what the reviewer saw and whether outstanding plan items
// remain. Messages includes filtered (hidden) calls so the audit trail is
// complete.
type Outcome struct {
	ChangedFiles      []string
	CodebaseTree      string
	AllItemsCompleted bool
	Messages          []llm.Message
}

// Run computes the diff context, consults the reviewer model, executes its
// safe tool calls, and signals whether the workflow should loop back for more
// actions or proceed to publish.
func (s *Stage) Run(ctx context.Context, taskPlan plan.TaskPlan, branch string) (*Outcome, error) {
	base := s.BaseBranch
	if base == "" {
		base = "main"
	}
	baseRef := base
	if branch != "" {
		if mb, err := gitutil.MergeBase(s.WorkDir, base, branch); err == nil && mb != "" {
			baseRef = mb
		}
	}
	changed, err := gitutil.ChangedFiles(s.WorkDir, baseRef)
	if err != nil {
		return nil, fmt.Errorf("review: changed files: %w", err)
	}
	tree, err := sandbox.BuildTree(s.WorkDir, s.TreeMaxDepth, s.IgnoreGlobs)
	if err != nil {
		// A missing tree degrades the review prompt but is not fatal.
		tree = ""
	}

	out := &Outcome{ChangedFiles: changed, CodebaseTree: tree}

	msgs := []llm.Message{
		llm.System("You are reviewing a code change before it is published. Inspect the diff and verify the plan items are genuinely done."),
		llm.User(reviewPrompt(taskPlan, changed, tree)),
	}
	resp, err := s.Router.Invoke(ctx, "reviewer", s.Primary, msgs, s.Registry.Definitions())
	if err != nil {
		return nil, err
	}
	out.Messages = append(out.Messages, resp.Message)

	calls := resp.ToolCalls()
	if len(calls) > 0 {
		safe, filtered := s.filterUnsafe(calls)
		// Filtered calls stay in history, marked hidden, rather than being
		// deleted — the audit trail must show what the reviewer attempted.
		for _, fc := range filtered {
			m := llm.ToolResult(fc.ID, fc.Name, "command filtered: matches unsafe pattern", true)
			m.Hidden = true
			out.Messages = append(out.Messages, m)
		}
		if len(safe) > 0 {
			results := s.Executor.Run(ctx, safe)
			out.Messages = append(out.Messages, tools.ResultMessages(results, false)...)
		}
	}

	done, err := taskPlan.AllCompleted()
	if err != nil {
		return nil, err
	}
	out.AllItemsCompleted = done
	return out, nil
}

// filterUnsafe splits shell tool calls whose command matches an unsafe
// pattern. Patterns are doublestar globs; patterns without glob metacharacters
// fall back to substring match.
func (s *Stage) filterUnsafe(calls []llm.ToolCallData) (safe, filtered []llm.ToolCallData) {
	for _, c := range calls {
		if c.Name == "shell" && s.commandUnsafe(extractCommand(c)) {
			filtered = append(filtered, c)
			continue
		}
		safe = append(safe, c)
	}
	return safe, filtered
}

func (s *Stage) commandUnsafe(command string) bool {
	command = strings.TrimSpace(command)
	if command == "" {
		return false
	}
	for _, pat := range s.UnsafeCommandGlobs {
		if ok, err := doublestar.Match(pat, command); err == nil && ok {
			return true
		}
		if !strings.ContainsAny(pat, "*?[{") && strings.Contains(command, pat) {
			return true
		}
	}
	return false
}

func extractCommand(c llm.ToolCallData) string {
	// Cheap extraction: the shell tool schema has a single "command" property.
	raw := string(c.Arguments)
	idx := strings.Index(raw, `"command"`)
	if idx < 0 {
		return ""
	}
	rest := raw[idx+len(`"command"`):]
	start := strings.Index(rest, `"`)
	if start < 0 {
		return ""
	}
	rest = rest[start+1:]
	var b strings.Builder
	escaped := false
	for _, r := range rest {
		if escaped {
			b.WriteRune(r)
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		if r == '"' {
			break
		}
		b.WriteRune(r)
	}
	return b.String()
}

func reviewPrompt(taskPlan plan.TaskPlan, changed []string, tree string) string {
	var b strings.Builder
	b.WriteString("Changed files:\n")
	if len(changed) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, f := range changed {
		b.WriteString("  " + f + "\n")
	}
	if items, err := taskPlan.ActivePlanItems(); err == nil {
		b.WriteString("\nPlan items:\n")
		for _, it := range items {
			status := " "
			if it.Completed {
				status = "x"
			}
			fmt.Fprintf(&b, "  [%s] %d. %s\n", status, it.Index, it.Plan)
		}
	}
	if tree != "" {
		b.WriteString("\nCodebase tree:\n")
		b.WriteString(tree)
	}
	return b.String()
}
