package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chiseldev/chisel/internal/gitutil"
	"github.com/chiseldev/chisel/internal/llm"
)

// GitOps is the slice of git behavior the executor needs; tests substitute a fake.
type GitOps interface {
	HasChanges(dir string) (bool, error)
	CheckoutNewBranch(dir, branch string) error
	CommitAll(dir, message string) (string, error)
}

type realGit struct{}

func (realGit) HasChanges(dir string) (bool, error) { return gitutil.HasChanges(dir) }
func (realGit) CheckoutNewBranch(dir, branch string) error {
	return gitutil.CheckoutNewBranch(dir, branch)
}
func (realGit) CommitAll(dir, message string) (string, error) { return gitutil.CommitAll(dir, message) }

// Executor runs one batch of tool calls — all calls from a single model turn —
// and commits any resulting working-tree changes before returning.
type Executor struct {
	reg     *Registry
	git     GitOps
	workDir string

	// agent names the commit author role ("programmer", "reviewer", ...).
	agent string

	// defaultBranch is used when a batch produces changes before any branch
	// exists for the session.
	defaultBranch string

	onEvent func(map[string]any)

	mu        sync.Mutex
	branch    string
	commitSeq int
}

type ExecutorOption func(*Executor)

func WithGit(g GitOps) ExecutorOption { return func(e *Executor) { e.git = g } }
func WithExecEventSink(fn func(map[string]any)) ExecutorOption {
	return func(e *Executor) { e.onEvent = fn }
}
func WithBranch(branch string) ExecutorOption { return func(e *Executor) { e.branch = branch } }

func NewExecutor(reg *Registry, workDir, agent, defaultBranch string, opts ...ExecutorOption) *Executor {
	e := &Executor{
		reg:           reg,
		git:           realGit{},
		workDir:       workDir,
		agent:         agent,
		defaultBranch: defaultBranch,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Branch returns the branch the executor commits to, empty until the first
// batch that produced changes.
func (e *Executor) Branch() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.branch
}

// Seq returns the number of auto-commits made so far in this session.
func (e *Executor) Seq() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commitSeq
}

// Restore primes the executor with a resumed session's branch and commit
// counter so auto-commit numbering stays monotonic across process restarts.
func (e *Executor) Restore(branch string, seq int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if branch != "" && e.branch == "" {
		e.branch = branch
	}
	if seq > e.commitSeq {
		e.commitSeq = seq
	}
}

// Run executes every call in the batch concurrently and joins on all of them.
// Results are re-associated to calls by original position, not completion
// order, so consumers always see deterministic, request-ordered output. After
// the batch, working-tree changes are committed (creating the session branch
// first if none exists yet).
func (e *Executor) Run(ctx context.Context, calls []llm.ToolCallData) []ToolCallResult {
	results := make([]ToolCallResult, len(calls))
	var wg sync.WaitGroup
	wg.Add(len(calls))
	for i := range calls {
		go func(i int) {
			defer wg.Done()
			results[i] = e.reg.Execute(ctx, calls[i])
		}(i)
	}
	wg.Wait()

	e.commitIfChanged()
	return results
}

// commitIfChanged commits working-tree changes left behind by the batch.
// Commit failures are reported as events, never surfaced as tool errors: the
// tool results themselves are already final.
func (e *Executor) commitIfChanged() {
	if e.workDir == "" {
		return
	}
	changed, err := e.git.HasChanges(e.workDir)
	if err != nil {
		e.emit(map[string]any{"event": "auto_commit_check_failed", "error": err.Error()})
		return
	}
	if !changed {
		return
	}

	e.mu.Lock()
	if e.branch == "" {
		branch := e.defaultBranch
		if strings.TrimSpace(branch) == "" {
			branch = fmt.Sprintf("%s/session", e.agent)
		}
		if err := e.git.CheckoutNewBranch(e.workDir, branch); err != nil {
			e.mu.Unlock()
			e.emit(map[string]any{"event": "auto_commit_branch_failed", "branch": branch, "error": err.Error()})
			return
		}
		e.branch = branch
	}
	e.commitSeq++
	seq := e.commitSeq
	branch := e.branch
	e.mu.Unlock()

	msg := fmt.Sprintf("%s auto-commit #%d", e.agent, seq)
	sha, err := e.git.CommitAll(e.workDir, msg)
	if err != nil {
		e.emit(map[string]any{"event": "auto_commit_failed", "branch": branch, "error": err.Error()})
		return
	}
	e.emit(map[string]any{"event": "auto_commit", "branch": branch, "sha": sha, "message": msg})
}

func (e *Executor) emit(ev map[string]any) {
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}

// ResultMessages converts a result batch into tool messages for the trace.
// diagnosis marks results produced during an error-diagnosis detour so the
// grouper excludes them later.
func ResultMessages(results []ToolCallResult, diagnosis bool) []llm.Message {
	out := make([]llm.Message, 0, len(results))
	for _, r := range results {
		m := llm.ToolResult(r.CallID, r.Name, r.Content, r.Status == StatusError)
		m.Diagnosis = diagnosis
		out = append(out, m)
	}
	return out
}
