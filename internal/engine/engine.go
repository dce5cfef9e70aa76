// Package engine assembles the configured collaborators — model router,
// sandbox, tool registry, state store, event log — and drives full sessions:
// plan, act, review, publish, with interrupt/resume in between.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chiseldev/chisel/internal/config"
	"github.com/chiseldev/chisel/internal/events"
	"github.com/chiseldev/chisel/internal/gitutil"
	"github.com/chiseldev/chisel/internal/llm"
	"github.com/chiseldev/chisel/internal/llm/providers/anthropic"
	"github.com/chiseldev/chisel/internal/llm/providers/openai"
	"github.com/chiseldev/chisel/internal/review"
	"github.com/chiseldev/chisel/internal/sandbox"
	"github.com/chiseldev/chisel/internal/state"
	"github.com/chiseldev/chisel/internal/tools"
	"github.com/chiseldev/chisel/internal/workflow"
)

// Engine owns one session's wiring. Construct with New per session; the
// breaker set and store may outlive it but nothing here is global.
type Engine struct {
	cfg       *config.Config
	sessionID string

	store *state.FileStore
	log   *events.Log

	router   *llm.Router
	registry *tools.Registry
	executor *tools.Executor
	sandbox  *sandbox.Manager
	handle   *handleRef
}

func New(cfg *config.Config, sessionID string) (*Engine, error) {
	if strings.TrimSpace(sessionID) == "" {
		sessionID = ulid.Make().String()
	}

	store, err := state.NewFileStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	log, err := events.NewLog(LogsRoot(cfg, sessionID))
	if err != nil {
		return nil, err
	}

	breakers := llm.NewBreakerSet(
		cfg.Models.Breaker.FailureThreshold,
		time.Duration(cfg.Models.Breaker.TimeoutMS)*time.Millisecond,
	)
	router := llm.NewRouter(cfg.Models.Fallbacks,
		llm.WithRetryPolicy(cfg.RetryPolicy(sessionID)),
		llm.WithBreakers(breakers),
		llm.WithEventSink(log.Sink()),
	)
	if err := registerAdapters(router); err != nil {
		return nil, err
	}

	var provider sandbox.Provider
	if sandbox.Mode(cfg.Sandbox.Mode) == sandbox.ModeRemote {
		provider = sandbox.NewDockerProvider()
	}
	mgr := sandbox.NewManager(sandbox.ManagerConfig{
		Mode:           sandbox.Mode(cfg.Sandbox.Mode),
		Image:          cfg.Sandbox.Image,
		RepoPath:       cfg.Repo.Path,
		WorkspacePath:  cfg.Sandbox.WorkspacePath,
		InstallCommand: cfg.Sandbox.InstallCommand,
		TreeMaxDepth:   cfg.Sandbox.TreeMaxDepth,
		IgnoreGlobs:    cfg.Sandbox.IgnoreGlobs,
	}, provider, func(ev sandbox.Event) {
		_ = log.Append(map[string]any{
			"event":              "sandbox_step",
			"action":             ev.Action,
			"status":             string(ev.Status),
			"sandbox_session_id": ev.SandboxSessionID,
			"detail":             ev.Detail,
		})
	})

	// Tools exec through a swappable handle: local until the sandbox is
	// initialized, then whatever environment initialization produced.
	ref := &handleRef{h: sandbox.NewLocalHandle(sessionID)}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltin(registry, ref, cfg.Repo.Path); err != nil {
		return nil, err
	}

	executor := tools.NewExecutor(registry, cfg.Repo.Path, "programmer",
		"chisel/"+strings.ToLower(sessionID),
		tools.WithExecEventSink(log.Sink()),
	)

	return &Engine{
		cfg:       cfg,
		sessionID: sessionID,
		store:     store,
		log:       log,
		router:    router,
		registry:  registry,
		executor:  executor,
		sandbox:   mgr,
		handle:    ref,
	}, nil
}

// handleRef delegates to the current execution handle. Sandbox initialization
// swaps the target once the real environment exists.
type handleRef struct {
	mu sync.RWMutex
	h  sandbox.Handle
}

func (r *handleRef) set(h sandbox.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.h = h
}

func (r *handleRef) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.h.ID()
}

func (r *handleRef) Exec(ctx context.Context, command, cwd string) (sandbox.ExecResult, error) {
	r.mu.RLock()
	h := r.h
	r.mu.RUnlock()
	return h.Exec(ctx, command, cwd)
}

// trackedInit runs the manager's initialization and points the tool handle at
// the resulting environment.
type trackedInit struct {
	mgr *sandbox.Manager
	ref *handleRef
}

func (t *trackedInit) Initialize(ctx context.Context) (*sandbox.Session, error) {
	s, err := t.mgr.Initialize(ctx)
	if err != nil {
		return nil, err
	}
	if s.Handle != nil {
		t.ref.set(s.Handle)
	}
	return s, nil
}

func (e *Engine) SessionID() string { return e.sessionID }

// LogsRoot is where a session's progress stream lives.
func LogsRoot(cfg *config.Config, sessionID string) string {
	return filepath.Join(cfg.StateDir, "logs", sessionID)
}

func registerAdapters(r *llm.Router) error {
	registered := 0
	if strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")) != "" {
		a, err := anthropic.NewFromEnv()
		if err != nil {
			return err
		}
		r.Register(a)
		registered++
	}
	if strings.TrimSpace(os.Getenv("OPENAI_API_KEY")) != "" {
		a, err := openai.NewFromEnv()
		if err != nil {
			return err
		}
		r.Register(a)
		registered++
	}
	if registered == 0 {
		return fmt.Errorf("no provider credentials found: set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}
	return nil
}

type gitPublisher struct{}

func (gitPublisher) Push(dir, remote, branch string) error {
	return gitutil.PushBranch(dir, remote, branch)
}

func (e *Engine) planner() *workflow.Planner {
	return &workflow.Planner{
		Router:            e.router,
		Primary:           e.cfg.Models.Primary,
		Registry:          e.registry,
		Executor:          e.executor,
		Sandbox:           &trackedInit{mgr: e.sandbox, ref: e.handle},
		MaxContextActions: e.cfg.Workflow.MaxContextActions,
		OnEvent:           e.log.Sink(),
	}
}

func (e *Engine) programmer() *workflow.Programmer {
	stage := &review.Stage{
		WorkDir:            e.cfg.Repo.Path,
		BaseBranch:         e.cfg.Repo.BaseBranch,
		Primary:            e.cfg.Models.Primary,
		Router:             e.router,
		Executor:           e.executor,
		Registry:           e.registry,
		TreeMaxDepth:       e.cfg.Sandbox.TreeMaxDepth,
		IgnoreGlobs:        e.cfg.Sandbox.IgnoreGlobs,
		UnsafeCommandGlobs: e.cfg.Review.UnsafeCommandGlobs,
	}
	return &workflow.Programmer{
		Router:     e.router,
		Primary:    e.cfg.Models.Primary,
		Registry:   e.registry,
		Executor:   e.executor,
		Sandbox:    &trackedInit{mgr: e.sandbox, ref: e.handle},
		Review:     stage,
		Publisher:  gitPublisher{},
		WorkDir:    e.cfg.Repo.Path,
		PushRemote: "origin",
		OnEvent:    e.log.Sink(),
	}
}

func (e *Engine) runner(g *workflow.Graph) (*workflow.Runner, error) {
	return workflow.NewRunner(g, e.store, e.cfg.Workflow.StepCeiling, e.log.Sink())
}

// Run plans the request and then executes the plan. The returned result is the
// programmer's: Interrupted means the session is waiting on a human answer and
// Resume picks it up.
func (e *Engine) Run(ctx context.Context, request string) (*workflow.RunResult, error) {
	st := &workflow.State{
		SessionID: e.sessionID,
		Request:   request,
		TargetRepo: workflow.RepoDescriptor{
			Path:       e.cfg.Repo.Path,
			BaseBranch: e.cfg.Repo.BaseBranch,
		},
	}

	plannerRunner, err := e.runner(e.planner().Graph())
	if err != nil {
		return nil, err
	}
	if _, err := plannerRunner.Run(ctx, st); err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}

	programmerRunner, err := e.runner(e.programmer().Graph())
	if err != nil {
		return nil, err
	}
	res, err := programmerRunner.Run(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("programmer: %w", err)
	}
	return res, nil
}

// Resume loads a suspended session and delivers the human answer to the phase
// that interrupted it.
func (e *Engine) Resume(ctx context.Context, answer string) (*workflow.RunResult, error) {
	st := &workflow.State{}
	if err := e.store.Load(e.sessionID, st); err != nil {
		return nil, err
	}
	programmerRunner, err := e.runner(e.programmer().Graph())
	if err != nil {
		return nil, err
	}
	res, err := programmerRunner.Resume(ctx, st, answer)
	if err != nil {
		return nil, fmt.Errorf("programmer: %w", err)
	}
	return res, nil
}

// Status summarizes a session from its persisted state and last progress
// event without touching the model or sandbox.
type Status struct {
	SessionID    string
	Exists       bool
	CurrentPhase string
	Steps        int
	BranchName   string
	HelpQuestion string
	PlanTitle    string
	ItemsTotal   int
	ItemsDone    int
	LastEvent    map[string]any
}

func SessionStatus(cfg *config.Config, sessionID string) (*Status, error) {
	store, err := state.NewFileStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	s := &Status{SessionID: sessionID}

	st := &workflow.State{}
	switch err := store.Load(sessionID, st); {
	case errors.Is(err, state.ErrNotFound):
	case err == nil:
		s.Exists = true
		s.CurrentPhase = st.CurrentPhase
		s.Steps = st.Steps
		s.BranchName = st.BranchName
		s.HelpQuestion = st.HelpQuestion
		if task, terr := st.Plan.ActiveTask(); terr == nil {
			s.PlanTitle = task.Title
		}
		if items, ierr := st.Plan.ActivePlanItems(); ierr == nil {
			s.ItemsTotal = len(items)
			for _, it := range items {
				if it.Completed {
					s.ItemsDone++
				}
			}
		}
	default:
		return nil, err
	}

	if ev, found, err := events.LastEvent(LogsRoot(cfg, sessionID)); err == nil && found {
		s.LastEvent = ev
	}
	return s, nil
}
