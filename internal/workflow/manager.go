package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/chiseldev/chisel/internal/llm"
	"github.com/chiseldev/chisel/internal/plan"
)

// RunStatus describes where a sub-workflow run currently stands, as seen by
// the manager when a new human message arrives.
type RunStatus string

const (
	RunStatusNone        RunStatus = "none"
	RunStatusRunning     RunStatus = "running"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusDone        RunStatus = "done"
	RunStatusFailed      RunStatus = "failed"
)

// ManagerRoute is the classification outcome for an incoming message.
type ManagerRoute string

const (
	RouteEnd              ManagerRoute = "end"
	RouteStartPlanner     ManagerRoute = "start-planner"
	RouteCreateNewSession ManagerRoute = "create-new-session"
	RouteAgentHandoff     ManagerRoute = "agent-handoff"
)

// WorkspaceResolver locates (or prepares) the repository checkout a session
// operates on.
type WorkspaceResolver interface {
	Resolve(ctx context.Context, repo RepoDescriptor) (path string, err error)
}

// FeatureGraphLoader is the external feature-dependency collaborator. It maps
// a request onto known feature ids so plans can be tagged; failures degrade to
// an untagged plan.
type FeatureGraphLoader interface {
	FeaturesFor(ctx context.Context, request string) ([]string, error)
}

// SessionStarter is the manager's hook into the engine: it starts or resumes
// the sub-workflows the classification routes to.
type SessionStarter interface {
	StartPlanner(ctx context.Context, st *State) error
	CreateNewSession(ctx context.Context, request string, repo RepoDescriptor) (sessionID string, err error)
	ResumeAgent(ctx context.Context, st *State, humanAnswer string) error
}

// Manager routes incoming human messages onto the right sub-workflow. It never
// touches the issue tracker itself; those effects live behind collaborators.
type Manager struct {
	Workspace WorkspaceResolver
	Features  FeatureGraphLoader
	Starter   SessionStarter

	// PlannerStatus and ProgrammerStatus report the sub-workflow run states for
	// the session being classified.
	PlannerStatus    func(sessionID string) RunStatus
	ProgrammerStatus func(sessionID string) RunStatus

	OnEvent func(map[string]any)
}

// Graph wires the manager phase graph:
//
//	resolve-workspace → feature-graph-orchestrator → classify-message
//	classify-message → {end | start-planner | create-new-session | agent-handoff}
func (m *Manager) Graph() *Graph {
	g := NewGraph("manager", "resolve-workspace")
	g.AddPhase("resolve-workspace", m.resolveWorkspace, "feature-graph-orchestrator")
	g.AddPhase("feature-graph-orchestrator", m.featureGraphOrchestrator, "classify-message")
	g.AddPhase("classify-message", m.classifyMessage, "end", "start-planner", "create-new-session", "agent-handoff")
	g.AddPhase("end", m.end)
	g.AddPhase("start-planner", m.startPlanner)
	g.AddPhase("create-new-session", m.createNewSession)
	g.AddPhase("agent-handoff", m.agentHandoff)
	return g
}

func (m *Manager) resolveWorkspace(ctx context.Context, st *State, _ Input) (Transition, error) {
	if st.TargetRepo.Path != "" {
		return Continue("feature-graph-orchestrator", nil), nil
	}
	if m.Workspace == nil {
		return Transition{}, fmt.Errorf("no workspace path and no workspace resolver configured")
	}
	path, err := m.Workspace.Resolve(ctx, st.TargetRepo)
	if err != nil {
		return Transition{}, fmt.Errorf("resolve workspace: %w", err)
	}
	repo := st.TargetRepo
	repo.Path = path
	return Continue("feature-graph-orchestrator", &Update{TargetRepo: &repo}), nil
}

// featureGraphOrchestrator tags the session with feature ids from the external
// dependency graph. The collaborator is optional and its failures only cost
// metadata.
func (m *Manager) featureGraphOrchestrator(ctx context.Context, st *State, _ Input) (Transition, error) {
	if m.Features == nil {
		return Continue("classify-message", nil), nil
	}
	ids, err := m.Features.FeaturesFor(ctx, st.Request)
	if err != nil {
		m.emit(map[string]any{"event": "feature_graph_failed", "error": err.Error()})
		return Continue("classify-message", nil), nil
	}
	if len(ids) == 0 {
		return Continue("classify-message", nil), nil
	}
	upd := &Update{}
	if len(st.Plan.Tasks) > 0 {
		next := st.Plan
		tasks := append([]plan.Task{}, next.Tasks...)
		t := tasks[next.ActiveTaskIndex]
		t.FeatureIDs = append([]string{}, ids...)
		tasks[next.ActiveTaskIndex] = t
		next.Tasks = tasks
		upd.Plan = &next
	}
	m.emit(map[string]any{"event": "feature_graph_resolved", "features": ids})
	return Continue("classify-message", upd), nil
}

// classifyMessage picks a route from the latest human message plus the current
// planner/programmer run status. The rules are deliberately plain:
//
//   - an interrupted programmer waiting on a help request gets the message as
//     the answer (agent-handoff)
//   - a session with no plan yet starts the planner
//   - a session whose work is finished, receiving a fresh request, gets a new
//     session
//   - anything else (mid-run chatter, empty message) ends without action
func (m *Manager) classifyMessage(ctx context.Context, st *State, _ Input) (Transition, error) {
	_ = ctx
	msg := latestHumanMessage(st)
	plannerStatus := m.status(m.PlannerStatus, st.SessionID)
	programmerStatus := m.status(m.ProgrammerStatus, st.SessionID)

	route := Classify(msg, plannerStatus, programmerStatus, len(st.Plan.Tasks) > 0)
	m.emit(map[string]any{
		"event":             "message_classified",
		"route":             string(route),
		"planner_status":    string(plannerStatus),
		"programmer_status": string(programmerStatus),
	})
	return Continue(string(route), nil), nil
}

// Classify is the rule table, exposed for testing.
func Classify(message string, plannerStatus, programmerStatus RunStatus, hasPlan bool) ManagerRoute {
	message = strings.TrimSpace(message)
	if programmerStatus == RunStatusInterrupted {
		return RouteAgentHandoff
	}
	if message == "" {
		return RouteEnd
	}
	if plannerStatus == RunStatusRunning || programmerStatus == RunStatusRunning {
		return RouteEnd
	}
	if !hasPlan && plannerStatus != RunStatusDone {
		return RouteStartPlanner
	}
	if programmerStatus == RunStatusDone || programmerStatus == RunStatusFailed {
		return RouteCreateNewSession
	}
	return RouteStartPlanner
}

func (m *Manager) end(ctx context.Context, st *State, _ Input) (Transition, error) {
	_ = ctx
	_ = st
	return End(nil), nil
}

func (m *Manager) startPlanner(ctx context.Context, st *State, _ Input) (Transition, error) {
	if m.Starter == nil {
		return Transition{}, fmt.Errorf("start-planner: no session starter configured")
	}
	if err := m.Starter.StartPlanner(ctx, st); err != nil {
		return Transition{}, err
	}
	return End(nil), nil
}

func (m *Manager) createNewSession(ctx context.Context, st *State, _ Input) (Transition, error) {
	if m.Starter == nil {
		return Transition{}, fmt.Errorf("create-new-session: no session starter configured")
	}
	id, err := m.Starter.CreateNewSession(ctx, latestHumanMessage(st), st.TargetRepo)
	if err != nil {
		return Transition{}, err
	}
	m.emit(map[string]any{"event": "session_created", "session_id": id})
	return End(nil), nil
}

func (m *Manager) agentHandoff(ctx context.Context, st *State, _ Input) (Transition, error) {
	if m.Starter == nil {
		return Transition{}, fmt.Errorf("agent-handoff: no session starter configured")
	}
	if err := m.Starter.ResumeAgent(ctx, st, latestHumanMessage(st)); err != nil {
		return Transition{}, err
	}
	return End(nil), nil
}

func (m *Manager) status(fn func(string) RunStatus, sessionID string) RunStatus {
	if fn == nil {
		return RunStatusNone
	}
	return fn(sessionID)
}

func (m *Manager) emit(ev map[string]any) {
	if m.OnEvent != nil {
		m.OnEvent(ev)
	}
}

func latestHumanMessage(st *State) string {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].Role == llm.RoleUser {
			return st.Messages[i].Content
		}
	}
	return st.Request
}
