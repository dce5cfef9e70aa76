package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/chiseldev/chisel/internal/llm"
	"github.com/chiseldev/chisel/internal/plan"
	"github.com/chiseldev/chisel/internal/tools"
)

// Planner gathers context about the repository with a bounded number of
// read-only actions, then produces the initial task plan.
type Planner struct {
	Router   ModelInvoker
	Primary  llm.ModelConfig
	Registry *tools.Registry
	Executor *tools.Executor
	Sandbox  SandboxInitializer

	// MaxContextActions bounds the context-gathering loop. Each action
	// contributes two messages (the assistant turn and its tool results) on
	// top of the one seed message, so the message budget is
	// MaxContextActions*2 + 1.
	MaxContextActions int

	OnEvent func(map[string]any)
}

// Graph wires the planner phase graph:
//
//	prepare-graph-state → initialize-sandbox → generate-plan-context-action
//	generate-plan-context-action → {take-plan-action | generate-plan}
//	take-plan-action → generate-plan-context-action
//	generate-plan → summarizer → End
func (p *Planner) Graph() *Graph {
	g := NewGraph("planner", "prepare-graph-state")
	g.AddPhase("prepare-graph-state", p.prepareGraphState, "initialize-sandbox")
	g.AddPhase("initialize-sandbox", p.initializeSandbox, "generate-plan-context-action")
	g.AddPhase("generate-plan-context-action", p.generateContextAction, "take-plan-action", "generate-plan")
	g.AddPhase("take-plan-action", p.takeContextAction, "generate-plan-context-action")
	g.AddPhase("generate-plan", p.generatePlan, "summarizer")
	g.AddPhase("summarizer", p.summarizer)
	return g
}

func (p *Planner) maxActions() int {
	if p.MaxContextActions <= 0 {
		return 25
	}
	return p.MaxContextActions
}

func (p *Planner) prepareGraphState(ctx context.Context, st *State, _ Input) (Transition, error) {
	_ = ctx
	if strings.TrimSpace(st.Request) == "" {
		return Transition{}, fmt.Errorf("planner started without a user request")
	}
	upd := &Update{}
	if len(st.Messages) == 0 {
		upd.AppendMessages = []llm.Message{llm.User(st.Request)}
	}
	return Continue("initialize-sandbox", upd), nil
}

func (p *Planner) initializeSandbox(ctx context.Context, st *State, _ Input) (Transition, error) {
	if st.SandboxSessionID != "" {
		return Continue("generate-plan-context-action", nil), nil
	}
	sess, err := p.Sandbox.Initialize(ctx)
	if err != nil {
		return Transition{}, err
	}
	return Continue("generate-plan-context-action", &Update{
		SandboxSessionID:      strPtr(sess.ID),
		CodebaseTree:          strPtr(sess.CodebaseTree),
		DependenciesInstalled: boolPtr(sess.DependenciesInstalled),
	}), nil
}

// generateContextAction asks the model for at most one more exploratory action.
// The loop is budgeted: once the context window holds maxActions*2+1 messages
// the planner stops exploring and commits to a plan with what it has. The
// counted window is the internal trace plus the one seed message (which lives
// in Messages, not Internal) — each action then costs exactly two more.
func (p *Planner) generateContextAction(ctx context.Context, st *State, _ Input) (Transition, error) {
	budget := p.maxActions()*2 + 1
	if len(st.Internal)+1 >= budget {
		p.emit(map[string]any{"event": "plan_context_budget_reached", "actions": p.maxActions()})
		return Continue("generate-plan", nil), nil
	}

	msgs := []llm.Message{llm.System(plannerContextPrompt(st.CodebaseTree))}
	msgs = append(msgs, st.Messages...)
	msgs = append(msgs, st.Internal...)
	resp, err := p.Router.Invoke(ctx, "planner.gather-context", p.Primary, msgs, p.Registry.Definitions())
	if err != nil {
		return Transition{}, err
	}

	calls := resp.ToolCalls()
	if len(calls) == 0 {
		// The model is done exploring; its closing text rides along as context
		// for plan generation.
		return Continue("generate-plan", &Update{AppendInternal: []llm.Message{resp.Message}}), nil
	}
	pending := calls
	return Continue("take-plan-action", &Update{
		AppendInternal: []llm.Message{resp.Message},
		PendingCalls:   &pending,
	}), nil
}

func (p *Planner) takeContextAction(ctx context.Context, st *State, _ Input) (Transition, error) {
	if len(st.PendingCalls) == 0 {
		return Transition{}, fmt.Errorf("take-plan-action entered with no pending tool calls")
	}
	results := p.Executor.Run(ctx, st.PendingCalls)
	none := []llm.ToolCallData{}
	return Continue("generate-plan-context-action", &Update{
		AppendInternal: tools.ResultMessages(results, false),
		PendingCalls:   &none,
	}), nil
}

func (p *Planner) generatePlan(ctx context.Context, st *State, _ Input) (Transition, error) {
	msgs := []llm.Message{llm.System("Produce the execution plan for the request below. Use the session_plan tool exactly once; items must be small, independently verifiable steps with contiguous indices starting at 0.")}
	msgs = append(msgs, st.Messages...)
	msgs = append(msgs, st.Internal...)
	resp, err := p.Router.Invoke(ctx, "planner.generate-plan", p.Primary, msgs, []llm.ToolDefinition{sessionPlanDef()})
	if err != nil {
		return Transition{}, err
	}
	items := parsePlanItems(resp.ToolCalls())
	if len(items) == 0 {
		return Transition{}, fmt.Errorf("generate-plan: model returned no plan items")
	}
	title := planTitle(resp.ToolCalls(), st.Request)
	taskPlan := plan.New(st.Request, title, "planner", items)
	if err := taskPlan.Validate(); err != nil {
		return Transition{}, fmt.Errorf("generate-plan: %w", err)
	}
	p.emit(map[string]any{"event": "plan_generated", "items": len(items), "title": title})
	return Continue("summarizer", &Update{Plan: &taskPlan}), nil
}

// summarizer condenses the exploratory trace into one message so the
// programmer inherits the findings without the raw tool noise.
func (p *Planner) summarizer(ctx context.Context, st *State, _ Input) (Transition, error) {
	if len(st.Internal) == 0 {
		return End(nil), nil
	}
	msgs := []llm.Message{llm.System("Summarize the repository findings below in a few paragraphs: layout, key files, conventions, and anything surprising. Plain text only.")}
	msgs = append(msgs, st.Internal...)
	resp, err := p.Router.Invoke(ctx, "planner.summarize", p.Primary, msgs, nil)
	if err != nil {
		// A failed summary only costs context quality.
		p.emit(map[string]any{"event": "plan_summary_failed", "error": err.Error()})
		return End(nil), nil
	}
	summary := strings.TrimSpace(resp.Text())
	if summary == "" {
		return End(nil), nil
	}
	return End(&Update{
		AppendMessages: []llm.Message{llm.Assistant("Repository findings:\n" + summary)},
	}), nil
}

func (p *Planner) emit(ev map[string]any) {
	if p.OnEvent != nil {
		p.OnEvent(ev)
	}
}

func planTitle(calls []llm.ToolCallData, fallback string) string {
	for _, c := range calls {
		if c.Name != "session_plan" {
			continue
		}
		if t := stringArg(c.Arguments, "title"); strings.TrimSpace(t) != "" {
			return t
		}
	}
	if len(fallback) > 72 {
		return fallback[:72]
	}
	return fallback
}

func plannerContextPrompt(tree string) string {
	var b strings.Builder
	b.WriteString("You are planning a coding task. Explore the repository with read-only tools (read files, list directories, search, run harmless commands) until you understand enough to write a plan. When you have enough context, respond without tool calls.")
	if tree != "" {
		b.WriteString("\n\nCodebase tree:\n")
		b.WriteString(tree)
	}
	return b.String()
}
