package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chiseldev/chisel/internal/llm"
	"github.com/chiseldev/chisel/internal/plan"
	"github.com/chiseldev/chisel/internal/review"
	"github.com/chiseldev/chisel/internal/sandbox"
	"github.com/chiseldev/chisel/internal/tools"
)

// Control tool names the routing rule at generate-action inspects on the
// first tool call of a model response.
const (
	toolRequestHumanHelp = "request_human_help"
	toolUpdatePlan       = "update_plan"
)

// ModelInvoker is the slice of the router the phases need; the router
// satisfies it directly and tests substitute scripted fakes.
type ModelInvoker interface {
	Invoke(ctx context.Context, task string, primary llm.ModelConfig, messages []llm.Message, tools []llm.ToolDefinition) (llm.Response, error)
}

// ReviewRunner is implemented by review.Stage.
type ReviewRunner interface {
	Run(ctx context.Context, taskPlan plan.TaskPlan, branch string) (*review.Outcome, error)
}

// Publisher pushes the session branch when the change is ready.
type Publisher interface {
	Push(dir, remote, branch string) error
}

// SandboxInitializer is implemented by sandbox.Manager.
type SandboxInitializer interface {
	Initialize(ctx context.Context) (*sandbox.Session, error)
}

// Programmer holds the programmer workflow's collaborators.
type Programmer struct {
	Router    ModelInvoker
	Primary   llm.ModelConfig
	Registry  *tools.Registry
	Executor  *tools.Executor
	Sandbox   SandboxInitializer
	Review    ReviewRunner
	Publisher Publisher

	WorkDir    string
	PushRemote string

	OnEvent func(map[string]any)
}

// Graph wires the programmer phase graph:
//
//	initialize → generate-action → {take-action | request-help | review-subgraph | update-plan(Dispatch)}
//	take-action → {diagnose-error | progress-plan-step}
//	review-subgraph → {open-pr | generate-action}
func (p *Programmer) Graph() *Graph {
	g := NewGraph("programmer", "initialize")
	g.AddPhase("initialize", p.initialize, "generate-action")
	g.AddPhase("generate-action", p.generateAction, "take-action", "request-help", "review-subgraph", "update-plan")
	g.AddPhase("take-action", p.takeAction, "diagnose-error", "progress-plan-step")
	g.AddPhase("diagnose-error", p.diagnoseError, "generate-action")
	g.AddPhase("progress-plan-step", p.progressPlanStep, "generate-action")
	g.AddPhase("update-plan", p.updatePlan, "generate-action")
	g.AddPhase("request-help", p.requestHelp, "generate-action")
	g.AddPhase("review-subgraph", p.reviewSubgraph, "open-pr", "generate-action")
	g.AddPhase("open-pr", p.openPR)
	return g
}

func (p *Programmer) initialize(ctx context.Context, st *State, _ Input) (Transition, error) {
	if len(st.Plan.Tasks) == 0 {
		return Transition{}, fmt.Errorf("no task plan: the programmer requires a planned session")
	}
	// A resumed session must continue its branch and commit numbering rather
	// than starting over at auto-commit #1.
	p.Executor.Restore(st.BranchName, st.CommitSeq)
	upd := &Update{}
	if st.SandboxSessionID == "" {
		sess, err := p.Sandbox.Initialize(ctx)
		if err != nil {
			return Transition{}, err
		}
		if sess.ID == "" {
			return Transition{}, fmt.Errorf("sandbox initialization returned no session id")
		}
		upd.SandboxSessionID = strPtr(sess.ID)
		upd.CodebaseTree = strPtr(sess.CodebaseTree)
		upd.DependenciesInstalled = boolPtr(sess.DependenciesInstalled)
	}
	// Seed messages only on first entry; a resumed session keeps its history.
	if len(st.Messages) == 0 {
		upd.AppendMessages = []llm.Message{
			llm.System(programmerSystemPrompt),
			llm.User(st.Request),
		}
	}
	return Continue("generate-action", upd), nil
}

func (p *Programmer) generateAction(ctx context.Context, st *State, _ Input) (Transition, error) {
	if st.SandboxSessionID == "" {
		return Transition{}, fmt.Errorf("no sandbox session id")
	}
	current, err := st.Plan.CurrentItem()
	if err != nil {
		return Transition{}, err
	}
	msgs := append([]llm.Message{}, st.Messages...)
	if current != nil {
		msgs = append(msgs, llm.User(fmt.Sprintf("Current plan item %d: %s", current.Index, current.Plan)))
	}
	defs := append(p.Registry.Definitions(), controlToolDefs()...)
	resp, err := p.Router.Invoke(ctx, "programmer.generate-action", p.Primary, msgs, defs)
	if err != nil {
		return Transition{}, err
	}
	upd := &Update{
		AppendMessages: []llm.Message{resp.Message},
		AppendInternal: []llm.Message{resp.Message},
	}

	calls := resp.ToolCalls()
	if len(calls) == 0 {
		// No more actions to take — hand off to the reviewer.
		return Continue("review-subgraph", upd), nil
	}
	first := calls[0]
	switch first.Name {
	case toolRequestHumanHelp:
		upd.HelpQuestion = strPtr(stringArg(first.Arguments, "help_request"))
		return Continue("request-help", upd), nil
	case toolUpdatePlan:
		if reasoning := stringArg(first.Arguments, "update_plan_reasoning"); strings.TrimSpace(reasoning) != "" {
			// Scoped dispatch: the update-plan phase sees only the change
			// request, not the action context.
			return Dispatch("update-plan", upd, map[string]any{"planChangeRequest": reasoning}), nil
		}
	}
	pending := calls
	upd.PendingCalls = &pending
	return Continue("take-action", upd), nil
}

func (p *Programmer) takeAction(ctx context.Context, st *State, _ Input) (Transition, error) {
	if len(st.PendingCalls) == 0 {
		return Transition{}, fmt.Errorf("take-action entered with no pending tool calls")
	}
	results := p.Executor.Run(ctx, st.PendingCalls)
	toolMsgs := tools.ResultMessages(results, false)

	none := []llm.ToolCallData{}
	upd := &Update{
		AppendMessages: toolMsgs,
		AppendInternal: toolMsgs,
		PendingCalls:   &none,
	}
	if b := p.Executor.Branch(); b != "" && b != st.BranchName {
		upd.BranchName = strPtr(b)
	}
	if seq := p.Executor.Seq(); seq != st.CommitSeq {
		upd.CommitSeq = intPtr(seq)
	}

	// The diagnoser sees the trace as it will exist after this update.
	trace := append(append([]llm.Message{}, st.Internal...), toolMsgs...)
	if tools.ShouldDiagnose(trace) {
		p.emit(map[string]any{
			"event":     "diagnosis_triggered",
			"signature": tools.GroupSignature(toolMsgs),
		})
		return Continue("diagnose-error", upd), nil
	}
	return Continue("progress-plan-step", upd), nil
}

func (p *Programmer) diagnoseError(ctx context.Context, st *State, _ Input) (Transition, error) {
	msgs := append([]llm.Message{}, st.Messages...)
	msgs = append(msgs, llm.User("The last several tool batches failed almost entirely. Diagnose the root cause before continuing: inspect the environment, reproduce one failure, and report what is actually wrong."))
	resp, err := p.Router.Invoke(ctx, "programmer.diagnose-error", p.Primary, msgs, p.Registry.Definitions())
	if err != nil {
		return Transition{}, err
	}
	assistant := resp.Message
	assistant.Diagnosis = true
	upd := &Update{
		AppendMessages: []llm.Message{assistant},
		AppendInternal: []llm.Message{assistant},
	}
	if calls := resp.ToolCalls(); len(calls) > 0 {
		results := p.Executor.Run(ctx, calls)
		// Diagnosis results are excluded from later failure grouping.
		diagMsgs := tools.ResultMessages(results, true)
		upd.AppendMessages = append(upd.AppendMessages, diagMsgs...)
		upd.AppendInternal = append(upd.AppendInternal, diagMsgs...)
		if seq := p.Executor.Seq(); seq != st.CommitSeq {
			upd.CommitSeq = intPtr(seq)
		}
	}
	return Continue("generate-action", upd), nil
}

func (p *Programmer) progressPlanStep(ctx context.Context, st *State, _ Input) (Transition, error) {
	current, err := st.Plan.CurrentItem()
	if err != nil {
		return Transition{}, err
	}
	if current == nil {
		// Everything already complete; generate-action will route to review.
		return Continue("generate-action", nil), nil
	}
	msgs := append([]llm.Message{}, st.Messages...)
	msgs = append(msgs, llm.User(fmt.Sprintf(
		"Plan item %d: %q. If the recent actions completed this item, call %s with a short summary. Otherwise answer in text with what remains.",
		current.Index, current.Plan, toolMarkStepComplete)))
	resp, err := p.Router.Invoke(ctx, "programmer.progress-plan-step", p.Primary, msgs, []llm.ToolDefinition{markStepCompleteDef()})
	if err != nil {
		return Transition{}, err
	}
	upd := &Update{AppendInternal: []llm.Message{resp.Message}}
	for _, c := range resp.ToolCalls() {
		if c.Name != toolMarkStepComplete {
			continue
		}
		summary := stringArg(c.Arguments, "summary")
		next, err := st.Plan.MarkItemCompleted(current.Index, summary)
		if err != nil {
			return Transition{}, err
		}
		upd.Plan = &next
		p.emit(map[string]any{"event": "plan_item_completed", "index": current.Index, "summary": summary})
		break
	}
	return Continue("generate-action", upd), nil
}

func (p *Programmer) updatePlan(ctx context.Context, st *State, in Input) (Transition, error) {
	request, _ := in.Payload["planChangeRequest"].(string)
	if strings.TrimSpace(request) == "" {
		return Transition{}, fmt.Errorf("update-plan dispatched without a plan change request")
	}
	items, err := st.Plan.ActivePlanItems()
	if err != nil {
		return Transition{}, err
	}
	msgs := []llm.Message{
		llm.System("You revise execution plans. Return the full revised plan via the tool; completed items must be carried over unchanged."),
		llm.User(planRevisionPrompt(request, items)),
	}
	resp, err := p.Router.Invoke(ctx, "programmer.update-plan", p.Primary, msgs, []llm.ToolDefinition{sessionPlanDef()})
	if err != nil {
		return Transition{}, err
	}
	revised := parsePlanItems(resp.ToolCalls())
	if len(revised) == 0 {
		return Transition{}, fmt.Errorf("update-plan: model returned no plan items")
	}
	next, err := st.Plan.AppendRevision(revised, "agent")
	if err != nil {
		return Transition{}, err
	}
	p.emit(map[string]any{"event": "plan_revised", "items": len(revised), "reason": request})
	return Continue("generate-action", &Update{Plan: &next}), nil
}

func (p *Programmer) requestHelp(ctx context.Context, st *State, in Input) (Transition, error) {
	_ = ctx
	if in.Resume == nil {
		return Interrupt(nil, map[string]any{"question": st.HelpQuestion}), nil
	}
	answer, _ := in.Resume.(string)
	if strings.TrimSpace(answer) == "" {
		// Human ignored or rejected the request.
		return End(nil), nil
	}
	cleared := ""
	return Continue("generate-action", &Update{
		AppendMessages: []llm.Message{llm.User(answer)},
		HelpQuestion:   &cleared,
	}), nil
}

func (p *Programmer) reviewSubgraph(ctx context.Context, st *State, _ Input) (Transition, error) {
	outcome, err := p.Review.Run(ctx, st.Plan, st.BranchName)
	if err != nil {
		return Transition{}, err
	}
	upd := &Update{
		AppendMessages: outcome.Messages,
		AppendInternal: outcome.Messages,
	}
	if outcome.CodebaseTree != "" {
		upd.CodebaseTree = strPtr(outcome.CodebaseTree)
	}
	if outcome.AllItemsCompleted {
		return Continue("open-pr", upd), nil
	}
	return Continue("generate-action", upd), nil
}

func (p *Programmer) openPR(ctx context.Context, st *State, _ Input) (Transition, error) {
	_ = ctx
	upd := &Update{}
	if st.BranchName == "" {
		p.emit(map[string]any{"event": "publish_skipped", "reason": "no branch: session produced no commits"})
		return End(upd), nil
	}
	if p.Publisher != nil && p.PushRemote != "" {
		if err := p.Publisher.Push(p.WorkDir, p.PushRemote, st.BranchName); err != nil {
			// Publishing is best-effort; the branch exists locally either way.
			p.emit(map[string]any{"event": "publish_push_failed", "branch": st.BranchName, "error": err.Error()})
		} else {
			p.emit(map[string]any{"event": "publish_pushed", "branch": st.BranchName, "remote": p.PushRemote})
		}
	}
	next, err := st.Plan.MarkTaskCompleted()
	if err != nil {
		return Transition{}, err
	}
	upd.Plan = &next
	p.emit(map[string]any{"event": "pr_ready", "branch": st.BranchName, "base": st.TargetRepo.BaseBranch})
	return End(upd), nil
}

func (p *Programmer) emit(ev map[string]any) {
	if p.OnEvent != nil {
		p.OnEvent(ev)
	}
}

const programmerSystemPrompt = "You are an autonomous software engineer working in a sandboxed repository checkout. " +
	"Work through the plan one item at a time using the available tools. " +
	"Call request_human_help only when genuinely blocked; call update_plan with your reasoning when the plan no longer matches reality."

const toolMarkStepComplete = "mark_step_complete"

func controlToolDefs() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        toolRequestHumanHelp,
			Description: "Ask the human operator for help when blocked.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"help_request": map[string]any{"type": "string"},
				},
				"required": []any{"help_request"},
			},
		},
		{
			Name:        toolUpdatePlan,
			Description: "Request a plan revision. Provide the reasoning for the change.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"update_plan_reasoning": map[string]any{"type": "string"},
				},
				"required": []any{"update_plan_reasoning"},
			},
		},
	}
}

func markStepCompleteDef() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        toolMarkStepComplete,
		Description: "Mark the current plan item complete with a summary of what was done.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{"type": "string"},
			},
			"required": []any{"summary"},
		},
	}
}

func sessionPlanDef() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "session_plan",
		Description: "Submit the ordered list of plan items.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"items": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"index":     map[string]any{"type": "integer"},
							"plan":      map[string]any{"type": "string"},
							"completed": map[string]any{"type": "boolean"},
							"summary":   map[string]any{"type": "string"},
						},
						"required": []any{"index", "plan"},
					},
				},
				"title": map[string]any{"type": "string"},
			},
			"required": []any{"items"},
		},
	}
}

func stringArg(raw json.RawMessage, key string) string {
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

// parsePlanItems extracts plan items from a session_plan tool call.
func parsePlanItems(calls []llm.ToolCallData) []plan.PlanItem {
	for _, c := range calls {
		if c.Name != "session_plan" {
			continue
		}
		var args struct {
			Items []struct {
				Index     int    `json:"index"`
				Plan      string `json:"plan"`
				Completed bool   `json:"completed"`
				Summary   string `json:"summary"`
			} `json:"items"`
		}
		if err := json.Unmarshal(c.Arguments, &args); err != nil {
			continue
		}
		out := make([]plan.PlanItem, 0, len(args.Items))
		for _, it := range args.Items {
			out = append(out, plan.PlanItem{
				Index:     it.Index,
				Plan:      it.Plan,
				Completed: it.Completed,
				Summary:   it.Summary,
			})
		}
		return out
	}
	return nil
}

func planRevisionPrompt(request string, items []plan.PlanItem) string {
	var b strings.Builder
	b.WriteString("Plan change request: ")
	b.WriteString(request)
	b.WriteString("\n\nCurrent plan:\n")
	for _, it := range items {
		status := " "
		if it.Completed {
			status = "x"
		}
		fmt.Fprintf(&b, "[%s] %d. %s\n", status, it.Index, it.Plan)
	}
	return b.String()
}
