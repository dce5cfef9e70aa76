package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/chiseldev/chisel/internal/llm"
	"github.com/chiseldev/chisel/internal/sandbox"
	"github.com/chiseldev/chisel/internal/tools"
)

func testPlanner(router *scriptedRouter) (*Planner, *fakeInit) {
	reg := tools.NewRegistry()
	init := &fakeInit{sess: &sandbox.Session{ID: "sb1", CodebaseTree: "cmd/\ninternal/", DependenciesInstalled: true}}
	return &Planner{
		Router:   router,
		Primary:  llm.ModelConfig{Provider: "openai", ModelName: "gpt-x"},
		Registry: reg,
		Executor: tools.NewExecutor(reg, "", "planner", "", tools.WithGit(noopGit{})),
		Sandbox:  init,
	}, init
}

func TestPlannerGraphValidates(t *testing.T) {
	p, _ := testPlanner(&scriptedRouter{})
	if err := p.Graph().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestPrepareGraphStateRequiresRequest(t *testing.T) {
	p, _ := testPlanner(&scriptedRouter{})
	if _, err := p.prepareGraphState(context.Background(), &State{SessionID: "s"}, Input{}); err == nil {
		t.Fatal("empty request must error")
	}
}

func TestPrepareGraphStateSeedsRequestOnce(t *testing.T) {
	p, _ := testPlanner(&scriptedRouter{})
	st := &State{SessionID: "s", Request: "add retries"}

	tr, err := p.prepareGraphState(context.Background(), st, Input{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.Update.AppendMessages) != 1 || tr.Update.AppendMessages[0].Content != "add retries" {
		t.Fatalf("request not seeded: %+v", tr.Update)
	}

	st.Messages = append(st.Messages, tr.Update.AppendMessages...)
	tr, err = p.prepareGraphState(context.Background(), st, Input{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.Update.AppendMessages) != 0 {
		t.Fatal("re-entry must not duplicate the seed message")
	}
}

func TestInitializeSandboxSkipsExistingSession(t *testing.T) {
	p, init := testPlanner(&scriptedRouter{})
	st := &State{SessionID: "s", Request: "r", SandboxSessionID: "sb0"}
	tr, err := p.initializeSandbox(context.Background(), st, Input{})
	if err != nil {
		t.Fatal(err)
	}
	if init.calls != 0 {
		t.Fatal("sandbox must not be re-provisioned for a resumed session")
	}
	if tr.Next != "generate-plan-context-action" {
		t.Fatalf("unexpected transition: %+v", tr)
	}
}

func TestInitializeSandboxCapturesTree(t *testing.T) {
	p, init := testPlanner(&scriptedRouter{})
	st := &State{SessionID: "s", Request: "r"}
	tr, err := p.initializeSandbox(context.Background(), st, Input{})
	if err != nil {
		t.Fatal(err)
	}
	if init.calls != 1 {
		t.Fatalf("initialize calls: %d", init.calls)
	}
	if tr.Update.SandboxSessionID == nil || *tr.Update.SandboxSessionID != "sb1" {
		t.Fatalf("session id not captured: %+v", tr.Update)
	}
	if tr.Update.CodebaseTree == nil || *tr.Update.CodebaseTree == "" {
		t.Fatal("codebase tree not captured")
	}
	if tr.Update.DependenciesInstalled == nil || !*tr.Update.DependenciesInstalled {
		t.Fatal("dependency install outcome not captured")
	}
}

func TestGenerateContextActionStopsAtBudget(t *testing.T) {
	// Router has no scripted responses: any model call would fail the test.
	p, _ := testPlanner(&scriptedRouter{})
	p.MaxContextActions = 1

	// One completed action: assistant turn + its tool result. With the seed
	// message the window is 3 = 1*2+1, so exploration is over.
	st := &State{
		SessionID: "s", Request: "r", SandboxSessionID: "sb1",
		Messages: []llm.Message{llm.User("r")},
		Internal: []llm.Message{
			llm.Assistant("x"),
			llm.ToolResult("c1", "read_file", "out", false),
		},
	}
	tr, err := p.generateContextAction(context.Background(), st, Input{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Next != "generate-plan" {
		t.Fatalf("budget reached must commit to a plan, got %+v", tr)
	}
}

func TestContextLoopTakesExactlyMaxActions(t *testing.T) {
	// The model always wants another action; the budget must cut it off after
	// exactly MaxContextActions of them.
	var responses []llm.Response
	for i := 0; i < 10; i++ {
		responses = append(responses, assistantWithCalls(
			llm.ToolCallData{ID: fmt.Sprintf("c%d", i), Name: "noop", Arguments: json.RawMessage(`{}`)},
		))
	}
	router := &scriptedRouter{responses: responses}
	p, _ := testPlanner(router)
	p.MaxContextActions = 2
	if err := p.Registry.Register(tools.Handler{
		Definition: llm.ToolDefinition{Name: "noop"},
		Invoke:     func(context.Context, map[string]any) (string, error) { return "ok", nil },
	}); err != nil {
		t.Fatal(err)
	}

	st := &State{
		SessionID: "s", Request: "r", SandboxSessionID: "sb1",
		Messages: []llm.Message{llm.User("r")},
	}
	actions := 0
	for i := 0; i < 20; i++ {
		tr, err := p.generateContextAction(context.Background(), st, Input{})
		if err != nil {
			t.Fatal(err)
		}
		st.apply(tr.Update)
		if tr.Next == "generate-plan" {
			break
		}
		if tr.Next != "take-plan-action" {
			t.Fatalf("unexpected transition: %+v", tr)
		}
		tr, err = p.takeContextAction(context.Background(), st, Input{})
		if err != nil {
			t.Fatal(err)
		}
		st.apply(tr.Update)
		actions++
	}
	if actions != 2 {
		t.Fatalf("actions taken with MaxContextActions=2: %d", actions)
	}
}

func TestGenerateContextActionQueuesCalls(t *testing.T) {
	router := &scriptedRouter{responses: []llm.Response{
		assistantWithCalls(llm.ToolCallData{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"go.mod"}`)}),
	}}
	p, _ := testPlanner(router)
	st := &State{SessionID: "s", Request: "r", SandboxSessionID: "sb1"}

	tr, err := p.generateContextAction(context.Background(), st, Input{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Next != "take-plan-action" {
		t.Fatalf("expected take-plan-action, got %+v", tr)
	}
	if tr.Update.PendingCalls == nil || len(*tr.Update.PendingCalls) != 1 {
		t.Fatalf("pending calls missing: %+v", tr.Update)
	}
}

func TestGenerateContextActionDoneExploring(t *testing.T) {
	router := &scriptedRouter{responses: []llm.Response{
		{Message: llm.Assistant("I have enough context.")},
	}}
	p, _ := testPlanner(router)
	st := &State{SessionID: "s", Request: "r", SandboxSessionID: "sb1"}

	tr, err := p.generateContextAction(context.Background(), st, Input{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Next != "generate-plan" {
		t.Fatalf("no tool calls must end exploration, got %+v", tr)
	}
	if len(tr.Update.AppendInternal) != 1 {
		t.Fatal("closing text must ride along as context")
	}
}

func TestGeneratePlanBuildsValidatedPlan(t *testing.T) {
	router := &scriptedRouter{responses: []llm.Response{
		assistantWithCalls(llm.ToolCallData{
			ID: "c1", Name: "session_plan",
			Arguments: json.RawMessage(`{"title":"Add retries","items":[{"index":1,"plan":"b"},{"index":0,"plan":"a"}]}`),
		}),
	}}
	p, _ := testPlanner(router)
	st := &State{SessionID: "s", Request: "add retries"}

	tr, err := p.generatePlan(context.Background(), st, Input{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Next != "summarizer" || tr.Update.Plan == nil {
		t.Fatalf("plan missing: %+v", tr)
	}
	task := tr.Update.Plan.Tasks[0]
	if task.Title != "Add retries" || task.PlanRevisions[0].CreatedBy != "planner" {
		t.Fatalf("task metadata: %+v", task)
	}
	items := task.PlanRevisions[0].Plans
	if len(items) != 2 || items[0].Index != 0 || items[1].Index != 1 {
		t.Fatalf("items not normalized by index: %+v", items)
	}
}

func TestGeneratePlanRejectsEmptyPlan(t *testing.T) {
	router := &scriptedRouter{responses: []llm.Response{
		{Message: llm.Assistant("cannot plan this")},
	}}
	p, _ := testPlanner(router)
	if _, err := p.generatePlan(context.Background(), &State{SessionID: "s", Request: "r"}, Input{}); err == nil {
		t.Fatal("a planless response must error")
	}
}

func TestSummarizerCondensesTrace(t *testing.T) {
	router := &scriptedRouter{responses: []llm.Response{
		{Message: llm.Assistant("Go module with cmd/ and internal/.")},
	}}
	p, _ := testPlanner(router)
	st := &State{SessionID: "s", Internal: []llm.Message{llm.Assistant("x")}}

	tr, err := p.summarizer(context.Background(), st, Input{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Kind != KindEnd {
		t.Fatalf("summarizer must end the planner: %+v", tr)
	}
	if len(tr.Update.AppendMessages) != 1 ||
		tr.Update.AppendMessages[0].Content != "Repository findings:\nGo module with cmd/ and internal/." {
		t.Fatalf("summary message: %+v", tr.Update.AppendMessages)
	}
}

func TestSummarizerSkipsEmptyTrace(t *testing.T) {
	// No scripted responses: a model call would error.
	p, _ := testPlanner(&scriptedRouter{})
	tr, err := p.summarizer(context.Background(), &State{SessionID: "s"}, Input{})
	if err != nil || tr.Kind != KindEnd {
		t.Fatalf("empty trace should end silently: %+v, %v", tr, err)
	}
}

func TestSummarizerToleratesModelFailure(t *testing.T) {
	p, _ := testPlanner(&scriptedRouter{}) // exhausted script = failing router
	st := &State{SessionID: "s", Internal: []llm.Message{llm.Assistant("x")}}
	tr, err := p.summarizer(context.Background(), st, Input{})
	if err != nil {
		t.Fatalf("summary failure must not fail the run: %v", err)
	}
	if tr.Kind != KindEnd {
		t.Fatalf("expected end: %+v", tr)
	}
}

func TestPlanTitleFallbackTruncates(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "x"
	}
	if got := planTitle(nil, long); len(got) != 72 {
		t.Fatalf("fallback title length: %d", len(got))
	}
	calls := []llm.ToolCallData{{Name: "session_plan", Arguments: json.RawMessage(`{"title":"T","items":[]}`)}}
	if got := planTitle(calls, "fallback"); got != "T" {
		t.Fatalf("explicit title ignored: %q", got)
	}
}
