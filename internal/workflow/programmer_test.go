package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/chiseldev/chisel/internal/llm"
	"github.com/chiseldev/chisel/internal/plan"
	"github.com/chiseldev/chisel/internal/review"
	"github.com/chiseldev/chisel/internal/sandbox"
	"github.com/chiseldev/chisel/internal/tools"
)

// scriptedRouter returns queued responses in order.
type scriptedRouter struct {
	responses []llm.Response
	tasks     []string
}

func (s *scriptedRouter) Invoke(_ context.Context, task string, _ llm.ModelConfig, _ []llm.Message, _ []llm.ToolDefinition) (llm.Response, error) {
	s.tasks = append(s.tasks, task)
	if len(s.responses) == 0 {
		return llm.Response{}, fmt.Errorf("script exhausted")
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

type fakeInit struct {
	sess  *sandbox.Session
	err   error
	calls int
}

func (f *fakeInit) Initialize(context.Context) (*sandbox.Session, error) {
	f.calls++
	return f.sess, f.err
}

type fakeReview struct {
	outcome *review.Outcome
	err     error
}

func (f *fakeReview) Run(context.Context, plan.TaskPlan, string) (*review.Outcome, error) {
	return f.outcome, f.err
}

type fakePublisher struct {
	pushed []string
}

func (f *fakePublisher) Push(_, _, branch string) error {
	f.pushed = append(f.pushed, branch)
	return nil
}

type noopGit struct{}

func (noopGit) HasChanges(string) (bool, error)        { return false, nil }
func (noopGit) CheckoutNewBranch(string, string) error { return nil }
func (noopGit) CommitAll(string, string) (string, error) {
	return "", nil
}

func testProgrammer(router *scriptedRouter) *Programmer {
	reg := tools.NewRegistry()
	return &Programmer{
		Router:   router,
		Primary:  llm.ModelConfig{Provider: "openai", ModelName: "gpt-x"},
		Registry: reg,
		Executor: tools.NewExecutor(reg, "", "programmer", "", tools.WithGit(noopGit{})),
		Sandbox:  &fakeInit{sess: &sandbox.Session{ID: "sb1"}},
	}
}

func seededState() *State {
	return &State{
		SessionID:        "s1",
		SandboxSessionID: "sb1",
		Plan:             plan.New("req", "title", "planner", []plan.PlanItem{{Index: 0, Plan: "do the thing"}}),
		Request:          "req",
		Messages:         []llm.Message{llm.System("sys"), llm.User("req")},
	}
}

func assistantWithCalls(calls ...llm.ToolCallData) llm.Response {
	return llm.Response{Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls}}
}

func TestProgrammerGraphValidates(t *testing.T) {
	p := testProgrammer(&scriptedRouter{})
	if err := p.Graph().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestGenerateActionNoToolCallsGoesToReview(t *testing.T) {
	router := &scriptedRouter{responses: []llm.Response{
		{Message: llm.Assistant("all steps look finished")},
	}}
	p := testProgrammer(router)

	tr, err := p.generateAction(context.Background(), seededState(), Input{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Kind != KindContinue || tr.Next != "review-subgraph" {
		t.Fatalf("expected continue to review-subgraph, got %+v", tr)
	}
}

func TestGenerateActionRoutesHelpRequest(t *testing.T) {
	router := &scriptedRouter{responses: []llm.Response{
		assistantWithCalls(llm.ToolCallData{
			ID: "c1", Name: "request_human_help",
			Arguments: json.RawMessage(`{"help_request":"which API version?"}`),
		}),
	}}
	p := testProgrammer(router)

	tr, err := p.generateAction(context.Background(), seededState(), Input{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Next != "request-help" {
		t.Fatalf("expected request-help, got %+v", tr)
	}
	if tr.Update.HelpQuestion == nil || *tr.Update.HelpQuestion != "which API version?" {
		t.Fatalf("help question not captured: %+v", tr.Update)
	}
}

func TestGenerateActionDispatchesPlanUpdate(t *testing.T) {
	router := &scriptedRouter{responses: []llm.Response{
		assistantWithCalls(llm.ToolCallData{
			ID: "c1", Name: "update_plan",
			Arguments: json.RawMessage(`{"update_plan_reasoning":"step 2 is obsolete"}`),
		}),
	}}
	p := testProgrammer(router)

	tr, err := p.generateAction(context.Background(), seededState(), Input{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Kind != KindDispatch || tr.Next != "update-plan" {
		t.Fatalf("expected dispatch to update-plan, got %+v", tr)
	}
	if tr.Payload["planChangeRequest"] != "step 2 is obsolete" {
		t.Fatalf("dispatch payload: %+v", tr.Payload)
	}
}

func TestGenerateActionEmptyPlanReasoningFallsThrough(t *testing.T) {
	router := &scriptedRouter{responses: []llm.Response{
		assistantWithCalls(llm.ToolCallData{
			ID: "c1", Name: "update_plan",
			Arguments: json.RawMessage(`{"update_plan_reasoning":"  "}`),
		}),
	}}
	p := testProgrammer(router)

	tr, err := p.generateAction(context.Background(), seededState(), Input{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Next != "take-action" {
		t.Fatalf("blank reasoning should execute the batch normally, got %+v", tr)
	}
}

func TestGenerateActionQueuesPendingCalls(t *testing.T) {
	calls := []llm.ToolCallData{
		{ID: "c1", Name: "shell", Arguments: json.RawMessage(`{"command":"ls"}`)},
		{ID: "c2", Name: "read_file", Arguments: json.RawMessage(`{"path":"a.go"}`)},
	}
	router := &scriptedRouter{responses: []llm.Response{assistantWithCalls(calls...)}}
	p := testProgrammer(router)

	tr, err := p.generateAction(context.Background(), seededState(), Input{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Next != "take-action" {
		t.Fatalf("expected take-action, got %+v", tr)
	}
	if tr.Update.PendingCalls == nil || len(*tr.Update.PendingCalls) != 2 {
		t.Fatalf("pending calls not carried: %+v", tr.Update)
	}
}

func TestGenerateActionRequiresSandbox(t *testing.T) {
	p := testProgrammer(&scriptedRouter{})
	st := seededState()
	st.SandboxSessionID = ""
	if _, err := p.generateAction(context.Background(), st, Input{}); err == nil {
		t.Fatal("missing sandbox session id must error immediately")
	}
}

func TestTakeActionRoutesToDiagnoseOnSustainedFailure(t *testing.T) {
	p := testProgrammer(&scriptedRouter{})
	st := seededState()

	// Two prior fully-failing groups in the internal trace.
	for i := 0; i < 2; i++ {
		st.Internal = append(st.Internal, llm.Assistant("acting"))
		st.Internal = append(st.Internal, llm.ToolResult("c", "ghost", "unknown tool: ghost", true))
	}
	st.Internal = append(st.Internal, llm.Assistant("acting"))
	// The pending batch targets an unregistered tool, so it fully errors too.
	st.PendingCalls = []llm.ToolCallData{{ID: "c9", Name: "ghost", Arguments: json.RawMessage(`{}`)}}

	tr, err := p.takeAction(context.Background(), st, Input{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Next != "diagnose-error" {
		t.Fatalf("expected diagnose-error, got %+v", tr)
	}
	if tr.Update.PendingCalls == nil || len(*tr.Update.PendingCalls) != 0 {
		t.Fatal("pending calls must be cleared after execution")
	}
}

func TestTakeActionProgressesOnHealthyBatch(t *testing.T) {
	p := testProgrammer(&scriptedRouter{})
	if err := p.Registry.Register(tools.Handler{
		Definition: llm.ToolDefinition{Name: "noop"},
		Invoke:     func(context.Context, map[string]any) (string, error) { return "ok", nil },
	}); err != nil {
		t.Fatal(err)
	}
	st := seededState()
	st.Internal = append(st.Internal, llm.Assistant("acting"))
	st.PendingCalls = []llm.ToolCallData{{ID: "c1", Name: "noop", Arguments: json.RawMessage(`{}`)}}

	tr, err := p.takeAction(context.Background(), st, Input{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Next != "progress-plan-step" {
		t.Fatalf("expected progress-plan-step, got %+v", tr)
	}
	if len(tr.Update.AppendMessages) != 1 || tr.Update.AppendMessages[0].Role != llm.RoleTool {
		t.Fatalf("tool results not appended: %+v", tr.Update.AppendMessages)
	}
}

func TestReviewSubgraphRouting(t *testing.T) {
	cases := []struct {
		completed bool
		want      string
	}{
		{true, "open-pr"},
		{false, "generate-action"},
	}
	for _, tc := range cases {
		p := testProgrammer(&scriptedRouter{})
		p.Review = &fakeReview{outcome: &review.Outcome{AllItemsCompleted: tc.completed}}
		tr, err := p.reviewSubgraph(context.Background(), seededState(), Input{})
		if err != nil {
			t.Fatal(err)
		}
		if tr.Next != tc.want {
			t.Errorf("completed=%v: expected %s, got %+v", tc.completed, tc.want, tr)
		}
	}
}

func TestRequestHelpInterruptsThenResumes(t *testing.T) {
	p := testProgrammer(&scriptedRouter{})
	st := seededState()
	st.HelpQuestion = "which API version?"

	tr, err := p.requestHelp(context.Background(), st, Input{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Kind != KindInterrupt || tr.Payload["question"] != "which API version?" {
		t.Fatalf("expected interrupt with question, got %+v", tr)
	}

	tr, err = p.requestHelp(context.Background(), st, Input{Resume: "use v2"})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Kind != KindContinue || tr.Next != "generate-action" {
		t.Fatalf("answer should continue to generate-action: %+v", tr)
	}
	if len(tr.Update.AppendMessages) != 1 || tr.Update.AppendMessages[0].Content != "use v2" {
		t.Fatalf("answer not appended: %+v", tr.Update)
	}
	if tr.Update.HelpQuestion == nil || *tr.Update.HelpQuestion != "" {
		t.Fatal("help question must be cleared after the answer")
	}

	tr, err = p.requestHelp(context.Background(), st, Input{Resume: "   "})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Kind != KindEnd {
		t.Fatalf("blank answer should end the session: %+v", tr)
	}
}

func TestInitializeSeedsMessagesOnlyOnce(t *testing.T) {
	p := testProgrammer(&scriptedRouter{})
	st := &State{
		SessionID: "s1",
		Request:   "req",
		Plan:      plan.New("req", "title", "planner", []plan.PlanItem{{Index: 0, Plan: "x"}}),
	}

	tr, err := p.initialize(context.Background(), st, Input{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.Update.AppendMessages) != 2 {
		t.Fatalf("fresh session should seed system+user: %+v", tr.Update.AppendMessages)
	}

	// A resumed session already has history: no duplicate seeding.
	st.Messages = append(st.Messages, tr.Update.AppendMessages...)
	st.SandboxSessionID = "sb1"
	tr, err = p.initialize(context.Background(), st, Input{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.Update.AppendMessages) != 0 {
		t.Fatalf("resumed session must not re-seed messages: %+v", tr.Update.AppendMessages)
	}
}

type countingGit struct {
	commits []string
}

func (g *countingGit) HasChanges(string) (bool, error)        { return true, nil }
func (g *countingGit) CheckoutNewBranch(string, string) error { return nil }
func (g *countingGit) CommitAll(_, message string) (string, error) {
	g.commits = append(g.commits, message)
	return "sha", nil
}

func TestResumedSessionContinuesCommitNumbering(t *testing.T) {
	git := &countingGit{}
	p := testProgrammer(&scriptedRouter{})
	p.Executor = tools.NewExecutor(p.Registry, "/repo", "programmer", "chisel/s1", tools.WithGit(git))
	if err := p.Registry.Register(tools.Handler{
		Definition: llm.ToolDefinition{Name: "noop"},
		Invoke:     func(context.Context, map[string]any) (string, error) { return "ok", nil },
	}); err != nil {
		t.Fatal(err)
	}

	// Persisted state from a prior process: branch exists, four commits made.
	st := seededState()
	st.BranchName = "chisel/s1"
	st.CommitSeq = 4

	if _, err := p.initialize(context.Background(), st, Input{}); err != nil {
		t.Fatal(err)
	}

	st.Internal = append(st.Internal, llm.Assistant("acting"))
	st.PendingCalls = []llm.ToolCallData{{ID: "c1", Name: "noop", Arguments: json.RawMessage(`{}`)}}
	tr, err := p.takeAction(context.Background(), st, Input{})
	if err != nil {
		t.Fatal(err)
	}
	if len(git.commits) != 1 || git.commits[0] != "programmer auto-commit #5" {
		t.Fatalf("commit numbering must continue after resume: %v", git.commits)
	}
	if tr.Update.CommitSeq == nil || *tr.Update.CommitSeq != 5 {
		t.Fatalf("counter must be carried back into state: %+v", tr.Update)
	}
}

func TestInitializeRequiresPlan(t *testing.T) {
	p := testProgrammer(&scriptedRouter{})
	st := &State{SessionID: "s1", Request: "req"}
	if _, err := p.initialize(context.Background(), st, Input{}); err == nil {
		t.Fatal("a session without a plan must not start the programmer")
	}
}

func TestOpenPRPushesAndCompletesTask(t *testing.T) {
	p := testProgrammer(&scriptedRouter{})
	pub := &fakePublisher{}
	p.Publisher = pub
	p.PushRemote = "origin"
	st := seededState()
	st.BranchName = "chisel/s1"

	tr, err := p.openPR(context.Background(), st, Input{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Kind != KindEnd {
		t.Fatalf("open-pr must end the run: %+v", tr)
	}
	if len(pub.pushed) != 1 || pub.pushed[0] != "chisel/s1" {
		t.Fatalf("branch not pushed: %v", pub.pushed)
	}
	if tr.Update.Plan == nil || !tr.Update.Plan.Tasks[0].Completed {
		t.Fatal("active task must be marked completed")
	}
}

func TestUpdatePlanAppendsRevision(t *testing.T) {
	router := &scriptedRouter{responses: []llm.Response{
		assistantWithCalls(llm.ToolCallData{
			ID: "c1", Name: "session_plan",
			Arguments: json.RawMessage(`{"items":[{"index":0,"plan":"a","completed":true,"summary":"done"},{"index":1,"plan":"b"}]}`),
		}),
	}}
	p := testProgrammer(router)
	st := seededState()

	tr, err := p.updatePlan(context.Background(), st, Input{Payload: map[string]any{"planChangeRequest": "split the step"}})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Next != "generate-action" {
		t.Fatalf("expected generate-action, got %+v", tr)
	}
	if tr.Update.Plan == nil {
		t.Fatal("revised plan missing from update")
	}
	task := tr.Update.Plan.Tasks[0]
	if len(task.PlanRevisions) != 2 || task.ActiveRevisionIndex != 1 {
		t.Fatalf("revision not appended: %+v", task)
	}
}

func TestUpdatePlanRequiresRequest(t *testing.T) {
	p := testProgrammer(&scriptedRouter{})
	if _, err := p.updatePlan(context.Background(), seededState(), Input{}); err == nil {
		t.Fatal("update-plan without a change request must error")
	}
}
