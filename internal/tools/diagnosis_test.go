package tools

import (
	"fmt"
	"testing"

	"github.com/chiseldev/chisel/internal/llm"
)

// group appends one assistant turn plus tool results with the given error
// pattern to the trace.
func group(trace []llm.Message, errs ...bool) []llm.Message {
	trace = append(trace, llm.Assistant("acting"))
	for i, isErr := range errs {
		trace = append(trace, llm.ToolResult(fmt.Sprintf("c%d", i), "shell", "out", isErr))
	}
	return trace
}

func TestShouldDiagnoseThreeFullyFailingGroups(t *testing.T) {
	var trace []llm.Message
	for i := 0; i < 3; i++ {
		trace = group(trace, true, true)
	}
	if !ShouldDiagnose(trace) {
		t.Fatal("three consecutive fully-failing groups must trigger diagnosis")
	}
}

func TestShouldDiagnoseMixedFinalGroup(t *testing.T) {
	var trace []llm.Message
	trace = group(trace, true, true) // 1.0
	trace = group(trace, true, true) // 1.0
	trace = group(trace, true, false) // 0.5
	if ShouldDiagnose(trace) {
		t.Fatal("a final group under the rate threshold must not trigger diagnosis")
	}
}

func TestShouldDiagnoseRequiresThreeGroups(t *testing.T) {
	var trace []llm.Message
	trace = group(trace, true)
	trace = group(trace, true)
	if ShouldDiagnose(trace) {
		t.Fatal("fewer than three groups must never trigger diagnosis")
	}
}

func TestShouldDiagnoseSingleFailingCall(t *testing.T) {
	trace := group(nil, true)
	if ShouldDiagnose(trace) {
		t.Fatal("a single failing call must never trigger diagnosis")
	}
}

func TestShouldDiagnoseLooksAtLastThreeOnly(t *testing.T) {
	var trace []llm.Message
	trace = group(trace, false, false) // old healthy group
	for i := 0; i < 3; i++ {
		trace = append(trace, llm.Assistant("acting"))
		trace = append(trace, llm.ToolResult("c", "shell", "boom", true),
			llm.ToolResult("c", "shell", "boom", true),
			llm.ToolResult("c", "shell", "boom", true),
			llm.ToolResult("c", "shell", "ok", false))
	}
	// Last three groups each rate 0.75.
	if !ShouldDiagnose(trace) {
		t.Fatal("rate exactly at threshold must trigger diagnosis")
	}
}

func TestGroupingNeverEmitsEmptyGroups(t *testing.T) {
	trace := []llm.Message{
		llm.Assistant("no tools this turn"),
		llm.Assistant("again no tools"),
		llm.User("interjection"),
		llm.Assistant("acting"),
		llm.ToolResult("c1", "shell", "out", false),
	}
	groups := GroupToolMessagesByAIMessage(trace)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	for _, g := range groups {
		if len(g) == 0 {
			t.Fatal("empty group emitted")
		}
	}
}

func TestGroupingClosedByNonToolMessage(t *testing.T) {
	trace := []llm.Message{
		llm.Assistant("acting"),
		llm.ToolResult("c1", "shell", "out", false),
		llm.User("wait"),
		// Tool result after a user message belongs to no open group.
		llm.ToolResult("c2", "shell", "out", false),
	}
	groups := GroupToolMessagesByAIMessage(trace)
	if len(groups) != 1 || len(groups[0]) != 1 {
		t.Fatalf("unexpected grouping: %+v", groups)
	}
}

func TestGroupingExcludesDiagnosisResults(t *testing.T) {
	diag := llm.ToolResult("c2", "shell", "probe", true)
	diag.Diagnosis = true
	trace := []llm.Message{
		llm.Assistant("acting"),
		llm.ToolResult("c1", "shell", "out", true),
		diag,
	}
	groups := GroupToolMessagesByAIMessage(trace)
	if len(groups) != 1 || len(groups[0]) != 1 {
		t.Fatalf("diagnosis results must be excluded: %+v", groups)
	}
}

func TestErrorRate(t *testing.T) {
	cases := []struct {
		errs []bool
		want float64
	}{
		{nil, 0},
		{[]bool{true}, 1},
		{[]bool{true, false}, 0.5},
		{[]bool{true, true, true, false}, 0.75},
	}
	for _, tc := range cases {
		var g []llm.Message
		for _, e := range tc.errs {
			g = append(g, llm.ToolResult("c", "shell", "x", e))
		}
		if got := ErrorRate(g); got != tc.want {
			t.Errorf("errs %v: got %v want %v", tc.errs, got, tc.want)
		}
	}
}

func TestGroupSignatureStable(t *testing.T) {
	g := []llm.Message{
		llm.ToolResult("c1", "shell", "boom", true),
		llm.ToolResult("c2", "read_file", "ok", false),
	}
	a := GroupSignature(g)
	b := GroupSignature(g)
	if a == "" || a != b {
		t.Fatalf("signature not stable: %q vs %q", a, b)
	}
	other := []llm.Message{llm.ToolResult("c1", "shell", "different failure", true)}
	if GroupSignature(other) == a {
		t.Fatal("different failures should sign differently")
	}
	if GroupSignature(nil) != "" {
		t.Fatal("empty group should have empty signature")
	}
}
