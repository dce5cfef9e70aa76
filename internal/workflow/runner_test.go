package workflow

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/chiseldev/chisel/internal/llm"
	"github.com/chiseldev/chisel/internal/state"
)

func interruptGraph() *Graph {
	g := NewGraph("g", "ask")
	g.AddPhase("ask", func(_ context.Context, st *State, in Input) (Transition, error) {
		if in.Resume == nil {
			return Interrupt(nil, map[string]any{"question": "which db?"}), nil
		}
		answer, _ := in.Resume.(string)
		return Continue("done", &Update{AppendMessages: []llm.Message{llm.User(answer)}}), nil
	}, "done")
	g.AddPhase("done", phaseEnd())
	return g
}

func TestRunnerInterruptPersistsAndResumes(t *testing.T) {
	store, err := state.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewRunner(interruptGraph(), store, 10, nil)
	if err != nil {
		t.Fatal(err)
	}

	st := &State{SessionID: "s1"}
	res, err := r.Run(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Interrupted {
		t.Fatal("expected interrupt")
	}
	if res.InterruptPayload["question"] != "which db?" {
		t.Fatalf("payload: %+v", res.InterruptPayload)
	}
	if res.Phase != "ask" {
		t.Fatalf("interrupt phase: %s", res.Phase)
	}

	// State must be resumable from the store: a fresh process reloads it.
	loaded := &State{}
	if err := store.Load("s1", loaded); err != nil {
		t.Fatal(err)
	}
	if loaded.CurrentPhase != "ask" {
		t.Fatalf("persisted phase: %s", loaded.CurrentPhase)
	}

	res, err = r.Resume(context.Background(), loaded, "postgres")
	if err != nil {
		t.Fatal(err)
	}
	if res.Interrupted {
		t.Fatal("resume should run to completion")
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].Content != "postgres" {
		t.Fatalf("resume value not delivered: %+v", loaded.Messages)
	}
}

func TestRunnerResumeRequiresPhase(t *testing.T) {
	r, err := NewRunner(interruptGraph(), nil, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resume(context.Background(), &State{SessionID: "s"}, "x"); err == nil {
		t.Fatal("resume without a current phase must error")
	}
}

type failingStore struct{}

func (failingStore) Save(string, any) error { return fmt.Errorf("disk full") }
func (failingStore) Load(string, any) error { return state.ErrNotFound }
func (failingStore) Delete(string) error    { return nil }
func (failingStore) Exists(string) bool     { return false }

func TestRunnerEndPersistFailureSurfaces(t *testing.T) {
	g := NewGraph("g", "a")
	g.AddPhase("a", phaseEnd())
	r, err := NewRunner(g, failingStore{}, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Run(context.Background(), &State{SessionID: "s"})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("failed final save must surface: %v", err)
	}
}

func TestRunnerPersistsOnEnd(t *testing.T) {
	store, err := state.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	g := NewGraph("g", "a")
	g.AddPhase("a", phaseEnd())
	r, err := NewRunner(g, store, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(context.Background(), &State{SessionID: "s2"}); err != nil {
		t.Fatal(err)
	}
	if !store.Exists("s2") {
		t.Fatal("final state not persisted")
	}
}
