package workflow

import (
	"context"
	"fmt"
	"sort"
)

type TransitionKind string

const (
	KindContinue  TransitionKind = "continue"
	KindDispatch  TransitionKind = "dispatch"
	KindEnd       TransitionKind = "end"
	KindInterrupt TransitionKind = "interrupt"
)

// Transition is the tagged variant a phase returns: proceed to a phase with a
// state delta, dispatch into a phase with a scoped payload, terminate, or
// suspend awaiting an external resume value.
type Transition struct {
	Kind    TransitionKind
	Next    string
	Update  *Update
	Payload map[string]any
}

// Continue merges update into state and proceeds to next.
func Continue(next string, update *Update) Transition {
	return Transition{Kind: KindContinue, Next: next, Update: update}
}

// Dispatch invokes target with a narrower, explicitly constructed payload
// rather than the full state, so one phase's output cannot leak into a sibling
// phase's context.
func Dispatch(target string, update *Update, payload map[string]any) Transition {
	return Transition{Kind: KindDispatch, Next: target, Update: update, Payload: payload}
}

// End merges update into state and terminates the run.
func End(update *Update) Transition {
	return Transition{Kind: KindEnd, Update: update}
}

// Interrupt suspends the run. State is persisted and the session blocks until
// an external resume value arrives; execution then re-enters the same phase.
func Interrupt(update *Update, payload map[string]any) Transition {
	return Transition{Kind: KindInterrupt, Update: update, Payload: payload}
}

// Input is what a phase receives beyond the shared state: the scoped payload
// of a Dispatch, and the resume value when re-entering after an Interrupt.
type Input struct {
	Payload map[string]any
	Resume  any
}

// Phase is one node of the workflow graph.
type Phase func(ctx context.Context, st *State, in Input) (Transition, error)

type node struct {
	fn         Phase
	successors []string
}

// Graph is an explicit node/edge table. Edges are declared alongside phases
// and the whole table is validated for reachability at construction time —
// phases cannot route to undeclared successors at runtime.
type Graph struct {
	name  string
	entry string
	nodes map[string]*node
}

func NewGraph(name, entry string) *Graph {
	return &Graph{name: name, entry: entry, nodes: map[string]*node{}}
}

func (g *Graph) Name() string { return g.name }

func (g *Graph) Entry() string { return g.entry }

// AddPhase registers a phase and its declared successors.
func (g *Graph) AddPhase(name string, fn Phase, successors ...string) *Graph {
	g.nodes[name] = &node{fn: fn, successors: successors}
	return g
}

// Validate checks that the entry exists, every declared successor is a
// registered phase, and every phase is reachable from the entry.
func (g *Graph) Validate() error {
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("graph %s: entry phase %q not registered", g.name, g.entry)
	}
	for name, n := range g.nodes {
		for _, succ := range n.successors {
			if _, ok := g.nodes[succ]; !ok {
				return fmt.Errorf("graph %s: phase %q declares unknown successor %q", g.name, name, succ)
			}
		}
	}
	reached := map[string]bool{}
	frontier := []string{g.entry}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		if reached[cur] {
			continue
		}
		reached[cur] = true
		frontier = append(frontier, g.nodes[cur].successors...)
	}
	var unreachable []string
	for name := range g.nodes {
		if !reached[name] {
			unreachable = append(unreachable, name)
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return fmt.Errorf("graph %s: unreachable phases: %v", g.name, unreachable)
	}
	return nil
}

func (g *Graph) allows(from, to string) bool {
	n, ok := g.nodes[from]
	if !ok {
		return false
	}
	for _, succ := range n.successors {
		if succ == to {
			return true
		}
	}
	return false
}
