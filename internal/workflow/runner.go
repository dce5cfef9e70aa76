package workflow

import (
	"context"
	"fmt"

	"github.com/chiseldev/chisel/internal/state"
)

// RunResult reports how a run ended: completed, or suspended at an interrupt
// awaiting an external resume value.
type RunResult struct {
	Interrupted      bool
	InterruptPayload map[string]any
	Phase            string
	State            *State
}

// Runner executes a validated graph against a session's state. One phase runs
// at a time per session; phases themselves may fan out tool calls internally.
type Runner struct {
	graph *Graph
	store state.Store

	// stepCeiling is the hard recursion limit — a last-resort breaker against
	// runaway phase loops.
	stepCeiling int

	onEvent func(map[string]any)
}

func NewRunner(graph *Graph, store state.Store, stepCeiling int, onEvent func(map[string]any)) (*Runner, error) {
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	if stepCeiling <= 0 {
		stepCeiling = 200
	}
	return &Runner{graph: graph, store: store, stepCeiling: stepCeiling, onEvent: onEvent}, nil
}

// Run starts (or restarts) at the graph entry.
func (r *Runner) Run(ctx context.Context, st *State) (*RunResult, error) {
	st.CurrentPhase = r.graph.Entry()
	return r.loop(ctx, st, Input{})
}

// Resume re-enters the phase the session was interrupted in, delivering the
// externally supplied resume value to that phase.
func (r *Runner) Resume(ctx context.Context, st *State, resume any) (*RunResult, error) {
	if st.CurrentPhase == "" {
		return nil, fmt.Errorf("resume: session %s has no current phase", st.SessionID)
	}
	return r.loop(ctx, st, Input{Resume: resume})
}

func (r *Runner) loop(ctx context.Context, st *State, in Input) (*RunResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st.Steps++
		if st.Steps > r.stepCeiling {
			return nil, fmt.Errorf("graph %s: step ceiling exceeded (%d)", r.graph.Name(), r.stepCeiling)
		}
		cur := st.CurrentPhase
		n, ok := r.graph.nodes[cur]
		if !ok {
			return nil, fmt.Errorf("graph %s: missing phase %q", r.graph.Name(), cur)
		}
		r.emit(map[string]any{"event": "phase_start", "graph": r.graph.Name(), "phase": cur, "step": st.Steps})

		// Phase errors are fatal: they abort the run. Phases never silently
		// swallow state-consistency errors.
		tr, err := n.fn(ctx, st, in)
		if err != nil {
			r.emit(map[string]any{"event": "phase_error", "graph": r.graph.Name(), "phase": cur, "error": err.Error()})
			return nil, fmt.Errorf("phase %s: %w", cur, err)
		}
		st.apply(tr.Update)
		in = Input{}

		switch tr.Kind {
		case KindEnd:
			r.emit(map[string]any{"event": "run_end", "graph": r.graph.Name(), "phase": cur})
			// The final save is what status and resume read; losing it is an
			// error, same as on interrupt.
			if err := r.persist(st); err != nil {
				return nil, err
			}
			return &RunResult{Phase: cur, State: st}, nil

		case KindInterrupt:
			r.emit(map[string]any{"event": "run_interrupted", "graph": r.graph.Name(), "phase": cur})
			// The phase re-runs on resume; CurrentPhase stays put.
			if err := r.persist(st); err != nil {
				return nil, err
			}
			return &RunResult{Interrupted: true, InterruptPayload: tr.Payload, Phase: cur, State: st}, nil

		case KindContinue, KindDispatch:
			if !r.graph.allows(cur, tr.Next) {
				return nil, fmt.Errorf("graph %s: phase %q routed to undeclared successor %q", r.graph.Name(), cur, tr.Next)
			}
			r.emit(map[string]any{"event": "phase_transition", "graph": r.graph.Name(), "from": cur, "to": tr.Next, "kind": string(tr.Kind)})
			st.CurrentPhase = tr.Next
			if tr.Kind == KindDispatch {
				in = Input{Payload: tr.Payload}
			}

		default:
			return nil, fmt.Errorf("graph %s: phase %q returned unknown transition kind %q", r.graph.Name(), cur, tr.Kind)
		}
	}
}

func (r *Runner) persist(st *State) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Save(st.SessionID, st); err != nil {
		return fmt.Errorf("persist session %s: %w", st.SessionID, err)
	}
	return nil
}

func (r *Runner) emit(ev map[string]any) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}
