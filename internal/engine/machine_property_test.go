package engine

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/petrijr/conduit/pkg/api"
)

var allStates = []api.StateType{
	api.StateCreated,
	api.StateRunning,
	api.StateRetrying,
	api.StateSuccess,
	api.StateWarning,
	api.StateFailed,
	api.StateKilling,
	api.StateKilled,
}

func drawChildren(t *rapid.T) []Child {
	n := rapid.IntRange(0, 8).Draw(t, "children")
	out := make([]Child, n)
	for i := range out {
		out[i] = Child{
			State:        rapid.SampledFrom(allStates).Draw(t, fmt.Sprintf("state%d", i)),
			AllowFailure: rapid.Bool().Draw(t, fmt.Sprintf("allowFailure%d", i)),
		}
	}
	return out
}

// TestProperty_ReducePrecedence checks that a container is RUNNING while any
// child is active and otherwise takes the most severe child state.
func TestProperty_ReducePrecedence(t *testing.T) {
	rank := map[api.StateType]int{
		api.StateSuccess: 0,
		api.StateWarning: 1,
		api.StateKilled:  2,
		api.StateFailed:  3,
	}

	rapid.Check(t, func(t *rapid.T) {
		children := drawChildren(t)
		got := Reduce(children)

		want := api.StateSuccess
		for _, c := range children {
			if !c.State.IsTerminal() {
				want = api.StateRunning
				break
			}
			st := c.State
			if st == api.StateFailed && c.AllowFailure {
				st = api.StateWarning
			}
			if rank[st] > rank[want] {
				want = st
			}
		}
		if got != want {
			t.Fatalf("Reduce(%v) = %s, want %s", children, got, want)
		}
	})
}

func TestProperty_ReduceIgnoresOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		children := drawChildren(t)
		perm := rapid.Permutation(children).Draw(t, "perm")
		if a, b := Reduce(children), Reduce(perm); a != b {
			t.Fatalf("Reduce depends on order: %s vs %s", a, b)
		}
	})
}

// TestProperty_RandomResultsConverge drives a random flow with random worker
// outcomes and duplicate deliveries. The execution must terminate, keep every
// leaf consistent with its last attempt, and ignore every event once terminal.
func TestProperty_RandomResultsConverge(t *testing.T) {
	outcomes := []api.StateType{api.StateSuccess, api.StateWarning, api.StateFailed}

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 4).Draw(t, "tasks")
		defs := make([]api.TaskDef, n)
		for i := range defs {
			defs[i] = api.TaskDef{ID: fmt.Sprintf("t%d", i), Type: api.TaskTypeNoop}
			if rapid.Bool().Draw(t, fmt.Sprintf("retry%d", i)) {
				defs[i].Retry = &api.RetryPolicy{MaxAttempts: 2}
			}
		}
		flow := &api.Flow{Namespace: "prop", ID: "flow", Revision: 1, Tasks: defs}
		if rapid.Bool().Draw(t, "parallel") {
			flow.Tasks = []api.TaskDef{{ID: "p", Kind: api.KindParallel, Tasks: defs}}
		}

		m := NewMachine(nil)
		exec, eff, err := m.Apply(flow, api.NewExecution(flow, nil, t0), api.StartRequested{At: t0})
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		outstanding := append([]api.WorkerTask(nil), eff.Dispatch...)
		var delivered []api.WorkerTask
		at := t0

		for step := 0; !exec.State.IsTerminal(); step++ {
			if step > 200 {
				t.Fatalf("execution did not terminate")
			}
			if len(outstanding) == 0 {
				t.Fatalf("execution %s is stuck with nothing outstanding", exec.State.Current)
			}
			at = at.Add(time.Second)

			var job api.WorkerTask
			if len(delivered) > 0 && rapid.Bool().Draw(t, "duplicate") {
				job = rapid.SampledFrom(delivered).Draw(t, "dupJob")
			} else {
				i := rapid.IntRange(0, len(outstanding)-1).Draw(t, "job")
				job = outstanding[i]
				outstanding = append(outstanding[:i], outstanding[i+1:]...)
				delivered = append(delivered, job)
			}
			state := rapid.SampledFrom(outcomes).Draw(t, "outcome")

			exec, eff, err = m.Apply(flow, exec, report(job, state, at))
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			outstanding = append(outstanding, eff.Dispatch...)

			for _, tr := range exec.TaskRuns {
				if a := tr.LastAttempt(); a != nil && a.State.Current != tr.State.Current {
					t.Fatalf("task run %s is %s but its last attempt is %s", tr.TaskID, tr.State.Current, a.State.Current)
				}
			}
		}

		before := exec.Clone()
		for _, job := range delivered {
			state := rapid.SampledFrom(outcomes).Draw(t, "late")
			next, eff, err := m.Apply(flow, exec, report(job, state, at.Add(time.Hour)))
			if err != nil {
				t.Fatalf("late apply: %v", err)
			}
			if eff.Changed || len(eff.Dispatch) != 0 || eff.Terminated {
				t.Fatalf("terminal execution produced effects: %+v", eff)
			}
			if !reflect.DeepEqual(next.Clone(), before.Clone()) {
				t.Fatalf("terminal execution changed")
			}
		}
		next, eff, err := m.Apply(flow, exec, api.KillRequested{At: at})
		if err != nil || eff.Kill != nil || next.State.Current != exec.State.Current {
			t.Fatalf("kill of a terminal execution must be a no-op")
		}
	})
}
