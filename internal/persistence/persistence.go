package persistence

import (
	"sort"
	"time"

	"github.com/petrijr/conduit/pkg/api"
)

// Persistence bundles the repositories so that components can depend on a
// single value.
type Persistence struct {
	Flows      FlowRepository
	Executions ExecutionRepository
	Running    RunningStore
	Instances  WorkerInstanceStore
	Windows    WindowStore
}

// NewInMemoryPersistence backs every repository with one InMemoryStore.
func NewInMemoryPersistence() Persistence {
	s := NewInMemoryStore()
	return Persistence{Flows: s, Executions: s, Running: s, Instances: s, Windows: s}
}

func (f ExecutionFilter) matches(exec *api.Execution) bool {
	if f.Namespace != "" && exec.Namespace != f.Namespace {
		return false
	}
	if f.FlowID != "" && exec.FlowID != f.FlowID {
		return false
	}
	if f.State != "" && exec.State.Current != f.State {
		return false
	}
	return true
}

func sortExecutions(execs []*api.Execution) {
	sort.Slice(execs, func(i, j int) bool {
		a, b := execs[i].State.StartDate(), execs[j].State.StartDate()
		if a.Equal(b) {
			return execs[i].ID < execs[j].ID
		}
		return a.Before(b)
	})
}

func sortRunning(recs []api.WorkerTaskRunning) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].JobID < recs[j].JobID })
}

func cloneWindow(w Window) Window {
	out := w
	if w.Results != nil {
		out.Results = make(map[string]bool, len(w.Results))
		for k, v := range w.Results {
			out.Results[k] = v
		}
	}
	if w.SatisfiedAt != nil {
		out.SatisfiedAt = make(map[string]time.Time, len(w.SatisfiedAt))
		for k, v := range w.SatisfiedAt {
			out.SatisfiedAt[k] = v
		}
	}
	return out
}
