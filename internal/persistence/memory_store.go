package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/conduit/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of every repository
// interface backed by maps. Compare-and-set semantics are provided by a
// single mutex, so it is only shared within one process.
type InMemoryStore struct {
	mu         sync.RWMutex
	flows      map[api.FlowRef][]api.Flow
	executions map[string]*api.Execution
	running    map[string]api.WorkerTaskRunning
	instances  map[string]api.WorkerInstance
	windows    map[string]Window
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:      make(map[api.FlowRef][]api.Flow),
		executions: make(map[string]*api.Execution),
		running:    make(map[string]api.WorkerTaskRunning),
		instances:  make(map[string]api.WorkerInstance),
		windows:    make(map[string]Window),
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ FlowRepository      = (*InMemoryStore)(nil)
	_ ExecutionRepository = (*InMemoryStore)(nil)
	_ RunningStore        = (*InMemoryStore)(nil)
	_ WorkerInstanceStore = (*InMemoryStore)(nil)
	_ WindowStore         = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) SaveFlow(_ context.Context, flow api.Flow) (api.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := flow.Ref()
	revs := s.flows[ref]
	if flow.Revision == 0 {
		flow.Revision = len(revs) + 1
		if len(revs) > 0 {
			flow.Revision = revs[len(revs)-1].Revision + 1
		}
	}
	for _, f := range revs {
		if f.Revision == flow.Revision {
			return api.Flow{}, fmt.Errorf("%w: flow %s revision %d exists", ErrConflict, ref, flow.Revision)
		}
	}
	revs = append(revs, flow)
	sort.Slice(revs, func(i, j int) bool { return revs[i].Revision < revs[j].Revision })
	s.flows[ref] = revs
	return flow, nil
}

func (s *InMemoryStore) GetFlow(_ context.Context, ref api.FlowRef) (api.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	revs := s.flows[ref]
	if len(revs) == 0 {
		return api.Flow{}, fmt.Errorf("%w: %s", ErrFlowNotFound, ref)
	}
	return revs[len(revs)-1], nil
}

func (s *InMemoryStore) GetFlowRevision(_ context.Context, ref api.FlowRef, revision int) (api.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.flows[ref] {
		if f.Revision == revision {
			return f, nil
		}
	}
	return api.Flow{}, fmt.Errorf("%w: %s revision %d", ErrFlowNotFound, ref, revision)
}

func (s *InMemoryStore) ListFlows(_ context.Context) ([]api.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]api.Flow, 0, len(s.flows))
	for _, revs := range s.flows {
		out = append(out, revs[len(revs)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref().String() < out[j].Ref().String() })
	return out, nil
}

func (s *InMemoryStore) SaveExecution(_ context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; ok {
		return fmt.Errorf("%w: execution %s exists", ErrConflict, exec.ID)
	}
	exec.Version = 1
	s.executions[exec.ID] = exec.Clone()
	return nil
}

func (s *InMemoryStore) GetExecution(_ context.Context, id string) (*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return exec.Clone(), nil
}

func (s *InMemoryStore) UpdateExecution(_ context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.executions[exec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, exec.ID)
	}
	if cur.Version != exec.Version {
		return fmt.Errorf("%w: execution %s at version %d, have %d", ErrConflict, exec.ID, cur.Version, exec.Version)
	}
	exec.Version++
	s.executions[exec.ID] = exec.Clone()
	return nil
}

func (s *InMemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Execution
	for _, exec := range s.executions {
		if !filter.matches(exec) {
			continue
		}
		result = append(result, exec.Clone())
	}
	sortExecutions(result)
	return result, nil
}

func (s *InMemoryStore) Claim(_ context.Context, rec api.WorkerTaskRunning) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.running[rec.JobID]; ok {
		return false, nil
	}
	s.running[rec.JobID] = rec
	return true, nil
}

func (s *InMemoryStore) Release(_ context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.running[jobID]
	if !ok {
		return nil
	}
	if rec.WorkerID != workerID {
		return fmt.Errorf("%w: job %s owned by %s", ErrNotOwner, jobID, rec.WorkerID)
	}
	delete(s.running, jobID)
	return nil
}

func (s *InMemoryStore) GetRunning(_ context.Context, jobID string) (api.WorkerTaskRunning, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.running[jobID]
	return rec, ok, nil
}

func (s *InMemoryStore) ListByWorker(_ context.Context, workerID string) ([]api.WorkerTaskRunning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []api.WorkerTaskRunning
	for _, rec := range s.running {
		if rec.WorkerID == workerID {
			out = append(out, rec)
		}
	}
	sortRunning(out)
	return out, nil
}

func (s *InMemoryStore) ListRunning(_ context.Context) ([]api.WorkerTaskRunning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]api.WorkerTaskRunning, 0, len(s.running))
	for _, rec := range s.running {
		out = append(out, rec)
	}
	sortRunning(out)
	return out, nil
}

func (s *InMemoryStore) UpsertInstance(_ context.Context, inst api.WorkerInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.instances[inst.ID]; ok && cur.Seq > inst.Seq {
		return nil
	}
	s.instances[inst.ID] = inst
	return nil
}

func (s *InMemoryStore) ListInstances(_ context.Context) ([]api.WorkerInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]api.WorkerInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) RemoveInstance(_ context.Context, id string, lastSeen time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.instances[id]
	if !ok || !cur.LastSeen.Equal(lastSeen) {
		return false, nil
	}
	delete(s.instances, id)
	return true, nil
}

func (s *InMemoryStore) GetWindow(_ context.Context, key string) (Window, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.windows[key]
	return cloneWindow(w), ok, nil
}

func (s *InMemoryStore) UpdateWindow(_ context.Context, key string, fn func(Window, bool) (Window, bool, error)) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.windows[key]
	next, keep, err := fn(cloneWindow(cur), ok)
	if err != nil {
		return Window{}, err
	}
	if !keep {
		delete(s.windows, key)
		return next, nil
	}
	next.Key = key
	next.Version = cur.Version + 1
	s.windows[key] = cloneWindow(next)
	return next, nil
}

func (s *InMemoryStore) DeleteWindow(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.windows, key)
	return nil
}

func (s *InMemoryStore) DeleteExpiredWindows(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, w := range s.windows {
		if w.End.Before(now) {
			delete(s.windows, k)
			n++
		}
	}
	return n, nil
}
