package persistence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/conduit/pkg/api"
)

// runPersistenceContract exercises the behaviour every backend must share.
// newP must return repositories with no data.
func runPersistenceContract(t *testing.T, newP func(t *testing.T) Persistence) {
	t.Run("FlowRevisions", func(t *testing.T) { testFlowRevisions(t, newP(t)) })
	t.Run("ExecutionVersioning", func(t *testing.T) { testExecutionVersioning(t, newP(t)) })
	t.Run("ListExecutions", func(t *testing.T) { testListExecutions(t, newP(t)) })
	t.Run("RunningClaimRelease", func(t *testing.T) { testRunningClaimRelease(t, newP(t)) })
	t.Run("RunningConcurrentClaim", func(t *testing.T) { testRunningConcurrentClaim(t, newP(t)) })
	t.Run("WorkerInstances", func(t *testing.T) { testWorkerInstances(t, newP(t)) })
	t.Run("Windows", func(t *testing.T) { testWindows(t, newP(t)) })
}

func sampleFlow(id string) api.Flow {
	return api.Flow{
		Namespace: "team",
		ID:        id,
		Tasks: []api.TaskDef{
			{ID: "a", Type: "noop", Params: map[string]any{"msg": "hi"}},
			{ID: "b", Type: "noop", Retry: &api.RetryPolicy{MaxAttempts: 3}},
		},
	}
}

func testFlowRevisions(t *testing.T, p Persistence) {
	ctx := context.Background()

	f1, err := p.Flows.SaveFlow(ctx, sampleFlow("etl"))
	if err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}
	if f1.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", f1.Revision)
	}
	next := sampleFlow("etl")
	next.Tasks = append(next.Tasks, api.TaskDef{ID: "c", Type: "noop"})
	f2, err := p.Flows.SaveFlow(ctx, next)
	if err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}
	if f2.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", f2.Revision)
	}

	if _, err := p.Flows.SaveFlow(ctx, f1); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict when saving an existing revision, got %v", err)
	}

	latest, err := p.Flows.GetFlow(ctx, f1.Ref())
	if err != nil {
		t.Fatalf("GetFlow failed: %v", err)
	}
	if latest.Revision != 2 || len(latest.Tasks) != 3 {
		t.Fatalf("unexpected latest flow: %+v", latest)
	}
	old, err := p.Flows.GetFlowRevision(ctx, f1.Ref(), 1)
	if err != nil {
		t.Fatalf("GetFlowRevision failed: %v", err)
	}
	if len(old.Tasks) != 2 || old.Tasks[1].Retry == nil || old.Tasks[1].Retry.MaxAttempts != 3 {
		t.Fatalf("unexpected revision 1: %+v", old)
	}
	if old.Tasks[0].Params["msg"] != "hi" {
		t.Fatalf("params lost: %+v", old.Tasks[0].Params)
	}

	if _, err := p.Flows.GetFlow(ctx, api.FlowRef{Namespace: "team", ID: "missing"}); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("expected ErrFlowNotFound, got %v", err)
	}
	if _, err := p.Flows.GetFlowRevision(ctx, f1.Ref(), 9); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("expected ErrFlowNotFound for unknown revision, got %v", err)
	}

	if _, err := p.Flows.SaveFlow(ctx, sampleFlow("other")); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}
	all, err := p.Flows.ListFlows(ctx)
	if err != nil {
		t.Fatalf("ListFlows failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 flows, got %d", len(all))
	}
	for _, f := range all {
		if f.ID == "etl" && f.Revision != 2 {
			t.Fatalf("ListFlows should return the latest revision, got %d", f.Revision)
		}
	}
}

func testExecutionVersioning(t *testing.T, p Persistence) {
	ctx := context.Background()
	flow := sampleFlow("etl")
	flow.Revision = 1
	exec := api.NewExecution(&flow, map[string]any{"day": "2024-01-01"}, time.Now().UTC())

	if err := p.Executions.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("SaveExecution failed: %v", err)
	}
	if exec.Version != 1 {
		t.Fatalf("expected version 1 after save, got %d", exec.Version)
	}
	if err := p.Executions.SaveExecution(ctx, exec); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate save, got %v", err)
	}

	a, err := p.Executions.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	b, err := p.Executions.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}

	a.State = a.State.WithState(api.StateRunning, time.Now().UTC())
	if err := p.Executions.UpdateExecution(ctx, a); err != nil {
		t.Fatalf("UpdateExecution failed: %v", err)
	}
	if a.Version != 2 {
		t.Fatalf("expected version 2, got %d", a.Version)
	}

	b.State = b.State.WithState(api.StateKilled, time.Now().UTC())
	if err := p.Executions.UpdateExecution(ctx, b); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale version, got %v", err)
	}
	if b.Version != 1 {
		t.Fatalf("a failed update must not change the version, got %d", b.Version)
	}

	got, err := p.Executions.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.State.Current != api.StateRunning || got.Version != 2 {
		t.Fatalf("unexpected stored execution: state=%s version=%d", got.State.Current, got.Version)
	}
	if got.Inputs["day"] != "2024-01-01" {
		t.Fatalf("inputs lost: %+v", got.Inputs)
	}

	if _, err := p.Executions.GetExecution(ctx, "missing"); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
	ghost := &api.Execution{ID: "missing", Version: 1}
	if err := p.Executions.UpdateExecution(ctx, ghost); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound on update, got %v", err)
	}
}

func testListExecutions(t *testing.T, p Persistence) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	etl := sampleFlow("etl")
	report := sampleFlow("report")

	var ids []string
	for i, f := range []api.Flow{etl, etl, report} {
		f := f
		exec := api.NewExecution(&f, nil, base.Add(time.Duration(i)*time.Minute))
		if i == 1 {
			exec.State = exec.State.WithState(api.StateRunning, base)
		}
		if err := p.Executions.SaveExecution(ctx, exec); err != nil {
			t.Fatalf("SaveExecution failed: %v", err)
		}
		ids = append(ids, exec.ID)
	}

	all, err := p.Executions.ListExecutions(ctx, ExecutionFilter{})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != ids[0] || all[2].ID != ids[2] {
		t.Fatalf("expected executions ordered by start date, got %d", len(all))
	}

	byFlow, err := p.Executions.ListExecutions(ctx, ExecutionFilter{FlowID: "etl"})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(byFlow) != 2 {
		t.Fatalf("expected 2 etl executions, got %d", len(byFlow))
	}

	running, err := p.Executions.ListExecutions(ctx, ExecutionFilter{Namespace: "team", State: api.StateRunning})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(running) != 1 || running[0].ID != ids[1] {
		t.Fatalf("expected the running execution only, got %d", len(running))
	}
}

func runningRecord(jobID, worker string) api.WorkerTaskRunning {
	return api.WorkerTaskRunning{
		JobID:       jobID,
		Kind:        api.KindWorkerTask,
		WorkerID:    worker,
		ExecutionID: "exec-1",
		StartedAt:   time.Now().UTC(),
		Job:         api.Message{Type: api.KindWorkerTask, Key: "exec-1", Value: []byte{1, 2, 3}},
	}
}

func testRunningClaimRelease(t *testing.T, p Persistence) {
	ctx := context.Background()

	ok, err := p.Running.Claim(ctx, runningRecord("job-1", "w1"))
	if err != nil || !ok {
		t.Fatalf("first Claim should succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = p.Running.Claim(ctx, runningRecord("job-1", "w2"))
	if err != nil || ok {
		t.Fatalf("duplicate Claim should be refused, got ok=%v err=%v", ok, err)
	}
	if _, err := p.Running.Claim(ctx, runningRecord("job-2", "w1")); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := p.Running.Claim(ctx, runningRecord("job-3", "w2")); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	rec, found, err := p.Running.GetRunning(ctx, "job-1")
	if err != nil || !found {
		t.Fatalf("GetRunning failed: found=%v err=%v", found, err)
	}
	if rec.WorkerID != "w1" || rec.Job.Key != "exec-1" || len(rec.Job.Value) != 3 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	mine, err := p.Running.ListByWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("ListByWorker failed: %v", err)
	}
	if len(mine) != 2 || mine[0].JobID != "job-1" || mine[1].JobID != "job-2" {
		t.Fatalf("unexpected records for w1: %+v", mine)
	}

	if err := p.Running.Release(ctx, "job-1", "w2"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := p.Running.Release(ctx, "job-1", "w1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := p.Running.Release(ctx, "job-1", "w1"); err != nil {
		t.Fatalf("Release of a missing record should be a no-op, got %v", err)
	}
	if _, found, _ := p.Running.GetRunning(ctx, "job-1"); found {
		t.Fatalf("record should be gone after Release")
	}

	all, err := p.Running.ListRunning(ctx)
	if err != nil {
		t.Fatalf("ListRunning failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 running records, got %d", len(all))
	}

	ok, err = p.Running.Claim(ctx, runningRecord("job-1", "w2"))
	if err != nil || !ok {
		t.Fatalf("Claim after Release should succeed, got ok=%v err=%v", ok, err)
	}
}

func testRunningConcurrentClaim(t *testing.T, p Persistence) {
	ctx := context.Background()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := p.Running.Claim(ctx, runningRecord("contended", string(rune('a'+i))))
			if err != nil {
				t.Errorf("Claim failed: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins.Load())
	}
}

func testWorkerInstances(t *testing.T, p Persistence) {
	ctx := context.Background()
	seen := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	inst := api.WorkerInstance{ID: "w1", Hostname: "host-a", Partitions: []int{0, 2}, LastSeen: seen, Seq: 2, Status: api.WorkerRunning}
	if err := p.Instances.UpsertInstance(ctx, inst); err != nil {
		t.Fatalf("UpsertInstance failed: %v", err)
	}

	stale := inst
	stale.Seq = 1
	stale.LastSeen = seen.Add(-time.Minute)
	if err := p.Instances.UpsertInstance(ctx, stale); err != nil {
		t.Fatalf("UpsertInstance failed: %v", err)
	}

	list, err := p.Instances.ListInstances(ctx)
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(list) != 1 || list[0].Seq != 2 || !list[0].LastSeen.Equal(seen) || len(list[0].Partitions) != 2 {
		t.Fatalf("an older heartbeat must not overwrite a newer one: %+v", list)
	}

	removed, err := p.Instances.RemoveInstance(ctx, "w1", seen.Add(-time.Second))
	if err != nil || removed {
		t.Fatalf("RemoveInstance with stale lastSeen should not remove, got %v %v", removed, err)
	}
	removed, err = p.Instances.RemoveInstance(ctx, "w1", seen)
	if err != nil || !removed {
		t.Fatalf("RemoveInstance should remove, got %v %v", removed, err)
	}
	removed, err = p.Instances.RemoveInstance(ctx, "w1", seen)
	if err != nil || removed {
		t.Fatalf("second RemoveInstance should report false, got %v %v", removed, err)
	}
}

func testWindows(t *testing.T, p Persistence) {
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	record := func(cond string) (Window, error) {
		return p.Windows.UpdateWindow(ctx, "k1", func(w Window, exists bool) (Window, bool, error) {
			if !exists {
				w = Window{Start: start, End: start.Add(time.Hour), Results: map[string]bool{}}
			}
			w.Results[cond] = true
			return w, true, nil
		})
	}

	w, err := record("a")
	if err != nil {
		t.Fatalf("UpdateWindow failed: %v", err)
	}
	if w.Version != 1 || !w.Results["a"] {
		t.Fatalf("unexpected window: %+v", w)
	}
	w, err = record("b")
	if err != nil {
		t.Fatalf("UpdateWindow failed: %v", err)
	}
	if w.Version != 2 || len(w.Results) != 2 {
		t.Fatalf("unexpected window: %+v", w)
	}

	got, found, err := p.Windows.GetWindow(ctx, "k1")
	if err != nil || !found {
		t.Fatalf("GetWindow failed: found=%v err=%v", found, err)
	}
	if !got.End.Equal(start.Add(time.Hour)) || !got.Results["b"] {
		t.Fatalf("unexpected stored window: %+v", got)
	}

	sentinel := errors.New("boom")
	if _, err := p.Windows.UpdateWindow(ctx, "k1", func(w Window, _ bool) (Window, bool, error) {
		return w, true, sentinel
	}); !errors.Is(err, sentinel) {
		t.Fatalf("expected fn error to be returned, got %v", err)
	}

	if _, err := p.Windows.UpdateWindow(ctx, "k1", func(w Window, _ bool) (Window, bool, error) {
		return w, false, nil
	}); err != nil {
		t.Fatalf("UpdateWindow delete failed: %v", err)
	}
	if _, found, _ := p.Windows.GetWindow(ctx, "k1"); found {
		t.Fatalf("window should be deleted")
	}

	if _, err := record("a"); err != nil {
		t.Fatalf("UpdateWindow failed: %v", err)
	}
	n, err := p.Windows.DeleteExpiredWindows(ctx, start.Add(30*time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("window is not expired yet, got n=%d err=%v", n, err)
	}
	n, err = p.Windows.DeleteExpiredWindows(ctx, start.Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected one expired window, got n=%d err=%v", n, err)
	}
}
