package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/internal/queue"
	"github.com/petrijr/conduit/internal/trigger"
	"github.com/petrijr/conduit/pkg/api"
)

// scriptedWorker answers worker jobs with the state chosen by decide.
// Jobs for which decide returns "" are held until their execution is
// killed.
type scriptedWorker struct {
	q      queue.Queue
	decide func(job api.WorkerTask) api.StateType

	mu   sync.Mutex
	held map[string][]api.WorkerTask
	seen []api.WorkerTask
}

func newScriptedWorker(t *testing.T, q queue.Queue, decide func(job api.WorkerTask) api.StateType) *scriptedWorker {
	t.Helper()
	w := &scriptedWorker{q: q, decide: decide, held: make(map[string][]api.WorkerTask)}
	ctx := context.Background()

	jobs, err := q.Subscribe(ctx, api.TopicWorkerJobs, queue.SubscribeOptions{Group: "workers", Type: api.KindWorkerTask},
		queue.PayloadHandler(nil, func(ctx context.Context, p api.Payload) error {
			return w.onJob(ctx, p.(api.WorkerTask))
		}))
	if err != nil {
		t.Fatalf("Subscribe jobs failed: %v", err)
	}
	killed, err := q.Subscribe(ctx, api.TopicExecutionKilled, queue.SubscribeOptions{},
		queue.PayloadHandler(nil, func(ctx context.Context, p api.Payload) error {
			return w.onKilled(ctx, p.(api.ExecutionKilled))
		}))
	if err != nil {
		t.Fatalf("Subscribe killed failed: %v", err)
	}
	t.Cleanup(func() {
		_ = jobs.Close()
		_ = killed.Close()
	})
	return w
}

func (w *scriptedWorker) report(ctx context.Context, job api.WorkerTask, state api.StateType) error {
	return queue.Publish(ctx, w.q, api.TopicExecutor, job.ExecutionID, api.WorkerTaskResult{
		JobID:       job.JobID,
		ExecutionID: job.ExecutionID,
		TaskRunID:   job.TaskRunID,
		Attempt:     job.Attempt,
		State:       state,
		WorkerID:    "scripted",
		At:          time.Now().UTC(),
	})
}

func (w *scriptedWorker) onJob(ctx context.Context, job api.WorkerTask) error {
	w.mu.Lock()
	w.seen = append(w.seen, job)
	w.mu.Unlock()

	if err := w.report(ctx, job, api.StateRunning); err != nil {
		return err
	}
	state := w.decide(job)
	if state == "" {
		w.mu.Lock()
		w.held[job.ExecutionID] = append(w.held[job.ExecutionID], job)
		w.mu.Unlock()
		return nil
	}
	return w.report(ctx, job, state)
}

func (w *scriptedWorker) onKilled(ctx context.Context, k api.ExecutionKilled) error {
	w.mu.Lock()
	held := w.held[k.ExecutionID]
	delete(w.held, k.ExecutionID)
	w.mu.Unlock()
	for _, job := range held {
		if err := w.report(ctx, job, api.StateKilled); err != nil {
			return err
		}
	}
	return nil
}

func (w *scriptedWorker) heldCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, jobs := range w.held {
		n += len(jobs)
	}
	return n
}

func succeedAll(api.WorkerTask) api.StateType { return api.StateSuccess }

func newTestExecutor(t *testing.T, triggers TriggerHandler) (*Executor, *queue.MemoryQueue, persistence.Persistence) {
	t.Helper()
	q := queue.NewMemoryQueue(nil)
	p := persistence.NewInMemoryPersistence()
	e, err := NewExecutor(Config{Queue: q, Persistence: p, Triggers: triggers})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	if err := e.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(func() {
		_ = e.Stop()
		_ = q.Close()
	})
	return e, q, p
}

func registerFlow(t *testing.T, e *Executor, flow api.Flow) api.Flow {
	t.Helper()
	saved, err := e.RegisterFlow(context.Background(), flow)
	if err != nil {
		t.Fatalf("RegisterFlow failed: %v", err)
	}
	return saved
}

func waitForState(t *testing.T, e *Executor, id string, want api.StateType) *api.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		exec, err := e.GetExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("GetExecution failed: %v", err)
		}
		if exec.State.Current == want {
			return exec
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution %s is %s, want %s", id, exec.State.Current, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExecutor_RunsFlowToSuccess(t *testing.T) {
	e, q, _ := newTestExecutor(t, nil)
	w := newScriptedWorker(t, q, succeedAll)

	flow := registerFlow(t, e, api.Flow{
		Namespace: "tests",
		ID:        "pipeline",
		Tasks: []api.TaskDef{
			leaf("extract"),
			{ID: "fan", Kind: api.KindParallel, Tasks: []api.TaskDef{leaf("a"), leaf("b")}},
			leaf("load"),
		},
	})
	if flow.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", flow.Revision)
	}

	exec, err := e.Start(context.Background(), flow.Ref(), map[string]any{"day": "monday"}, map[string]string{"team": "data"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	done := waitForState(t, e, exec.ID, api.StateSuccess)

	if done.Labels["team"] != "data" {
		t.Fatalf("labels not kept: %v", done.Labels)
	}
	if len(done.TaskRuns) != 5 {
		t.Fatalf("expected 5 task runs, got %d", len(done.TaskRuns))
	}
	for _, tr := range done.TaskRuns {
		if tr.State.Current != api.StateSuccess {
			t.Fatalf("task run %s is %s", tr.TaskID, tr.State.Current)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.seen) != 4 {
		t.Fatalf("expected 4 dispatched jobs, got %d", len(w.seen))
	}
	if w.seen[0].Task.ID != "extract" || w.seen[3].Task.ID != "load" {
		t.Fatalf("unexpected dispatch order: %s ... %s", w.seen[0].Task.ID, w.seen[3].Task.ID)
	}
}

func TestExecutor_KillStopsHeldJobs(t *testing.T) {
	e, q, _ := newTestExecutor(t, nil)
	w := newScriptedWorker(t, q, func(job api.WorkerTask) api.StateType {
		if job.Task.ID == "slow" {
			return ""
		}
		return api.StateSuccess
	})

	flow := registerFlow(t, e, api.Flow{Namespace: "tests", ID: "killable", Tasks: []api.TaskDef{leaf("slow"), leaf("after")}})
	exec, err := e.Start(context.Background(), flow.Ref(), nil, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for w.heldCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slow job never dispatched")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := e.Kill(context.Background(), exec.ID, "operator"); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	killed := waitForState(t, e, exec.ID, api.StateKilled)
	if killed.KillCause != "operator" {
		t.Fatalf("expected kill cause 'operator', got %q", killed.KillCause)
	}
	if len(killed.TaskRuns) != 1 {
		t.Fatalf("no task should start after a kill, got %d task runs", len(killed.TaskRuns))
	}

	// Killing a terminal execution is a no-op.
	if err := e.Kill(context.Background(), exec.ID, "again"); err != nil {
		t.Fatalf("second Kill failed: %v", err)
	}
}

func TestExecutor_RestartAfterFailure(t *testing.T) {
	e, q, _ := newTestExecutor(t, nil)
	newScriptedWorker(t, q, func(job api.WorkerTask) api.StateType {
		if job.Task.ID == "flaky" && job.Attempt == 1 {
			return api.StateFailed
		}
		return api.StateSuccess
	})

	flow := registerFlow(t, e, api.Flow{Namespace: "tests", ID: "restartable", Tasks: []api.TaskDef{leaf("first"), leaf("flaky")}})
	exec, err := e.Start(context.Background(), flow.Ref(), nil, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, e, exec.ID, api.StateFailed)

	if err := e.Restart(context.Background(), exec.ID, ""); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	done := waitForState(t, e, exec.ID, api.StateSuccess)
	for _, tr := range done.TaskRuns {
		switch tr.TaskID {
		case "first":
			if len(tr.Attempts) != 1 {
				t.Fatalf("successful task run must not be rerun, got %d attempts", len(tr.Attempts))
			}
		case "flaky":
			if len(tr.Attempts) != 2 {
				t.Fatalf("expected 2 attempts for flaky, got %d", len(tr.Attempts))
			}
		}
	}

	err = e.Restart(context.Background(), exec.ID, "")
	if !errors.Is(err, api.ErrNotRestartable) {
		t.Fatalf("expected ErrNotRestartable for a successful execution, got %v", err)
	}
}

func TestExecutor_RestartRejectsWarning(t *testing.T) {
	e, q, _ := newTestExecutor(t, nil)
	newScriptedWorker(t, q, func(api.WorkerTask) api.StateType { return api.StateFailed })

	tolerated := leaf("tolerated")
	tolerated.AllowFailure = true
	flow := registerFlow(t, e, api.Flow{Namespace: "tests", ID: "tolerant", Tasks: []api.TaskDef{tolerated}})
	exec, err := e.Start(context.Background(), flow.Ref(), nil, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, e, exec.ID, api.StateWarning)

	if err := e.Restart(context.Background(), exec.ID, ""); !errors.Is(err, api.ErrNotRestartable) {
		t.Fatalf("expected ErrNotRestartable for a WARNING execution, got %v", err)
	}
	if err := e.Replay(context.Background(), exec.ID, "", flow.Revision); !errors.Is(err, api.ErrNotRestartable) {
		t.Fatalf("expected ErrNotRestartable when replaying a WARNING execution, got %v", err)
	}
}

func TestExecutor_ReplayChecksRevision(t *testing.T) {
	e, q, _ := newTestExecutor(t, nil)
	newScriptedWorker(t, q, func(job api.WorkerTask) api.StateType {
		if job.Task.ID == "broken" && job.FlowRevision == 1 {
			return api.StateFailed
		}
		return api.StateSuccess
	})

	v1 := registerFlow(t, e, api.Flow{Namespace: "tests", ID: "replayed", Tasks: []api.TaskDef{leaf("broken")}})
	exec, err := e.Start(context.Background(), v1.Ref(), nil, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, e, exec.ID, api.StateFailed)

	if err := e.Replay(context.Background(), exec.ID, "", 7); !errors.Is(err, persistence.ErrFlowNotFound) {
		t.Fatalf("expected ErrFlowNotFound for a missing revision, got %v", err)
	}

	v2 := registerFlow(t, e, api.Flow{Namespace: "tests", ID: "replayed", Tasks: []api.TaskDef{leaf("broken"), leaf("fixed")}})
	if err := e.Replay(context.Background(), exec.ID, "", v2.Revision); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	done := waitForState(t, e, exec.ID, api.StateSuccess)
	if done.FlowRevision != v2.Revision {
		t.Fatalf("expected revision %d after replay, got %d", v2.Revision, done.FlowRevision)
	}
}

type fakeTriggers struct {
	downstream api.FlowRef
}

func (f fakeTriggers) OnExecutionTerminated(ctx context.Context, exec *api.Execution) ([]api.WorkerTriggerResult, error) {
	if exec.FlowID == f.downstream.ID || exec.State.Current != api.StateSuccess {
		return nil, nil
	}
	return []api.WorkerTriggerResult{{
		JobID:     "window/" + exec.ID + "/after-upstream",
		Namespace: f.downstream.Namespace,
		FlowID:    f.downstream.ID,
		TriggerID: "after-upstream",
		Fired:     true,
		Inputs:    map[string]any{"upstream": exec.ID},
	}}, nil
}

func TestExecutor_TerminatedExecutionFiresTrigger(t *testing.T) {
	downstream := api.FlowRef{Namespace: "tests", ID: "downstream"}
	e, q, p := newTestExecutor(t, fakeTriggers{downstream: downstream})
	newScriptedWorker(t, q, succeedAll)

	up := registerFlow(t, e, api.Flow{Namespace: "tests", ID: "upstream", Tasks: []api.TaskDef{leaf("u")}})
	registerFlow(t, e, api.Flow{
		Namespace: "tests",
		ID:        "downstream",
		Tasks:     []api.TaskDef{leaf("d")},
		Triggers: []api.TriggerDef{{
			ID:         "after-upstream",
			Type:       api.TriggerMultipleCondition,
			Conditions: []api.Condition{{ID: "up", FlowID: "upstream"}},
		}},
	})

	exec, err := e.Start(context.Background(), up.Ref(), nil, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, e, exec.ID, api.StateSuccess)

	var triggered *api.Execution
	deadline := time.Now().Add(5 * time.Second)
	for triggered == nil {
		execs, err := p.Executions.ListExecutions(context.Background(), persistence.ExecutionFilter{FlowID: "downstream"})
		if err != nil {
			t.Fatalf("ListExecutions failed: %v", err)
		}
		if len(execs) > 0 {
			triggered = execs[0]
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("downstream execution never created")
		}
		time.Sleep(10 * time.Millisecond)
	}
	done := waitForState(t, e, triggered.ID, api.StateSuccess)
	if done.Trigger == nil || done.Trigger.ID != "after-upstream" || done.Trigger.Type != api.TriggerMultipleCondition {
		t.Fatalf("unexpected trigger ref %#v", done.Trigger)
	}
	if done.Inputs["upstream"] != exec.ID {
		t.Fatalf("unexpected inputs %v", done.Inputs)
	}
}

// flakyWindows fails the first failures window updates.
type flakyWindows struct {
	persistence.WindowStore
	failures atomic.Int32
}

func (f *flakyWindows) UpdateWindow(ctx context.Context, key string, fn func(persistence.Window, bool) (persistence.Window, bool, error)) (persistence.Window, error) {
	if f.failures.Add(-1) >= 0 {
		return persistence.Window{}, errors.New("window store unavailable")
	}
	return f.WindowStore.UpdateWindow(ctx, key, fn)
}

func TestExecutor_TriggerFailureIsRetried(t *testing.T) {
	q := queue.NewMemoryQueue(nil)
	p := persistence.NewInMemoryPersistence()
	windows := &flakyWindows{WindowStore: p.Windows}
	windows.failures.Store(1)
	e, err := NewExecutor(Config{Queue: q, Persistence: p, Triggers: trigger.NewService(p.Flows, windows, nil)})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	if err := e.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(func() {
		_ = e.Stop()
		_ = q.Close()
	})
	newScriptedWorker(t, q, succeedAll)

	up := registerFlow(t, e, api.Flow{Namespace: "tests", ID: "upstream", Tasks: []api.TaskDef{leaf("u")}})
	registerFlow(t, e, api.Flow{
		Namespace: "tests",
		ID:        "downstream",
		Tasks:     []api.TaskDef{leaf("d")},
		Triggers: []api.TriggerDef{{
			ID:         "after-upstream",
			Type:       api.TriggerMultipleCondition,
			Conditions: []api.Condition{{ID: "up", FlowID: "upstream"}},
		}},
	})

	exec, err := e.Start(context.Background(), up.Ref(), nil, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, e, exec.ID, api.StateSuccess)

	deadline := time.Now().Add(5 * time.Second)
	for {
		execs, err := p.Executions.ListExecutions(context.Background(), persistence.ExecutionFilter{FlowID: "downstream"})
		if err != nil {
			t.Fatalf("ListExecutions failed: %v", err)
		}
		if len(execs) == 1 {
			waitForState(t, e, execs[0].ID, api.StateSuccess)
			break
		}
		if len(execs) > 1 {
			t.Fatalf("expected one downstream execution, got %d", len(execs))
		}
		if time.Now().After(deadline) {
			t.Fatalf("downstream execution never created after a failed window update")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if windows.failures.Load() >= 0 {
		t.Fatalf("the window update failure was never hit")
	}
}

func TestExecutor_TriggerResultIsIdempotent(t *testing.T) {
	e, _, p := newTestExecutor(t, nil)
	registerFlow(t, e, api.Flow{Namespace: "tests", ID: "polled", Tasks: []api.TaskDef{leaf("x")}})

	r := api.WorkerTriggerResult{JobID: "poll/1", Namespace: "tests", FlowID: "polled", TriggerID: "every-minute", Fired: true}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := e.handle(ctx, r); err != nil {
			t.Fatalf("handle failed: %v", err)
		}
	}
	execs, err := p.Executions.ListExecutions(ctx, persistence.ExecutionFilter{FlowID: "polled"})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected exactly one triggered execution, got %d", len(execs))
	}
}

func TestExecutor_DropsUnknownAndRejectedEvents(t *testing.T) {
	e, _, p := newTestExecutor(t, nil)
	ctx := context.Background()

	err := e.handle(ctx, api.WorkerTaskResult{ExecutionID: "missing", TaskRunID: "tr", Attempt: 1, State: api.StateSuccess})
	if err != nil {
		t.Fatalf("unknown execution must be dropped, got %v", err)
	}

	flow := registerFlow(t, e, api.Flow{Namespace: "tests", ID: "stray", Tasks: []api.TaskDef{leaf("x")}})
	exec := api.NewExecution(&flow, nil, time.Now().UTC())
	if err := p.Executions.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("SaveExecution failed: %v", err)
	}
	err = e.handle(ctx, api.WorkerTaskResult{ExecutionID: exec.ID, TaskRunID: "no-such-run", Attempt: 1, State: api.StateSuccess})
	if err != nil {
		t.Fatalf("unknown task run must be dropped, got %v", err)
	}
}

func TestExecutor_RegisterFlowValidates(t *testing.T) {
	e, _, _ := newTestExecutor(t, nil)
	_, err := e.RegisterFlow(context.Background(), api.Flow{Namespace: "tests", ID: "bad", Tasks: []api.TaskDef{{ID: "x"}}})
	if !errors.Is(err, api.ErrInvalidFlow) {
		t.Fatalf("expected ErrInvalidFlow, got %v", err)
	}
	if _, err := e.Start(context.Background(), api.FlowRef{Namespace: "tests", ID: "bad"}, nil, nil); !errors.Is(err, persistence.ErrFlowNotFound) {
		t.Fatalf("expected ErrFlowNotFound, got %v", err)
	}
}
