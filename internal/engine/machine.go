// Package engine holds the execution state machine and the executor loop
// that drives it from queue messages.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/conduit/pkg/api"
)

// Effects are the side effects of one Apply call. The caller publishes them
// before persisting the new execution.
type Effects struct {
	// Dispatch lists the worker jobs to publish, in declaration order.
	Dispatch []api.WorkerTask
	// Kill is set when the execution just entered KILLING.
	Kill *api.ExecutionKilled

	Started    bool
	Terminated bool
	Changed    bool
}

// Machine applies events to executions. It holds no per-execution state and
// is safe for concurrent use.
type Machine struct {
	eval api.Evaluator
}

// NewMachine returns a Machine evaluating guards and foreach items with eval.
// A nil evaluator makes every guarded task and every foreach fail.
func NewMachine(eval api.Evaluator) *Machine {
	return &Machine{eval: eval}
}

// Apply computes the execution that results from ev. The input execution is
// not modified.
func (m *Machine) Apply(flow *api.Flow, exec *api.Execution, ev api.Event) (*api.Execution, Effects, error) {
	var eff Effects
	if flow == nil || exec == nil {
		return nil, eff, errors.New("apply: flow and execution are required")
	}
	next := exec.Clone()
	at := ev.EventAt()

	if next.State.IsTerminal() {
		r, ok := ev.(api.RestartRequested)
		if !ok {
			return next, eff, nil
		}
		if err := m.restart(flow, next, r, &eff); err != nil {
			return exec.Clone(), Effects{}, err
		}
	} else {
		switch e := ev.(type) {
		case api.StartRequested:
			if next.State.Current == api.StateCreated {
				next.State = next.State.WithState(api.StateRunning, at)
				eff.Started = true
				eff.Changed = true
			}
		case api.TaskRunResultReceived:
			if err := m.applyResult(flow, next, e, &eff); err != nil {
				return exec.Clone(), Effects{}, err
			}
		case api.KillRequested:
			m.kill(next, e, &eff)
		case api.RestartRequested:
			return exec.Clone(), Effects{}, fmt.Errorf("%w: %s is %s", api.ErrNotRestartable, exec.ID, exec.State.Current)
		default:
			return exec.Clone(), Effects{}, fmt.Errorf("apply: unsupported event %T", ev)
		}
	}

	if next.State.Current == api.StateRunning {
		m.progress(flow, next, at, &eff)
	}
	m.finish(flow, next, at, &eff)
	return next, eff, nil
}

func (m *Machine) applyResult(flow *api.Flow, exec *api.Execution, ev api.TaskRunResultReceived, eff *Effects) error {
	tr, err := exec.FindTaskRun(ev.TaskRunID)
	if err != nil {
		return err
	}
	if tr.State.IsTerminal() || tr.LastAttempt() == nil {
		return nil
	}
	if ev.Attempt != 0 && ev.Attempt != tr.AttemptNumber() {
		return nil
	}

	switch ev.State {
	case api.StateRunning:
		if !tr.State.Current.IsCreated() {
			return nil
		}
		tr.SetState(api.StateRunning, ev.At)
	case api.StateSuccess, api.StateWarning:
		tr.Outputs = ev.Outputs
		tr.SetState(ev.State, ev.At)
	case api.StateKilled:
		tr.SetState(api.StateKilled, ev.At)
	case api.StateFailed:
		tr.Error = ev.Error
		if ev.Outputs != nil {
			tr.Outputs = ev.Outputs
		}
		def, _ := flow.FindTask(tr.TaskID)
		if exec.State.Current != api.StateKilling && def.Retry.Allows(tr.AttemptNumber()) {
			a := tr.LastAttempt()
			a.State = a.State.WithState(api.StateFailed, ev.At)
			tr.RetryAt = ev.At.Add(def.Retry.Delay(tr.AttemptNumber()))
			tr.NewAttempt(api.StateRetrying, ev.At)
			eff.Dispatch = append(eff.Dispatch, m.job(exec, tr, def, tr.RetryAt))
		} else {
			tr.SetState(api.StateFailed, ev.At)
		}
	default:
		return nil
	}
	eff.Changed = true
	return nil
}

func (m *Machine) kill(exec *api.Execution, ev api.KillRequested, eff *Effects) {
	if exec.State.Current == api.StateKilling {
		return
	}
	exec.State = exec.State.WithState(api.StateKilling, ev.At)
	exec.KillCause = ev.Cause
	for i := range exec.TaskRuns {
		tr := &exec.TaskRuns[i]
		switch {
		case tr.State.IsTerminal():
		case tr.LastAttempt() != nil && tr.State.Current.IsCreated():
			tr.SetState(api.StateKilled, ev.At)
		default:
			tr.SetState(api.StateKilling, ev.At)
		}
	}
	eff.Kill = &api.ExecutionKilled{ExecutionID: exec.ID, EmittedAt: ev.At}
	eff.Changed = true
}

// restart gives failed leaves a new attempt. With ev.FromTaskRunID set, only
// that task run and the failed leaves created after it are reset; failed
// leaves created before it keep their state.
func (m *Machine) restart(flow *api.Flow, exec *api.Execution, ev api.RestartRequested, eff *Effects) error {
	if !exec.State.Current.IsRestartable() {
		return fmt.Errorf("%w: %s ended %s", api.ErrNotRestartable, exec.ID, exec.State.Current)
	}
	if ev.FlowRevision != 0 && ev.FlowRevision != exec.FlowRevision {
		exec.FlowRevision = ev.FlowRevision
	}

	kept := exec.TaskRuns[:0]
	dropped := make(map[string]bool)
	for _, tr := range exec.TaskRuns {
		_, known := flow.FindTask(tr.TaskID)
		if tr.ErrorBranch || !known || dropped[tr.ParentTaskRunID] {
			dropped[tr.ID] = true
			continue
		}
		kept = append(kept, tr)
	}
	exec.TaskRuns = kept

	var restart []int
	from := -1
	for i := range exec.TaskRuns {
		tr := &exec.TaskRuns[i]
		if tr.LastAttempt() == nil || !tr.State.Current.IsFailed() {
			continue
		}
		if tr.ID == ev.FromTaskRunID {
			from = i
		}
		restart = append(restart, i)
	}
	if len(restart) == 0 {
		return fmt.Errorf("%w: %s has no failed task run", api.ErrNotRestartable, exec.ID)
	}
	if ev.FromTaskRunID != "" {
		if from < 0 {
			return fmt.Errorf("%w: task run %s is not a failed task", api.ErrNotRestartable, ev.FromTaskRunID)
		}
		scoped := restart[:0]
		for _, i := range restart {
			if i >= from {
				scoped = append(scoped, i)
			}
		}
		restart = scoped
	}

	exec.State = exec.State.WithState(api.StateRetried, ev.At).WithState(api.StateRunning, ev.At)
	exec.Diagnostic = ""
	exec.KillCause = ""

	for _, i := range restart {
		tr := &exec.TaskRuns[i]
		tr.NewAttempt(api.StateCreated, ev.At)
		tr.Error = ""
		tr.Outputs = nil
		tr.RetryAt = time.Time{}
		reopenParents(exec, tr.ParentTaskRunID, ev.At)
		def, _ := flow.FindTask(tr.TaskID)
		eff.Dispatch = append(eff.Dispatch, m.job(exec, tr, def, time.Time{}))
	}
	eff.Started = true
	eff.Changed = true
	return nil
}

func reopenParents(exec *api.Execution, parentID string, at time.Time) {
	for parentID != "" {
		p, err := exec.FindTaskRun(parentID)
		if err != nil {
			return
		}
		p.SetState(api.StateRunning, at)
		parentID = p.ParentTaskRunID
	}
}

// progress creates every ready task run and reduces finished containers
// until nothing changes.
func (m *Machine) progress(flow *api.Flow, exec *api.Execution, at time.Time, eff *Effects) {
	for {
		v := newView(flow, exec)
		pending := v.collect()
		if len(pending) == 0 {
			if !m.reduceContainers(v, at) {
				return
			}
			eff.Changed = true
			continue
		}
		for _, p := range pending {
			m.create(flow, exec, p, at, eff)
		}
	}
}

func (m *Machine) reduceContainers(v *view, at time.Time) bool {
	changed := false
	for i := range v.exec.TaskRuns {
		tr := &v.exec.TaskRuns[i]
		if tr.State.Current != api.StateRunning {
			continue
		}
		def, ok := v.flow.FindTask(tr.TaskID)
		if !ok || !def.EffectiveKind().IsContainer() {
			continue
		}
		if _, complete := v.containerStatus(tr, def); !complete {
			continue
		}
		tr.SetState(Reduce(v.children(tr.ID, tr.ErrorBranch)), at)
		changed = true
	}
	return changed
}

func (m *Machine) create(flow *api.Flow, exec *api.Execution, p pendingRun, at time.Time, eff *Effects) {
	id := api.NewTaskRunID(exec.ID, p.parentID, p.def.ID, p.iteration, p.errorBranch)
	if _, err := exec.FindTaskRun(id); err == nil {
		return
	}
	tr := api.TaskRun{
		ID:              id,
		TaskID:          p.def.ID,
		ParentTaskRunID: p.parentID,
		Iteration:       p.iteration,
		Value:           p.value,
		ErrorBranch:     p.errorBranch,
		State:           api.NewState(at),
	}
	kind := p.def.EffectiveKind()
	if kind == api.KindTask {
		tr.NewAttempt(api.StateCreated, at)
	}
	eff.Changed = true

	if p.def.If != "" {
		ok, err := m.test(p.def.If, variables(exec, &tr))
		if err != nil {
			tr.Error = "guard: " + err.Error()
			tr.SetState(api.StateFailed, at)
			exec.TaskRuns = append(exec.TaskRuns, tr)
			return
		}
		if !ok {
			tr.Outputs = map[string]any{"skipped": true}
			tr.SetState(api.StateSuccess, at)
			exec.TaskRuns = append(exec.TaskRuns, tr)
			return
		}
	}

	switch kind {
	case api.KindTask:
		exec.TaskRuns = append(exec.TaskRuns, tr)
		eff.Dispatch = append(eff.Dispatch, m.job(exec, &tr, p.def, time.Time{}))
	case api.KindForEach:
		items, err := m.items(p.def.Items, variables(exec, &tr))
		if err != nil {
			tr.Error = "items: " + err.Error()
			tr.SetState(api.StateFailed, at)
		} else {
			tr.Items = items
			tr.SetState(api.StateRunning, at)
		}
		exec.TaskRuns = append(exec.TaskRuns, tr)
	default:
		tr.SetState(api.StateRunning, at)
		exec.TaskRuns = append(exec.TaskRuns, tr)
	}
}

// finish derives the execution state from its task runs.
func (m *Machine) finish(flow *api.Flow, exec *api.Execution, at time.Time, eff *Effects) {
	switch exec.State.Current {
	case api.StateKilling:
		settleKilling(exec, at)
		if !exec.HasNonTerminalTaskRun() {
			exec.State = exec.State.WithState(api.StateKilled, at)
			eff.Terminated = true
			eff.Changed = true
		}
		return
	case api.StateRunning:
	default:
		return
	}

	v := newView(flow, exec)
	_, complete, _ := v.status(v.rootScope(false))
	if complete {
		st := v.rootState(false)
		if st == api.StateFailed && len(flow.Errors) > 0 {
			if _, errDone, _ := v.status(v.rootScope(true)); !errDone {
				return
			}
		}
		exec.State = exec.State.WithState(st, at)
		eff.Terminated = true
		eff.Changed = true
		return
	}

	if awaitingWorker(exec) || len(eff.Dispatch) > 0 {
		return
	}
	exec.Diagnostic = fmt.Sprintf("deadlock: no task run can make progress in %d task runs", len(exec.TaskRuns))
	for i := range exec.TaskRuns {
		if !exec.TaskRuns[i].State.IsTerminal() {
			exec.TaskRuns[i].SetState(api.StateFailed, at)
		}
	}
	exec.State = exec.State.WithState(api.StateFailed, at)
	eff.Terminated = true
	eff.Changed = true
}

// settleKilling moves KILLING containers to KILLED once their children are
// terminal. Children always follow their parent in TaskRuns.
func settleKilling(exec *api.Execution, at time.Time) {
	for i := len(exec.TaskRuns) - 1; i >= 0; i-- {
		tr := &exec.TaskRuns[i]
		if tr.State.IsTerminal() || tr.LastAttempt() != nil {
			continue
		}
		done := true
		for _, c := range exec.Children(tr.ID, false) {
			if !c.State.IsTerminal() {
				done = false
				break
			}
		}
		if done {
			tr.SetState(api.StateKilled, at)
		}
	}
}

// awaitingWorker reports whether a leaf task run still expects a result.
func awaitingWorker(exec *api.Execution) bool {
	for i := range exec.TaskRuns {
		tr := &exec.TaskRuns[i]
		if tr.LastAttempt() != nil && !tr.State.IsTerminal() {
			return true
		}
	}
	return false
}

func (m *Machine) test(expr string, vars map[string]any) (bool, error) {
	if m.eval == nil {
		return false, errors.New("no expression evaluator configured")
	}
	return m.eval.Test(expr, vars)
}

func (m *Machine) items(expr string, vars map[string]any) ([]any, error) {
	if m.eval == nil {
		return nil, errors.New("no expression evaluator configured")
	}
	return m.eval.Items(expr, vars)
}

func (m *Machine) job(exec *api.Execution, tr *api.TaskRun, def api.TaskDef, notBefore time.Time) api.WorkerTask {
	def.Tasks = nil
	return api.WorkerTask{
		JobID:        tr.JobID(),
		ExecutionID:  exec.ID,
		Tenant:       exec.Tenant,
		Namespace:    exec.Namespace,
		FlowID:       exec.FlowID,
		FlowRevision: exec.FlowRevision,
		TaskRunID:    tr.ID,
		Attempt:      tr.AttemptNumber(),
		Task:         def,
		Variables:    variables(exec, tr),
		NotBefore:    notBefore,
	}
}

// variables is the expression context of a task run.
func variables(exec *api.Execution, tr *api.TaskRun) map[string]any {
	inputs := exec.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	labels := make(map[string]any, len(exec.Labels))
	for k, v := range exec.Labels {
		labels[k] = v
	}
	vars := map[string]any{
		"execution": map[string]any{
			"id":           exec.ID,
			"namespace":    exec.Namespace,
			"flowId":       exec.FlowID,
			"flowRevision": exec.FlowRevision,
		},
		"inputs":  inputs,
		"outputs": exec.Outputs(),
		"labels":  labels,
	}
	if tr.Iteration >= 0 {
		vars["item"] = tr.Value
		vars["iteration"] = tr.Iteration
	}
	return vars
}
