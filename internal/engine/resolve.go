package engine

import "github.com/petrijr/conduit/pkg/api"

// scope is a list of task declarations resolved against the task runs of
// one parent (the flow root, a container, or one foreach iteration).
type scope struct {
	defs        []api.TaskDef
	parentID    string
	iteration   int
	value       any
	errorBranch bool
	parallel    bool
	concurrency int
}

// pendingRun is a task run that is ready to be created.
type pendingRun struct {
	def         api.TaskDef
	parentID    string
	iteration   int
	value       any
	errorBranch bool
}

// view indexes the task runs of an execution by id. It must be rebuilt after
// task runs are appended.
type view struct {
	flow *api.Flow
	exec *api.Execution
	byID map[string]int
}

func newView(flow *api.Flow, exec *api.Execution) *view {
	v := &view{flow: flow, exec: exec, byID: make(map[string]int, len(exec.TaskRuns))}
	for i := range exec.TaskRuns {
		v.byID[exec.TaskRuns[i].ID] = i
	}
	return v
}

func (v *view) runID(sc scope, def api.TaskDef) string {
	return api.NewTaskRunID(v.exec.ID, sc.parentID, def.ID, sc.iteration, sc.errorBranch)
}

func (v *view) lookup(sc scope, def api.TaskDef) *api.TaskRun {
	i, ok := v.byID[v.runID(sc, def)]
	if !ok {
		return nil
	}
	return &v.exec.TaskRuns[i]
}

func (v *view) pending(sc scope, def api.TaskDef) pendingRun {
	return pendingRun{
		def:         def,
		parentID:    sc.parentID,
		iteration:   sc.iteration,
		value:       sc.value,
		errorBranch: sc.errorBranch,
	}
}

// rootScope is the flow's main branch, or its errors branch.
func (v *view) rootScope(errorBranch bool) scope {
	defs := v.flow.Tasks
	if errorBranch {
		defs = v.flow.Errors
	}
	return scope{defs: defs, iteration: -1, errorBranch: errorBranch}
}

// status returns the runs that are ready in sc and whether sc is complete,
// meaning no further run will ever be created and all created runs are
// terminal. blocked is set when a failure stopped the scope early.
func (v *view) status(sc scope) (next []pendingRun, complete bool, blocked bool) {
	if sc.parallel {
		return v.parallelStatus(sc)
	}
	for _, def := range sc.defs {
		tr := v.lookup(sc, def)
		if tr == nil {
			return []pendingRun{v.pending(sc, def)}, false, false
		}
		if !tr.State.IsTerminal() {
			return nil, false, false
		}
		if blocks(tr, def) {
			return nil, true, true
		}
	}
	return nil, true, false
}

func (v *view) parallelStatus(sc scope) (next []pendingRun, complete bool, blocked bool) {
	active := 0
	var waiting []api.TaskDef
	for _, def := range sc.defs {
		tr := v.lookup(sc, def)
		switch {
		case tr == nil:
			waiting = append(waiting, def)
		case !tr.State.IsTerminal():
			active++
		case blocks(tr, def):
			blocked = true
		}
	}
	if blocked {
		waiting = nil
	}
	complete = len(waiting) == 0 && active == 0
	for _, def := range waiting {
		if sc.concurrency > 0 && active >= sc.concurrency {
			break
		}
		next = append(next, v.pending(sc, def))
		active++
	}
	return next, complete, blocked
}

// containerStatus resolves the children of a container task run.
func (v *view) containerStatus(c *api.TaskRun, def api.TaskDef) (next []pendingRun, complete bool) {
	switch def.EffectiveKind() {
	case api.KindSequential:
		next, complete, _ = v.status(scope{
			defs:        def.Tasks,
			parentID:    c.ID,
			iteration:   c.Iteration,
			value:       c.Value,
			errorBranch: c.ErrorBranch,
		})
		return next, complete
	case api.KindParallel:
		next, complete, _ = v.status(scope{
			defs:        def.Tasks,
			parentID:    c.ID,
			iteration:   c.Iteration,
			value:       c.Value,
			errorBranch: c.ErrorBranch,
			parallel:    true,
			concurrency: def.Concurrency,
		})
		return next, complete
	case api.KindForEach:
		return v.forEachStatus(c, def)
	default:
		return nil, true
	}
}

// forEachStatus runs one sequential iteration of def.Tasks per frozen item,
// starting iterations in item order up to def.Concurrency at a time.
func (v *view) forEachStatus(c *api.TaskRun, def api.TaskDef) (next []pendingRun, complete bool) {
	active := 0
	blocked := false
	var notStarted []scope
	for i, item := range c.Items {
		sc := scope{defs: def.Tasks, parentID: c.ID, iteration: i, value: item, errorBranch: c.ErrorBranch}
		if v.lookup(sc, def.Tasks[0]) == nil {
			notStarted = append(notStarted, sc)
			continue
		}
		n, done, b := v.status(sc)
		if b {
			blocked = true
		}
		if !done {
			active++
			next = append(next, n...)
		}
	}
	if blocked {
		notStarted = nil
	}
	complete = len(notStarted) == 0 && active == 0
	for _, sc := range notStarted {
		if def.Concurrency > 0 && active >= def.Concurrency {
			break
		}
		n, _, _ := v.status(sc)
		next = append(next, n...)
		active++
	}
	return next, complete
}

// collect gathers every run that is ready across the whole execution.
func (v *view) collect() []pendingRun {
	var out []pendingRun

	mainNext, mainComplete, _ := v.status(v.rootScope(false))
	out = append(out, mainNext...)

	for i := range v.exec.TaskRuns {
		tr := &v.exec.TaskRuns[i]
		if tr.State.Current != api.StateRunning {
			continue
		}
		def, ok := v.flow.FindTask(tr.TaskID)
		if !ok || !def.EffectiveKind().IsContainer() {
			continue
		}
		n, _ := v.containerStatus(tr, def)
		out = append(out, n...)
	}

	if mainComplete && len(v.flow.Errors) > 0 && v.rootState(false) == api.StateFailed {
		errNext, _, _ := v.status(v.rootScope(true))
		out = append(out, errNext...)
	}
	return out
}

// children builds the reduction input for the task runs under parentID.
func (v *view) children(parentID string, errorBranch bool) []Child {
	runs := v.exec.Children(parentID, errorBranch)
	out := make([]Child, 0, len(runs))
	for _, tr := range runs {
		def, _ := v.flow.FindTask(tr.TaskID)
		out = append(out, Child{State: tr.State.Current, AllowFailure: def.AllowFailure})
	}
	return out
}

func (v *view) rootState(errorBranch bool) api.StateType {
	return Reduce(v.children("", errorBranch))
}
