package api

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTaskRunNotFound is returned when an event references an unknown task run.
	ErrTaskRunNotFound = errors.New("task run not found")

	// ErrNotRestartable is returned when a restart is requested on an
	// execution that has not ended in failure.
	ErrNotRestartable = errors.New("execution is not restartable")
)

var taskRunNamespace = uuid.MustParse("6f1d4c1e-2b7a-4c8e-9a53-0d6f3e2b9c11")

// TriggerRef records what created an Execution.
type TriggerRef struct {
	ID        string
	Type      string
	Namespace string
	FlowID    string
	Variables map[string]any
}

// Attempt is one try of a leaf TaskRun.
type Attempt struct {
	State State
}

// TaskRun is one instance of a task inside an Execution.
type TaskRun struct {
	ID              string
	TaskID          string
	ParentTaskRunID string

	// Iteration and Value identify the foreach item a task run belongs to.
	// Iteration is -1 outside of a foreach.
	Iteration int
	Value     any

	// ErrorBranch marks task runs of the flow's errors branch.
	ErrorBranch bool

	State    State
	Attempts []Attempt
	Outputs  map[string]any

	// Items is frozen on a foreach container at fan-out time.
	Items []any

	// RetryAt is when the pending retry attempt becomes runnable.
	RetryAt time.Time

	// Error holds the last failure message.
	Error string
}

// LastAttempt returns the latest attempt, or nil for containers.
func (tr *TaskRun) LastAttempt() *Attempt {
	if len(tr.Attempts) == 0 {
		return nil
	}
	return &tr.Attempts[len(tr.Attempts)-1]
}

// AttemptNumber is the 1-based number of the latest attempt.
func (tr *TaskRun) AttemptNumber() int {
	return len(tr.Attempts)
}

// JobID identifies the worker job for the current attempt.
func (tr *TaskRun) JobID() string {
	return tr.ID + "/" + strconv.Itoa(tr.AttemptNumber())
}

// SetState moves the task run and its latest attempt to next.
func (tr *TaskRun) SetState(next StateType, at time.Time) {
	tr.State = tr.State.WithState(next, at)
	if a := tr.LastAttempt(); a != nil {
		a.State = a.State.WithState(next, at)
	}
}

// NewAttempt appends an attempt starting in the given state and moves the
// task run to that state.
func (tr *TaskRun) NewAttempt(initial StateType, at time.Time) {
	st := NewState(at).WithState(initial, at)
	tr.Attempts = append(tr.Attempts, Attempt{State: st})
	tr.State = tr.State.WithState(initial, at)
}

func (tr TaskRun) clone() TaskRun {
	out := tr
	out.State = tr.State.clone()
	out.Attempts = make([]Attempt, len(tr.Attempts))
	for i, a := range tr.Attempts {
		out.Attempts[i] = Attempt{State: a.State.clone()}
	}
	if tr.Outputs != nil {
		out.Outputs = make(map[string]any, len(tr.Outputs))
		for k, v := range tr.Outputs {
			out.Outputs[k] = v
		}
	}
	if tr.Items != nil {
		out.Items = append([]any(nil), tr.Items...)
	}
	return out
}

// NewTaskRunID derives a stable task run id so that re-applying the same
// event produces the same ids.
func NewTaskRunID(executionID, parentTaskRunID, taskID string, iteration int, errorBranch bool) string {
	name := fmt.Sprintf("%s|%s|%s|%d|%t", executionID, parentTaskRunID, taskID, iteration, errorBranch)
	return uuid.NewSHA1(taskRunNamespace, []byte(name)).String()
}

// Execution is one run of a Flow.
type Execution struct {
	ID           string
	Tenant       string
	Namespace    string
	FlowID       string
	FlowRevision int

	State    State
	TaskRuns []TaskRun

	ParentID string
	Trigger  *TriggerRef
	Labels   map[string]string
	Inputs   map[string]any

	// Version is incremented by every successful repository update.
	Version int64

	// Diagnostic explains engine-forced failures such as deadlocks.
	Diagnostic string

	// KillCause records why the execution was killed.
	KillCause string
}

// NewExecution creates a CREATED execution of flow.
func NewExecution(flow *Flow, inputs map[string]any, at time.Time) *Execution {
	labels := make(map[string]string, len(flow.Labels))
	for k, v := range flow.Labels {
		labels[k] = v
	}
	return &Execution{
		ID:           uuid.NewString(),
		Tenant:       flow.Tenant,
		Namespace:    flow.Namespace,
		FlowID:       flow.ID,
		FlowRevision: flow.Revision,
		State:        NewState(at),
		Labels:       labels,
		Inputs:       inputs,
	}
}

// FlowRef returns the identity of the flow this execution runs.
func (e *Execution) FlowRef() FlowRef {
	return FlowRef{Tenant: e.Tenant, Namespace: e.Namespace, ID: e.FlowID}
}

// Clone returns a deep copy of e. Output values are copied shallowly.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.State = e.State.clone()
	out.TaskRuns = make([]TaskRun, len(e.TaskRuns))
	for i, tr := range e.TaskRuns {
		out.TaskRuns[i] = tr.clone()
	}
	if e.Labels != nil {
		out.Labels = make(map[string]string, len(e.Labels))
		for k, v := range e.Labels {
			out.Labels[k] = v
		}
	}
	if e.Trigger != nil {
		t := *e.Trigger
		out.Trigger = &t
	}
	return &out
}

// FindTaskRun returns the task run with the given id.
func (e *Execution) FindTaskRun(id string) (*TaskRun, error) {
	for i := range e.TaskRuns {
		if e.TaskRuns[i].ID == id {
			return &e.TaskRuns[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskRunNotFound, id)
}

// Children returns the task runs whose parent is parentID, in creation
// order. An empty parentID selects root task runs of the main or errors
// branch.
func (e *Execution) Children(parentID string, errorBranch bool) []*TaskRun {
	var out []*TaskRun
	for i := range e.TaskRuns {
		tr := &e.TaskRuns[i]
		if tr.ParentTaskRunID != parentID {
			continue
		}
		if parentID == "" && tr.ErrorBranch != errorBranch {
			continue
		}
		out = append(out, tr)
	}
	return out
}

// HasNonTerminalTaskRun reports whether any task run is still active.
func (e *Execution) HasNonTerminalTaskRun() bool {
	for i := range e.TaskRuns {
		if !e.TaskRuns[i].State.IsTerminal() {
			return true
		}
	}
	return false
}

// Outputs returns the latest outputs of every task run keyed by task id.
func (e *Execution) Outputs() map[string]any {
	out := make(map[string]any)
	for _, tr := range e.TaskRuns {
		if tr.Outputs != nil {
			out[tr.TaskID] = tr.Outputs
		}
	}
	return out
}
