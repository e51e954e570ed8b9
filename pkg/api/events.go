package api

import "time"

// Event is the closed set of inputs of the execution state machine.
type Event interface {
	EventAt() time.Time
	isEvent()
}

// StartRequested moves a CREATED execution to its first dispatch.
type StartRequested struct {
	At time.Time
}

// TaskRunResultReceived carries a state reported by a worker for one attempt.
type TaskRunResultReceived struct {
	TaskRunID string
	Attempt   int
	State     StateType
	Outputs   map[string]any
	Error     string
	At        time.Time
}

// KillRequested asks for every active task run to be stopped.
type KillRequested struct {
	Cause string
	At    time.Time
}

// RestartRequested restarts a failed execution. FromTaskRunID selects the
// failed task run to restart from; empty means the first failed one.
// A non-zero FlowRevision different from the execution's turns the restart
// into a replay on that revision.
type RestartRequested struct {
	FromTaskRunID string
	FlowRevision  int
	At            time.Time
}

func (e StartRequested) EventAt() time.Time        { return e.At }
func (e TaskRunResultReceived) EventAt() time.Time { return e.At }
func (e KillRequested) EventAt() time.Time         { return e.At }
func (e RestartRequested) EventAt() time.Time      { return e.At }

func (StartRequested) isEvent()        {}
func (TaskRunResultReceived) isEvent() {}
func (KillRequested) isEvent()         {}
func (RestartRequested) isEvent()      {}

// ResultEvent converts a worker result into a state machine event.
func ResultEvent(r WorkerTaskResult) TaskRunResultReceived {
	return TaskRunResultReceived{
		TaskRunID: r.TaskRunID,
		Attempt:   r.Attempt,
		State:     r.State,
		Outputs:   r.Outputs,
		Error:     r.Error,
		At:        r.At,
	}
}

// CommandEvent converts an execution command into a state machine event.
// Start commands yield StartRequested.
func CommandEvent(c ExecutionCommand) Event {
	switch c.Type {
	case CommandKill:
		return KillRequested{Cause: c.Cause, At: c.At}
	case CommandRestart:
		return RestartRequested{FromTaskRunID: c.FromTaskRunID, FlowRevision: c.FlowRevision, At: c.At}
	default:
		return StartRequested{At: c.At}
	}
}
