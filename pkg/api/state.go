package api

import "time"

// StateType is the lifecycle state of an Execution, a TaskRun or an Attempt.
type StateType string

const (
	StateCreated  StateType = "CREATED"
	StateRunning  StateType = "RUNNING"
	StatePaused   StateType = "PAUSED"
	StateRetrying StateType = "RETRYING"
	StateRetried  StateType = "RETRIED"
	StateSuccess  StateType = "SUCCESS"
	StateWarning  StateType = "WARNING"
	StateFailed   StateType = "FAILED"
	StateKilling  StateType = "KILLING"
	StateKilled   StateType = "KILLED"
)

// IsTerminal reports whether no further transition is expected from s.
func (s StateType) IsTerminal() bool {
	switch s {
	case StateSuccess, StateWarning, StateFailed, StateKilled:
		return true
	default:
		return false
	}
}

// IsFailed reports whether s is FAILED or KILLED.
func (s StateType) IsFailed() bool {
	return s == StateFailed || s == StateKilled
}

// IsRestartable reports whether an execution in s may be restarted or
// replayed: only executions that ended FAILED or KILLED can.
func (s StateType) IsRestartable() bool {
	return s.IsFailed()
}

// IsCreated reports whether s has not been picked up by a worker yet.
func (s StateType) IsCreated() bool {
	return s == StateCreated || s == StateRetrying
}

// IsRunning reports whether s is an active, non-terminal state.
func (s StateType) IsRunning() bool {
	return s == StateRunning || s == StateKilling
}

// History is one entry of a State's append-only history.
type History struct {
	State StateType
	Date  time.Time
}

// State is a current state plus every state it went through.
type State struct {
	Current   StateType
	Histories []History
}

// NewState returns a State starting in CREATED at the given time.
func NewState(at time.Time) State {
	return State{
		Current:   StateCreated,
		Histories: []History{{State: StateCreated, Date: at}},
	}
}

// WithState returns a copy of s moved to next. Moving to the current state
// returns s unchanged.
func (s State) WithState(next StateType, at time.Time) State {
	if s.Current == next {
		return s
	}
	h := make([]History, len(s.Histories), len(s.Histories)+1)
	copy(h, s.Histories)
	return State{
		Current:   next,
		Histories: append(h, History{State: next, Date: at}),
	}
}

// IsTerminal reports whether the current state is terminal.
func (s State) IsTerminal() bool {
	return s.Current.IsTerminal()
}

// StartDate is the date of the first history entry.
func (s State) StartDate() time.Time {
	if len(s.Histories) == 0 {
		return time.Time{}
	}
	return s.Histories[0].Date
}

// EndDate is the date the state became terminal, or the zero time.
func (s State) EndDate() time.Time {
	if !s.IsTerminal() || len(s.Histories) == 0 {
		return time.Time{}
	}
	return s.Histories[len(s.Histories)-1].Date
}

// Duration is the time between the first and last history entries.
func (s State) Duration() time.Duration {
	if len(s.Histories) < 2 {
		return 0
	}
	return s.Histories[len(s.Histories)-1].Date.Sub(s.Histories[0].Date)
}

func (s State) clone() State {
	h := make([]History, len(s.Histories))
	copy(h, s.Histories)
	return State{Current: s.Current, Histories: h}
}
