package engine

import "github.com/petrijr/conduit/pkg/api"

// Child is the view of one child task run used to derive its container's
// state.
type Child struct {
	State        api.StateType
	AllowFailure bool
}

// Reduce derives a container state from its children:
//
//	any child not terminal      => RUNNING
//	any child FAILED            => FAILED (WARNING when the child allows failure)
//	any child KILLED            => KILLED
//	any child WARNING           => WARNING
//	otherwise                   => SUCCESS
func Reduce(children []Child) api.StateType {
	var failed, killed, warning bool
	for _, c := range children {
		if !c.State.IsTerminal() {
			return api.StateRunning
		}
		switch c.State {
		case api.StateFailed:
			if c.AllowFailure {
				warning = true
			} else {
				failed = true
			}
		case api.StateKilled:
			killed = true
		case api.StateWarning:
			warning = true
		}
	}
	switch {
	case failed:
		return api.StateFailed
	case killed:
		return api.StateKilled
	case warning:
		return api.StateWarning
	default:
		return api.StateSuccess
	}
}

// blocks reports whether a terminal task run stops its sequence.
func blocks(tr *api.TaskRun, def api.TaskDef) bool {
	switch tr.State.Current {
	case api.StateKilled:
		return true
	case api.StateFailed:
		return !def.AllowFailure
	default:
		return false
	}
}
