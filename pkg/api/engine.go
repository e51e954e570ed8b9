package api

import (
	"context"
)

// Engine is the control-plane API of the executor. Every call is
// asynchronous: it records intent and publishes a command; progress is made
// by the executor loop and the workers.
type Engine interface {
	// RegisterFlow stores a new flow revision. Revisions are append-only; a
	// zero Revision is assigned the next free one.
	RegisterFlow(ctx context.Context, flow Flow) (Flow, error)

	// Start creates an execution of the latest revision of ref and asks the
	// executor to run it.
	Start(ctx context.Context, ref FlowRef, inputs map[string]any, labels map[string]string) (*Execution, error)

	// Kill asks the executor to kill an execution.
	Kill(ctx context.Context, executionID string, cause string) error

	// Restart restarts a failed execution from fromTaskRunID, or from its
	// first failed task run when empty.
	Restart(ctx context.Context, executionID string, fromTaskRunID string) error

	// Replay restarts a failed execution on another flow revision.
	Replay(ctx context.Context, executionID string, fromTaskRunID string, revision int) error

	// GetExecution looks up an execution by ID.
	GetExecution(ctx context.Context, id string) (*Execution, error)
}
