package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/conduit/pkg/api"
)

var (
	// ErrFlowNotFound is returned when a flow or flow revision is not found.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrExecutionNotFound is returned when an execution is not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrConflict is returned by compare-and-set writes that lost a race:
	// a stale execution version, an existing flow revision, or a window
	// changed concurrently.
	ErrConflict = errors.New("concurrent modification")

	// ErrNotOwner is returned when a running record is released by a worker
	// that does not own it.
	ErrNotOwner = errors.New("running record owned by another worker")
)

// FlowRepository stores append-only flow revisions.
type FlowRepository interface {
	// SaveFlow stores a new revision. Saving an existing revision returns
	// ErrConflict; a zero Revision is assigned the next free one.
	SaveFlow(ctx context.Context, flow api.Flow) (api.Flow, error)
	// GetFlow returns the latest revision of ref.
	GetFlow(ctx context.Context, ref api.FlowRef) (api.Flow, error)
	// GetFlowRevision returns one specific revision.
	GetFlowRevision(ctx context.Context, ref api.FlowRef, revision int) (api.Flow, error)
	// ListFlows returns the latest revision of every flow.
	ListFlows(ctx context.Context) ([]api.Flow, error)
}

// ExecutionFilter selects executions. Zero values mean "no filter".
type ExecutionFilter struct {
	Namespace string
	FlowID    string
	State     api.StateType
}

// ExecutionRepository stores executions with optimistic versioning.
type ExecutionRepository interface {
	// SaveExecution inserts a new execution at Version 1.
	SaveExecution(ctx context.Context, exec *api.Execution) error
	// GetExecution returns a copy of the stored execution.
	GetExecution(ctx context.Context, id string) (*api.Execution, error)
	// UpdateExecution stores exec if the stored version equals exec.Version
	// and increments exec.Version. A stale version returns ErrConflict.
	UpdateExecution(ctx context.Context, exec *api.Execution) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.Execution, error)
}

// RunningStore is the shared registry of claimed worker jobs. Every write is
// a compare-and-set so that it can be shared by many processes.
type RunningStore interface {
	// Claim creates rec if no record exists for rec.JobID. It returns false
	// when the job is already claimed.
	Claim(ctx context.Context, rec api.WorkerTaskRunning) (bool, error)
	// Release deletes the record of jobID if it is owned by workerID. A
	// missing record is not an error; another owner returns ErrNotOwner.
	Release(ctx context.Context, jobID, workerID string) error
	GetRunning(ctx context.Context, jobID string) (api.WorkerTaskRunning, bool, error)
	ListByWorker(ctx context.Context, workerID string) ([]api.WorkerTaskRunning, error)
	ListRunning(ctx context.Context) ([]api.WorkerTaskRunning, error)
}

// WorkerInstanceStore tracks live worker instances.
type WorkerInstanceStore interface {
	// UpsertInstance stores inst unless the stored one has a higher Seq.
	UpsertInstance(ctx context.Context, inst api.WorkerInstance) error
	ListInstances(ctx context.Context) ([]api.WorkerInstance, error)
	// RemoveInstance deletes the instance if its LastSeen still equals
	// lastSeen. It returns false when the instance was refreshed or already
	// removed.
	RemoveInstance(ctx context.Context, id string, lastSeen time.Time) (bool, error)
}

// Window is the persisted state of one multiple-condition trigger window.
type Window struct {
	Key            string
	Namespace      string
	FlowID         string
	ConditionSetID string
	Start          time.Time
	End            time.Time
	Results        map[string]bool
	SatisfiedAt    map[string]time.Time
	// FiredAt is the latest satisfaction time consumed by the last fire.
	// Satisfactions at or before it are ignored.
	FiredAt time.Time
	// FiredBy identifies the satisfaction that completed the set.
	FiredBy string
	Version int64
}

// WindowStore persists trigger windows.
type WindowStore interface {
	GetWindow(ctx context.Context, key string) (Window, bool, error)
	// UpdateWindow reads the window of key (exists=false when absent), lets
	// fn compute the next value and writes it only if nothing changed
	// meanwhile, retrying on conflicts. fn returning keep=false deletes the
	// window.
	UpdateWindow(ctx context.Context, key string, fn func(w Window, exists bool) (next Window, keep bool, err error)) (Window, error)
	DeleteWindow(ctx context.Context, key string) error
	// DeleteExpiredWindows removes windows whose End is before now.
	DeleteExpiredWindows(ctx context.Context, now time.Time) (int, error)
}
