package conduit

import (
	"context"

	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/internal/queue"
	"github.com/petrijr/conduit/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine       = api.Engine
	Flow         = api.Flow
	FlowRef      = api.FlowRef
	TaskDef      = api.TaskDef
	TaskKind     = api.TaskKind
	TriggerDef   = api.TriggerDef
	Condition    = api.Condition
	WindowSpec   = api.WindowSpec
	RetryPolicy  = api.RetryPolicy
	Execution    = api.Execution
	TaskRun      = api.TaskRun
	StateType    = api.StateType
	Registry     = api.Registry
	Task         = api.Task
	RunContext   = api.RunContext
	RunFunc      = api.RunFunc
	Output       = api.Output
	Evaluator    = api.Evaluator
	Observer     = api.Observer
	NoopObserver = api.NoopObserver

	Trigger           = api.Trigger
	TriggerContext    = api.TriggerContext
	TriggerEvaluation = api.TriggerEvaluation

	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver

	Queue           = queue.Queue
	Persistence     = persistence.Persistence
	ExecutionFilter = persistence.ExecutionFilter
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	TaskOf               = api.TaskOf
)

// Re-export state values for convenience.

const (
	StateCreated  = api.StateCreated
	StateRunning  = api.StateRunning
	StateRetrying = api.StateRetrying
	StateSuccess  = api.StateSuccess
	StateWarning  = api.StateWarning
	StateFailed   = api.StateFailed
	StateKilling  = api.StateKilling
	StateKilled   = api.StateKilled

	KindTask       = api.KindTask
	KindSequential = api.KindSequential
	KindParallel   = api.KindParallel
	KindForEach    = api.KindForEach

	TriggerMultipleCondition = api.TriggerMultipleCondition
	WindowDuration           = api.WindowDuration
	WindowSliding            = api.WindowSliding
	WindowDailyTime          = api.WindowDailyTime
)

// NewRegistry returns a Registry holding the builtin noop, log and sleep
// task types.
func NewRegistry() *Registry {
	r := api.NewRegistry()
	if err := api.RegisterBuiltins(r); err != nil {
		// Builtins are registered into an empty registry.
		panic(err)
	}
	return r
}

// Convenience helpers that just forward to the underlying Engine.

// Start starts an execution of the latest revision of namespace/flowID.
func Start(ctx context.Context, eng Engine, namespace, flowID string, inputs map[string]any) (*Execution, error) {
	return eng.Start(ctx, FlowRef{Namespace: namespace, ID: flowID}, inputs, nil)
}

// Kill asks the executor to kill an execution.
func Kill(ctx context.Context, eng Engine, executionID string) error {
	return eng.Kill(ctx, executionID, "killed by user")
}

// GetExecution fetches an execution by ID.
func GetExecution(ctx context.Context, eng Engine, id string) (*Execution, error) {
	return eng.GetExecution(ctx, id)
}
