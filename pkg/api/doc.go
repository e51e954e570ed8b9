// Package api contains the types shared by the conduit executor, workers,
// liveness coordinator and stores: flows, executions, the messages they
// exchange and the Observer hooks.
//
// Most users interact with the higher-level conduit package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom task types, custom backends, or contributors extending the
// executor itself.
//
// # Flows
//
// A Flow is a revisioned tree of TaskDefs. Leaf tasks have a Type that
// names a Task in the Registry and run on workers. Containers (sequential,
// parallel and foreach) are resolved by the executor, which creates the
// TaskRuns of their children as earlier ones finish.
//
// Flows are immutable once registered. A new registration of the same
// namespace and id creates a new revision; executions keep the revision they
// started with.
//
// # Executions and states
//
// An Execution holds one State and the TaskRuns created so far. States only
// move forward through the transitions defined by the executor:
//
//	CREATED -> RUNNING -> SUCCESS | WARNING | FAILED
//	RUNNING -> KILLING -> KILLED
//
// A task run whose attempt failed and whose RetryPolicy allows another one
// moves to RETRYING with a new Attempt. Every change is appended to
// State.Histories with its timestamp.
//
// # Messages
//
// WorkerTask, WorkerTaskResult, ExecutionKilled and Heartbeat are the
// payloads carried by the queue topics. WorkerTaskRunning records which
// worker owns which job; the liveness coordinator uses them to resubmit the
// jobs of dead workers.
//
// # Observability
//
// The Observer interface is used by the executor, workers and the
// coordinator to report lifecycle events. LoggingObserver and BasicMetrics
// are ready-made implementations; NewCompositeObserver combines several.
package api
