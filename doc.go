// Package conduit coordinates the execution of durable flows across an
// executor, a pool of workers and a liveness coordinator that communicate
// only through a message queue and a few shared repositories.
//
// # Core Concepts
//
// The conduit model is intentionally small:
//
//  1. Flow
//  2. Executor
//  3. Worker
//  4. Liveness coordinator
//  5. Multiple-condition triggers
//
// # Flow
//
// A Flow is an immutable, revisioned tree of tasks. Leaf tasks name a type
// resolved through a Registry and run on a worker; sequential, parallel and
// foreach containers are resolved by the executor. A flow may declare an
// errors branch, retry policies, guard expressions and triggers. Flows are
// usually built with FlowBuilder:
//
//	conduit.New("company.team", "etl").
//	    Task("extract", "http", nil).
//	    Parallel("transform",
//	        conduit.Leaf("clean", "clean", nil),
//	        conduit.Leaf("enrich", "enrich", nil),
//	    ).
//	    TaskWithRetry("load", "load", nil, conduit.Retry(3).Policy())
//
// # Executor
//
// The executor is the single writer of executions. It consumes task results
// and commands from the executor topic, feeds them through a deterministic
// state machine, publishes the jobs and kills the machine asks for and then
// stores the new execution version. Engine is its control-plane API: start,
// kill, restart, replay on another revision.
//
// # Worker
//
// A worker runs jobs on a fixed number of slots. Before running a job it
// claims it in the shared running store, so a redelivered job never runs
// twice. It reports RUNNING and then a terminal state, obeys kills, and
// heartbeats so that the liveness coordinator can tell it is alive.
//
// # Liveness coordinator
//
// The coordinator tracks heartbeats. When a worker stays silent for longer
// than the heartbeat timeout, the jobs it had claimed are released and
// published again for another worker, except for executions on the
// skip-list.
//
// # Multiple-condition triggers
//
// A flow can start when executions of several other flows have ended
// within a time window. Windows are updated with compare-and-set and fire
// exactly once per completed condition set.
//
// # Backends
//
// Every component talks to a Backend: in-memory, SQLite, PostgreSQL, Redis
// (streams plus stores) or MongoDB for the stores. LocalRunner wires all
// components over one Backend inside a single process; cmd/conduit runs
// them as separate processes.
package conduit
