// Package worker runs the task and trigger jobs published by the executor.
//
// A worker joins the "workers" consumer group of the jobs topic and runs up
// to Config.Slots jobs at a time. Every job goes through the same steps:
//
//   - The job is refused with a KILLED result when its execution was killed.
//   - A WorkerTaskRunning record is claimed in the shared running store. A
//     failed claim means another worker already owns the job, and the
//     message is dropped.
//   - The worker waits for the job's NotBefore time (retry backoff).
//   - RUNNING is reported, the task runs, and the terminal state is reported.
//   - The running record is released.
//
// Results are published on the executor topic keyed by execution id, so the
// executor sees them in order. A job may run more than once when a worker
// dies between claiming and releasing it; the liveness coordinator then
// resubmits the job and the executor ignores results of stale attempts.
//
// # Kills
//
// Workers subscribe to the killed-execution broadcast. In-flight jobs of a
// killed execution have their context cancelled and report KILLED; jobs that
// arrive later for the same execution are refused for Config.KilledTTL.
//
// # Heartbeats and shutdown
//
// A heartbeat is published every Config.HeartbeatInterval. Shutdown stops
// intake, lets running jobs finish until its context ends, then interrupts
// the remaining ones, releases their records and re-publishes them for
// another worker. A final TERMINATED heartbeat tells the coordinator that
// the instance left cleanly.
package worker
