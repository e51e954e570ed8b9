package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the executor, workers and the liveness
// coordinator for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay execution.
type Observer interface {
	// OnExecutionStarted is called once when an execution leaves CREATED.
	OnExecutionStarted(ctx context.Context, exec *Execution)

	// OnExecutionTerminated is called once when an execution reaches a
	// terminal state.
	OnExecutionTerminated(ctx context.Context, exec *Execution)

	// OnJobStarted is called by a worker after it claimed a job and before
	// the task runs.
	OnJobStarted(ctx context.Context, job *WorkerTask)

	// OnJobCompleted is called by a worker after the task returned, for
	// every final state.
	OnJobCompleted(ctx context.Context, job *WorkerTask, state StateType, err error, duration time.Duration)

	// OnWorkerDead is called when the liveness coordinator declares a worker
	// instance dead.
	OnWorkerDead(ctx context.Context, inst WorkerInstance, orphans int)

	// OnJobResubmitted is called for every orphaned job; dropped is true when
	// the skip-list prevented resubmission.
	OnJobResubmitted(ctx context.Context, rec WorkerTaskRunning, dropped bool)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnExecutionStarted(ctx context.Context, exec *Execution)    {}
func (NoopObserver) OnExecutionTerminated(ctx context.Context, exec *Execution) {}
func (NoopObserver) OnJobStarted(ctx context.Context, job *WorkerTask)          {}
func (NoopObserver) OnJobCompleted(ctx context.Context, job *WorkerTask, state StateType, err error, d time.Duration) {
}
func (NoopObserver) OnWorkerDead(ctx context.Context, inst WorkerInstance, orphans int) {}
func (NoopObserver) OnJobResubmitted(ctx context.Context, rec WorkerTaskRunning, dropped bool) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnExecutionStarted(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionStarted(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionTerminated(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionTerminated(ctx, exec)
	}
}

func (c *CompositeObserver) OnJobStarted(ctx context.Context, job *WorkerTask) {
	for _, o := range c.observers {
		o.OnJobStarted(ctx, job)
	}
}

func (c *CompositeObserver) OnJobCompleted(ctx context.Context, job *WorkerTask, state StateType, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnJobCompleted(ctx, job, state, err, d)
	}
}

func (c *CompositeObserver) OnWorkerDead(ctx context.Context, inst WorkerInstance, orphans int) {
	for _, o := range c.observers {
		o.OnWorkerDead(ctx, inst, orphans)
	}
}

func (c *CompositeObserver) OnJobResubmitted(ctx context.Context, rec WorkerTaskRunning, dropped bool) {
	for _, o := range c.observers {
		o.OnJobResubmitted(ctx, rec, dropped)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs execution, job and
// liveness events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnExecutionStarted(ctx context.Context, exec *Execution) {
	o.Logger.InfoContext(ctx, "execution_started",
		slog.String("namespace", exec.Namespace),
		slog.String("flow", exec.FlowID),
		slog.String("execution_id", exec.ID),
	)
}

func (o *LoggingObserver) OnExecutionTerminated(ctx context.Context, exec *Execution) {
	level := slog.LevelInfo
	if exec.State.Current.IsFailed() {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "execution_terminated",
		slog.String("namespace", exec.Namespace),
		slog.String("flow", exec.FlowID),
		slog.String("execution_id", exec.ID),
		slog.String("state", string(exec.State.Current)),
		slog.Duration("duration", exec.State.Duration()),
		slog.String("diagnostic", exec.Diagnostic),
	)
}

func (o *LoggingObserver) OnJobStarted(ctx context.Context, job *WorkerTask) {
	o.Logger.DebugContext(ctx, "job_started",
		slog.String("execution_id", job.ExecutionID),
		slog.String("task_id", job.Task.ID),
		slog.String("job_id", job.JobID),
	)
}

func (o *LoggingObserver) OnJobCompleted(ctx context.Context, job *WorkerTask, state StateType, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "job_completed",
		slog.String("execution_id", job.ExecutionID),
		slog.String("task_id", job.Task.ID),
		slog.String("job_id", job.JobID),
		slog.String("state", string(state)),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnWorkerDead(ctx context.Context, inst WorkerInstance, orphans int) {
	o.Logger.WarnContext(ctx, "worker_dead",
		slog.String("worker_id", inst.ID),
		slog.String("hostname", inst.Hostname),
		slog.Time("last_seen", inst.LastSeen),
		slog.Int("orphans", orphans),
	)
}

func (o *LoggingObserver) OnJobResubmitted(ctx context.Context, rec WorkerTaskRunning, dropped bool) {
	o.Logger.WarnContext(ctx, "job_resubmitted",
		slog.String("job_id", rec.JobID),
		slog.String("execution_id", rec.ExecutionID),
		slog.String("worker_id", rec.WorkerID),
		slog.Bool("dropped", dropped),
	)
}

// BasicMetrics collects simple counters and aggregate job durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	executionsStarted    atomic.Int64
	executionsSucceeded  atomic.Int64
	executionsFailed     atomic.Int64
	jobsCompleted        atomic.Int64
	totalJobDuration     atomic.Int64 // nanoseconds
	workersDead          atomic.Int64
	jobsResubmitted      atomic.Int64
	jobsDroppedBySkipped atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ExecutionsStarted   int64
	ExecutionsSucceeded int64
	ExecutionsFailed    int64
	PendingExecutions   int64

	JobsCompleted  int64
	AvgJobDuration time.Duration

	WorkersDead     int64
	JobsResubmitted int64
	JobsDropped     int64
}

func (m *BasicMetrics) OnExecutionStarted(ctx context.Context, exec *Execution) {
	m.executionsStarted.Add(1)
}

func (m *BasicMetrics) OnExecutionTerminated(ctx context.Context, exec *Execution) {
	if exec.State.Current.IsFailed() {
		m.executionsFailed.Add(1)
		return
	}
	m.executionsSucceeded.Add(1)
}

func (m *BasicMetrics) OnJobCompleted(ctx context.Context, job *WorkerTask, state StateType, err error, d time.Duration) {
	// Only successful jobs count toward the average duration.
	if err == nil {
		m.jobsCompleted.Add(1)
		m.totalJobDuration.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnWorkerDead(ctx context.Context, inst WorkerInstance, orphans int) {
	m.workersDead.Add(1)
}

func (m *BasicMetrics) OnJobResubmitted(ctx context.Context, rec WorkerTaskRunning, dropped bool) {
	if dropped {
		m.jobsDroppedBySkipped.Add(1)
		return
	}
	m.jobsResubmitted.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.executionsStarted.Load()
	succeeded := m.executionsSucceeded.Load()
	failed := m.executionsFailed.Load()
	jobs := m.jobsCompleted.Load()
	totalNs := m.totalJobDuration.Load()

	var avg time.Duration
	if jobs > 0 {
		avg = time.Duration(totalNs / jobs)
	}

	return BasicMetricsSnapshot{
		ExecutionsStarted:   started,
		ExecutionsSucceeded: succeeded,
		ExecutionsFailed:    failed,
		PendingExecutions:   started - succeeded - failed,
		JobsCompleted:       jobs,
		AvgJobDuration:      avg,
		WorkersDead:         m.workersDead.Load(),
		JobsResubmitted:     m.jobsResubmitted.Load(),
		JobsDropped:         m.jobsDroppedBySkipped.Load(),
	}
}
