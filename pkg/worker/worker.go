package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/internal/queue"
	"github.com/petrijr/conduit/pkg/api"
)

// Group is the consumer group shared by all workers on the jobs topic.
const Group = "workers"

var (
	errKilled   = errors.New("execution killed")
	errShutdown = errors.New("worker shutting down")
)

// Config controls a Worker. Zero values select the defaults.
type Config struct {
	// ID identifies the worker instance. Defaults to a random UUID.
	ID       string
	Hostname string

	// Slots bounds the number of jobs running at once. Defaults to 4.
	Slots int

	// HeartbeatInterval defaults to 3s.
	HeartbeatInterval time.Duration

	// KilledTTL is how long killed executions are remembered so that their
	// late jobs are refused. Defaults to 10m.
	KilledTTL time.Duration

	// ShutdownTimeout bounds the graceful part of Run's shutdown.
	// Defaults to 30s.
	ShutdownTimeout time.Duration

	// PublishRetries bounds attempts to publish a result. Defaults to 5.
	PublishRetries int
	// PublishBackoff is the wait after the first failed publish, doubled
	// after each further one. Defaults to 100ms.
	PublishBackoff time.Duration

	Evaluator api.Evaluator
	Observer  api.Observer
	Logger    *slog.Logger
	Now       func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
	if c.Slots <= 0 {
		c.Slots = 4
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
	if c.KilledTTL <= 0 {
		c.KilledTTL = 10 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.PublishRetries <= 0 {
		c.PublishRetries = 5
	}
	if c.PublishBackoff <= 0 {
		c.PublishBackoff = 100 * time.Millisecond
	}
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Worker runs the jobs published on the jobs topic.
type Worker struct {
	cfg      Config
	queue    queue.Queue
	running  persistence.RunningStore
	registry *api.Registry
	logger   *slog.Logger

	// ctx outlives the context given to Run so that in-flight jobs survive
	// until Shutdown decides their fate.
	ctx    context.Context
	cancel context.CancelFunc
	slots  chan struct{}
	jobs   sync.WaitGroup

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	seq       int64
	subs      []queue.Subscription
	inflight  map[string]*runningJob
	killed    map[string]time.Time
	beatDone  chan struct{}
}

type runningJob struct {
	rec    api.WorkerTaskRunning
	cancel context.CancelCauseFunc
}

// New creates a Worker. Task and trigger types are looked up in registry.
func New(q queue.Queue, running persistence.RunningStore, registry *api.Registry, cfg Config) (*Worker, error) {
	if q == nil || running == nil || registry == nil {
		return nil, errors.New("worker: queue, running store and registry are required")
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:      cfg,
		queue:    q,
		running:  running,
		registry: registry,
		logger:   cfg.Logger.With(slog.String("worker_id", cfg.ID)),
		ctx:      ctx,
		cancel:   cancel,
		slots:    make(chan struct{}, cfg.Slots),
		inflight: make(map[string]*runningJob),
		killed:   make(map[string]time.Time),
		beatDone: make(chan struct{}),
	}, nil
}

// ID returns the worker instance id.
func (w *Worker) ID() string { return w.cfg.ID }

// Start subscribes to the jobs and killed-execution topics and starts
// heartbeating. It does not block.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("worker already started")
	}
	w.started = true
	w.startedAt = w.cfg.Now().UTC()

	// Kills must be known before any job is accepted.
	subs := []struct {
		topic string
		opts  queue.SubscribeOptions
		h     queue.Handler
	}{
		{api.TopicExecutionKilled, queue.SubscribeOptions{}, queue.PayloadHandler(w.logger, w.onKilled)},
		{api.TopicWorkerJobs, queue.SubscribeOptions{Group: Group, Type: api.KindWorkerTask}, w.onJob},
		{api.TopicWorkerJobs, queue.SubscribeOptions{Group: Group, Type: api.KindWorkerTrigger}, w.onJob},
	}
	for _, s := range subs {
		sub, err := w.queue.Subscribe(w.ctx, s.topic, s.opts, s.h)
		if err != nil {
			for _, prev := range w.subs {
				_ = prev.Close()
			}
			w.subs = nil
			return fmt.Errorf("subscribe %s: %w", s.topic, err)
		}
		w.subs = append(w.subs, sub)
	}

	go w.heartbeatLoop()
	w.logger.InfoContext(ctx, "worker started",
		slog.Int("slots", w.cfg.Slots),
		slog.String("hostname", w.cfg.Hostname),
	)
	return nil
}

// Run starts the worker and blocks until ctx ends, then shuts down
// gracefully within ShutdownTimeout.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownTimeout)
	defer cancel()
	return w.Shutdown(shutdownCtx)
}

// Shutdown stops accepting jobs and waits for in-flight jobs until ctx
// ends. Jobs still running then are interrupted and re-published for
// another worker; their running records are released first.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	drained := make(chan struct{})
	go func() {
		w.jobs.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		w.mu.Lock()
		n := len(w.inflight)
		for _, j := range w.inflight {
			j.cancel(errShutdown)
		}
		w.mu.Unlock()
		w.logger.WarnContext(ctx, "interrupting jobs for resubmission", slog.Int("jobs", n))
		<-drained
	}

	w.cancel()
	<-w.beatDone
	if err := w.publishHeartbeat(context.Background(), api.WorkerTerminated); err != nil {
		errs = append(errs, err)
	}
	w.logger.Info("worker stopped")
	return errors.Join(errs...)
}

// Running returns the ids of the jobs currently executing.
func (w *Worker) Running() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.inflight))
	for id := range w.inflight {
		out = append(out, id)
	}
	return out
}

func (w *Worker) onKilled(ctx context.Context, p api.Payload) error {
	k, ok := p.(api.ExecutionKilled)
	if !ok {
		return nil
	}
	w.mu.Lock()
	w.killed[k.ExecutionID] = w.cfg.Now()
	var cancels []context.CancelCauseFunc
	for _, j := range w.inflight {
		if j.rec.ExecutionID == k.ExecutionID {
			cancels = append(cancels, j.cancel)
		}
	}
	w.mu.Unlock()

	for _, cancel := range cancels {
		cancel(errKilled)
	}
	if len(cancels) > 0 {
		w.logger.InfoContext(ctx, "killing jobs", slog.String("execution_id", k.ExecutionID), slog.Int("jobs", len(cancels)))
	}
	return nil
}

func (w *Worker) isKilled(execID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.killed[execID]
	return ok
}

// onJob admits one job: it takes a slot, claims the job in the running
// store and hands it to a goroutine. The message is acknowledged only once
// the claim is stored.
func (w *Worker) onJob(ctx context.Context, m api.Message) error {
	p, err := api.Decode(m)
	if err != nil {
		w.logger.ErrorContext(ctx, "dropping undecodable job", slog.String("key", m.Key), slog.Any("error", err))
		return nil
	}

	rec := api.WorkerTaskRunning{
		Kind:      m.Type,
		WorkerID:  w.cfg.ID,
		StartedAt: w.cfg.Now().UTC(),
		Job:       m,
	}
	switch job := p.(type) {
	case api.WorkerTask:
		if w.isKilled(job.ExecutionID) {
			return w.publishResult(ctx, taskResult(job, w.cfg.ID, api.StateKilled, nil, "", w.cfg.Now().UTC()))
		}
		rec.JobID = job.JobID
		rec.ExecutionID = job.ExecutionID
	case api.WorkerTrigger:
		rec.JobID = job.JobID
	default:
		w.logger.WarnContext(ctx, "ignoring unexpected job", slog.String("type", string(m.Type)))
		return nil
	}

	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	rec.HeartbeatSeq = w.seq
	w.mu.Unlock()

	claimed, err := w.running.Claim(ctx, rec)
	if err != nil {
		<-w.slots
		return fmt.Errorf("claim %s: %w", rec.JobID, err)
	}
	if !claimed {
		<-w.slots
		w.logger.DebugContext(ctx, "job already claimed", slog.String("job_id", rec.JobID))
		return nil
	}

	jobCtx, cancel := context.WithCancelCause(w.ctx)
	w.mu.Lock()
	w.inflight[rec.JobID] = &runningJob{rec: rec, cancel: cancel}
	// A kill that arrived since the check above found no job to cancel.
	_, killed := w.killed[rec.ExecutionID]
	w.mu.Unlock()
	if killed && rec.ExecutionID != "" {
		cancel(errKilled)
	}

	w.jobs.Add(1)
	go func() {
		defer w.jobs.Done()
		defer func() { <-w.slots }()
		defer cancel(nil)

		switch job := p.(type) {
		case api.WorkerTask:
			w.runTask(jobCtx, rec, job)
		case api.WorkerTrigger:
			w.runTrigger(jobCtx, rec, job)
		}
	}()
	return nil
}

// finish ends a job: on shutdown the job is released and re-published,
// otherwise the result is published and the record released.
func (w *Worker) finish(ctx context.Context, rec api.WorkerTaskRunning, result api.Payload) {
	w.mu.Lock()
	delete(w.inflight, rec.JobID)
	w.mu.Unlock()

	base := context.Background()
	if errors.Is(context.Cause(ctx), errShutdown) {
		w.resubmit(base, rec)
		return
	}

	if err := w.publishResult(base, result); err != nil {
		// The record stays so that the job is resubmitted if this worker dies.
		w.logger.Error("failed to publish result", slog.String("job_id", rec.JobID), slog.Any("error", err))
		return
	}
	if err := w.running.Release(base, rec.JobID, w.cfg.ID); err != nil {
		w.logger.Error("failed to release job", slog.String("job_id", rec.JobID), slog.Any("error", err))
	}
}

func (w *Worker) publishResult(ctx context.Context, p api.Payload) error {
	var key string
	switch r := p.(type) {
	case api.WorkerTaskResult:
		key = r.ExecutionID
	case api.WorkerTriggerResult:
		key = r.Namespace + "/" + r.FlowID
	}
	return w.withRetries(ctx, func() error {
		return queue.Publish(ctx, w.queue, api.TopicExecutor, key, p)
	})
}

// resubmit hands an interrupted job back to the queue. The record is
// released first so that another worker can claim the job, and restored when
// publishing fails so that the liveness coordinator recovers it instead.
func (w *Worker) resubmit(ctx context.Context, rec api.WorkerTaskRunning) {
	logger := w.logger.With(slog.String("job_id", rec.JobID))
	if err := w.running.Release(ctx, rec.JobID, w.cfg.ID); err != nil {
		logger.Error("failed to release interrupted job", slog.Any("error", err))
		return
	}
	err := w.withRetries(ctx, func() error { return w.queue.Publish(ctx, api.TopicWorkerJobs, rec.Job) })
	if err == nil {
		logger.Info("resubmitted interrupted job")
		return
	}
	logger.Error("failed to resubmit interrupted job", slog.Any("error", err))
	if _, err := w.running.Claim(ctx, rec); err != nil {
		logger.Error("failed to restore running record", slog.Any("error", err))
	}
}

func (w *Worker) withRetries(ctx context.Context, fn func() error) error {
	return queue.Retry(ctx, w.cfg.PublishRetries, w.cfg.PublishBackoff, fn)
}
