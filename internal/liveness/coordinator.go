// Package liveness detects dead workers and resubmits the jobs they owned.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/internal/queue"
	"github.com/petrijr/conduit/pkg/api"
)

// Group is the consumer group of the heartbeat topic.
const Group = "liveness"

// ErrInvalidTimeout is returned when the heartbeat timeout is shorter than
// three heartbeat intervals.
var ErrInvalidTimeout = errors.New("heartbeat timeout must be at least 3 heartbeat intervals")

// Config controls a Coordinator.
type Config struct {
	// HeartbeatInterval is the interval workers heartbeat at. Defaults to 3s.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout defaults to 3 heartbeat intervals.
	HeartbeatTimeout time.Duration
	// CheckInterval defaults to HeartbeatInterval.
	CheckInterval time.Duration
	// Jitter is the maximum random delay added to every check. Defaults to
	// a fifth of CheckInterval.
	Jitter time.Duration

	// SkipExecutions lists executions whose jobs are never resubmitted.
	SkipExecutions []string

	// PublishRetries bounds the attempts to re-publish one job. Defaults
	// to 3.
	PublishRetries int
	// PublishBackoff is the wait after the first failed attempt, doubled
	// after each further one. Defaults to 100ms.
	PublishBackoff time.Duration

	Observer api.Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

func (c Config) withDefaults() (Config, error) {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.HeartbeatTimeout < 3*c.HeartbeatInterval {
		return c, fmt.Errorf("%w: timeout %s, interval %s", ErrInvalidTimeout, c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = c.HeartbeatInterval
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	} else if c.Jitter == 0 {
		c.Jitter = c.CheckInterval / 5
	}
	if c.PublishRetries <= 0 {
		c.PublishRetries = 3
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
	return c, nil
}

// Report summarises one Check.
type Report struct {
	DeadWorkers []string
	Resubmitted []string
	Dropped     []string
}

// Coordinator tracks worker heartbeats and recovers the jobs of workers
// that stopped heartbeating. Several coordinators may run against the same
// stores; instance removal is a compare-and-set so only one of them
// recovers a given worker.
type Coordinator struct {
	cfg       Config
	queue     queue.Queue
	running   persistence.RunningStore
	instances persistence.WorkerInstanceStore
	logger    *slog.Logger

	mu   sync.RWMutex
	skip map[string]struct{}
}

// NewCoordinator validates cfg and returns a Coordinator.
func NewCoordinator(q queue.Queue, running persistence.RunningStore, instances persistence.WorkerInstanceStore, cfg Config) (*Coordinator, error) {
	if q == nil || running == nil || instances == nil {
		return nil, errors.New("liveness: queue, running store and instance store are required")
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	skip := make(map[string]struct{}, len(cfg.SkipExecutions))
	for _, id := range cfg.SkipExecutions {
		skip[id] = struct{}{}
	}
	return &Coordinator{
		cfg:       cfg,
		queue:     q,
		running:   running,
		instances: instances,
		logger:    cfg.Logger.With(slog.String("component", "liveness")),
		skip:      skip,
	}, nil
}

// Skip adds an execution to the skip-list.
func (c *Coordinator) Skip(executionID string) {
	c.mu.Lock()
	c.skip[executionID] = struct{}{}
	c.mu.Unlock()
}

func (c *Coordinator) skipped(executionID string) bool {
	if executionID == "" {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.skip[executionID]
	return ok
}

// Run consumes heartbeats and checks liveness until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	sub, err := c.queue.Subscribe(ctx, api.TopicHeartbeats, queue.SubscribeOptions{Group: Group},
		queue.PayloadHandler(c.logger, c.onHeartbeat))
	if err != nil {
		return fmt.Errorf("subscribe heartbeats: %w", err)
	}
	defer sub.Close()

	timer := time.NewTimer(c.nextCheck())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if _, err := c.Check(ctx); err != nil && ctx.Err() == nil {
				c.logger.ErrorContext(ctx, "liveness check failed", slog.Any("error", err))
			}
			timer.Reset(c.nextCheck())
		}
	}
}

func (c *Coordinator) nextCheck() time.Duration {
	if c.cfg.Jitter <= 0 {
		return c.cfg.CheckInterval
	}
	return c.cfg.CheckInterval + rand.N(c.cfg.Jitter)
}

func (c *Coordinator) onHeartbeat(ctx context.Context, p api.Payload) error {
	hb, ok := p.(api.Heartbeat)
	if !ok {
		return nil
	}
	inst := api.InstanceFromHeartbeat(hb)
	// Liveness is judged on the coordinator clock.
	inst.LastSeen = c.cfg.Now().UTC()

	if err := c.instances.UpsertInstance(ctx, inst); err != nil {
		return err
	}
	if hb.Status != api.WorkerTerminated {
		return nil
	}
	removed, err := c.instances.RemoveInstance(ctx, inst.ID, inst.LastSeen)
	if err != nil {
		return err
	}
	if removed {
		c.logger.InfoContext(ctx, "worker left", slog.String("worker_id", inst.ID))
	}
	return nil
}

// Check recovers the jobs of every worker whose last heartbeat is older
// than HeartbeatTimeout, and of running records owned by unknown workers.
// A job whose resubmission failed keeps its running record and is retried
// by the next Check.
func (c *Coordinator) Check(ctx context.Context) (Report, error) {
	var (
		report Report
		errs   []error
	)
	attempted := make(map[string]bool)
	now := c.cfg.Now()

	instances, err := c.instances.ListInstances(ctx)
	if err != nil {
		return report, err
	}
	alive := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		if now.Sub(inst.LastSeen) <= c.cfg.HeartbeatTimeout {
			alive[inst.ID] = struct{}{}
			continue
		}
		removed, err := c.instances.RemoveInstance(ctx, inst.ID, inst.LastSeen)
		if err != nil {
			return report, err
		}
		if !removed {
			// Refreshed meanwhile or recovered by another coordinator.
			continue
		}
		recs, err := c.running.ListByWorker(ctx, inst.ID)
		if err != nil {
			return report, err
		}
		inst.Status = api.WorkerDead
		c.logger.WarnContext(ctx, "worker is dead",
			slog.String("worker_id", inst.ID),
			slog.Time("last_seen", inst.LastSeen),
			slog.Int("jobs", len(recs)),
		)
		c.cfg.Observer.OnWorkerDead(ctx, inst, len(recs))
		report.DeadWorkers = append(report.DeadWorkers, inst.ID)
		for _, rec := range recs {
			attempted[rec.JobID] = true
			if err := c.resubmit(ctx, rec, &report); err != nil {
				errs = append(errs, err)
			}
		}
	}

	recs, err := c.running.ListRunning(ctx)
	if err != nil {
		return report, errors.Join(append(errs, err)...)
	}
	for _, rec := range recs {
		if _, ok := alive[rec.WorkerID]; ok || attempted[rec.JobID] {
			continue
		}
		if now.Sub(rec.StartedAt) <= c.cfg.HeartbeatTimeout {
			continue
		}
		c.logger.WarnContext(ctx, "job owned by unknown worker",
			slog.String("job_id", rec.JobID),
			slog.String("worker_id", rec.WorkerID),
		)
		if err := c.resubmit(ctx, rec, &report); err != nil {
			errs = append(errs, err)
		}
	}
	return report, errors.Join(errs...)
}

// resubmit releases rec and re-publishes its job unless the execution is
// skipped. The record is released first so that the next worker can claim
// the job; when publishing keeps failing it is restored.
func (c *Coordinator) resubmit(ctx context.Context, rec api.WorkerTaskRunning, report *Report) error {
	if err := c.running.Release(ctx, rec.JobID, rec.WorkerID); err != nil {
		if errors.Is(err, persistence.ErrNotOwner) {
			return nil
		}
		return err
	}

	if c.skipped(rec.ExecutionID) {
		c.logger.WarnContext(ctx, "dropping job of skipped execution",
			slog.String("job_id", rec.JobID),
			slog.String("execution_id", rec.ExecutionID),
		)
		c.cfg.Observer.OnJobResubmitted(ctx, rec, true)
		report.Dropped = append(report.Dropped, rec.JobID)
		return nil
	}

	err := queue.Retry(ctx, c.cfg.PublishRetries, c.cfg.PublishBackoff, func() error {
		return c.queue.Publish(ctx, api.TopicWorkerJobs, rec.Job)
	})
	if err != nil {
		if _, restoreErr := c.running.Claim(context.WithoutCancel(ctx), rec); restoreErr != nil {
			c.logger.ErrorContext(ctx, "failed to restore running record",
				slog.String("job_id", rec.JobID),
				slog.Any("error", restoreErr),
			)
			err = errors.Join(err, restoreErr)
		}
		return fmt.Errorf("resubmit %s: %w", rec.JobID, err)
	}
	c.logger.InfoContext(ctx, "resubmitted job",
		slog.String("job_id", rec.JobID),
		slog.String("execution_id", rec.ExecutionID),
	)
	c.cfg.Observer.OnJobResubmitted(ctx, rec, false)
	report.Resubmitted = append(report.Resubmitted, rec.JobID)
	return nil
}
