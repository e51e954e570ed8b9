package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/internal/queue"
	"github.com/petrijr/conduit/pkg/api"
)

// Scheduler publishes a WorkerTrigger job per polling trigger of every
// stored flow on each tick. Polling triggers are all triggers except
// multiple-condition ones, which Service evaluates on terminated executions.
//
// Job ids derive from the flow, the trigger and the tick, so schedulers
// running in several processes publish the same jobs and the executor starts
// at most one execution per tick.
type Scheduler struct {
	flows  persistence.FlowRepository
	queue  queue.Queue
	logger *slog.Logger
	now    func() time.Time
}

// NewScheduler returns a Scheduler. A nil logger uses slog.Default().
func NewScheduler(flows persistence.FlowRepository, q queue.Queue, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		flows:  flows,
		queue:  q,
		logger: logger.With(slog.String("component", "trigger-scheduler")),
		now:    time.Now,
	}
}

// Tick publishes the jobs scheduled at and returns how many were published.
func (s *Scheduler) Tick(ctx context.Context, at time.Time) (int, error) {
	flows, err := s.flows.ListFlows(ctx)
	if err != nil {
		return 0, fmt.Errorf("list flows: %w", err)
	}

	at = at.UTC()
	var (
		n    int
		errs []error
	)
	for i := range flows {
		flow := &flows[i]
		for _, def := range flow.Triggers {
			if def.Type == api.TriggerMultipleCondition {
				continue
			}
			job := api.WorkerTrigger{
				JobID:        PollJobID(flow, def.ID, at),
				Tenant:       flow.Tenant,
				Namespace:    flow.Namespace,
				FlowID:       flow.ID,
				FlowRevision: flow.Revision,
				Trigger:      def,
				ScheduledAt:  at,
			}
			if err := queue.Publish(ctx, s.queue, api.TopicWorkerJobs, WindowKey(flow, def.ID), job); err != nil {
				errs = append(errs, fmt.Errorf("publish %s/%s: %w", flow.Ref(), def.ID, err))
				continue
			}
			n++
		}
	}
	return n, errors.Join(errs...)
}

// PollJobID identifies the evaluation of a polling trigger for one tick.
func PollJobID(flow *api.Flow, triggerID string, at time.Time) string {
	return "poll/" + WindowKey(flow, triggerID) + "/" + at.UTC().Format(time.RFC3339Nano)
}

// Run calls Tick at every multiple of interval until ctx ends. A
// non-positive interval disables polling.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			at := s.now().Truncate(interval)
			n, err := s.Tick(ctx, at)
			if err != nil {
				s.logger.ErrorContext(ctx, "trigger scheduling failed", slog.Any("error", err))
			}
			if n > 0 {
				s.logger.DebugContext(ctx, "scheduled polling triggers", slog.Int("jobs", n), slog.Time("at", at))
			}
		}
	}
}
