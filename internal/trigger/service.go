package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/pkg/api"
)

// Service matches terminal executions against the multiple-condition
// triggers of every stored flow.
type Service struct {
	flows  persistence.FlowRepository
	store  *Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService returns a Service. A nil logger uses slog.Default().
func NewService(flows persistence.FlowRepository, windows persistence.WindowStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		flows:  flows,
		store:  NewStore(windows),
		logger: logger.With(slog.String("component", "trigger")),
		now:    time.Now,
	}
}

// Store returns the window store used by s.
func (s *Service) Store() *Store { return s.store }

// OnExecutionTerminated records exec against every condition it satisfies
// and returns one fired trigger result per completed condition set. Flows
// never trigger on their own executions.
func (s *Service) OnExecutionTerminated(ctx context.Context, exec *api.Execution) ([]api.WorkerTriggerResult, error) {
	if exec == nil || !exec.State.IsTerminal() {
		return nil, nil
	}
	flows, err := s.flows.ListFlows(ctx)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}

	ts := exec.State.EndDate()
	var (
		fired []api.WorkerTriggerResult
		errs  []error
	)
	for i := range flows {
		flow := &flows[i]
		if flow.Tenant != exec.Tenant || flow.Ref() == exec.FlowRef() {
			continue
		}
		for _, def := range flow.Triggers {
			if def.Type != api.TriggerMultipleCondition {
				continue
			}
			for _, cond := range def.Conditions {
				if !cond.Matches(exec) {
					continue
				}
				state, err := s.store.RecordSatisfiedBy(ctx, flow, def.ID, cond.ID, exec.ID, ts)
				if err != nil {
					errs = append(errs, fmt.Errorf("record %s/%s: %w", flow.Ref(), def.ID, err))
					continue
				}
				if !state.Fired {
					continue
				}
				s.logger.InfoContext(ctx, "multiple-condition trigger fired",
					slog.String("flow", flow.Ref().String()),
					slog.String("trigger_id", def.ID),
					slog.String("execution_id", exec.ID),
				)
				fired = append(fired, firedResult(flow, def, exec, s.now().UTC()))
			}
		}
	}
	return fired, errors.Join(errs...)
}

func firedResult(flow *api.Flow, def api.TriggerDef, exec *api.Execution, at time.Time) api.WorkerTriggerResult {
	return api.WorkerTriggerResult{
		JobID:     "window/" + exec.ID + "/" + WindowKey(flow, def.ID),
		Tenant:    flow.Tenant,
		Namespace: flow.Namespace,
		FlowID:    flow.ID,
		TriggerID: def.ID,
		Fired:     true,
		Variables: map[string]any{
			"executionId": exec.ID,
			"namespace":   exec.Namespace,
			"flowId":      exec.FlowID,
			"state":       string(exec.State.Current),
		},
		At: at,
	}
}

// PurgeExpired deletes windows that ended before now.
func (s *Service) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	return s.store.PurgeExpired(ctx, now)
}

// RunPurge calls PurgeExpired every interval until ctx ends. A non-positive
// interval disables the purge.
func (s *Service) RunPurge(ctx context.Context, interval time.Duration) {
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
			n, err := s.PurgeExpired(ctx, s.now())
			if err != nil {
				s.logger.ErrorContext(ctx, "window purge failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				s.logger.DebugContext(ctx, "purged expired windows", slog.Int("windows", n))
			}
		}
	}
}
