package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/internal/queue"
	"github.com/petrijr/conduit/pkg/api"
)

// ExecutorGroup is the consumer group of the executor topic.
const ExecutorGroup = "executor"

// TriggerHandler is notified of terminal executions and returns the trigger
// results that must start new executions.
type TriggerHandler interface {
	OnExecutionTerminated(ctx context.Context, exec *api.Execution) ([]api.WorkerTriggerResult, error)
}

// Config describes how to construct an Executor.
type Config struct {
	Queue       queue.Queue
	Persistence persistence.Persistence
	Evaluator   api.Evaluator
	Observer    api.Observer
	Logger      *slog.Logger

	// Triggers is optional.
	Triggers TriggerHandler

	// Now is used for command timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Executor drives executions from the messages of the executor topic. It is
// also the control-plane api.Engine: its methods record intent and publish
// commands that Run applies.
type Executor struct {
	queue      queue.Queue
	flows      persistence.FlowRepository
	executions persistence.ExecutionRepository
	machine    *Machine
	observer   api.Observer
	logger     *slog.Logger
	triggers   TriggerHandler
	now        func() time.Time

	mu  sync.Mutex
	sub queue.Subscription
}

var _ api.Engine = (*Executor)(nil)

var triggeredNamespace = uuid.MustParse("0b7f4c55-6f0e-4e69-9d8e-5d0a6b8f2c11")

// NewExecutor creates an Executor using the given configuration.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Queue == nil {
		return nil, errors.New("executor: queue is required")
	}
	if cfg.Persistence.Flows == nil || cfg.Persistence.Executions == nil {
		return nil, errors.New("executor: flow and execution repositories are required")
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{
		queue:      cfg.Queue,
		flows:      cfg.Persistence.Flows,
		executions: cfg.Persistence.Executions,
		machine:    NewMachine(cfg.Evaluator),
		observer:   obs,
		logger:     logger.With(slog.String("component", "executor")),
		triggers:   cfg.Triggers,
		now:        now,
	}, nil
}

// Subscribe attaches the executor to its topic. It returns once the
// subscription is established; messages are then handled in the background
// until ctx ends or Stop is called.
func (e *Executor) Subscribe(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sub != nil {
		return errors.New("executor already subscribed")
	}
	sub, err := e.queue.Subscribe(ctx, api.TopicExecutor, queue.SubscribeOptions{Group: ExecutorGroup},
		queue.PayloadHandler(e.logger, e.handle))
	if err != nil {
		return fmt.Errorf("subscribe executor: %w", err)
	}
	e.sub = sub
	return nil
}

// Run subscribes and blocks until ctx ends.
func (e *Executor) Run(ctx context.Context) error {
	if err := e.Subscribe(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return e.Stop()
}

// Stop closes the subscription and waits for the message in flight.
func (e *Executor) Stop() error {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Close()
}

func (e *Executor) handle(ctx context.Context, p api.Payload) error {
	switch m := p.(type) {
	case api.WorkerTaskResult:
		return e.apply(ctx, m.ExecutionID, api.ResultEvent(m), 0)
	case api.ExecutionCommand:
		return e.apply(ctx, m.ExecutionID, api.CommandEvent(m), m.FlowRevision)
	case api.WorkerTriggerResult:
		if m.Error != "" {
			e.logger.WarnContext(ctx, "trigger evaluation failed",
				slog.String("flow", m.Namespace+"/"+m.FlowID),
				slog.String("trigger_id", m.TriggerID),
				slog.String("error", m.Error),
			)
			return nil
		}
		if !m.Fired {
			return nil
		}
		return e.startTriggered(ctx, m)
	default:
		e.logger.WarnContext(ctx, "ignoring unexpected message", slog.String("type", string(p.Kind())))
		return nil
	}
}

// apply loads the execution, applies ev, publishes the effects and then
// persists the result. Any returned error leaves the message to be
// redelivered; the state machine absorbs the duplicate effects.
func (e *Executor) apply(ctx context.Context, execID string, ev api.Event, revision int) error {
	exec, err := e.executions.GetExecution(ctx, execID)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			e.logger.WarnContext(ctx, "dropping event for unknown execution",
				slog.String("execution_id", execID),
				slog.String("event", fmt.Sprintf("%T", ev)),
			)
			return nil
		}
		return err
	}

	if revision == 0 {
		revision = exec.FlowRevision
	}
	flow, err := e.flows.GetFlowRevision(ctx, exec.FlowRef(), revision)
	if err != nil {
		if errors.Is(err, persistence.ErrFlowNotFound) {
			e.logger.ErrorContext(ctx, "dropping event, flow revision not found",
				slog.String("execution_id", execID),
				slog.String("flow", exec.FlowRef().String()),
				slog.Int("revision", revision),
			)
			return nil
		}
		return err
	}

	next, eff, err := e.machine.Apply(&flow, exec, ev)
	if err != nil {
		if errors.Is(err, api.ErrTaskRunNotFound) || errors.Is(err, api.ErrNotRestartable) {
			e.logger.WarnContext(ctx, "rejected event",
				slog.String("execution_id", execID),
				slog.Any("error", err),
			)
			return nil
		}
		return err
	}
	if !eff.Changed {
		return nil
	}

	for _, job := range eff.Dispatch {
		if err := queue.Publish(ctx, e.queue, api.TopicWorkerJobs, job.JobID, job); err != nil {
			return err
		}
	}
	if eff.Kill != nil {
		if err := queue.Publish(ctx, e.queue, api.TopicExecutionKilled, eff.Kill.ExecutionID, *eff.Kill); err != nil {
			return err
		}
	}

	// Triggers run before the terminal state is stored: on failure the
	// message is redelivered and the same terminal transition is computed
	// again.
	if eff.Terminated {
		if err := e.notifyTriggers(ctx, next); err != nil {
			return err
		}
	}

	if err := e.executions.UpdateExecution(ctx, next); err != nil {
		return fmt.Errorf("update execution %s: %w", execID, err)
	}

	if eff.Started {
		e.observer.OnExecutionStarted(ctx, next)
	}
	if eff.Terminated {
		e.observer.OnExecutionTerminated(ctx, next)
	}
	return nil
}

// notifyTriggers records exec in the trigger windows and starts the fired
// flows. Fires are reported again for the same execution, and triggered
// execution ids are derived from the fire, so retrying is safe.
func (e *Executor) notifyTriggers(ctx context.Context, exec *api.Execution) error {
	if e.triggers == nil {
		return nil
	}
	fired, err := e.triggers.OnExecutionTerminated(ctx, exec)
	errs := []error{err}
	for _, r := range fired {
		if err := e.startTriggered(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("start %s/%s from trigger %s: %w", r.Namespace, r.FlowID, r.TriggerID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		e.logger.ErrorContext(ctx, "trigger evaluation failed",
			slog.String("execution_id", exec.ID),
			slog.Any("error", err),
		)
		return fmt.Errorf("triggers of %s: %w", exec.ID, err)
	}
	return nil
}

// startTriggered creates the execution of a fired trigger. Its id derives
// from the trigger job so that a redelivered result starts it only once.
func (e *Executor) startTriggered(ctx context.Context, r api.WorkerTriggerResult) error {
	ref := api.FlowRef{Tenant: r.Tenant, Namespace: r.Namespace, ID: r.FlowID}
	flow, err := e.flows.GetFlow(ctx, ref)
	if err != nil {
		if errors.Is(err, persistence.ErrFlowNotFound) {
			e.logger.WarnContext(ctx, "dropping trigger for unknown flow", slog.String("flow", ref.String()))
			return nil
		}
		return err
	}

	exec := api.NewExecution(&flow, r.Inputs, e.now().UTC())
	exec.ID = uuid.NewSHA1(triggeredNamespace, []byte(r.JobID)).String()
	exec.Trigger = &api.TriggerRef{
		ID:        r.TriggerID,
		Type:      triggerType(&flow, r.TriggerID),
		Namespace: r.Namespace,
		FlowID:    r.FlowID,
		Variables: r.Variables,
	}
	if err := e.executions.SaveExecution(ctx, exec); err != nil && !errors.Is(err, persistence.ErrConflict) {
		return err
	}
	return e.publishCommand(ctx, api.ExecutionCommand{Type: api.CommandStart, ExecutionID: exec.ID})
}

func triggerType(flow *api.Flow, id string) string {
	for _, t := range flow.Triggers {
		if t.ID == id {
			return t.Type
		}
	}
	return ""
}

func (e *Executor) publishCommand(ctx context.Context, cmd api.ExecutionCommand) error {
	if cmd.At.IsZero() {
		cmd.At = e.now().UTC()
	}
	return queue.Publish(ctx, e.queue, api.TopicExecutor, cmd.ExecutionID, cmd)
}

func (e *Executor) RegisterFlow(ctx context.Context, flow api.Flow) (api.Flow, error) {
	if err := flow.Validate(); err != nil {
		return api.Flow{}, err
	}
	return e.flows.SaveFlow(ctx, flow)
}

func (e *Executor) Start(ctx context.Context, ref api.FlowRef, inputs map[string]any, labels map[string]string) (*api.Execution, error) {
	flow, err := e.flows.GetFlow(ctx, ref)
	if err != nil {
		return nil, err
	}
	exec := api.NewExecution(&flow, inputs, e.now().UTC())
	for k, v := range labels {
		exec.Labels[k] = v
	}
	if err := e.executions.SaveExecution(ctx, exec); err != nil {
		return nil, err
	}
	if err := e.publishCommand(ctx, api.ExecutionCommand{Type: api.CommandStart, ExecutionID: exec.ID}); err != nil {
		return nil, err
	}
	return exec, nil
}

func (e *Executor) Kill(ctx context.Context, executionID string, cause string) error {
	exec, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.State.IsTerminal() {
		return nil
	}
	return e.publishCommand(ctx, api.ExecutionCommand{Type: api.CommandKill, ExecutionID: executionID, Cause: cause})
}

func (e *Executor) Restart(ctx context.Context, executionID string, fromTaskRunID string) error {
	return e.restart(ctx, executionID, fromTaskRunID, 0)
}

func (e *Executor) Replay(ctx context.Context, executionID string, fromTaskRunID string, revision int) error {
	if revision <= 0 {
		return fmt.Errorf("replay %s: revision must be positive", executionID)
	}
	return e.restart(ctx, executionID, fromTaskRunID, revision)
}

func (e *Executor) restart(ctx context.Context, executionID, fromTaskRunID string, revision int) error {
	exec, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if !exec.State.Current.IsRestartable() {
		return fmt.Errorf("%w: %s is %s", api.ErrNotRestartable, executionID, exec.State.Current)
	}
	if fromTaskRunID != "" {
		if _, err := exec.FindTaskRun(fromTaskRunID); err != nil {
			return fmt.Errorf("%w: %v", api.ErrNotRestartable, err)
		}
	}
	if revision != 0 {
		if _, err := e.flows.GetFlowRevision(ctx, exec.FlowRef(), revision); err != nil {
			return err
		}
	}
	return e.publishCommand(ctx, api.ExecutionCommand{
		Type:          api.CommandRestart,
		ExecutionID:   executionID,
		FromTaskRunID: fromTaskRunID,
		FlowRevision:  revision,
	})
}

func (e *Executor) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	return e.executions.GetExecution(ctx, id)
}

// ListExecutions returns the stored executions matching filter.
func (e *Executor) ListExecutions(ctx context.Context, filter persistence.ExecutionFilter) ([]*api.Execution, error) {
	return e.executions.ListExecutions(ctx, filter)
}
