package conduit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/conduit/internal/engine"
	"github.com/petrijr/conduit/internal/expr"
	"github.com/petrijr/conduit/internal/liveness"
	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/internal/trigger"
	"github.com/petrijr/conduit/pkg/api"
	"github.com/petrijr/conduit/pkg/worker"
)

// RunnerConfig controls a LocalRunner. Zero values select the defaults.
type RunnerConfig struct {
	// Workers is the number of worker instances. Defaults to 1.
	Workers int
	// Worker is the template of every worker's configuration; IDs are
	// derived from it when set.
	Worker worker.Config
	// Liveness configures the coordinator. Its HeartbeatInterval follows
	// Worker.HeartbeatInterval when unset.
	Liveness liveness.Config

	// Registry holds the task types. Defaults to NewRegistry().
	Registry *Registry
	// Evaluator defaults to the goja evaluator with a 1s timeout.
	Evaluator Evaluator
	Observer  Observer
	Logger    *slog.Logger

	// PurgeInterval is how often expired trigger windows are deleted.
	// Defaults to 1h.
	PurgeInterval time.Duration
	// PollInterval is how often polling triggers are handed to the workers.
	// Defaults to 1m.
	PollInterval time.Duration
}

// LocalRunner runs the executor, workers, liveness coordinator and
// trigger service of conduit inside one process, over any Backend.
//
// Typical usage:
//
//	runner, _ := conduit.NewLocalRunner(conduit.RunnerConfig{Workers: 2})
//	runner.Registry.RegisterTask("greet", conduit.TaskOf(greet))
//	conduit.New("demo", "hello").Task("greet", "greet", nil).MustRegister(ctx, runner.Engine)
//
//	_ = runner.Start(ctx)
//	defer runner.Stop()
//	exec, err := runner.Run(ctx, conduit.FlowRef{Namespace: "demo", ID: "hello"}, nil)
type LocalRunner struct {
	// Engine is the control plane of the runner.
	Engine Engine
	// Registry resolves the task types run by the workers.
	Registry *Registry
	Backend  *Backend

	executor    *engine.Executor
	triggers    *trigger.Service
	scheduler   *trigger.Scheduler
	coordinator *liveness.Coordinator
	workers     []*worker.Worker
	cfg         RunnerConfig
	logger      *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner over an in-memory backend. This
// is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner(cfg RunnerConfig) (*LocalRunner, error) {
	return NewLocalRunnerWithBackend(NewMemoryBackend(cfg.Logger), cfg)
}

// NewLocalRunnerWithBackend constructs a LocalRunner over b. Stop closes b.
func NewLocalRunnerWithBackend(b *Backend, cfg RunnerConfig) (*LocalRunner, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = expr.New(time.Second)
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}

	triggers := trigger.NewService(b.Persistence.Flows, b.Persistence.Windows, cfg.Logger)
	exec, err := engine.NewExecutor(engine.Config{
		Queue:       b.Queue,
		Persistence: b.Persistence,
		Evaluator:   cfg.Evaluator,
		Observer:    cfg.Observer,
		Logger:      cfg.Logger,
		Triggers:    triggers,
	})
	if err != nil {
		return nil, err
	}

	lcfg := cfg.Liveness
	if lcfg.HeartbeatInterval <= 0 {
		lcfg.HeartbeatInterval = cfg.Worker.HeartbeatInterval
	}
	if lcfg.Observer == nil {
		lcfg.Observer = cfg.Observer
	}
	if lcfg.Logger == nil {
		lcfg.Logger = cfg.Logger
	}
	coord, err := liveness.NewCoordinator(b.Queue, b.Persistence.Running, b.Persistence.Instances, lcfg)
	if err != nil {
		return nil, err
	}

	workers := make([]*worker.Worker, 0, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		wcfg := cfg.Worker
		if wcfg.ID != "" {
			wcfg.ID = fmt.Sprintf("%s-%d", wcfg.ID, i)
		}
		if wcfg.Evaluator == nil {
			wcfg.Evaluator = cfg.Evaluator
		}
		if wcfg.Observer == nil {
			wcfg.Observer = cfg.Observer
		}
		if wcfg.Logger == nil {
			wcfg.Logger = cfg.Logger
		}
		w, err := worker.New(b.Queue, b.Persistence.Running, cfg.Registry, wcfg)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}

	return &LocalRunner{
		Engine:      exec,
		Registry:    cfg.Registry,
		Backend:     b,
		executor:    exec,
		triggers:    triggers,
		scheduler:   trigger.NewScheduler(b.Persistence.Flows, b.Queue, cfg.Logger),
		coordinator: coord,
		workers:     workers,
		cfg:         cfg,
		logger:      cfg.Logger.With(slog.String("component", "runner")),
	}, nil
}

// Start subscribes the executor and the workers and starts the liveness
// coordinator, the polling trigger scheduler and the window purge in the
// background.
//
// If Start is called more than once without Stop, it returns an error.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("conduit: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := r.executor.Subscribe(ctx); err != nil {
		cancel()
		return err
	}
	for i, w := range r.workers {
		if err := w.Start(ctx); err != nil {
			for _, started := range r.workers[:i] {
				_ = started.Shutdown(context.Background())
			}
			_ = r.executor.Stop()
			cancel()
			return err
		}
	}

	r.wg.Add(3)
	go func() {
		defer r.wg.Done()
		if err := r.coordinator.Run(ctx); err != nil {
			r.logger.ErrorContext(ctx, "liveness coordinator stopped", slog.Any("error", err))
		}
	}()
	go func() {
		defer r.wg.Done()
		r.triggers.RunPurge(ctx, r.cfg.PurgeInterval)
	}()
	go func() {
		defer r.wg.Done()
		r.scheduler.Run(ctx, r.cfg.PollInterval)
	}()

	r.cancel = cancel
	r.running = true
	return nil
}

// Stop shuts the workers down gracefully, stops the executor and the
// background loops, and closes the backend.
func (r *LocalRunner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	var errs []error
	shutdownCtx, done := context.WithTimeout(context.Background(), r.shutdownTimeout())
	defer done()
	for _, w := range r.workers {
		if err := w.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.executor.Stop(); err != nil {
		errs = append(errs, err)
	}
	cancel()
	r.wg.Wait()
	if err := r.Backend.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *LocalRunner) shutdownTimeout() time.Duration {
	if r.cfg.Worker.ShutdownTimeout > 0 {
		return r.cfg.Worker.ShutdownTimeout
	}
	return 30 * time.Second
}

// Skip stops the liveness coordinator from resubmitting jobs of executionID.
func (r *LocalRunner) Skip(executionID string) {
	r.coordinator.Skip(executionID)
}

// ListExecutions returns the stored executions matching filter.
func (r *LocalRunner) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	return r.executor.ListExecutions(ctx, filter)
}

// Wait polls an execution until it is terminal or ctx ends.
func (r *LocalRunner) Wait(ctx context.Context, executionID string) (*Execution, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		exec, err := r.executor.GetExecution(ctx, executionID)
		switch {
		case errors.Is(err, persistence.ErrExecutionNotFound):
		case err != nil:
			return nil, err
		case exec.State.Current.IsTerminal():
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run starts an execution of the latest revision of ref and waits for it.
func (r *LocalRunner) Run(ctx context.Context, ref FlowRef, inputs map[string]any) (*Execution, error) {
	exec, err := r.Engine.Start(ctx, ref, inputs, nil)
	if err != nil {
		return nil, err
	}
	return r.Wait(ctx, exec.ID)
}
