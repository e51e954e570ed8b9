package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/conduit"
	"github.com/petrijr/conduit/internal/engine"
	"github.com/petrijr/conduit/internal/expr"
	"github.com/petrijr/conduit/internal/liveness"
	"github.com/petrijr/conduit/internal/trigger"
	"github.com/petrijr/conduit/pkg/api"
	"github.com/petrijr/conduit/pkg/worker"
)

func (a *app) workerConfig() worker.Config {
	return worker.Config{
		ID:                a.cfg.Worker.ID,
		Slots:             a.cfg.Worker.Slots,
		HeartbeatInterval: a.cfg.Worker.HeartbeatInterval,
		KilledTTL:         a.cfg.Worker.KilledTTL,
		ShutdownTimeout:   a.cfg.Worker.ShutdownTimeout,
		Evaluator:         expr.New(a.cfg.Expr.Timeout),
		Observer:          a.observer,
		Logger:            a.logger,
	}
}

func (a *app) livenessConfig() liveness.Config {
	return liveness.Config{
		HeartbeatInterval: a.cfg.Worker.HeartbeatInterval,
		HeartbeatTimeout:  a.cfg.Liveness.HeartbeatTimeout,
		CheckInterval:     a.cfg.Liveness.CheckInterval,
		SkipExecutions:    a.cfg.Liveness.SkipExecutions,
		Observer:          a.observer,
		Logger:            a.logger,
	}
}

// newEngine builds an executor over b with the trigger service attached.
func (a *app) newEngine(b *conduit.Backend) (*engine.Executor, *trigger.Service, error) {
	triggers := trigger.NewService(b.Persistence.Flows, b.Persistence.Windows, a.logger)
	exec, err := engine.NewExecutor(engine.Config{
		Queue:       b.Queue,
		Persistence: b.Persistence,
		Evaluator:   expr.New(a.cfg.Expr.Timeout),
		Observer:    a.observer,
		Logger:      a.logger,
		Triggers:    triggers,
	})
	return exec, triggers, err
}

func newExecutorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "executor",
		Short: "Run the executor",
		Long: `Run the executor: consume task results and commands, advance executions
and dispatch jobs to workers. Flows found in the configured flows directory are
registered first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			b, err := openBackend(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer b.Close()

			exec, triggers, err := a.newEngine(b)
			if err != nil {
				return err
			}
			if err := registerFlows(ctx, exec, a.cfg.Flows, a.logger); err != nil {
				return err
			}
			a.serveMetrics(ctx)
			go triggers.RunPurge(ctx, a.cfg.Triggers.PurgeInterval)
			go trigger.NewScheduler(b.Persistence.Flows, b.Queue, a.logger).Run(ctx, a.cfg.Triggers.PollInterval)
			go purgeQueue(ctx, b.Queue, a.cfg.Queue.Retention, a.logger)
			return exec.Run(ctx)
		},
	}
}

func newWorkerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a worker",
		Long: `Run a worker executing the builtin task types (noop, log, sleep) on the
configured number of slots.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			b, err := openBackend(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer b.Close()

			reg := conduit.NewRegistry()
			w, err := worker.New(b.Queue, b.Persistence.Running, reg, a.workerConfig())
			if err != nil {
				return err
			}
			a.logger.Info("worker ready", slog.String("worker_id", w.ID()), slog.Any("task_types", reg.TaskTypes()))
			a.serveMetrics(ctx)
			return w.Run(ctx)
		},
	}
}

func newCoordinatorCmd(a *app) *cobra.Command {
	var skip []string
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run the liveness coordinator",
		Long: `Run the liveness coordinator: track worker heartbeats and resubmit the
jobs of workers that stopped heartbeating. Several coordinators may run at once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			b, err := openBackend(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer b.Close()

			lcfg := a.livenessConfig()
			lcfg.SkipExecutions = append(lcfg.SkipExecutions, skip...)
			coord, err := liveness.NewCoordinator(b.Queue, b.Persistence.Running, b.Persistence.Instances, lcfg)
			if err != nil {
				return err
			}
			a.serveMetrics(ctx)
			return coord.Run(ctx)
		},
	}
	cmd.Flags().StringSliceVar(&skip, "skip", nil, "execution ids whose jobs are never resubmitted")
	return cmd
}

func newStandaloneCmd(a *app) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "standalone",
		Short: "Run executor, workers and coordinator in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			b, err := openBackend(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			runner, err := conduit.NewLocalRunnerWithBackend(b, conduit.RunnerConfig{
				Workers:       workers,
				Worker:        a.workerConfig(),
				Liveness:      a.livenessConfig(),
				Evaluator:     expr.New(a.cfg.Expr.Timeout),
				Observer:      a.observer,
				Logger:        a.logger,
				PurgeInterval: a.cfg.Triggers.PurgeInterval,
				PollInterval:  a.cfg.Triggers.PollInterval,
			})
			if err != nil {
				_ = b.Close()
				return err
			}
			if err := registerFlows(ctx, runner.Engine, a.cfg.Flows, a.logger); err != nil {
				_ = b.Close()
				return err
			}
			if err := runner.Start(ctx); err != nil {
				_ = b.Close()
				return err
			}
			a.serveMetrics(ctx)
			a.logger.Info("standalone runner started", slog.Int("workers", workers))
			<-ctx.Done()
			return runner.Stop()
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 1, "number of worker instances")
	return cmd
}

func newStartCmd(a *app) *cobra.Command {
	var (
		inputs []string
		labels []string
		wait   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "start NAMESPACE FLOW",
		Short: "Start an execution of the latest revision of a flow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer b.Close()

			exec, _, err := a.newEngine(b)
			if err != nil {
				return err
			}
			in, err := parsePairs(inputs)
			if err != nil {
				return err
			}
			lbl, err := parsePairs(labels)
			if err != nil {
				return err
			}
			strLabels := make(map[string]string, len(lbl))
			for k, v := range lbl {
				strLabels[k] = fmt.Sprint(v)
			}

			started, err := exec.Start(ctx, api.FlowRef{Namespace: args[0], ID: args[1]}, in, strLabels)
			if err != nil {
				return err
			}
			cmd.Println(started.ID)
			if wait <= 0 {
				return nil
			}
			return waitTerminal(ctx, cmd, exec, started.ID, wait)
		},
	}
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "execution input as key=value")
	cmd.Flags().StringArrayVarP(&labels, "label", "l", nil, "execution label as key=value")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the execution to end")
	return cmd
}

func newKillCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "kill EXECUTION_ID",
		Short: "Kill an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer b.Close()

			exec, _, err := a.newEngine(b)
			if err != nil {
				return err
			}
			return exec.Kill(ctx, args[0], "killed from the command line")
		},
	}
}

func waitTerminal(ctx context.Context, cmd *cobra.Command, eng api.Engine, id string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		exec, err := eng.GetExecution(ctx, id)
		if err != nil {
			return err
		}
		if exec.State.Current.IsTerminal() {
			cmd.Println(exec.State.Current)
			if exec.State.Current.IsFailed() {
				return fmt.Errorf("execution %s ended %s", id, exec.State.Current)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.New("timed out waiting for execution")
		case <-ticker.C:
		}
	}
}

// parsePairs turns key=value arguments into a map. Values are decoded as
// YAML scalars so that numbers and booleans keep their type.
func parsePairs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid pair %q, want key=value", p)
		}
		out[k] = scalar(v)
	}
	return out, nil
}
