package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/conduit/pkg/api"
)

func taskResult(job api.WorkerTask, workerID string, state api.StateType, outputs map[string]any, msg string, at time.Time) api.WorkerTaskResult {
	return api.WorkerTaskResult{
		JobID:       job.JobID,
		ExecutionID: job.ExecutionID,
		TaskRunID:   job.TaskRunID,
		Attempt:     job.Attempt,
		State:       state,
		Outputs:     outputs,
		Error:       msg,
		WorkerID:    workerID,
		At:          at,
	}
}

// waitUntil sleeps until t. It returns false when ctx ends first.
func waitUntil(ctx context.Context, t time.Time, now time.Time) bool {
	d := t.Sub(now)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) runTask(ctx context.Context, rec api.WorkerTaskRunning, job api.WorkerTask) {
	logger := w.logger.With(
		slog.String("job_id", job.JobID),
		slog.String("execution_id", job.ExecutionID),
		slog.String("task_id", job.Task.ID),
	)

	if ctx.Err() != nil || (!job.NotBefore.IsZero() && !waitUntil(ctx, job.NotBefore, w.cfg.Now())) {
		w.finish(ctx, rec, w.interrupted(ctx, job))
		return
	}

	if err := w.publishResult(ctx, taskResult(job, w.cfg.ID, api.StateRunning, nil, "", w.cfg.Now().UTC())); err != nil {
		// The terminal result still follows; the executor accepts it
		// without the RUNNING report.
		logger.WarnContext(ctx, "failed to report running state", slog.Any("error", err))
	}

	w.cfg.Observer.OnJobStarted(ctx, &job)
	begin := time.Now()
	state, outputs, runErr := w.execute(ctx, job)
	if ctx.Err() != nil {
		w.finish(ctx, rec, w.interrupted(ctx, job))
		return
	}
	w.cfg.Observer.OnJobCompleted(ctx, &job, state, runErr, time.Since(begin))

	msg := ""
	if runErr != nil {
		msg = runErr.Error()
		logger.WarnContext(ctx, "task failed", slog.Any("error", runErr))
	}
	w.finish(ctx, rec, taskResult(job, w.cfg.ID, state, outputs, msg, w.cfg.Now().UTC()))
}

// interrupted is the result published for a job whose context ended.
// Shutdown results are never published; the job is resubmitted instead.
func (w *Worker) interrupted(ctx context.Context, job api.WorkerTask) api.Payload {
	cause := context.Cause(ctx)
	if errors.Is(cause, errKilled) {
		return taskResult(job, w.cfg.ID, api.StateKilled, nil, cause.Error(), w.cfg.Now().UTC())
	}
	return taskResult(job, w.cfg.ID, api.StateFailed, nil, fmt.Sprint(cause), w.cfg.Now().UTC())
}

func (w *Worker) execute(ctx context.Context, job api.WorkerTask) (state api.StateType, outputs map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			state, outputs, err = api.StateFailed, nil, fmt.Errorf("task panicked: %v", r)
		}
	}()

	task, err := w.registry.NewTask(job.Task)
	if err != nil {
		return api.StateFailed, nil, err
	}
	rc := api.NewRunContext(job, w.cfg.Evaluator, w.logger)
	out, err := task.Run(ctx, rc)
	if err != nil {
		return api.StateFailed, out.Values, err
	}
	if out.State == api.StateWarning {
		return api.StateWarning, out.Values, nil
	}
	return api.StateSuccess, out.Values, nil
}

func (w *Worker) runTrigger(ctx context.Context, rec api.WorkerTaskRunning, job api.WorkerTrigger) {
	result := api.WorkerTriggerResult{
		JobID:     job.JobID,
		Tenant:    job.Tenant,
		Namespace: job.Namespace,
		FlowID:    job.FlowID,
		TriggerID: job.Trigger.ID,
	}

	eval, err := w.evaluateTrigger(ctx, job)
	if ctx.Err() != nil && errors.Is(context.Cause(ctx), errShutdown) {
		w.finish(ctx, rec, nil)
		return
	}
	if err != nil {
		result.Error = err.Error()
		w.logger.WarnContext(ctx, "trigger evaluation failed",
			slog.String("job_id", job.JobID),
			slog.String("trigger_id", job.Trigger.ID),
			slog.Any("error", err),
		)
	} else {
		result.Fired = eval.Fired
		result.Inputs = eval.Inputs
		result.Variables = eval.Variables
	}
	result.At = w.cfg.Now().UTC()
	w.finish(ctx, rec, result)
}

func (w *Worker) evaluateTrigger(ctx context.Context, job api.WorkerTrigger) (eval api.TriggerEvaluation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trigger panicked: %v", r)
		}
	}()
	trigger, err := w.registry.NewTrigger(job.Trigger)
	if err != nil {
		return api.TriggerEvaluation{}, err
	}
	return trigger.Evaluate(ctx, api.TriggerContext{
		Namespace:   job.Namespace,
		FlowID:      job.FlowID,
		Trigger:     job.Trigger,
		Variables:   job.Variables,
		ScheduledAt: job.ScheduledAt,
	})
}
