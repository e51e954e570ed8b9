package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Built-in task types.
const (
	TaskTypeNoop  = "noop"
	TaskTypeLog   = "log"
	TaskTypeSleep = "sleep"
)

// RegisterBuiltins registers the noop, log and sleep task types on r.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]RunFunc{
		TaskTypeNoop:  noopTask,
		TaskTypeLog:   logTask,
		TaskTypeSleep: sleepTask,
	}
	for typ, fn := range builtins {
		if err := r.RegisterTask(typ, TaskOf(fn)); err != nil {
			return err
		}
	}
	return nil
}

func noopTask(ctx context.Context, rc *RunContext) (Output, error) {
	return Output{}, ctx.Err()
}

// logTask renders the "message" parameter and logs it at INFO.
func logTask(ctx context.Context, rc *RunContext) (Output, error) {
	msg, err := rc.Param("message")
	if err != nil {
		return Output{}, err
	}
	rc.Logger.InfoContext(ctx, msg)
	return Output{Values: map[string]any{"message": msg}}, nil
}

// sleepTask waits for the "duration" parameter (a Go duration string or a
// number of milliseconds). It is context-aware: cancellation interrupts the
// wait and returns ctx.Err.
func sleepTask(ctx context.Context, rc *RunContext) (Output, error) {
	d, err := durationParam(rc.Params["duration"])
	if err != nil {
		return Output{}, err
	}
	if d <= 0 {
		return Output{}, nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return Output{}, ctx.Err()
	case <-t.C:
		rc.Logger.Debug("sleep finished", slog.Duration("duration", d))
		return Output{Values: map[string]any{"slept": d.String()}}, nil
	}
}

func durationParam(v any) (time.Duration, error) {
	switch d := v.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return d, nil
	case string:
		return time.ParseDuration(d)
	case int:
		return time.Duration(d) * time.Millisecond, nil
	case int64:
		return time.Duration(d) * time.Millisecond, nil
	case float64:
		return time.Duration(d * float64(time.Millisecond)), nil
	default:
		return 0, fmt.Errorf("invalid duration %v (%T)", v, v)
	}
}
