package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrUnknownTaskType is returned when no factory is registered for a type.
var ErrUnknownTaskType = errors.New("unknown task type")

// Evaluator is the expression collaborator used for guards, foreach items
// and parameter rendering.
type Evaluator interface {
	// Test evaluates a boolean guard.
	Test(expr string, vars map[string]any) (bool, error)
	// Items evaluates an expression that must yield a list.
	Items(expr string, vars map[string]any) ([]any, error)
	// Render interpolates every {{ expression }} of tpl.
	Render(tpl string, vars map[string]any) (string, error)
}

// RunContext is what a Task sees while running.
type RunContext struct {
	ExecutionID string
	TaskRunID   string
	Attempt     int
	Params      map[string]any
	Variables   map[string]any
	Logger      *slog.Logger

	evaluator Evaluator
}

// NewRunContext builds the context handed to Task.Run.
func NewRunContext(job WorkerTask, eval Evaluator, logger *slog.Logger) *RunContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunContext{
		ExecutionID: job.ExecutionID,
		TaskRunID:   job.TaskRunID,
		Attempt:     job.Attempt,
		Params:      job.Task.Params,
		Variables:   job.Variables,
		Logger: logger.With(
			slog.String("execution_id", job.ExecutionID),
			slog.String("task_id", job.Task.ID),
			slog.Int("attempt", job.Attempt),
		),
		evaluator: eval,
	}
}

// Render interpolates tpl against the job variables. Without an evaluator
// the template is returned unchanged.
func (rc *RunContext) Render(tpl string) (string, error) {
	if rc.evaluator == nil {
		return tpl, nil
	}
	return rc.evaluator.Render(tpl, rc.Variables)
}

// Param returns a parameter rendered as a string.
func (rc *RunContext) Param(name string) (string, error) {
	v, ok := rc.Params[name]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v), nil
	}
	return rc.Render(s)
}

// Output is what a task returns. State may be set to WARNING; any other
// value is ignored.
type Output struct {
	Values map[string]any
	State  StateType
}

// Task is the capability every concrete task kind provides.
type Task interface {
	ID() string
	Type() string
	Run(ctx context.Context, rc *RunContext) (Output, error)
}

// TaskFactory builds a Task from its declaration.
type TaskFactory func(def TaskDef) (Task, error)

// TriggerContext is what a polling trigger sees during evaluation.
type TriggerContext struct {
	Namespace   string
	FlowID      string
	Trigger     TriggerDef
	Variables   map[string]any
	ScheduledAt time.Time
}

// TriggerEvaluation is the outcome of one trigger evaluation.
type TriggerEvaluation struct {
	Fired     bool
	Inputs    map[string]any
	Variables map[string]any
}

// Trigger is the capability of polling trigger kinds evaluated on workers.
type Trigger interface {
	Evaluate(ctx context.Context, tc TriggerContext) (TriggerEvaluation, error)
}

// TriggerFactory builds a Trigger from its declaration.
type TriggerFactory func(def TriggerDef) (Trigger, error)

// Registry maps task and trigger types to their factories.
type Registry struct {
	mu       sync.RWMutex
	tasks    map[string]TaskFactory
	triggers map[string]TriggerFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:    make(map[string]TaskFactory),
		triggers: make(map[string]TriggerFactory),
	}
}

// RegisterTask registers a factory for typ. Registering a type twice is an error.
func (r *Registry) RegisterTask(typ string, f TaskFactory) error {
	if typ == "" || f == nil {
		return errors.New("task type and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[typ]; exists {
		return fmt.Errorf("task type %q already registered", typ)
	}
	r.tasks[typ] = f
	return nil
}

// RegisterTrigger registers a trigger factory for typ.
func (r *Registry) RegisterTrigger(typ string, f TriggerFactory) error {
	if typ == "" || f == nil {
		return errors.New("trigger type and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.triggers[typ]; exists {
		return fmt.Errorf("trigger type %q already registered", typ)
	}
	r.triggers[typ] = f
	return nil
}

// NewTask instantiates the task declared by def.
func (r *Registry) NewTask(def TaskDef) (Task, error) {
	r.mu.RLock()
	f, ok := r.tasks[def.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, def.Type)
	}
	return f(def)
}

// NewTrigger instantiates the trigger declared by def.
func (r *Registry) NewTrigger(def TriggerDef) (Trigger, error) {
	r.mu.RLock()
	f, ok := r.triggers[def.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: trigger %q", ErrUnknownTaskType, def.Type)
	}
	return f(def)
}

// TaskTypes lists registered task types in sorted order.
func (r *Registry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for t := range r.tasks {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// RunFunc is the signature wrapped by FuncTask.
type RunFunc func(ctx context.Context, rc *RunContext) (Output, error)

// FuncTask adapts a function to the Task interface.
type FuncTask struct {
	id  string
	typ string
	fn  RunFunc
}

func (t *FuncTask) ID() string   { return t.id }
func (t *FuncTask) Type() string { return t.typ }

func (t *FuncTask) Run(ctx context.Context, rc *RunContext) (Output, error) {
	return t.fn(ctx, rc)
}

// TaskOf returns a factory producing FuncTasks that run fn.
func TaskOf(fn RunFunc) TaskFactory {
	return func(def TaskDef) (Task, error) {
		return &FuncTask{id: def.ID, typ: def.Type, fn: fn}, nil
	}
}
