package api

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidFlow = errors.New("invalid flow")
)

// TaskKind tells the executor how a TaskDef is resolved.
type TaskKind string

const (
	// KindTask is a leaf task executed by a worker.
	KindTask TaskKind = "task"
	// KindSequential runs its children one after the other.
	KindSequential TaskKind = "sequential"
	// KindParallel dispatches all of its children at once.
	KindParallel TaskKind = "parallel"
	// KindForEach runs its children once per resolved item.
	KindForEach TaskKind = "foreach"
)

// IsContainer reports whether tasks of this kind are resolved by the
// executor rather than run by a worker.
func (k TaskKind) IsContainer() bool {
	return k == KindSequential || k == KindParallel || k == KindForEach
}

// RetryPolicy controls how a failed task is retried.
// MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial attempt)
//	MaxAttempts = 3 => initial attempt + up to 2 retries
type RetryPolicy struct {
	MaxAttempts int `yaml:"maxAttempts"`

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `yaml:"initialBackoff"`

	// BackoffMultiplier grows the delay for each further retry.
	// Values <= 0 are treated as 2.0.
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`

	// MaxBackoff caps the delay. Zero means no cap.
	MaxBackoff time.Duration `yaml:"maxBackoff"`
}

// Allows reports whether another attempt may follow the given attempt number
// (1-based).
func (p *RetryPolicy) Allows(attempt int) bool {
	return p != nil && attempt < p.MaxAttempts
}

// Delay returns the backoff to wait after the given failed attempt (1-based).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if p == nil || p.InitialBackoff <= 0 || attempt < 1 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// TaskDef is the declaration of one task inside a Flow.
type TaskDef struct {
	ID   string   `yaml:"id"`
	Type string   `yaml:"type"`
	Kind TaskKind `yaml:"kind"`

	// Tasks are the children of a container.
	Tasks []TaskDef `yaml:"tasks"`

	// Items is the expression resolved once by a foreach container.
	Items string `yaml:"items"`

	// Concurrency bounds parallel children or foreach iterations. Zero means
	// unbounded.
	Concurrency int `yaml:"concurrency"`

	// If is a guard expression; the task is skipped when it evaluates to false.
	If string `yaml:"if"`

	AllowFailure bool           `yaml:"allowFailure"`
	Retry        *RetryPolicy   `yaml:"retry"`
	Params       map[string]any `yaml:"params"`
}

func (t TaskDef) kind() TaskKind {
	if t.Kind == "" {
		return KindTask
	}
	return t.Kind
}

// EffectiveKind returns Kind, defaulting to KindTask.
func (t TaskDef) EffectiveKind() TaskKind {
	return t.kind()
}

// WindowType selects how a multiple-condition trigger bounds its window.
type WindowType string

const (
	WindowDuration  WindowType = "DURATION_WINDOW"
	WindowSliding   WindowType = "SLIDING_WINDOW"
	WindowDailyTime WindowType = "DAILY_TIME_WINDOW"
)

// WindowSpec configures the time window of a multiple-condition trigger.
type WindowSpec struct {
	Type WindowType `yaml:"type"`

	// Window is the window length for DURATION and SLIDING windows.
	// Defaults to 24h.
	Window time.Duration `yaml:"window"`

	// Advance shifts the start of DURATION windows.
	Advance time.Duration `yaml:"advance"`

	// StartTime and EndTime bound DAILY_TIME windows as offsets from midnight.
	StartTime time.Duration `yaml:"startTime"`
	EndTime   time.Duration `yaml:"endTime"`
}

// Condition is satisfied when an execution of the referenced flow ends in
// one of States.
type Condition struct {
	ID        string      `yaml:"id"`
	Namespace string      `yaml:"namespace"`
	FlowID    string      `yaml:"flowId"`
	States    []StateType `yaml:"states"`
}

// Matches reports whether a terminal execution satisfies c.
func (c Condition) Matches(exec *Execution) bool {
	if exec == nil || c.FlowID != exec.FlowID {
		return false
	}
	if c.Namespace != "" && c.Namespace != exec.Namespace {
		return false
	}
	states := c.States
	if len(states) == 0 {
		states = []StateType{StateSuccess, StateWarning}
	}
	for _, s := range states {
		if s == exec.State.Current {
			return true
		}
	}
	return false
}

// TriggerType values understood by the core. Other values are looked up in
// the Registry and evaluated by workers.
const TriggerMultipleCondition = "multiple-condition"

// TriggerDef declares a trigger of a Flow.
type TriggerDef struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`

	// Conditions and Window apply to multiple-condition triggers.
	Conditions []Condition `yaml:"conditions"`
	Window     WindowSpec  `yaml:"window"`

	// ResetOnSuccess clears recorded conditions after firing. Nil means true.
	ResetOnSuccess *bool `yaml:"resetOnSuccess"`

	Params map[string]any `yaml:"params"`
}

// ResetsOnSuccess returns the effective ResetOnSuccess value.
func (t TriggerDef) ResetsOnSuccess() bool {
	return t.ResetOnSuccess == nil || *t.ResetOnSuccess
}

// Flow is an immutable, revisioned task graph.
type Flow struct {
	Tenant    string            `yaml:"tenant"`
	Namespace string            `yaml:"namespace"`
	ID        string            `yaml:"id"`
	Revision  int               `yaml:"revision"`
	Tasks     []TaskDef         `yaml:"tasks"`
	Errors    []TaskDef         `yaml:"errors"`
	Triggers  []TriggerDef      `yaml:"triggers"`
	Labels    map[string]string `yaml:"labels"`
}

// FlowRef identifies a flow independently of its revision.
type FlowRef struct {
	Tenant    string
	Namespace string
	ID        string
}

// Ref returns the revision-independent identity of f.
func (f *Flow) Ref() FlowRef {
	return FlowRef{Tenant: f.Tenant, Namespace: f.Namespace, ID: f.ID}
}

func (r FlowRef) String() string {
	if r.Tenant == "" {
		return r.Namespace + "/" + r.ID
	}
	return r.Tenant + "/" + r.Namespace + "/" + r.ID
}

// FindTask looks up a task declaration by id anywhere in the flow,
// including the errors branch.
func (f *Flow) FindTask(id string) (TaskDef, bool) {
	if t, ok := findTask(f.Tasks, id); ok {
		return t, true
	}
	return findTask(f.Errors, id)
}

func findTask(defs []TaskDef, id string) (TaskDef, bool) {
	for _, d := range defs {
		if d.ID == id {
			return d, true
		}
		if t, ok := findTask(d.Tasks, id); ok {
			return t, true
		}
	}
	return TaskDef{}, false
}

// Validate performs structural checks: ids present and unique, containers
// have children, leaves have a type.
func (f *Flow) Validate() error {
	if f.Namespace == "" || f.ID == "" {
		return fmt.Errorf("%w: namespace and id are required", ErrInvalidFlow)
	}
	seen := make(map[string]struct{})
	var walk func(defs []TaskDef) error
	walk = func(defs []TaskDef) error {
		for _, d := range defs {
			if d.ID == "" {
				return fmt.Errorf("%w: task without id in %s", ErrInvalidFlow, f.Ref())
			}
			if _, dup := seen[d.ID]; dup {
				return fmt.Errorf("%w: duplicate task id %q", ErrInvalidFlow, d.ID)
			}
			seen[d.ID] = struct{}{}
			switch d.kind() {
			case KindTask:
				if d.Type == "" {
					return fmt.Errorf("%w: task %q has no type", ErrInvalidFlow, d.ID)
				}
			case KindSequential, KindParallel, KindForEach:
				if len(d.Tasks) == 0 {
					return fmt.Errorf("%w: container %q has no tasks", ErrInvalidFlow, d.ID)
				}
				if d.kind() == KindForEach && d.Items == "" {
					return fmt.Errorf("%w: foreach %q has no items", ErrInvalidFlow, d.ID)
				}
			default:
				return fmt.Errorf("%w: task %q has unknown kind %q", ErrInvalidFlow, d.ID, d.Kind)
			}
			if err := walk(d.Tasks); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(f.Tasks); err != nil {
		return err
	}
	if err := walk(f.Errors); err != nil {
		return err
	}
	for _, tr := range f.Triggers {
		if tr.ID == "" {
			return fmt.Errorf("%w: trigger without id", ErrInvalidFlow)
		}
		if tr.Type == TriggerMultipleCondition && len(tr.Conditions) == 0 {
			return fmt.Errorf("%w: trigger %q has no conditions", ErrInvalidFlow, tr.ID)
		}
	}
	return nil
}
