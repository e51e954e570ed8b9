package conduit

import (
	"context"
	"fmt"

	"github.com/petrijr/conduit/pkg/api"
)

// FlowBuilder provides a fluent API for declaring flows:
//
//	flow := conduit.New("company.team", "etl").
//	    Task("extract", "http", map[string]any{"url": "{{ inputs.source }}"}).
//	    Parallel("transform",
//	        conduit.Leaf("clean", "clean", nil),
//	        conduit.Leaf("enrich", "enrich", nil),
//	    ).
//	    TaskWithRetry("load", "load", nil, conduit.Retry(3).Policy())
//
//	if _, err := flow.Register(ctx, engine); err != nil {
//	    log.Fatal(err)
//	}
type FlowBuilder struct {
	flow api.Flow
}

// New creates a new flow builder for namespace/id.
func New(namespace, id string) *FlowBuilder {
	return &FlowBuilder{
		flow: api.Flow{
			Namespace: namespace,
			ID:        id,
			Tasks:     make([]api.TaskDef, 0),
		},
	}
}

// Ref returns the flow reference.
func (b *FlowBuilder) Ref() FlowRef {
	return b.flow.Ref()
}

// Tenant sets the tenant of the flow.
func (b *FlowBuilder) Tenant(tenant string) *FlowBuilder {
	b.flow.Tenant = tenant
	return b
}

// Label attaches a label copied onto every execution.
func (b *FlowBuilder) Label(key, value string) *FlowBuilder {
	if b.flow.Labels == nil {
		b.flow.Labels = make(map[string]string)
	}
	b.flow.Labels[key] = value
	return b
}

// Leaf declares a task run by a worker, for use inside containers.
func Leaf(id, typ string, params map[string]any) TaskDef {
	if id == "" {
		panic("conduit: task id must not be empty")
	}
	if typ == "" {
		panic(fmt.Sprintf("conduit: task %q has no type", id))
	}
	return api.TaskDef{ID: id, Type: typ, Params: params}
}

// Task appends a task run by a worker.
func (b *FlowBuilder) Task(id, typ string, params map[string]any) *FlowBuilder {
	return b.Add(Leaf(id, typ, params))
}

// TaskWithRetry appends a task that uses the given retry policy.
func (b *FlowBuilder) TaskWithRetry(id, typ string, params map[string]any, retry RetryPolicy) *FlowBuilder {
	return b.Add(RetryBuilder{policy: retry}.Apply(Leaf(id, typ, params)))
}

// If appends a task skipped unless guard evaluates to true.
func (b *FlowBuilder) If(guard string, def TaskDef) *FlowBuilder {
	def.If = guard
	return b.Add(def)
}

// Sequential appends a container running children one after the other.
func (b *FlowBuilder) Sequential(id string, children ...TaskDef) *FlowBuilder {
	return b.Add(api.TaskDef{ID: id, Kind: api.KindSequential, Tasks: children})
}

// Parallel appends a container dispatching all children at once.
func (b *FlowBuilder) Parallel(id string, children ...TaskDef) *FlowBuilder {
	return b.Add(api.TaskDef{ID: id, Kind: api.KindParallel, Tasks: children})
}

// ForEach appends a container running children once per item of the items
// expression, with at most concurrency iterations at once (0 = unbounded).
func (b *FlowBuilder) ForEach(id, items string, concurrency int, children ...TaskDef) *FlowBuilder {
	return b.Add(api.TaskDef{ID: id, Kind: api.KindForEach, Items: items, Concurrency: concurrency, Tasks: children})
}

// Add appends raw task declarations.
func (b *FlowBuilder) Add(defs ...TaskDef) *FlowBuilder {
	b.flow.Tasks = append(b.flow.Tasks, defs...)
	return b
}

// OnError appends tasks to the errors branch, run when the main branch fails.
func (b *FlowBuilder) OnError(defs ...TaskDef) *FlowBuilder {
	b.flow.Errors = append(b.flow.Errors, defs...)
	return b
}

// AfterAll adds a multiple-condition trigger starting the flow once every
// condition is satisfied within window.
func (b *FlowBuilder) AfterAll(id string, window WindowSpec, conditions ...Condition) *FlowBuilder {
	b.flow.Triggers = append(b.flow.Triggers, api.TriggerDef{
		ID:         id,
		Type:       api.TriggerMultipleCondition,
		Conditions: conditions,
		Window:     window,
	})
	return b
}

// Poll adds a polling trigger of type typ, evaluated by a worker on every
// scheduler tick. The type must be registered with Registry.RegisterTrigger.
func (b *FlowBuilder) Poll(id, typ string, params map[string]any) *FlowBuilder {
	b.flow.Triggers = append(b.flow.Triggers, api.TriggerDef{ID: id, Type: typ, Params: params})
	return b
}

// Flow returns a validated copy of the declared flow.
func (b *FlowBuilder) Flow() (Flow, error) {
	f := b.flow
	if err := f.Validate(); err != nil {
		return Flow{}, err
	}
	return f, nil
}

// Register stores the flow as a new revision on eng.
func (b *FlowBuilder) Register(ctx context.Context, eng Engine) (Flow, error) {
	f, err := b.Flow()
	if err != nil {
		return Flow{}, err
	}
	return eng.RegisterFlow(ctx, f)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(ctx context.Context, eng Engine) Flow {
	f, err := b.Register(ctx, eng)
	if err != nil {
		panic(err)
	}
	return f
}
