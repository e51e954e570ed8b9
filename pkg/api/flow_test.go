package api

import (
	"errors"
	"testing"
	"time"
)

func TestFlowValidate(t *testing.T) {
	leaf := func(id string) TaskDef { return TaskDef{ID: id, Type: "noop"} }

	cases := []struct {
		name string
		flow Flow
		ok   bool
	}{
		{"valid", Flow{Namespace: "ns", ID: "f", Tasks: []TaskDef{leaf("a"), {ID: "p", Kind: KindParallel, Tasks: []TaskDef{leaf("b")}}}}, true},
		{"missing id", Flow{Namespace: "ns", Tasks: []TaskDef{leaf("a")}}, false},
		{"duplicate task", Flow{Namespace: "ns", ID: "f", Tasks: []TaskDef{leaf("a")}, Errors: []TaskDef{leaf("a")}}, false},
		{"leaf without type", Flow{Namespace: "ns", ID: "f", Tasks: []TaskDef{{ID: "a"}}}, false},
		{"empty container", Flow{Namespace: "ns", ID: "f", Tasks: []TaskDef{{ID: "s", Kind: KindSequential}}}, false},
		{"foreach without items", Flow{Namespace: "ns", ID: "f", Tasks: []TaskDef{{ID: "e", Kind: KindForEach, Tasks: []TaskDef{leaf("a")}}}}, false},
		{"unknown kind", Flow{Namespace: "ns", ID: "f", Tasks: []TaskDef{{ID: "x", Kind: "loop", Tasks: []TaskDef{leaf("a")}}}}, false},
		{"trigger without conditions", Flow{Namespace: "ns", ID: "f", Tasks: []TaskDef{leaf("a")}, Triggers: []TriggerDef{{ID: "t", Type: TriggerMultipleCondition}}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.flow.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid flow, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidFlow) {
				t.Fatalf("expected ErrInvalidFlow, got %v", err)
			}
		})
	}
}

func TestFlowFindTask(t *testing.T) {
	f := Flow{
		Namespace: "ns",
		ID:        "f",
		Tasks: []TaskDef{{ID: "outer", Kind: KindSequential, Tasks: []TaskDef{
			{ID: "inner", Type: "log"},
		}}},
		Errors: []TaskDef{{ID: "alert", Type: "log"}},
	}
	for _, id := range []string{"outer", "inner", "alert"} {
		if _, ok := f.FindTask(id); !ok {
			t.Fatalf("task %q not found", id)
		}
	}
	if _, ok := f.FindTask("missing"); ok {
		t.Fatalf("unexpected task found")
	}
	if got := f.Ref().String(); got != "ns/f" {
		t.Fatalf("unexpected ref %q", got)
	}
	f.Tenant = "acme"
	if got := f.Ref().String(); got != "acme/ns/f" {
		t.Fatalf("unexpected tenant ref %q", got)
	}
}

func TestConditionMatches(t *testing.T) {
	exec := &Execution{Namespace: "ns", FlowID: "up", State: State{Current: StateWarning}}

	if !(Condition{FlowID: "up"}).Matches(exec) {
		t.Fatalf("WARNING should match the default states")
	}
	if (Condition{FlowID: "up", States: []StateType{StateSuccess}}).Matches(exec) {
		t.Fatalf("WARNING should not match an explicit SUCCESS condition")
	}
	if (Condition{FlowID: "up", Namespace: "other"}).Matches(exec) {
		t.Fatalf("namespace mismatch should not match")
	}
	if (Condition{FlowID: "down"}).Matches(exec) {
		t.Fatalf("flow mismatch should not match")
	}
	if (Condition{FlowID: "up"}).Matches(nil) {
		t.Fatalf("nil execution should not match")
	}
}

func TestStateHistory(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewState(start)
	if s.Current != StateCreated || !s.Current.IsCreated() {
		t.Fatalf("expected CREATED, got %s", s.Current)
	}

	running := s.WithState(StateRunning, start.Add(time.Second))
	if same := running.WithState(StateRunning, start.Add(time.Minute)); len(same.Histories) != 2 {
		t.Fatalf("moving to the current state should not add history")
	}
	done := running.WithState(StateSuccess, start.Add(5*time.Second))

	if len(s.Histories) != 1 {
		t.Fatalf("WithState must not mutate the receiver history")
	}
	if !done.IsTerminal() || done.Current.IsFailed() {
		t.Fatalf("SUCCESS should be terminal and not failed")
	}
	if done.Duration() != 5*time.Second || !done.EndDate().Equal(start.Add(5*time.Second)) {
		t.Fatalf("unexpected duration %s end %s", done.Duration(), done.EndDate())
	}
	if !running.EndDate().IsZero() {
		t.Fatalf("non-terminal state should have no end date")
	}
	if !StateKilled.IsFailed() || !StateKilling.IsRunning() || StateKilling.IsTerminal() {
		t.Fatalf("unexpected kill state predicates")
	}
}
