package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/pkg/api"
)

var day = time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)

func listener(window api.WindowSpec, reset *bool, conditions ...string) *api.Flow {
	conds := make([]api.Condition, 0, len(conditions))
	for _, id := range conditions {
		conds = append(conds, api.Condition{ID: id, FlowID: "upstream-" + id})
	}
	return &api.Flow{
		Namespace: "tests",
		ID:        "listener",
		Revision:  1,
		Tasks:     []api.TaskDef{{ID: "t", Type: api.TaskTypeNoop}},
		Triggers: []api.TriggerDef{{
			ID:             "both-done",
			Type:           api.TriggerMultipleCondition,
			Conditions:     conds,
			Window:         window,
			ResetOnSuccess: reset,
		}},
	}
}

func record(t *testing.T, s *Store, flow *api.Flow, cond string, ts time.Time) WindowState {
	t.Helper()
	state, err := s.RecordSatisfied(context.Background(), flow, "both-done", cond, ts)
	if err != nil {
		t.Fatalf("RecordSatisfied(%s) failed: %v", cond, err)
	}
	return state
}

func TestRecordSatisfied_FiresOnceWhenAllConditionsMet(t *testing.T) {
	s := NewStore(persistence.NewInMemoryStore())
	flow := listener(api.WindowSpec{}, nil, "a", "b")

	if st := record(t, s, flow, "a", day.Add(time.Hour)); st.Fired {
		t.Fatalf("must not fire on a partial set")
	}
	if st := record(t, s, flow, "a", day.Add(2*time.Hour)); st.Fired {
		t.Fatalf("a duplicate condition must not fire")
	}
	st := record(t, s, flow, "b", day.Add(3*time.Hour))
	if !st.Fired {
		t.Fatalf("expected the trigger to fire")
	}
	if len(st.Window.Results) != 0 {
		t.Fatalf("results must be reset after firing, got %v", st.Window.Results)
	}
	if !st.Window.Start.Equal(day) || !st.Window.End.Equal(day.Add(24*time.Hour-time.Millisecond)) {
		t.Fatalf("bounds must be kept, got %s..%s", st.Window.Start, st.Window.End)
	}

	if st := record(t, s, flow, "b", day.Add(4*time.Hour)); st.Fired {
		t.Fatalf("a partial update after firing must not fire again")
	}
	if st := record(t, s, flow, "a", day.Add(5*time.Hour)); !st.Fired {
		t.Fatalf("a second full set in the same window must fire again")
	}
}

func TestRecordSatisfied_RedeliveryAfterFireIsIgnored(t *testing.T) {
	s := NewStore(persistence.NewInMemoryStore())
	flow := listener(api.WindowSpec{}, nil, "a", "b")

	record(t, s, flow, "a", day.Add(time.Hour))
	if st := record(t, s, flow, "b", day.Add(2*time.Hour)); !st.Fired {
		t.Fatalf("expected fire")
	}
	for _, redelivered := range []struct {
		cond string
		ts   time.Time
	}{{"a", day.Add(time.Hour)}, {"b", day.Add(2 * time.Hour)}} {
		st := record(t, s, flow, redelivered.cond, redelivered.ts)
		if st.Fired || !st.Ignored {
			t.Fatalf("redelivered %s must be ignored, got %#v", redelivered.cond, st)
		}
	}
	w, ok, err := s.Get(context.Background(), flow, "both-done")
	if err != nil || !ok {
		t.Fatalf("Get failed: %v %v", ok, err)
	}
	if len(w.Results) != 0 {
		t.Fatalf("ignored satisfactions must not be recorded, got %v", w.Results)
	}
}

func TestRecordSatisfied_FiredAtCoversLateArrivals(t *testing.T) {
	s := NewStore(persistence.NewInMemoryStore())
	flow := listener(api.WindowSpec{}, nil, "a", "b")

	record(t, s, flow, "a", day.Add(5*time.Hour))
	st := record(t, s, flow, "b", day.Add(3*time.Hour))
	if !st.Fired {
		t.Fatalf("expected fire")
	}
	if !st.Window.FiredAt.Equal(day.Add(5 * time.Hour)) {
		t.Fatalf("FiredAt must be the latest consumed satisfaction, got %s", st.Window.FiredAt)
	}
	if st := record(t, s, flow, "a", day.Add(4*time.Hour)); !st.Ignored {
		t.Fatalf("a satisfaction older than a consumed one must be ignored, got %#v", st)
	}
	if st := record(t, s, flow, "a", day.Add(6*time.Hour)); st.Ignored || st.Fired {
		t.Fatalf("a newer satisfaction must be recorded, got %#v", st)
	}
}

func TestRecordSatisfiedBy_SameSourceReportsFireAgain(t *testing.T) {
	s := NewStore(persistence.NewInMemoryStore())
	flow := listener(api.WindowSpec{}, nil, "a", "b")
	ctx := context.Background()

	if _, err := s.RecordSatisfiedBy(ctx, flow, "both-done", "a", "exec-a", day.Add(time.Hour)); err != nil {
		t.Fatalf("RecordSatisfiedBy failed: %v", err)
	}
	first, err := s.RecordSatisfiedBy(ctx, flow, "both-done", "b", "exec-b", day.Add(2*time.Hour))
	if err != nil || !first.Fired {
		t.Fatalf("expected fire, got %#v %v", first, err)
	}
	if first.Window.FiredBy != "exec-b" {
		t.Fatalf("unexpected FiredBy %q", first.Window.FiredBy)
	}

	again, err := s.RecordSatisfiedBy(ctx, flow, "both-done", "b", "exec-b", day.Add(2*time.Hour))
	if err != nil || !again.Fired || again.Ignored {
		t.Fatalf("the completing source must report the fire again, got %#v %v", again, err)
	}
	if again.Window.Version != first.Window.Version {
		t.Fatalf("reporting a fire again must not write the window")
	}
	other, err := s.RecordSatisfiedBy(ctx, flow, "both-done", "a", "exec-a", day.Add(time.Hour))
	if err != nil || other.Fired || !other.Ignored {
		t.Fatalf("a consumed source must be ignored, got %#v %v", other, err)
	}
}

func TestRecordSatisfied_DurationWindowRollsOver(t *testing.T) {
	s := NewStore(persistence.NewInMemoryStore())
	flow := listener(api.WindowSpec{Type: api.WindowDuration, Window: time.Hour}, nil, "a", "b")

	record(t, s, flow, "a", day.Add(10*time.Hour+10*time.Minute))
	st := record(t, s, flow, "b", day.Add(11*time.Hour+5*time.Minute))
	if st.Fired {
		t.Fatalf("conditions in different windows must not fire")
	}
	if !st.Window.Start.Equal(day.Add(11*time.Hour)) || st.Window.Results["a"] {
		t.Fatalf("expected a fresh 11:00 window, got %s %v", st.Window.Start, st.Window.Results)
	}

	early := record(t, s, flow, "a", day.Add(10*time.Hour+50*time.Minute))
	if !early.Ignored || early.Fired {
		t.Fatalf("a satisfaction before the window start must be ignored, got %#v", early)
	}
	if st := record(t, s, flow, "a", day.Add(11*time.Hour+30*time.Minute)); !st.Fired {
		t.Fatalf("expected fire within the 11:00 window")
	}
}

func TestBounds(t *testing.T) {
	ts := day.Add(10*time.Hour + 3*time.Minute)
	cases := []struct {
		name       string
		spec       api.WindowSpec
		start, end time.Time
	}{
		{"default day", api.WindowSpec{}, day, day.Add(24*time.Hour - time.Millisecond)},
		{"negative advance", api.WindowSpec{Window: 24 * time.Hour, Advance: -4 * time.Hour},
			day.Add(-4 * time.Hour), day.Add(20*time.Hour - time.Millisecond)},
		{"quarter hours", api.WindowSpec{Window: 15 * time.Minute, Advance: -5 * time.Minute},
			day.Add(9*time.Hour + 55*time.Minute), day.Add(10*time.Hour + 10*time.Minute - time.Millisecond)},
		{"six hours from 6am", api.WindowSpec{Window: 6 * time.Hour, Advance: 6 * time.Hour},
			day.Add(6 * time.Hour), day.Add(12*time.Hour - time.Millisecond)},
	}
	for _, tc := range cases {
		start, end, ok := bounds(tc.spec, ts)
		if !ok || !start.Equal(tc.start) || !end.Equal(tc.end) {
			t.Fatalf("%s: got %s..%s (%v), want %s..%s", tc.name, start, end, ok, tc.start, tc.end)
		}
	}
}

func TestRecordSatisfied_DailyTimeWindow(t *testing.T) {
	s := NewStore(persistence.NewInMemoryStore())
	flow := listener(api.WindowSpec{Type: api.WindowDailyTime, StartTime: 6 * time.Hour, EndTime: 9 * time.Hour}, nil, "a", "b")

	if st := record(t, s, flow, "a", day.Add(5*time.Hour)); !st.Ignored {
		t.Fatalf("satisfaction before the daily window must be ignored")
	}
	record(t, s, flow, "a", day.Add(6*time.Hour+30*time.Minute))
	if st := record(t, s, flow, "b", day.Add(10*time.Hour)); !st.Ignored || st.Fired {
		t.Fatalf("satisfaction after the daily window must be ignored, got %#v", st)
	}
	if st := record(t, s, flow, "b", day.Add(8*time.Hour)); !st.Fired {
		t.Fatalf("expected fire inside the daily window")
	}

	next := day.Add(24 * time.Hour)
	if st := record(t, s, flow, "a", next.Add(7*time.Hour)); st.Fired || st.Window.Results["b"] {
		t.Fatalf("the next day must start from an empty window, got %#v", st.Window)
	}
}

func TestRecordSatisfied_SlidingWindow(t *testing.T) {
	s := NewStore(persistence.NewInMemoryStore())
	flow := listener(api.WindowSpec{Type: api.WindowSliding, Window: time.Hour}, nil, "a", "b")

	record(t, s, flow, "a", day.Add(10*time.Hour))
	st := record(t, s, flow, "b", day.Add(11*time.Hour+time.Minute))
	if st.Fired {
		t.Fatalf("a must have slid out of the window")
	}
	if st.Window.Results["a"] {
		t.Fatalf("expired condition must be dropped, got %v", st.Window.Results)
	}
	st = record(t, s, flow, "a", day.Add(11*time.Hour+30*time.Minute))
	if !st.Fired {
		t.Fatalf("expected fire within one hour")
	}
	if !st.Window.End.Equal(day.Add(12*time.Hour + 30*time.Minute)) {
		t.Fatalf("sliding window end must follow the newest satisfaction, got %s", st.Window.End)
	}
}

func TestRecordSatisfied_WithoutReset(t *testing.T) {
	s := NewStore(persistence.NewInMemoryStore())
	keep := false
	flow := listener(api.WindowSpec{}, &keep, "a", "b")

	record(t, s, flow, "a", day.Add(time.Hour))
	st := record(t, s, flow, "b", day.Add(2*time.Hour))
	if !st.Fired || !st.Window.Results["a"] || !st.Window.Results["b"] {
		t.Fatalf("expected fire with results kept, got %#v", st)
	}
	if st := record(t, s, flow, "a", day.Add(3*time.Hour)); st.Fired {
		t.Fatalf("a satisfied window without reset fires once")
	}
}

func TestRecordSatisfied_UnknownCondition(t *testing.T) {
	s := NewStore(persistence.NewInMemoryStore())
	flow := listener(api.WindowSpec{}, nil, "a", "b")

	_, err := s.RecordSatisfied(context.Background(), flow, "both-done", "c", day)
	if !errors.Is(err, ErrUnknownCondition) {
		t.Fatalf("expected ErrUnknownCondition, got %v", err)
	}
	_, err = s.RecordSatisfied(context.Background(), flow, "missing", "a", day)
	if !errors.Is(err, ErrUnknownCondition) {
		t.Fatalf("expected ErrUnknownCondition for an unknown trigger, got %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	mem := persistence.NewInMemoryStore()
	s := NewStore(mem)
	flow := listener(api.WindowSpec{Window: time.Hour}, nil, "a", "b")
	record(t, s, flow, "a", day.Add(time.Hour))

	n, err := s.PurgeExpired(context.Background(), day.Add(90*time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("open window must not be purged: %d %v", n, err)
	}
	n, err = s.PurgeExpired(context.Background(), day.Add(3*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected one purged window, got %d %v", n, err)
	}
	if _, ok, _ := s.Get(context.Background(), flow, "both-done"); ok {
		t.Fatalf("window still present after purge")
	}
}

func TestRecordSatisfied_SQLiteBackend(t *testing.T) {
	db, err := persistence.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := persistence.NewSQLStore(db, persistence.DialectSQLite)
	if err != nil {
		t.Fatalf("NewSQLStore failed: %v", err)
	}

	s := NewStore(store)
	flow := listener(api.WindowSpec{}, nil, "a", "b")
	record(t, s, flow, "a", day.Add(time.Hour))
	record(t, s, flow, "a", day.Add(time.Hour+time.Minute))
	if st := record(t, s, flow, "b", day.Add(2*time.Hour)); !st.Fired {
		t.Fatalf("expected fire on the SQLite backend")
	}
	if st := record(t, s, flow, "b", day.Add(2*time.Hour)); !st.Ignored {
		t.Fatalf("redelivery must be ignored on the SQLite backend")
	}
}
