// Package trigger correlates terminal executions for multiple-condition
// triggers and decides when such a trigger fires.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/pkg/api"
)

const defaultWindow = 24 * time.Hour

// ErrUnknownCondition is returned when a condition id is not declared by
// the trigger.
var ErrUnknownCondition = errors.New("unknown condition")

var (
	// errIgnored aborts a window update without writing.
	errIgnored = errors.New("satisfaction ignored")
	// errRefired aborts the update of a satisfaction that already fired.
	errRefired = errors.New("satisfaction already fired")
)

// WindowState is the outcome of recording one satisfied condition.
type WindowState struct {
	Window persistence.Window
	// Fired is true for the recording that completed the condition set, and
	// again when the same source records it a second time.
	Fired bool
	// Ignored is true when the satisfaction fell outside any window or was
	// already consumed by a previous fire.
	Ignored bool
}

// Store records condition satisfactions in time-bounded windows.
type Store struct {
	windows persistence.WindowStore
}

// NewStore returns a Store persisting windows in windows.
func NewStore(windows persistence.WindowStore) *Store {
	return &Store{windows: windows}
}

// WindowKey identifies the window of one trigger of a flow.
func WindowKey(flow *api.Flow, conditionSetID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", flow.Tenant, flow.Namespace, flow.ID, conditionSetID)
}

// RecordSatisfied marks conditionID of the multiple-condition trigger
// conditionSetID of flow as satisfied at ts. The window is updated with a
// compare-and-set so that concurrent recordings never lose an update, and
// the trigger fires exactly once per completed set: after firing, recorded
// results are cleared (unless the trigger disables ResetOnSuccess) while the
// window bounds are kept.
//
// A satisfaction after the end of the current window opens the next one; a
// satisfaction before its start, or at or before the last fire, is ignored.
func (s *Store) RecordSatisfied(ctx context.Context, flow *api.Flow, conditionSetID, conditionID string, ts time.Time) (WindowState, error) {
	return s.RecordSatisfiedBy(ctx, flow, conditionSetID, conditionID, "", ts)
}

// RecordSatisfiedBy is RecordSatisfied for a satisfaction identified by
// source, usually an execution id. Recording the source that completed the
// last fire again reports Fired without changing the window, so a caller
// that failed to act on the fire can retry.
func (s *Store) RecordSatisfiedBy(ctx context.Context, flow *api.Flow, conditionSetID, conditionID, source string, ts time.Time) (WindowState, error) {
	def, ok := findTrigger(flow, conditionSetID)
	if !ok {
		return WindowState{}, fmt.Errorf("%w: trigger %s not found in %s", ErrUnknownCondition, conditionSetID, flow.Ref())
	}
	if !declares(def, conditionID) {
		return WindowState{}, fmt.Errorf("%w: %s in trigger %s", ErrUnknownCondition, conditionID, conditionSetID)
	}

	spec := def.Window
	start, end, ok := bounds(spec, ts)
	if !ok {
		return WindowState{Ignored: true}, nil
	}
	sliding := spec.Type == api.WindowSliding
	length := windowLength(spec)
	key := WindowKey(flow, conditionSetID)

	var fired bool
	w, err := s.windows.UpdateWindow(ctx, key, func(w persistence.Window, exists bool) (persistence.Window, bool, error) {
		fired = false
		switch {
		case !exists, !sliding && ts.After(w.End):
			w = persistence.Window{
				Namespace:      flow.Namespace,
				FlowID:         flow.ID,
				ConditionSetID: conditionSetID,
				Start:          start,
				End:            end,
			}
		case !sliding && ts.Before(w.Start):
			return w, true, errIgnored
		}
		if !w.FiredAt.IsZero() && !ts.After(w.FiredAt) {
			if source != "" && source == w.FiredBy {
				return w, true, errRefired
			}
			return w, true, errIgnored
		}
		if w.Results == nil {
			w.Results = make(map[string]bool)
		}
		if w.SatisfiedAt == nil {
			w.SatisfiedAt = make(map[string]time.Time)
		}

		if sliding {
			cutoff := ts.Add(-length)
			for id, at := range w.SatisfiedAt {
				if at.Before(cutoff) {
					delete(w.SatisfiedAt, id)
					delete(w.Results, id)
				}
			}
		}

		before := complete(def, w.Results)
		w.Results[conditionID] = true
		if at, ok := w.SatisfiedAt[conditionID]; !ok || ts.After(at) {
			w.SatisfiedAt[conditionID] = ts
		}
		if sliding {
			w.Start, w.End = slidingBounds(w.SatisfiedAt, length)
		}

		if !before && complete(def, w.Results) {
			fired = true
			w.FiredAt = latest(w.SatisfiedAt)
			w.FiredBy = source
			if def.ResetsOnSuccess() {
				w.Results = make(map[string]bool)
				w.SatisfiedAt = make(map[string]time.Time)
			}
		}
		return w, true, nil
	})
	if errors.Is(err, errIgnored) || errors.Is(err, errRefired) {
		cur, _, getErr := s.windows.GetWindow(ctx, key)
		if getErr != nil {
			return WindowState{}, getErr
		}
		if errors.Is(err, errRefired) {
			return WindowState{Window: cur, Fired: true}, nil
		}
		return WindowState{Window: cur, Ignored: true}, nil
	}
	if err != nil {
		return WindowState{}, err
	}
	return WindowState{Window: w, Fired: fired}, nil
}

// Get returns the current window of a trigger.
func (s *Store) Get(ctx context.Context, flow *api.Flow, conditionSetID string) (persistence.Window, bool, error) {
	return s.windows.GetWindow(ctx, WindowKey(flow, conditionSetID))
}

// PurgeExpired deletes windows that ended before now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	return s.windows.DeleteExpiredWindows(ctx, now)
}

func findTrigger(flow *api.Flow, id string) (api.TriggerDef, bool) {
	for _, t := range flow.Triggers {
		if t.ID == id && t.Type == api.TriggerMultipleCondition {
			return t, true
		}
	}
	return api.TriggerDef{}, false
}

func declares(def api.TriggerDef, conditionID string) bool {
	for _, c := range def.Conditions {
		if c.ID == conditionID {
			return true
		}
	}
	return false
}

func complete(def api.TriggerDef, results map[string]bool) bool {
	for _, c := range def.Conditions {
		if !results[c.ID] {
			return false
		}
	}
	return len(def.Conditions) > 0
}

func latest(satisfied map[string]time.Time) time.Time {
	var out time.Time
	for _, at := range satisfied {
		if at.After(out) {
			out = at
		}
	}
	return out
}

func windowLength(spec api.WindowSpec) time.Duration {
	if spec.Window <= 0 {
		return defaultWindow
	}
	return spec.Window
}

func midnight(ts time.Time) time.Time {
	y, m, d := ts.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, ts.Location())
}

// bounds returns the window containing ts. ok is false when ts falls
// outside every window, which only happens for daily time windows.
func bounds(spec api.WindowSpec, ts time.Time) (start, end time.Time, ok bool) {
	length := windowLength(spec)
	switch spec.Type {
	case api.WindowSliding:
		return ts.Add(-length), ts.Add(length), true
	case api.WindowDailyTime:
		day := midnight(ts)
		start, end = day.Add(spec.StartTime), day.Add(spec.EndTime)
		if ts.Before(start) || ts.After(end) {
			return time.Time{}, time.Time{}, false
		}
		return start, end, true
	default:
		origin := midnight(ts).Add(spec.Advance)
		diff := ts.Sub(origin)
		k := diff / length
		if diff%length < 0 {
			k--
		}
		start = origin.Add(k * length)
		return start, start.Add(length - time.Millisecond), true
	}
}

// slidingBounds spans from the oldest satisfaction to the time the newest
// one drops out of the window.
func slidingBounds(satisfied map[string]time.Time, length time.Duration) (start, end time.Time) {
	for _, at := range satisfied {
		if start.IsZero() || at.Before(start) {
			start = at
		}
		if at.After(end) {
			end = at
		}
	}
	return start, end.Add(length)
}
