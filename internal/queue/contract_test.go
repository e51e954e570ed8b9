package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/conduit/pkg/api"
)

const waitTimeout = 15 * time.Second

func msg(kind api.MessageKind, key string, seq int) api.Message {
	return api.Message{
		Type:        kind,
		Key:         key,
		Value:       []byte(strconv.Itoa(seq)),
		PublishedAt: time.Now().UTC(),
	}
}

// recorder collects delivered messages across subscriptions.
type recorder struct {
	mu   sync.Mutex
	got  []api.Message
	wake chan struct{}
}

func newRecorder() *recorder {
	return &recorder{wake: make(chan struct{}, 1)}
}

func (r *recorder) handle(ctx context.Context, m api.Message) error {
	r.mu.Lock()
	r.got = append(r.got, m)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

func (r *recorder) snapshot() []api.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.Message(nil), r.got...)
}

// waitDistinct waits until n distinct (key, value) pairs were delivered.
func (r *recorder) waitDistinct(t *testing.T, n int) []api.Message {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		got := r.snapshot()
		if len(distinct(got)) >= n {
			return got
		}
		select {
		case <-r.wake:
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out: got %d distinct messages, want %d", len(distinct(got)), n)
		}
	}
}

func distinct(ms []api.Message) map[string]bool {
	out := make(map[string]bool, len(ms))
	for _, m := range ms {
		out[m.Key+"/"+string(m.Value)] = true
	}
	return out
}

// assertKeyOrder checks that, per key, first deliveries follow publish order.
func assertKeyOrder(t *testing.T, ms []api.Message) {
	t.Helper()
	last := make(map[string]int)
	seen := make(map[string]bool)
	for _, m := range ms {
		id := m.Key + "/" + string(m.Value)
		if seen[id] {
			continue
		}
		seen[id] = true
		seq, err := strconv.Atoi(string(m.Value))
		if err != nil {
			t.Fatalf("bad value %q", m.Value)
		}
		if prev, ok := last[m.Key]; ok && seq < prev {
			t.Fatalf("key %s: message %d delivered after %d", m.Key, seq, prev)
		}
		last[m.Key] = seq
	}
}

func subscribe(t *testing.T, q Queue, topic string, opts SubscribeOptions, h Handler) Subscription {
	t.Helper()
	sub, err := q.Subscribe(context.Background(), topic, opts, h)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func publish(t *testing.T, q Queue, topic string, m api.Message) {
	t.Helper()
	if err := q.Publish(context.Background(), topic, m); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func runQueueContract(t *testing.T, newQ func(t *testing.T) Queue) {
	t.Run("PublishedBeforeSubscribe", func(t *testing.T) {
		q := newQ(t)
		for i := 0; i < 3; i++ {
			publish(t, q, "jobs", msg(api.KindWorkerTask, "k", i))
		}
		rec := newRecorder()
		subscribe(t, q, "jobs", SubscribeOptions{Group: "workers"}, rec.handle)
		got := rec.waitDistinct(t, 3)
		assertKeyOrder(t, got)
	})

	t.Run("GroupSplitsAndKeepsKeyOrder", func(t *testing.T) {
		q := newQ(t)
		rec := newRecorder()
		subscribe(t, q, "jobs", SubscribeOptions{Group: "workers"}, rec.handle)
		subscribe(t, q, "jobs", SubscribeOptions{Group: "workers"}, rec.handle)

		const perKey = 10
		for i := 0; i < perKey; i++ {
			for k := 0; k < 4; k++ {
				publish(t, q, "jobs", msg(api.KindWorkerTask, fmt.Sprintf("key-%d", k), i))
			}
		}
		got := rec.waitDistinct(t, 4*perKey)
		assertKeyOrder(t, got)
	})

	t.Run("RedeliversAfterHandlerError", func(t *testing.T) {
		q := newQ(t)
		rec := newRecorder()
		var (
			mu     sync.Mutex
			failed bool
		)
		subscribe(t, q, "executor", SubscribeOptions{Group: "executor"}, func(ctx context.Context, m api.Message) error {
			mu.Lock()
			if string(m.Value) == "1" && !failed {
				failed = true
				mu.Unlock()
				return fmt.Errorf("transient failure")
			}
			mu.Unlock()
			return rec.handle(ctx, m)
		})

		for i := 0; i < 3; i++ {
			publish(t, q, "executor", msg(api.KindWorkerTaskResult, "exec-1", i))
		}
		got := rec.waitDistinct(t, 3)
		assertKeyOrder(t, got)
		mu.Lock()
		defer mu.Unlock()
		if !failed {
			t.Fatalf("handler never failed")
		}
	})

	t.Run("BroadcastReachesEverySubscriber", func(t *testing.T) {
		q := newQ(t)
		a, b := newRecorder(), newRecorder()
		subscribe(t, q, "killed", SubscribeOptions{}, a.handle)
		subscribe(t, q, "killed", SubscribeOptions{}, b.handle)

		for i := 0; i < 5; i++ {
			publish(t, q, "killed", msg(api.KindExecutionKilled, fmt.Sprintf("exec-%d", i), i))
		}
		a.waitDistinct(t, 5)
		b.waitDistinct(t, 5)
	})

	t.Run("TypeFilteredGroupsAreIndependent", func(t *testing.T) {
		q := newQ(t)
		tasks, triggers := newRecorder(), newRecorder()
		subscribe(t, q, "jobs", SubscribeOptions{Group: "workers", Type: api.KindWorkerTask}, tasks.handle)
		subscribe(t, q, "jobs", SubscribeOptions{Group: "workers", Type: api.KindWorkerTrigger}, triggers.handle)

		publish(t, q, "jobs", msg(api.KindWorkerTask, "a", 1))
		publish(t, q, "jobs", msg(api.KindWorkerTrigger, "b", 2))
		publish(t, q, "jobs", msg(api.KindWorkerTask, "c", 3))

		gotTasks := tasks.waitDistinct(t, 2)
		gotTriggers := triggers.waitDistinct(t, 1)
		time.Sleep(200 * time.Millisecond)
		for _, m := range tasks.snapshot() {
			if m.Type != api.KindWorkerTask {
				t.Fatalf("task subscription received %s", m.Type)
			}
		}
		for _, m := range triggers.snapshot() {
			if m.Type != api.KindWorkerTrigger {
				t.Fatalf("trigger subscription received %s", m.Type)
			}
		}
		if len(distinct(gotTasks)) != 2 || len(distinct(gotTriggers)) != 1 {
			t.Fatalf("unexpected deliveries: %d tasks, %d triggers", len(gotTasks), len(gotTriggers))
		}
	})

	t.Run("ClosedMemberHandsOver", func(t *testing.T) {
		q := newQ(t)
		first := newRecorder()
		sub := subscribe(t, q, "jobs", SubscribeOptions{Group: "workers"}, first.handle)
		publish(t, q, "jobs", msg(api.KindWorkerTask, "k", 0))
		first.waitDistinct(t, 1)
		if err := sub.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		publish(t, q, "jobs", msg(api.KindWorkerTask, "k", 1))
		second := newRecorder()
		subscribe(t, q, "jobs", SubscribeOptions{Group: "workers"}, second.handle)
		got := second.waitDistinct(t, 1)
		for _, m := range got {
			if string(m.Value) == "0" {
				// An acknowledged message must not come back.
				t.Fatalf("message 0 redelivered after acknowledgement")
			}
		}
	})

	t.Run("PublishHelperEncodes", func(t *testing.T) {
		q := newQ(t)
		done := make(chan api.Payload, 1)
		subscribe(t, q, "killed", SubscribeOptions{}, PayloadHandler(nil, func(ctx context.Context, p api.Payload) error {
			done <- p
			return nil
		}))
		if err := Publish(context.Background(), q, "killed", "exec-9", api.ExecutionKilled{ExecutionID: "exec-9"}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		select {
		case p := <-done:
			k, ok := p.(api.ExecutionKilled)
			if !ok || k.ExecutionID != "exec-9" {
				t.Fatalf("unexpected payload %#v", p)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for payload")
		}
	})
}
