package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/conduit/pkg/api"
)

// MemoryQueue is an in-process Queue. Group members are assigned keys by
// hashing. When a member joins, pending messages are spread again over the
// group, except for keys a member is handling at that moment: those stay
// with their member until acknowledged, so a key is never split between two
// members. Messages published to a group without members are kept until one
// subscribes, and messages no group accepts yet go to the first group created
// that accepts them.
type MemoryQueue struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	subs   map[*memMember]struct{}
	closed bool

	retryDelay time.Duration
	logger     *slog.Logger
}

type memTopic struct {
	groups    map[string]*memGroup
	broadcast map[*memMember]struct{}
	orphans   []api.Message
}

type memGroup struct {
	opts    SubscribeOptions
	members []*memMember
	backlog []api.Message
	owners  map[string]*keyOwner
}

// keyOwner pins a key to the member holding its unacknowledged messages.
type keyOwner struct {
	member      *memMember
	outstanding int
}

type memMember struct {
	q       *MemoryQueue
	topic   string
	opts    SubscribeOptions
	handler Handler
	group   *memGroup

	mu      sync.Mutex
	pending []api.Message
	busy    bool
	current string
	wake    chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue returns an empty in-process queue. A nil logger uses
// slog.Default().
func NewMemoryQueue(logger *slog.Logger) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{
		topics:     make(map[string]*memTopic),
		subs:       make(map[*memMember]struct{}),
		retryDelay: 20 * time.Millisecond,
		logger:     logger,
	}
}

func (q *MemoryQueue) topic(name string) *memTopic {
	t, ok := q.topics[name]
	if !ok {
		t = &memTopic{
			groups:    make(map[string]*memGroup),
			broadcast: make(map[*memMember]struct{}),
		}
		q.topics[name] = t
	}
	return t
}

func (q *MemoryQueue) Publish(ctx context.Context, topic string, m api.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	t := q.topic(topic)
	accepted := false
	for _, g := range t.groups {
		if g.opts.accepts(m) {
			g.route(m)
			accepted = true
		}
	}
	if !accepted {
		t.orphans = append(t.orphans, m)
	}
	for mm := range t.broadcast {
		if mm.opts.accepts(m) {
			mm.push(m)
		}
	}
	return nil
}

func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, opts SubscribeOptions, h Handler) (Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	mm := &memMember{
		q:       q,
		topic:   topic,
		opts:    opts,
		handler: h,
		wake:    make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	t := q.topic(topic)
	if opts.Group == "" {
		t.broadcast[mm] = struct{}{}
	} else {
		name := opts.GroupName()
		g, ok := t.groups[name]
		if !ok {
			g = &memGroup{opts: opts, owners: make(map[string]*keyOwner)}
			kept := t.orphans[:0]
			for _, m := range t.orphans {
				if opts.accepts(m) {
					g.backlog = append(g.backlog, m)
				} else {
					kept = append(kept, m)
				}
			}
			t.orphans = kept
			t.groups[name] = g
		}
		mm.group = g
		g.members = append(g.members, mm)
		if len(g.members) > 1 {
			g.rebalance()
		}
		backlog := g.backlog
		g.backlog = nil
		for _, m := range backlog {
			g.route(m)
		}
	}
	q.subs[mm] = struct{}{}

	go mm.run(subCtx)
	return mm, nil
}

// Close stops every subscription.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	subs := make([]*memMember, 0, len(q.subs))
	for mm := range q.subs {
		subs = append(subs, mm)
	}
	q.mu.Unlock()

	for _, mm := range subs {
		_ = mm.Close()
	}
	return nil
}

func (g *memGroup) route(m api.Message) {
	if len(g.members) == 0 {
		g.backlog = append(g.backlog, m)
		return
	}
	o, ok := g.owners[m.Key]
	if !ok {
		o = &keyOwner{member: g.members[partition(m.Key, len(g.members))]}
		g.owners[m.Key] = o
	}
	o.outstanding++
	o.member.push(m)
}

// ack releases one outstanding message of key held by mm. Called with the
// queue lock held.
func (g *memGroup) ack(mm *memMember, key string) {
	o, ok := g.owners[key]
	if !ok || o.member != mm {
		return
	}
	o.outstanding--
	if o.outstanding <= 0 {
		delete(g.owners, key)
	}
}

// rebalance takes back the pending messages of every member and routes them
// over the current membership. Messages of a key being handled stay with the
// member handling it. Called with the queue lock held.
func (g *memGroup) rebalance() {
	owners := make(map[string]*keyOwner)
	var moved []api.Message
	for _, mm := range g.members {
		mm.mu.Lock()
		var stay []api.Message
		if mm.busy {
			owners[mm.current] = &keyOwner{member: mm, outstanding: 1}
		}
		for _, m := range mm.pending {
			if mm.busy && m.Key == mm.current {
				stay = append(stay, m)
				owners[m.Key].outstanding++
				continue
			}
			moved = append(moved, m)
		}
		mm.pending = stay
		mm.mu.Unlock()
	}
	g.owners = owners
	for _, m := range moved {
		g.route(m)
	}
}

func (mm *memMember) push(m api.Message) {
	mm.mu.Lock()
	mm.pending = append(mm.pending, m)
	mm.mu.Unlock()
	select {
	case mm.wake <- struct{}{}:
	default:
	}
}

func (mm *memMember) next(ctx context.Context) (api.Message, bool) {
	for {
		mm.mu.Lock()
		if len(mm.pending) > 0 {
			m := mm.pending[0]
			mm.pending = mm.pending[1:]
			mm.busy = true
			mm.current = m.Key
			mm.mu.Unlock()
			return m, true
		}
		mm.mu.Unlock()

		select {
		case <-mm.wake:
		case <-ctx.Done():
			return api.Message{}, false
		}
	}
}

func (mm *memMember) run(ctx context.Context) {
	defer close(mm.done)
	defer mm.leave()

	for {
		m, ok := mm.next(ctx)
		if !ok {
			return
		}
		for {
			err := mm.handler(ctx, m)
			if err == nil {
				mm.acked(m)
				break
			}
			mm.q.logger.WarnContext(ctx, "message handler failed",
				slog.String("topic", mm.topic),
				slog.String("group", mm.opts.GroupName()),
				slog.String("key", m.Key),
				slog.Any("error", err),
			)
			if !sleepCtx(ctx, mm.q.retryDelay) {
				mm.mu.Lock()
				mm.pending = append([]api.Message{m}, mm.pending...)
				mm.busy = false
				mm.mu.Unlock()
				return
			}
		}
	}
}

func (mm *memMember) acked(m api.Message) {
	if mm.group == nil {
		return
	}
	mm.q.mu.Lock()
	mm.mu.Lock()
	mm.busy = false
	mm.mu.Unlock()
	mm.group.ack(mm, m.Key)
	mm.q.mu.Unlock()
}

// leave removes mm from its topic and hands its undelivered messages back
// to the remaining members of its group.
func (mm *memMember) leave() {
	q := mm.q
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.subs, mm)
	t := q.topic(mm.topic)
	if mm.opts.Group == "" {
		delete(t.broadcast, mm)
		return
	}

	g := mm.group
	for key, o := range g.owners {
		if o.member == mm {
			delete(g.owners, key)
		}
	}
	for i, other := range g.members {
		if other == mm {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}

	mm.mu.Lock()
	pending := mm.pending
	mm.pending = nil
	mm.mu.Unlock()

	// Pending messages of mm are routed again in their original order.
	var all []api.Message
	all = append(all, g.backlog...)
	g.backlog = nil
	all = append(all, pending...)
	for _, m := range all {
		g.route(m)
	}
}

func (mm *memMember) Close() error {
	mm.cancel()
	<-mm.done
	return nil
}
