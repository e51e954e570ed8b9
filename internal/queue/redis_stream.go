package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/conduit/pkg/api"
)

// RedisStreamConfig tunes a RedisStreamQueue. Zero values select defaults.
type RedisStreamConfig struct {
	// Prefix is prepended to every key. Defaults to "conduit:".
	Prefix string
	// Partitions is the number of streams per topic. Defaults to 8.
	Partitions int
	// LeaseTTL bounds how long a crashed member keeps its partitions.
	// Defaults to 10s.
	LeaseTTL time.Duration
	// PollInterval is the blocking read timeout. Defaults to 200ms.
	PollInterval time.Duration
	// BatchSize is the number of entries read per call. Defaults to 64.
	BatchSize int64
	// MaxLen approximately trims every stream. Zero keeps everything.
	MaxLen int64
	// RetryDelay is the pause after a handler failure. Defaults to 200ms.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

func (c *RedisStreamConfig) defaults() {
	if c.Prefix == "" {
		c.Prefix = "conduit:"
	}
	if c.Partitions <= 0 {
		c.Partitions = 8
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RedisStreamQueue is a log-based Queue on Redis Streams.
//
// Every topic is split into Partitions streams:
//
//	<prefix>q:<topic>:<partition>
//
// A message goes to partition crc32(key) mod Partitions. Consumer groups map
// to Redis consumer groups. Within a group each partition is read by the one
// member holding its lease key, and members take a fair share of the
// partitions based on a liveness sorted set. When a member takes over a
// partition it first claims and replays the entries the previous owner left
// unacknowledged. Broadcast subscribers read the streams with XREAD.
type RedisStreamQueue struct {
	client *redis.Client
	cfg    RedisStreamConfig
	id     string

	mu     sync.Mutex
	subs   map[Subscription]struct{}
	seq    int
	closed bool
}

var _ Queue = (*RedisStreamQueue)(nil)

// NewRedisStreamQueue returns a queue using client.
func NewRedisStreamQueue(client *redis.Client, cfg RedisStreamConfig) *RedisStreamQueue {
	cfg.defaults()
	return &RedisStreamQueue{
		client: client,
		cfg:    cfg,
		id:     uuid.NewString(),
		subs:   make(map[Subscription]struct{}),
	}
}

func (q *RedisStreamQueue) streamKey(topic string, p int) string {
	return q.cfg.Prefix + "q:" + topic + ":" + strconv.Itoa(p)
}

func (q *RedisStreamQueue) membersKey(topic, group string) string {
	return q.cfg.Prefix + "q:" + topic + ":members:" + group
}

func (q *RedisStreamQueue) leaseKey(topic, group string, p int) string {
	return q.cfg.Prefix + "q:" + topic + ":lease:" + group + ":" + strconv.Itoa(p)
}

func (q *RedisStreamQueue) Publish(ctx context.Context, topic string, m api.Message) error {
	args := &redis.XAddArgs{
		Stream: q.streamKey(topic, partition(m.Key, q.cfg.Partitions)),
		Values: map[string]any{
			"type":         string(m.Type),
			"key":          m.Key,
			"value":        m.Value,
			"published_at": m.PublishedAt.UnixNano(),
		},
	}
	if q.cfg.MaxLen > 0 {
		args.MaxLen = q.cfg.MaxLen
		args.Approx = true
	}
	return q.client.XAdd(ctx, args).Err()
}

func (q *RedisStreamQueue) Subscribe(ctx context.Context, topic string, opts SubscribeOptions, h Handler) (Subscription, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.seq++
	consumer := q.id + "-" + strconv.Itoa(q.seq)
	q.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	var (
		sub Subscription
		err error
	)
	if opts.Group == "" {
		sub, err = q.newBroadcastSub(subCtx, cancel, topic, opts, h)
	} else {
		sub, err = q.newGroupSub(subCtx, cancel, topic, consumer, opts, h)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub, nil
}

// Close stops every subscription and releases their partitions. It does
// not close the Redis client.
func (q *RedisStreamQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	subs := make([]Subscription, 0, len(q.subs))
	for s := range q.subs {
		subs = append(subs, s)
	}
	q.subs = make(map[Subscription]struct{})
	q.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func (q *RedisStreamQueue) forget(s Subscription) {
	q.mu.Lock()
	delete(q.subs, s)
	q.mu.Unlock()
}

var (
	// Acquires a partition lease, re-entrant for the same owner.
	// Returns 1 if acquired or refreshed, 0 otherwise.
	streamLeaseAcquireLua = `
local cur = redis.call('GET', KEYS[1])
if not cur then
	redis.call('PSETEX', KEYS[1], tonumber(ARGV[2]), ARGV[1])
	return 1
end
if cur == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
	return 1
end
return 0
`

	// Extends a lease held by ARGV[1]. Returns 1 if renewed, 0 otherwise.
	streamLeaseRenewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
	return 1
end
return 0
`

	// Deletes a lease held by ARGV[1]. Returns 1 if released, 0 otherwise.
	streamLeaseReleaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`
)

func evalBool(ctx context.Context, c *redis.Client, script string, keys []string, args ...any) (bool, error) {
	res, err := c.Eval(ctx, script, keys, args...).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// streamMessage converts a stream entry back into an envelope.
func streamMessage(xm redis.XMessage) (api.Message, error) {
	typ, _ := xm.Values["type"].(string)
	if typ == "" {
		return api.Message{}, fmt.Errorf("stream entry %s has no type", xm.ID)
	}
	key, _ := xm.Values["key"].(string)
	value, _ := xm.Values["value"].(string)
	ts, _ := xm.Values["published_at"].(string)
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return api.Message{}, fmt.Errorf("stream entry %s: published_at: %w", xm.ID, err)
	}
	return api.Message{
		Type:        api.MessageKind(typ),
		Key:         key,
		Value:       []byte(value),
		PublishedAt: time.Unix(0, nanos).UTC(),
	}, nil
}

type ownedPartition struct {
	stream string
	// recovering is set while unacknowledged entries must be replayed
	// before reading new ones.
	recovering bool
}

type redisGroupSub struct {
	q        *RedisStreamQueue
	topic    string
	group    string
	consumer string
	opts     SubscribeOptions
	handler  Handler
	logger   *slog.Logger

	owned         map[int]*ownedPartition
	assigned      atomic.Pointer[[]int]
	lastRebalance time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func (q *RedisStreamQueue) newGroupSub(ctx context.Context, cancel context.CancelFunc, topic, consumer string, opts SubscribeOptions, h Handler) (*redisGroupSub, error) {
	group := opts.GroupName()
	for p := 0; p < q.cfg.Partitions; p++ {
		err := q.client.XGroupCreateMkStream(ctx, q.streamKey(topic, p), group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("create group %s on %s: %w", group, topic, err)
		}
	}
	s := &redisGroupSub{
		q:        q,
		topic:    topic,
		group:    group,
		consumer: consumer,
		opts:     opts,
		handler:  h,
		logger: q.cfg.Logger.With(
			slog.String("topic", topic),
			slog.String("group", group),
			slog.String("consumer", consumer),
		),
		owned:  make(map[int]*ownedPartition),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

var _ PartitionOwner = (*redisGroupSub)(nil)

// Partitions returns the partitions whose lease s held at the last
// rebalance.
func (s *redisGroupSub) Partitions() []int {
	if ids := s.assigned.Load(); ids != nil {
		return append([]int(nil), (*ids)...)
	}
	return nil
}

func (s *redisGroupSub) Close() error {
	s.cancel()
	<-s.done
	s.q.forget(s)
	return nil
}

func (s *redisGroupSub) run(ctx context.Context) {
	defer close(s.done)
	defer s.leave()

	for ctx.Err() == nil {
		if time.Since(s.lastRebalance) >= s.q.cfg.LeaseTTL/3 {
			if err := s.rebalance(ctx); err != nil {
				if ctx.Err() == nil {
					s.logger.WarnContext(ctx, "partition rebalance failed", slog.Any("error", err))
					sleepCtx(ctx, s.q.cfg.RetryDelay)
				}
				continue
			}
		}
		if err := s.consume(ctx); err != nil && ctx.Err() == nil {
			s.logger.WarnContext(ctx, "stream read failed", slog.Any("error", err))
			sleepCtx(ctx, s.q.cfg.RetryDelay)
		}
	}
}

// rebalance refreshes this member's liveness, keeps the leases it owns and
// adjusts them to a fair share of the partitions.
func (s *redisGroupSub) rebalance(ctx context.Context) error {
	cfg := s.q.cfg
	now := time.Now()
	membersKey := s.q.membersKey(s.topic, s.group)

	pipe := s.q.client.TxPipeline()
	pipe.ZAdd(ctx, membersKey, redis.Z{Score: float64(now.UnixMilli()), Member: s.consumer})
	pipe.ZRemRangeByScore(ctx, membersKey, "-inf", strconv.FormatInt(now.Add(-cfg.LeaseTTL).UnixMilli(), 10))
	card := pipe.ZCard(ctx, membersKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	members := int(card.Val())
	if members < 1 {
		members = 1
	}
	share := (cfg.Partitions + members - 1) / members
	ttl := cfg.LeaseTTL.Milliseconds()

	for _, p := range s.ownedIDs() {
		ok, err := evalBool(ctx, s.q.client, streamLeaseRenewLua, []string{s.q.leaseKey(s.topic, s.group, p)}, s.consumer, ttl)
		if err != nil {
			return err
		}
		if !ok {
			s.logger.InfoContext(ctx, "partition lease lost", slog.Int("partition", p))
			delete(s.owned, p)
		}
	}

	for ids := s.ownedIDs(); len(ids) > share; ids = ids[:len(ids)-1] {
		p := ids[len(ids)-1]
		if _, err := evalBool(ctx, s.q.client, streamLeaseReleaseLua, []string{s.q.leaseKey(s.topic, s.group, p)}, s.consumer); err != nil {
			return err
		}
		delete(s.owned, p)
	}

	first := int(crc32.ChecksumIEEE([]byte(s.consumer)) % uint32(cfg.Partitions))
	for i := 0; i < cfg.Partitions && len(s.owned) < share; i++ {
		p := (first + i) % cfg.Partitions
		if _, ok := s.owned[p]; ok {
			continue
		}
		ok, err := evalBool(ctx, s.q.client, streamLeaseAcquireLua, []string{s.q.leaseKey(s.topic, s.group, p)}, s.consumer, ttl)
		if err != nil {
			return err
		}
		if ok {
			s.owned[p] = &ownedPartition{stream: s.q.streamKey(s.topic, p), recovering: true}
		}
	}

	ids := s.ownedIDs()
	s.assigned.Store(&ids)
	s.lastRebalance = now
	return nil
}

// keepAlive renews the membership and the leases of the owned partitions
// every LeaseTTL/3 until the returned stop function is called, so that a
// long-running handler does not lose its partitions.
func (s *redisGroupSub) keepAlive(ctx context.Context) (stop func()) {
	ids := s.ownedIDs()
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(s.q.cfg.LeaseTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := s.renew(ctx, ids); err != nil && ctx.Err() == nil {
					s.logger.WarnContext(ctx, "lease renewal failed", slog.Any("error", err))
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// renew refreshes the liveness of s and the leases of ids. Lost leases are
// only logged; the next rebalance drops them.
func (s *redisGroupSub) renew(ctx context.Context, ids []int) error {
	now := time.Now()
	err := s.q.client.ZAdd(ctx, s.q.membersKey(s.topic, s.group), redis.Z{Score: float64(now.UnixMilli()), Member: s.consumer}).Err()
	if err != nil {
		return err
	}
	ttl := s.q.cfg.LeaseTTL.Milliseconds()
	for _, p := range ids {
		ok, err := evalBool(ctx, s.q.client, streamLeaseRenewLua, []string{s.q.leaseKey(s.topic, s.group, p)}, s.consumer, ttl)
		if err != nil {
			return err
		}
		if !ok {
			s.logger.WarnContext(ctx, "partition lease lost while handling", slog.Int("partition", p))
		}
	}
	return nil
}

func (s *redisGroupSub) ownedIDs() []int {
	ids := make([]int, 0, len(s.owned))
	for p := range s.owned {
		ids = append(ids, p)
	}
	sort.Ints(ids)
	return ids
}

func (s *redisGroupSub) consume(ctx context.Context) error {
	ids := s.ownedIDs()
	if len(ids) == 0 {
		sleepCtx(ctx, s.q.cfg.PollInterval)
		return nil
	}

	failed := false
	var streams []string
	byStream := make(map[string]*ownedPartition, len(ids))
	for _, p := range ids {
		op := s.owned[p]
		if op.recovering {
			ok, err := s.replayPending(ctx, op)
			if err != nil {
				return err
			}
			if !ok {
				failed = true
				continue
			}
		}
		streams = append(streams, op.stream)
		byStream[op.stream] = op
	}
	if len(streams) == 0 {
		if failed {
			sleepCtx(ctx, s.q.cfg.RetryDelay)
		}
		return nil
	}

	args := make([]string, 0, 2*len(streams))
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}
	res, err := s.q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  args,
		Count:    s.q.cfg.BatchSize,
		Block:    s.q.cfg.PollInterval,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, xs := range res {
		op := byStream[xs.Stream]
		if op == nil {
			continue
		}
		for _, xm := range xs.Messages {
			if err := s.deliver(ctx, xs.Stream, xm); err != nil {
				// Later entries stay pending and are replayed in order.
				op.recovering = true
				failed = true
				break
			}
		}
	}
	if failed {
		sleepCtx(ctx, s.q.cfg.RetryDelay)
	}
	return nil
}

// replayPending claims every pending entry of op's stream and replays them in
// order. It returns false when a handler failed.
func (s *redisGroupSub) replayPending(ctx context.Context, op *ownedPartition) (bool, error) {
	start := "0-0"
	for {
		_, next, err := s.q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   op.stream,
			Group:    s.group,
			Consumer: s.consumer,
			MinIdle:  0,
			Start:    start,
			Count:    s.q.cfg.BatchSize,
		}).Result()
		if err != nil {
			return false, err
		}
		if next == "" || next == "0-0" {
			break
		}
		start = next
	}

	for {
		res, err := s.q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{op.stream, "0"},
			Count:    s.q.cfg.BatchSize,
			Block:    -1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, err
		}
		var entries []redis.XMessage
		for _, xs := range res {
			entries = append(entries, xs.Messages...)
		}
		if len(entries) == 0 {
			op.recovering = false
			return true, nil
		}
		for _, xm := range entries {
			if err := s.deliver(ctx, op.stream, xm); err != nil {
				return false, nil
			}
		}
	}
}

func (s *redisGroupSub) deliver(ctx context.Context, stream string, xm redis.XMessage) error {
	m, err := streamMessage(xm)
	if err != nil {
		s.logger.ErrorContext(ctx, "dropping malformed stream entry", slog.String("id", xm.ID), slog.Any("error", err))
		return s.q.client.XAck(ctx, stream, s.group, xm.ID).Err()
	}
	if s.opts.accepts(m) {
		stop := s.keepAlive(ctx)
		err := s.handler(ctx, m)
		stop()
		if err != nil {
			s.logger.WarnContext(ctx, "message handler failed",
				slog.String("key", m.Key),
				slog.String("id", xm.ID),
				slog.Any("error", err),
			)
			return err
		}
	}
	return s.q.client.XAck(ctx, stream, s.group, xm.ID).Err()
}

// leave hands the owned partitions back to the group.
func (s *redisGroupSub) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, p := range s.ownedIDs() {
		_, _ = evalBool(ctx, s.q.client, streamLeaseReleaseLua, []string{s.q.leaseKey(s.topic, s.group, p)}, s.consumer)
	}
	s.owned = make(map[int]*ownedPartition)
	s.assigned.Store(nil)
	_ = s.q.client.ZRem(ctx, s.q.membersKey(s.topic, s.group), s.consumer).Err()
}

type redisBroadcastSub struct {
	q       *RedisStreamQueue
	topic   string
	opts    SubscribeOptions
	handler Handler
	logger  *slog.Logger

	streams []string
	ids     []string

	cancel context.CancelFunc
	done   chan struct{}
}

func (q *RedisStreamQueue) newBroadcastSub(ctx context.Context, cancel context.CancelFunc, topic string, opts SubscribeOptions, h Handler) (*redisBroadcastSub, error) {
	s := &redisBroadcastSub{
		q:       q,
		topic:   topic,
		opts:    opts,
		handler: h,
		logger:  q.cfg.Logger.With(slog.String("topic", topic)),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	// Start after the current tail of every partition.
	for p := 0; p < q.cfg.Partitions; p++ {
		stream := q.streamKey(topic, p)
		last, err := q.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("read tail of %s: %w", stream, err)
		}
		id := "0-0"
		if len(last) > 0 {
			id = last[0].ID
		}
		s.streams = append(s.streams, stream)
		s.ids = append(s.ids, id)
	}
	go s.run(ctx)
	return s, nil
}

func (s *redisBroadcastSub) Close() error {
	s.cancel()
	<-s.done
	s.q.forget(s)
	return nil
}

func (s *redisBroadcastSub) run(ctx context.Context) {
	defer close(s.done)

	index := make(map[string]int, len(s.streams))
	for i, st := range s.streams {
		index[st] = i
	}

	for ctx.Err() == nil {
		args := make([]string, 0, 2*len(s.streams))
		args = append(args, s.streams...)
		args = append(args, s.ids...)
		res, err := s.q.client.XRead(ctx, &redis.XReadArgs{
			Streams: args,
			Count:   s.q.cfg.BatchSize,
			Block:   s.q.cfg.PollInterval,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				s.logger.WarnContext(ctx, "stream read failed", slog.Any("error", err))
				sleepCtx(ctx, s.q.cfg.RetryDelay)
			}
			continue
		}

		failed := false
		for _, xs := range res {
			i := index[xs.Stream]
			for _, xm := range xs.Messages {
				m, err := streamMessage(xm)
				if err == nil && s.opts.accepts(m) {
					if err := s.handler(ctx, m); err != nil {
						s.logger.WarnContext(ctx, "message handler failed", slog.String("key", m.Key), slog.Any("error", err))
						failed = true
						break
					}
				}
				s.ids[i] = xm.ID
			}
		}
		if failed {
			sleepCtx(ctx, s.q.cfg.RetryDelay)
		}
	}
}
