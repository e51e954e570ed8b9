// Package queue is the transport between the executor, the workers and the
// liveness coordinator.
//
// Every backend delivers messages at least once. Subscribers sharing a
// consumer group split the messages of a topic between them, with all
// messages of one key going to a single member in publish order. A
// subscriber without a group sees every message published after it
// subscribed.
package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"time"

	"github.com/petrijr/conduit/pkg/api"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Handler processes one message. A non-nil error leaves the message
// unacknowledged so that it is delivered again.
type Handler func(ctx context.Context, m api.Message) error

// SubscribeOptions select how a subscription receives messages.
type SubscribeOptions struct {
	// Group is the consumer group. Empty means broadcast.
	Group string

	// Type restricts delivery to one message kind. Subscriptions of the same
	// group with different types keep independent positions.
	Type api.MessageKind
}

// GroupName is the identity of the consumer group selected by o.
func (o SubscribeOptions) GroupName() string {
	if o.Type == "" {
		return o.Group
	}
	return o.Group + "|" + string(o.Type)
}

func (o SubscribeOptions) accepts(m api.Message) bool {
	return o.Type == "" || o.Type == m.Type
}

// Subscription is a running consumer. Close stops it and waits for its
// handler to return.
type Subscription interface {
	Close() error
}

// PartitionOwner is implemented by group subscriptions that read a subset
// of the partitions of their topic.
type PartitionOwner interface {
	// Partitions returns the partitions currently read, in ascending order.
	Partitions() []int
}

// Queue is implemented by every transport backend.
type Queue interface {
	// Publish appends m to topic. Messages are partitioned by m.Key.
	Publish(ctx context.Context, topic string, m api.Message) error

	// Subscribe starts consuming topic in the background until ctx ends or
	// the subscription is closed.
	Subscribe(ctx context.Context, topic string, opts SubscribeOptions, h Handler) (Subscription, error)

	Close() error
}

// Publish encodes p and publishes it on topic under key.
func Publish(ctx context.Context, q Queue, topic, key string, p api.Payload) error {
	m, err := api.Encode(key, p, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := q.Publish(ctx, topic, m); err != nil {
		return fmt.Errorf("publish %s to %s: %w", p.Kind(), topic, err)
	}
	return nil
}

// PayloadHandler adapts a handler of decoded payloads. Messages that cannot
// be decoded are logged and acknowledged so that they do not block their key.
func PayloadHandler(logger *slog.Logger, h func(ctx context.Context, p api.Payload) error) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, m api.Message) error {
		p, err := api.Decode(m)
		if err != nil {
			logger.ErrorContext(ctx, "dropping undecodable message",
				slog.String("type", string(m.Type)),
				slog.String("key", m.Key),
				slog.Any("error", err),
			)
			return nil
		}
		return h(ctx, p)
	}
}

func partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(crc32.ChecksumIEEE([]byte(key)) % uint32(n))
}

// sleepCtx waits for d or until ctx ends. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

const defaultRetryDelay = 200 * time.Millisecond

// Retry calls fn until it succeeds, at most attempts times. It waits delay
// after the first failure and doubles the wait after each further one.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	attempts = max(attempts, 1)
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if !sleepCtx(ctx, delay) {
			return errors.Join(err, ctx.Err())
		}
		delay *= 2
	}
	return err
}
