package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/pkg/api"
)

// SQLQueueConfig tunes an SQLQueue. Zero values select defaults.
type SQLQueueConfig struct {
	// PollInterval is the pause between empty polls. Defaults to 50ms.
	PollInterval time.Duration
	// BatchSize is the number of messages read per poll. Defaults to 64.
	BatchSize int
	// LockTTL is how long a claim survives without being extended. Claims
	// of a crashed consumer can be taken over once it expires. Defaults to 30s.
	LockTTL time.Duration
	// RetryDelay is the pause after a handler failure. Defaults to 200ms.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

func (c *SQLQueueConfig) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// SQLQueue is a relational-poll Queue on SQLite or PostgreSQL.
//
// Schema (created automatically if missing):
//
//	queue_messages (msg_offset, topic, msg_type, msg_key, value, published_at)
//	queue_claims   (consumer_group, msg_offset, owner, locked_until, done)
//	queue_groups   (consumer_group, topic, start_offset)
//
// Messages are appended to queue_messages and never updated. A consumer
// group processes a message by inserting its claim row; a claim whose lock
// expired can be taken over by another member. A message is not handed out
// while an earlier message with the same key is claimed and not done, which
// keeps per-key order across the members of a group. Broadcast subscribers
// only keep an in-memory cursor.
type SQLQueue struct {
	db      *sql.DB
	dialect persistence.Dialect
	cfg     SQLQueueConfig
	id      string

	mu     sync.Mutex
	subs   map[Subscription]struct{}
	seq    int
	closed bool
}

var _ Queue = (*SQLQueue)(nil)

// NewSQLQueue creates the queue tables if needed and returns a queue. The
// database should be opened with persistence.OpenSQLite or
// persistence.OpenPostgres.
func NewSQLQueue(db *sql.DB, dialect persistence.Dialect, cfg SQLQueueConfig) (*SQLQueue, error) {
	cfg.defaults()
	q := &SQLQueue{
		db:      db,
		dialect: dialect,
		cfg:     cfg,
		id:      uuid.NewString(),
		subs:    make(map[Subscription]struct{}),
	}
	if err := q.initSchema(); err != nil {
		return nil, fmt.Errorf("init %s queue schema: %w", dialect, err)
	}
	return q, nil
}

func (q *SQLQueue) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue_messages (
			msg_offset ` + q.dialect.SerialKey() + `,
			topic TEXT NOT NULL,
			msg_type TEXT NOT NULL,
			msg_key TEXT NOT NULL,
			value ` + q.dialect.BlobType() + ` NOT NULL,
			published_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS queue_messages_topic_idx ON queue_messages (topic, msg_offset)`,
		`CREATE INDEX IF NOT EXISTS queue_messages_key_idx ON queue_messages (topic, msg_key, msg_offset)`,
		`CREATE TABLE IF NOT EXISTS queue_claims (
			consumer_group TEXT NOT NULL,
			msg_offset BIGINT NOT NULL,
			owner TEXT NOT NULL,
			locked_until BIGINT NOT NULL,
			done INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (consumer_group, msg_offset)
		)`,
		`CREATE TABLE IF NOT EXISTS queue_groups (
			consumer_group TEXT NOT NULL,
			topic TEXT NOT NULL,
			start_offset BIGINT NOT NULL,
			PRIMARY KEY (consumer_group, topic)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (q *SQLQueue) Publish(ctx context.Context, topic string, m api.Message) error {
	_, err := q.db.ExecContext(ctx, q.dialect.Rebind(`
		INSERT INTO queue_messages (topic, msg_type, msg_key, value, published_at)
		VALUES (?, ?, ?, ?, ?)`),
		topic, string(m.Type), m.Key, m.Value, m.PublishedAt.UnixNano(),
	)
	return err
}

func (q *SQLQueue) Subscribe(ctx context.Context, topic string, opts SubscribeOptions, h Handler) (Subscription, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.seq++
	owner := fmt.Sprintf("%s-%d", q.id, q.seq)
	q.mu.Unlock()

	s := &sqlSub{
		q:       q,
		topic:   topic,
		opts:    opts,
		group:   opts.GroupName(),
		owner:   owner,
		handler: h,
		logger:  q.cfg.Logger.With(slog.String("topic", topic), slog.String("group", opts.GroupName())),
		done:    make(chan struct{}),
	}
	if opts.Group == "" {
		cursor, err := q.tail(ctx, topic)
		if err != nil {
			return nil, err
		}
		s.cursor = cursor
	} else {
		if _, err := q.db.ExecContext(ctx, q.dialect.Rebind(`
			INSERT INTO queue_groups (consumer_group, topic, start_offset) VALUES (?, ?, 0)
			ON CONFLICT DO NOTHING`), s.group, topic); err != nil {
			return nil, fmt.Errorf("register group %s: %w", s.group, err)
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	q.mu.Lock()
	q.subs[s] = struct{}{}
	q.mu.Unlock()

	go s.run(subCtx)
	return s, nil
}

// Close stops every subscription. It does not close the database.
func (q *SQLQueue) Close() error {
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

// Purge deletes messages published before olderThan that every consumer
// group of their topic accepting their type has finished, together with
// their claims. It returns the number of messages removed.
func (q *SQLQueue) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(`
		DELETE FROM queue_messages
		WHERE published_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM queue_groups g
			WHERE g.topic = queue_messages.topic
			AND (g.consumer_group NOT LIKE '%|%' OR g.consumer_group LIKE ('%|' || queue_messages.msg_type))
			AND NOT EXISTS (
				SELECT 1 FROM queue_claims c
				WHERE c.consumer_group = g.consumer_group AND c.msg_offset = queue_messages.msg_offset AND c.done = 1
			)
		)`), olderThan.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_claims
		WHERE NOT EXISTS (SELECT 1 FROM queue_messages m WHERE m.msg_offset = queue_claims.msg_offset)`); err != nil {
		return n, err
	}
	return n, nil
}

func (q *SQLQueue) tail(ctx context.Context, topic string) (int64, error) {
	var last sql.NullInt64
	err := q.db.QueryRowContext(ctx, q.dialect.Rebind(`SELECT MAX(msg_offset) FROM queue_messages WHERE topic = ?`), topic).Scan(&last)
	if err != nil {
		return 0, err
	}
	return last.Int64, nil
}

func (q *SQLQueue) forget(s Subscription) {
	q.mu.Lock()
	delete(q.subs, s)
	q.mu.Unlock()
}

// settleLag is how old a message must be before the start offset of a group
// may move past it.
const settleLag = 10 * time.Second

type sqlMessage struct {
	offset int64
	api.Message
}

type sqlSub struct {
	q       *SQLQueue
	topic   string
	opts    SubscribeOptions
	group   string
	owner   string
	handler Handler
	logger  *slog.Logger

	// cursor is the last offset seen by a broadcast subscriber.
	cursor int64
	polls  int

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *sqlSub) Close() error {
	s.cancel()
	<-s.done
	s.q.forget(s)
	return nil
}

func (s *sqlSub) run(ctx context.Context) {
	defer close(s.done)

	// Use a reusable timer to avoid allocating a new timer on every idle poll.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	defer tmr.Stop()

	for ctx.Err() == nil {
		var (
			n   int
			err error
		)
		if s.opts.Group == "" {
			n, err = s.pollBroadcast(ctx)
		} else {
			n, err = s.pollGroup(ctx)
		}

		wait := s.q.cfg.PollInterval
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			s.logger.WarnContext(ctx, "queue poll failed", slog.Any("error", err))
			wait = s.q.cfg.RetryDelay
		case n > 0:
			continue
		}

		tmr.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-tmr.C:
		}
	}
}

func (s *sqlSub) typeFilter() (string, []any) {
	if s.opts.Type == "" {
		return "", nil
	}
	return " AND m.msg_type = ?", []any{string(s.opts.Type)}
}

// pollBroadcast delivers messages after the cursor. A failed handler stops
// the batch so that the message is read again.
func (s *sqlSub) pollBroadcast(ctx context.Context) (int, error) {
	filter, filterArgs := s.typeFilter()
	args := append([]any{s.topic, s.cursor}, filterArgs...)
	args = append(args, s.q.cfg.BatchSize)
	batch, err := s.query(ctx, `
		SELECT m.msg_offset, m.msg_type, m.msg_key, m.value, m.published_at
		FROM queue_messages m
		WHERE m.topic = ? AND m.msg_offset > ?`+filter+`
		ORDER BY m.msg_offset
		LIMIT ?`, args...)
	if err != nil {
		return 0, err
	}
	for _, m := range batch {
		if err := s.handler(ctx, m.Message); err != nil {
			s.logger.WarnContext(ctx, "message handler failed", slog.String("key", m.Key), slog.Any("error", err))
			return 0, nil
		}
		s.cursor = m.offset
	}
	return len(batch), nil
}

// pollGroup claims and delivers the next available messages of the group.
// It returns the number of messages handled.
func (s *sqlSub) pollGroup(ctx context.Context) (int, error) {
	s.polls++
	if s.polls%32 == 0 {
		if err := s.advanceStart(ctx); err != nil {
			return 0, err
		}
	}

	now := time.Now().UnixNano()
	filter, filterArgs := s.typeFilter()
	args := []any{s.group, s.group, s.topic, s.group, s.topic}
	args = append(args, now)
	args = append(args, filterArgs...)
	args = append(args, s.q.cfg.BatchSize)

	// Candidates: unclaimed or expired messages whose key has no earlier
	// unfinished claim in this group.
	batch, err := s.query(ctx, `
		SELECT m.msg_offset, m.msg_type, m.msg_key, m.value, m.published_at
		FROM queue_messages m
		LEFT JOIN queue_claims c ON c.consumer_group = ? AND c.msg_offset = m.msg_offset
		WHERE NOT EXISTS (
			SELECT 1 FROM queue_messages p
			JOIN queue_claims pc ON pc.consumer_group = ? AND pc.msg_offset = p.msg_offset
			WHERE p.topic = m.topic AND p.msg_key = m.msg_key AND p.msg_offset < m.msg_offset AND pc.done = 0
		)
		AND m.topic = ?
		AND m.msg_offset > (SELECT start_offset FROM queue_groups WHERE consumer_group = ? AND topic = ?)
		AND (c.msg_offset IS NULL OR (c.done = 0 AND c.locked_until < ?))`+filter+`
		ORDER BY m.msg_offset
		LIMIT ?`, args...)
	if err != nil {
		return 0, err
	}

	handled := 0
	blockedKeys := make(map[string]bool)
	for _, m := range batch {
		if blockedKeys[m.Key] {
			continue
		}
		ok, err := s.claim(ctx, m.offset)
		if err != nil {
			return handled, err
		}
		if !ok {
			blockedKeys[m.Key] = true
			continue
		}
		if err := s.handle(ctx, m); err != nil {
			blockedKeys[m.Key] = true
			if ctx.Err() != nil {
				return handled, ctx.Err()
			}
			continue
		}
		handled++
	}
	if len(blockedKeys) > 0 && handled == 0 {
		// Everything left is blocked or failing; back off.
		sleepCtx(ctx, s.q.cfg.RetryDelay)
	}
	return handled, nil
}

func (s *sqlSub) query(ctx context.Context, query string, args ...any) ([]sqlMessage, error) {
	rows, err := s.q.db.QueryContext(ctx, s.q.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sqlMessage
	for rows.Next() {
		var (
			m   sqlMessage
			typ string
			ts  int64
		)
		if err := rows.Scan(&m.offset, &typ, &m.Key, &m.Value, &ts); err != nil {
			return nil, err
		}
		m.Type = api.MessageKind(typ)
		m.PublishedAt = time.Unix(0, ts).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// claim takes the message for this member, either by inserting a new claim
// or by stealing an expired one.
func (s *sqlSub) claim(ctx context.Context, offset int64) (bool, error) {
	now := time.Now()
	until := now.Add(s.q.cfg.LockTTL).UnixNano()

	res, err := s.q.db.ExecContext(ctx, s.q.dialect.Rebind(`
		INSERT INTO queue_claims (consumer_group, msg_offset, owner, locked_until, done)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT DO NOTHING`), s.group, offset, s.owner, until)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	res, err = s.q.db.ExecContext(ctx, s.q.dialect.Rebind(`
		UPDATE queue_claims SET owner = ?, locked_until = ?
		WHERE consumer_group = ? AND msg_offset = ? AND done = 0 AND locked_until < ?`),
		s.owner, until, s.group, offset, now.UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// handle runs the handler while extending the claim, then marks it done or
// releases it.
func (s *sqlSub) handle(ctx context.Context, m sqlMessage) error {
	extendCtx, stopExtend := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(s.q.cfg.LockTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-extendCtx.Done():
				return
			case <-t.C:
				until := time.Now().Add(s.q.cfg.LockTTL).UnixNano()
				_, _ = s.q.db.ExecContext(extendCtx, s.q.dialect.Rebind(`
					UPDATE queue_claims SET locked_until = ?
					WHERE consumer_group = ? AND msg_offset = ? AND owner = ? AND done = 0`),
					until, s.group, m.offset, s.owner)
			}
		}
	}()

	herr := s.handler(ctx, m.Message)
	stopExtend()
	wg.Wait()

	// Finish the claim even if ctx was cancelled meanwhile.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if herr != nil {
		s.logger.WarnContext(ctx, "message handler failed",
			slog.String("key", m.Key),
			slog.Int64("offset", m.offset),
			slog.Any("error", herr),
		)
		_, err := s.q.db.ExecContext(finishCtx, s.q.dialect.Rebind(`
			UPDATE queue_claims SET locked_until = 0
			WHERE consumer_group = ? AND msg_offset = ? AND owner = ? AND done = 0`),
			s.group, m.offset, s.owner)
		if err != nil {
			s.logger.ErrorContext(ctx, "releasing claim failed", slog.Any("error", err))
		}
		return herr
	}
	_, err := s.q.db.ExecContext(finishCtx, s.q.dialect.Rebind(`
		UPDATE queue_claims SET done = 1
		WHERE consumer_group = ? AND msg_offset = ? AND owner = ?`),
		s.group, m.offset, s.owner)
	return err
}

// advanceStart moves the group's start offset past the prefix of messages
// that are all done, so that polls skip consumed history.
func (s *sqlSub) advanceStart(ctx context.Context) error {
	filter, filterArgs := s.typeFilter()
	args := []any{s.group, s.topic, s.group, s.topic}
	args = append(args, filterArgs...)

	var first sql.NullInt64
	err := s.q.db.QueryRowContext(ctx, s.q.dialect.Rebind(`
		SELECT MIN(m.msg_offset)
		FROM queue_messages m
		LEFT JOIN queue_claims c ON c.consumer_group = ? AND c.msg_offset = m.msg_offset
		WHERE m.topic = ?
		AND m.msg_offset > (SELECT start_offset FROM queue_groups WHERE consumer_group = ? AND topic = ?)
		AND (c.done IS NULL OR c.done = 0)`+filter), args...).Scan(&first)
	if err != nil {
		return err
	}

	// Offsets are only trusted once their publishers have surely committed.
	var settled sql.NullInt64
	cutoff := time.Now().Add(-settleLag).UnixNano()
	err = s.q.db.QueryRowContext(ctx, s.q.dialect.Rebind(`
		SELECT MAX(msg_offset) FROM queue_messages WHERE topic = ? AND published_at < ?`),
		s.topic, cutoff).Scan(&settled)
	if err != nil || !settled.Valid {
		return err
	}
	next := settled.Int64
	if first.Valid && first.Int64-1 < next {
		next = first.Int64 - 1
	}
	_, err = s.q.db.ExecContext(ctx, s.q.dialect.Rebind(`
		UPDATE queue_groups SET start_offset = ?
		WHERE consumer_group = ? AND topic = ? AND start_offset < ?`),
		next, s.group, s.topic, next)
	return err
}
