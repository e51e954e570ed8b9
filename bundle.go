package conduit

import (
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/internal/queue"
)

// Backend pairs a message queue with the repositories the executor, the
// workers and the liveness coordinator share.
type Backend struct {
	Queue       Queue
	Persistence Persistence

	closers []func() error
}

// NewBackend combines an arbitrary queue and persistence. Close closes q.
func NewBackend(q Queue, p Persistence) *Backend {
	return &Backend{Queue: q, Persistence: p, closers: []func() error{q.Close}}
}

// NewMemoryBackend returns a process-local backend. Nothing survives the
// process.
func NewMemoryBackend(logger *slog.Logger) *Backend {
	return NewBackend(queue.NewMemoryQueue(logger), persistence.NewInMemoryPersistence())
}

// NewSQLiteBackend constructs a durable queue and store sharing the same
// SQLite database.
//
// Typical usage:
//
//	db, _ := persistence.OpenSQLite("file:conduit.db?_pragma=journal_mode(WAL)")
//	backend, err := conduit.NewSQLiteBackend(db, nil)
func NewSQLiteBackend(db *sql.DB, logger *slog.Logger) (*Backend, error) {
	return newSQLBackend(db, persistence.DialectSQLite, logger)
}

// NewPostgresBackend constructs a durable queue and store sharing the same
// PostgreSQL database.
func NewPostgresBackend(db *sql.DB, logger *slog.Logger) (*Backend, error) {
	return newSQLBackend(db, persistence.DialectPostgres, logger)
}

func newSQLBackend(db *sql.DB, dialect persistence.Dialect, logger *slog.Logger) (*Backend, error) {
	store, err := persistence.NewSQLStore(db, dialect)
	if err != nil {
		return nil, err
	}
	q, err := queue.NewSQLQueue(db, dialect, queue.SQLQueueConfig{
		PollInterval: 20 * time.Millisecond,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	return NewBackend(q, store.Persistence()), nil
}

// NewRedisBackend uses Redis Streams for the queue and Redis for every
// repository. Keys are prefixed with prefix.
func NewRedisBackend(client *redis.Client, prefix string, logger *slog.Logger) *Backend {
	q := queue.NewRedisStreamQueue(client, queue.RedisStreamConfig{Prefix: prefix, Logger: logger})
	return NewBackend(q, persistence.NewRedisStore(client, prefix).Persistence())
}

// NewMongoBackend keeps every repository in MongoDB database dbName and
// publishes messages on q.
func NewMongoBackend(client *mongo.Client, dbName string, q Queue) *Backend {
	return NewBackend(q, persistence.NewMongoStore(client, dbName).Persistence())
}

// OnClose registers fn to run when the backend is closed, after the queue.
func (b *Backend) OnClose(fn func() error) {
	b.closers = append(b.closers, fn)
}

// Close closes the queue and the resources registered with OnClose.
func (b *Backend) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
