package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/conduit"
	"github.com/petrijr/conduit/internal/config"
	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/internal/queue"
)

// connections opens each backend connection at most once so that the queue
// and the store can share it.
type connections struct {
	cfg     *config.Config
	sqlite  *sql.DB
	pg      *sql.DB
	redis   *redis.Client
	mongo   *mongo.Client
	closers []func() error
}

func (c *connections) sqlDB(kind string) (*sql.DB, persistence.Dialect, error) {
	switch kind {
	case config.BackendSQLite:
		if c.sqlite == nil {
			db, err := persistence.OpenSQLite(c.cfg.SQLite.DSN)
			if err != nil {
				return nil, 0, err
			}
			c.sqlite = db
			c.closers = append(c.closers, db.Close)
		}
		return c.sqlite, persistence.DialectSQLite, nil
	default:
		if c.pg == nil {
			db, err := persistence.OpenPostgres(c.cfg.Postgres.DSN)
			if err != nil {
				return nil, 0, err
			}
			c.pg = db
			c.closers = append(c.closers, db.Close)
		}
		return c.pg, persistence.DialectPostgres, nil
	}
}

func (c *connections) redisClient(ctx context.Context) (*redis.Client, error) {
	if c.redis == nil {
		client := redis.NewClient(&redis.Options{
			Addr:     c.cfg.Redis.Addr,
			Password: c.cfg.Redis.Password,
			DB:       c.cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis %s: %w", c.cfg.Redis.Addr, err)
		}
		c.redis = client
		c.closers = append(c.closers, client.Close)
	}
	return c.redis, nil
}

func (c *connections) mongoClient(ctx context.Context) (*mongo.Client, error) {
	if c.mongo == nil {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("mongo %s: %w", c.cfg.Mongo.URI, err)
		}
		c.mongo = client
		c.closers = append(c.closers, func() error { return client.Disconnect(context.Background()) })
	}
	return c.mongo, nil
}

func (c *connections) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i]()
	}
}

// openBackend builds the queue and the store selected by cfg.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*conduit.Backend, error) {
	conns := &connections{cfg: cfg}
	q, err := openQueue(ctx, conns, logger)
	if err != nil {
		conns.close()
		return nil, err
	}
	p, err := openStore(ctx, conns)
	if err != nil {
		_ = q.Close()
		conns.close()
		return nil, err
	}
	b := conduit.NewBackend(q, p)
	b.OnClose(func() error {
		conns.close()
		return nil
	})
	logger.Info("backend ready",
		slog.String("queue", cfg.Queue.Backend),
		slog.String("store", cfg.Store.Backend),
	)
	return b, nil
}

func openQueue(ctx context.Context, c *connections, logger *slog.Logger) (queue.Queue, error) {
	cfg := c.cfg
	switch cfg.Queue.Backend {
	case config.BackendMemory:
		return queue.NewMemoryQueue(logger), nil
	case config.BackendSQLite, config.BackendPostgres:
		db, dialect, err := c.sqlDB(cfg.Queue.Backend)
		if err != nil {
			return nil, err
		}
		return queue.NewSQLQueue(db, dialect, queue.SQLQueueConfig{
			PollInterval: cfg.Queue.Poll,
			LockTTL:      cfg.Queue.LockTTL,
			Logger:       logger,
		})
	case config.BackendRedis:
		client, err := c.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return queue.NewRedisStreamQueue(client, queue.RedisStreamConfig{
			Prefix:       cfg.Redis.Prefix,
			Partitions:   cfg.Queue.Partitions,
			PollInterval: cfg.Queue.Poll,
			Logger:       logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
	}
}

func openStore(ctx context.Context, c *connections) (persistence.Persistence, error) {
	cfg := c.cfg
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return persistence.NewInMemoryPersistence(), nil
	case config.BackendSQLite, config.BackendPostgres:
		db, dialect, err := c.sqlDB(cfg.Store.Backend)
		if err != nil {
			return persistence.Persistence{}, err
		}
		store, err := persistence.NewSQLStore(db, dialect)
		if err != nil {
			return persistence.Persistence{}, err
		}
		return store.Persistence(), nil
	case config.BackendRedis:
		client, err := c.redisClient(ctx)
		if err != nil {
			return persistence.Persistence{}, err
		}
		return persistence.NewRedisStore(client, cfg.Redis.Prefix).Persistence(), nil
	case config.BackendMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := c.mongoClient(connectCtx)
		if err != nil {
			return persistence.Persistence{}, err
		}
		return persistence.NewMongoStore(client, cfg.Mongo.Database).Persistence(), nil
	default:
		return persistence.Persistence{}, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

// purgeQueue periodically removes SQL queue messages older than retention.
// Other queue backends keep no history to purge.
func purgeQueue(ctx context.Context, q queue.Queue, retention time.Duration, logger *slog.Logger) {
	sq, ok := q.(*queue.SQLQueue)
	if !ok || retention <= 0 {
		return
	}
	interval := retention / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := sq.Purge(ctx, now.Add(-retention))
			if err != nil {
				logger.Warn("queue purge failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				logger.Info("purged queue messages", slog.Int64("count", n))
			}
		}
	}
}
