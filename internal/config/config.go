// Package config loads conduit settings from a YAML file and CONDUIT_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend kinds.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// Config holds the configuration of every conduit component.
type Config struct {
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	// Queue selects the message queue backend: memory, sqlite, postgres or redis.
	Queue struct {
		Backend    string        `mapstructure:"backend"`
		Partitions int           `mapstructure:"partitions"`
		Poll       time.Duration `mapstructure:"poll"`
		LockTTL    time.Duration `mapstructure:"lock_ttl"`

		// Retention is how long consumed messages stay in the SQL queue
		// tables. Zero disables the purge.
		Retention time.Duration `mapstructure:"retention"`
	} `mapstructure:"queue"`

	// Store selects the persistence backend: memory, sqlite, postgres, redis
	// or mongo.
	Store struct {
		Backend string `mapstructure:"backend"`
	} `mapstructure:"store"`

	SQLite struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"sqlite"`
	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"postgres"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Prefix   string `mapstructure:"prefix"`
	} `mapstructure:"redis"`
	Mongo struct {
		URI      string `mapstructure:"uri"`
		Database string `mapstructure:"database"`
	} `mapstructure:"mongo"`

	Worker struct {
		ID                string        `mapstructure:"id"`
		Slots             int           `mapstructure:"slots"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		KilledTTL         time.Duration `mapstructure:"killed_ttl"`
		ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"worker"`

	Liveness struct {
		HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
		CheckInterval    time.Duration `mapstructure:"check_interval"`
		SkipExecutions   []string      `mapstructure:"skip_executions"`
	} `mapstructure:"liveness"`

	Triggers struct {
		PurgeInterval time.Duration `mapstructure:"purge_interval"`
		PollInterval  time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"triggers"`

	Expr struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"expr"`

	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	// Flows is a directory of YAML flow files registered at startup.
	Flows string `mapstructure:"flows"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.partitions", 8)
	v.SetDefault("queue.poll", 50*time.Millisecond)
	v.SetDefault("queue.lock_ttl", 30*time.Second)
	v.SetDefault("queue.retention", 24*time.Hour)
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("sqlite.dsn", "file:conduit.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "conduit:")
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "conduit")
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.slots", 4)
	v.SetDefault("worker.heartbeat_interval", 3*time.Second)
	v.SetDefault("worker.killed_ttl", 10*time.Minute)
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)
	v.SetDefault("liveness.heartbeat_timeout", 9*time.Second)
	v.SetDefault("liveness.check_interval", 3*time.Second)
	v.SetDefault("liveness.skip_executions", []string{})
	v.SetDefault("triggers.purge_interval", time.Hour)
	v.SetDefault("triggers.poll_interval", time.Minute)
	v.SetDefault("expr.timeout", time.Second)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("flows", "")
}

// Load reads path (when not empty) and applies CONDUIT_* environment
// overrides on top of the defaults. Nested keys use underscores, e.g.
// CONDUIT_WORKER_SLOTS.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("conduit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks backend names and liveness timings.
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("unsupported queue backend %q", c.Queue.Backend)
	}
	switch c.Store.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendRedis, BackendMongo:
	default:
		return fmt.Errorf("unsupported store backend %q", c.Store.Backend)
	}
	if (c.Queue.Backend == BackendPostgres || c.Store.Backend == BackendPostgres) && c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required for the postgres backend")
	}
	if c.Liveness.HeartbeatTimeout < 3*c.Worker.HeartbeatInterval {
		return fmt.Errorf("liveness.heartbeat_timeout %s must be at least 3 x worker.heartbeat_interval %s",
			c.Liveness.HeartbeatTimeout, c.Worker.HeartbeatInterval)
	}
	return nil
}

// NewLogger builds a slog logger writing to stderr. format is "text" or
// "json"; level is one of debug, info, warn, error.
func NewLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}
