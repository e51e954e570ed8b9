package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Queue.Backend != BackendMemory || cfg.Store.Backend != BackendMemory {
		t.Fatalf("unexpected backends: %q %q", cfg.Queue.Backend, cfg.Store.Backend)
	}
	if cfg.Worker.Slots != 4 || cfg.Worker.HeartbeatInterval != 3*time.Second {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Worker)
	}
	if cfg.Liveness.HeartbeatTimeout != 9*time.Second {
		t.Fatalf("unexpected heartbeat timeout: %s", cfg.Liveness.HeartbeatTimeout)
	}
	if cfg.Queue.Retention != 24*time.Hour {
		t.Fatalf("unexpected queue retention: %s", cfg.Queue.Retention)
	}
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	body := `
queue:
  backend: sqlite
store:
  backend: sqlite
worker:
  slots: 2
  heartbeat_interval: 1s
liveness:
  heartbeat_timeout: 5s
  skip_executions: [a, b]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONDUIT_WORKER_SLOTS", "16")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Queue.Backend != BackendSQLite {
		t.Fatalf("expected sqlite queue, got %q", cfg.Queue.Backend)
	}
	if cfg.Worker.Slots != 16 {
		t.Fatalf("environment must override the file, got %d slots", cfg.Worker.Slots)
	}
	if cfg.Worker.HeartbeatInterval != time.Second || cfg.Liveness.HeartbeatTimeout != 5*time.Second {
		t.Fatalf("durations not decoded: %+v %+v", cfg.Worker, cfg.Liveness)
	}
	if len(cfg.Liveness.SkipExecutions) != 2 {
		t.Fatalf("expected two skipped executions, got %v", cfg.Liveness.SkipExecutions)
	}
}

func TestLoad_RejectsShortHeartbeatTimeout(t *testing.T) {
	t.Setenv("CONDUIT_LIVENESS_HEARTBEAT_TIMEOUT", "5s")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected an error for a timeout below 3 heartbeat intervals")
	}
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("CONDUIT_QUEUE_BACKEND", "kafka")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected an error for an unknown queue backend")
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger("debug", "json"); err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if _, err := NewLogger("loud", "text"); err == nil {
		t.Fatalf("expected an error for an unknown level")
	}
	if _, err := NewLogger("info", "xml"); err == nil {
		t.Fatalf("expected an error for an unknown format")
	}
}
