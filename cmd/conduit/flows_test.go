package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/petrijr/conduit/internal/engine"
	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/internal/queue"
	"github.com/petrijr/conduit/pkg/api"
)

const etlFlow = `
namespace: company.team
id: etl
tasks:
  - id: extract
    type: log
    params:
      message: "extracting {{ inputs.source }}"
  - id: transform
    kind: parallel
    tasks:
      - id: clean
        type: noop
      - id: enrich
        type: noop
        retry:
          maxAttempts: 3
          initialBackoff: 100ms
errors:
  - id: alert
    type: log
`

const listenerFlow = `
namespace: company.team
id: report
tasks:
  - id: publish
    type: noop
triggers:
  - id: after-etl
    type: multiple-condition
    window:
      type: DURATION_WINDOW
      window: 6h
      advance: -4h
    conditions:
      - id: etl
        flowId: etl
        states: [SUCCESS]
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFlows(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestLoadFlows(t *testing.T) {
	dir := writeFlows(t, map[string]string{
		"a-etl.yaml":   etlFlow,
		"b-report.yml": listenerFlow,
		"notes.txt":    "ignored",
	})

	flows, err := loadFlows(dir)
	if err != nil {
		t.Fatalf("loadFlows failed: %v", err)
	}
	if len(flows) != 2 {
		t.Fatalf("expected 2 flows, got %d", len(flows))
	}

	etl := flows[0]
	if etl.ID != "etl" || len(etl.Tasks) != 2 || len(etl.Errors) != 1 {
		t.Fatalf("unexpected etl flow: %+v", etl)
	}
	enrich, ok := etl.FindTask("enrich")
	if !ok || enrich.Retry == nil || enrich.Retry.InitialBackoff != 100*time.Millisecond {
		t.Fatalf("retry policy not decoded: %+v", enrich)
	}

	tr := flows[1].Triggers[0]
	if tr.Type != api.TriggerMultipleCondition || tr.Window.Window != 6*time.Hour || tr.Window.Advance != -4*time.Hour {
		t.Fatalf("unexpected trigger: %+v", tr)
	}
	if len(tr.Conditions) != 1 || tr.Conditions[0].States[0] != api.StateSuccess {
		t.Fatalf("unexpected conditions: %+v", tr.Conditions)
	}
}

func TestLoadFlows_RejectsInvalidFlow(t *testing.T) {
	dir := writeFlows(t, map[string]string{"bad.yaml": "namespace: ns\nid: bad\ntasks:\n  - id: x\n"})
	if _, err := loadFlows(dir); err == nil {
		t.Fatalf("expected a validation error for a task without type")
	}

	dir = writeFlows(t, map[string]string{"typo.yaml": "namespace: ns\nid: typo\ntaskz: []\n"})
	if _, err := loadFlows(dir); err == nil {
		t.Fatalf("expected an error for an unknown field")
	}
}

func TestRegisterFlows(t *testing.T) {
	dir := writeFlows(t, map[string]string{"etl.yaml": etlFlow})
	p := persistence.NewInMemoryPersistence()
	q := queue.NewMemoryQueue(nil)
	defer q.Close()
	exec, err := engine.NewExecutor(engine.Config{Queue: q, Persistence: p})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := registerFlows(ctx, exec, dir, testLogger()); err != nil {
			t.Fatalf("registerFlows failed: %v", err)
		}
	}
	f, err := p.Flows.GetFlow(ctx, api.FlowRef{Namespace: "company.team", ID: "etl"})
	if err != nil {
		t.Fatalf("GetFlow failed: %v", err)
	}
	if f.Revision != 2 {
		t.Fatalf("expected revision 2 after registering twice, got %d", f.Revision)
	}
}

func TestParsePairs(t *testing.T) {
	got, err := parsePairs([]string{"n=3", "ok=true", "name=gopher", "list=[1,2]"})
	if err != nil {
		t.Fatalf("parsePairs failed: %v", err)
	}
	if got["n"] != 3 || got["ok"] != true || got["name"] != "gopher" || got["list"] != "[1,2]" {
		t.Fatalf("unexpected values: %#v", got)
	}
	if _, err := parsePairs([]string{"novalue"}); err == nil {
		t.Fatalf("expected an error for a pair without =")
	}
}
