package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/petrijr/conduit/pkg/api"
)

func TestInMemoryStore_Contract(t *testing.T) {
	runPersistenceContract(t, func(t *testing.T) Persistence {
		return NewInMemoryPersistence()
	})
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	flow := sampleFlow("etl")
	exec := api.NewExecution(&flow, nil, time.Now().UTC())
	exec.TaskRuns = append(exec.TaskRuns, api.TaskRun{ID: "tr", TaskID: "a", State: api.NewState(time.Now().UTC())})

	if err := store.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("SaveExecution failed: %v", err)
	}
	exec.TaskRuns[0].TaskID = "mutated"

	got, err := store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.TaskRuns[0].TaskID != "a" {
		t.Fatalf("stored execution was mutated through the caller's pointer")
	}
	got.TaskRuns[0].TaskID = "mutated-again"

	again, _ := store.GetExecution(ctx, exec.ID)
	if again.TaskRuns[0].TaskID != "a" {
		t.Fatalf("stored execution was mutated through a returned pointer")
	}
}
