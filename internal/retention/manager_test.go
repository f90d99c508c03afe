package retention

import (
	"context"
	"testing"
	"time"

	"github.com/pialmmh/statemachine/internal/store"
	"github.com/pialmmh/statemachine/internal/store/memstore"
)

func TestPerformCleanupNow_DeletesOnlyRowsOlderThanHorizon(t *testing.T) {
	ctx := context.Background()
	history := memstore.NewHistoryStore()

	now := time.Now()
	old := store.Row{MachineID: "old1", State: "DONE", Timestamp: now.Add(-10 * 24 * time.Hour)}
	recent := store.Row{MachineID: "recent1", State: "DONE", Timestamp: now.Add(-1 * time.Hour)}
	if err := history.Upsert(ctx, old); err != nil {
		t.Fatalf("seed old: %v", err)
	}
	if err := history.Upsert(ctx, recent); err != nil {
		t.Fatalf("seed recent: %v", err)
	}

	mgr := New(history, 7)
	if err := mgr.PerformCleanupNow(ctx); err != nil {
		t.Fatalf("performCleanupNow: %v", err)
	}

	if _, found, _ := history.FindLatest(ctx, "old1"); found {
		t.Fatal("expected old1 to be deleted")
	}
	if _, found, _ := history.FindLatest(ctx, "recent1"); !found {
		t.Fatal("expected recent1 to remain")
	}
}

func TestPerformCleanupNow_PagesThroughLargeBatches(t *testing.T) {
	ctx := context.Background()
	history := memstore.NewHistoryStore()

	now := time.Now()
	for i := 0; i < 25; i++ {
		row := store.Row{
			MachineID: string(rune('a' + i)),
			State:     "DONE",
			Timestamp: now.Add(-30 * 24 * time.Hour),
		}
		if err := history.Upsert(ctx, row); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	mgr := New(history, 7, WithBatchSize(10))
	if err := mgr.PerformCleanupNow(ctx); err != nil {
		t.Fatalf("performCleanupNow: %v", err)
	}

	for i := 0; i < 25; i++ {
		id := string(rune('a' + i))
		if _, found, _ := history.FindLatest(ctx, id); found {
			t.Fatalf("expected %s to be deleted across batched sweep", id)
		}
	}
}
