package archival

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pialmmh/statemachine/internal/store"
	"github.com/pialmmh/statemachine/internal/store/memstore"
)

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestScenarioS5_StartupScanMovesOnlyFinalStates(t *testing.T) {
	ctx := context.Background()
	active := memstore.NewSnapshotStore()
	history := memstore.NewHistoryStore()

	seed := []store.Row{
		{MachineID: "m1", State: "COMPLETED"},
		{MachineID: "m2", State: "FAILED"},
		{MachineID: "m3", State: "ACTIVE"},
	}
	for _, row := range seed {
		if err := active.Upsert(ctx, row); err != nil {
			t.Fatalf("seed upsert %s: %v", row.MachineID, err)
		}
	}

	mgr := New(Config{Workers: 2, QueueCapacity: 10}, active, history)
	defer mgr.Shutdown(context.Background())

	moved, err := mgr.MoveAllFinishedMachines(ctx, []string{"COMPLETED", "FAILED"})
	if err != nil {
		t.Fatalf("moveAllFinishedMachines: %v", err)
	}
	if moved != 2 {
		t.Fatalf("expected 2 machines enqueued, got %d", moved)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		return mgr.GetStats().Succeeded == 2
	})

	for _, id := range []string{"m1", "m2"} {
		if _, found, _ := history.FindLatest(ctx, id); !found {
			t.Fatalf("expected %s in history", id)
		}
		if _, found, _ := active.FindLatest(ctx, id); found {
			t.Fatalf("expected %s removed from active store", id)
		}
	}
	if _, found, _ := active.FindLatest(ctx, "m3"); !found {
		t.Fatal("expected m3 to remain in active store")
	}
}

// flakyHistoryStore fails its first N Upsert calls transiently, then
// delegates to an in-memory store, reproducing scenario S6.
type flakyHistoryStore struct {
	store.HistoryStore
	failures int32
	remaining int32
}

func newFlakyHistoryStore(delegate store.HistoryStore, failN int) *flakyHistoryStore {
	return &flakyHistoryStore{HistoryStore: delegate, remaining: int32(failN)}
}

func (f *flakyHistoryStore) Upsert(ctx context.Context, row store.Row) error {
	if atomic.AddInt32(&f.remaining, -1) >= 0 {
		atomic.AddInt32(&f.failures, 1)
		return errors.New("transient upsert failure")
	}
	return f.HistoryStore.Upsert(ctx, row)
}

func TestScenarioS6_ArchivalRetrySucceedsAfterTransientFailures(t *testing.T) {
	ctx := context.Background()
	active := memstore.NewSnapshotStore()
	history := newFlakyHistoryStore(memstore.NewHistoryStore(), 2)

	if err := active.Upsert(ctx, store.Row{MachineID: "m1", State: "COMPLETED"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	mgr := New(Config{
		Workers:       1,
		QueueCapacity: 10,
		MaxRetries:    5,
		BackoffBase:   10 * time.Millisecond,
		BackoffMax:    50 * time.Millisecond,
	}, active, history)
	defer mgr.Shutdown(context.Background())

	if err := mgr.ArchiveMachine(ctx, "m1", nil); err != nil {
		t.Fatalf("archiveMachine: %v", err)
	}

	waitForCondition(t, 3*time.Second, func() bool {
		return mgr.GetStats().Succeeded == 1
	})

	stats := mgr.GetStats()
	if stats.Retried < 2 {
		t.Fatalf("expected retried >= 2, got %d", stats.Retried)
	}
	if stats.Succeeded != 1 {
		t.Fatalf("expected succeeded == 1, got %d", stats.Succeeded)
	}
	if _, found, _ := active.FindLatest(ctx, "m1"); found {
		t.Fatal("expected m1 removed from active store after successful archival")
	}
}

// blockingStore stalls the first FindLatest call until release is
// closed, used to pin the single worker mid-processing so a later
// enqueue can deterministically observe a full queue.
type blockingStore struct {
	store.SnapshotStore
	release   chan struct{}
	blockedID string
}

func (b *blockingStore) FindLatest(ctx context.Context, machineID string) (store.Row, bool, error) {
	if machineID == b.blockedID {
		<-b.release
	}
	return b.SnapshotStore.FindLatest(ctx, machineID)
}

func TestArchiveMachine_BackpressureWhenQueueFull(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	active := &blockingStore{SnapshotStore: memstore.NewSnapshotStore(), release: release, blockedID: "m1"}
	history := memstore.NewHistoryStore()

	mgr := New(Config{Workers: 1, QueueCapacity: 1, EnqueueTimeout: 200 * time.Millisecond}, active, history)

	if err := mgr.ArchiveMachine(ctx, "m1", nil); err != nil {
		t.Fatalf("first archiveMachine should fit in queue: %v", err)
	}
	// gives the worker a chance to dequeue m1 and block inside FindLatest
	waitForCondition(t, time.Second, func() bool { return len(mgr.queue) == 0 })

	if err := mgr.ArchiveMachine(ctx, "m2", nil); err != nil {
		t.Fatalf("second archiveMachine should fill the now-empty slot: %v", err)
	}

	if err := mgr.ArchiveMachine(ctx, "m3", nil); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}

	close(release)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
