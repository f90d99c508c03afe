package registry

import (
	"context"
	"testing"
	"time"

	"github.com/pialmmh/statemachine/internal/store"
	"github.com/pialmmh/statemachine/internal/store/memstore"
)

func TestShardRouter_RoutesConsistentlyByMachineID(t *testing.T) {
	ctx := context.Background()
	shardA := memstore.NewSnapshotStore()
	shardB := memstore.NewSnapshotStore()
	shardC := memstore.NewSnapshotStore()

	router, err := NewShardRouter([]string{"a", "b", "c"}, []store.SnapshotStore{shardA, shardB, shardC})
	if err != nil {
		t.Fatalf("new shard router: %v", err)
	}

	ids := []string{"call-1", "call-2", "call-3", "call-4", "call-5", "call-6"}
	for _, id := range ids {
		row := store.Row{MachineID: id, State: "IDLE", Timestamp: time.Now()}
		if err := router.Upsert(ctx, row); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	// Re-upserting the same id must land on the same shard every time.
	for _, id := range ids {
		row := store.Row{MachineID: id, State: "RINGING", Timestamp: time.Now()}
		if err := router.Upsert(ctx, row); err != nil {
			t.Fatalf("re-upsert %s: %v", id, err)
		}
		got, found, err := router.FindLatest(ctx, id)
		if err != nil {
			t.Fatalf("find latest %s: %v", id, err)
		}
		if !found || got.State != "RINGING" {
			t.Fatalf("expected %s to be found with state RINGING, got found=%v state=%s", id, found, got.State)
		}
	}

	used := map[int]bool{}
	for i, shard := range []store.SnapshotStore{shardA, shardB, shardC} {
		rows, _, err := shard.ScanWhereStateIn(ctx, []string{"RINGING"}, "", 100)
		if err != nil {
			t.Fatalf("scan shard %d: %v", i, err)
		}
		if len(rows) > 0 {
			used[i] = true
		}
	}
	if len(used) == 0 {
		t.Fatal("expected at least one shard to have received rows")
	}
}

func TestShardRouter_ScanWhereStateInUnionsAcrossShards(t *testing.T) {
	ctx := context.Background()
	shardA := memstore.NewSnapshotStore()
	shardB := memstore.NewSnapshotStore()

	router, err := NewShardRouter([]string{"a", "b"}, []store.SnapshotStore{shardA, shardB})
	if err != nil {
		t.Fatalf("new shard router: %v", err)
	}

	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		if err := router.Upsert(ctx, store.Row{MachineID: id, State: "COMPLETED", Timestamp: time.Now()}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	seen := map[string]bool{}
	cursor := store.Cursor("")
	for {
		rows, next, err := router.ScanWhereStateIn(ctx, []string{"COMPLETED"}, cursor, 3)
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		for _, r := range rows {
			seen[r.MachineID] = true
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if len(seen) != 10 {
		t.Fatalf("expected all 10 machines to be found across shards, got %d", len(seen))
	}
}

func TestShardRouter_RejectsMismatchedLengths(t *testing.T) {
	shardA := memstore.NewSnapshotStore()
	_, err := NewShardRouter([]string{"a", "b"}, []store.SnapshotStore{shardA})
	if err == nil {
		t.Fatal("expected error for mismatched names/shards length")
	}
}
