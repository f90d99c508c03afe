package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pialmmh/statemachine/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(client, Config{})
}

func TestStore_UpsertAndFindLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := store.Row{MachineID: "m1", State: "RUNNING", ContextData: []byte("payload")}
	if err := s.Upsert(ctx, row); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, found, err := s.FindLatest(ctx, "m1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !found {
		t.Fatal("expected row to be found")
	}
	if got.State != "RUNNING" || string(got.ContextData) != "payload" {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestStore_FindLatestMissing(t *testing.T) {
	s := newTestStore(t)
	_, found, err := s.FindLatest(context.Background(), "missing")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}
}

func TestStore_ScanWhereStateInTracksTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, store.Row{MachineID: "m1", State: "RUNNING"}); err != nil {
		t.Fatalf("upsert m1: %v", err)
	}
	if err := s.Upsert(ctx, store.Row{MachineID: "m2", State: "RUNNING"}); err != nil {
		t.Fatalf("upsert m2: %v", err)
	}

	rows, _, err := s.ScanWhereStateIn(ctx, []string{"RUNNING"}, "", 10)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows in RUNNING, got %d", len(rows))
	}

	// moving m1 to DONE must remove it from the RUNNING index
	if err := s.Upsert(ctx, store.Row{MachineID: "m1", State: "DONE"}); err != nil {
		t.Fatalf("upsert transition: %v", err)
	}
	rows, _, err = s.ScanWhereStateIn(ctx, []string{"RUNNING"}, "", 10)
	if err != nil {
		t.Fatalf("scan after transition: %v", err)
	}
	if len(rows) != 1 || rows[0].MachineID != "m2" {
		t.Fatalf("expected only m2 in RUNNING, got %+v", rows)
	}
}

func TestStore_ScanWhereStateInPaginates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := s.Upsert(ctx, store.Row{MachineID: id, State: "RUNNING"}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	page1, cursor1, err := s.ScanWhereStateIn(ctx, []string{"RUNNING"}, "", 2)
	if err != nil {
		t.Fatalf("scan page1: %v", err)
	}
	if len(page1) != 2 || cursor1 == "" {
		t.Fatalf("expected a paginated first page, got %d rows cursor=%q", len(page1), cursor1)
	}

	page2, cursor2, err := s.ScanWhereStateIn(ctx, []string{"RUNNING"}, cursor1, 2)
	if err != nil {
		t.Fatalf("scan page2: %v", err)
	}
	if len(page2) != 2 || cursor2 != "" {
		t.Fatalf("expected final page of 2 with no further cursor, got %d rows cursor=%q", len(page2), cursor2)
	}
}

func TestStore_DeleteRemovesFromStateIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, store.Row{MachineID: "m1", State: "RUNNING"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Delete(ctx, "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, found, err := s.FindLatest(ctx, "m1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found {
		t.Fatal("expected row to be gone")
	}

	rows, _, err := s.ScanWhereStateIn(ctx, []string{"RUNNING"}, "", 10)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty RUNNING index, got %+v", rows)
	}
}

func TestStore_MarkOffline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, store.Row{MachineID: "m1", State: "RUNNING"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.MarkOffline(ctx, "m1", true); err != nil {
		t.Fatalf("mark offline: %v", err)
	}

	row, found, err := s.FindLatest(ctx, "m1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !found || !row.IsOffline {
		t.Fatalf("expected offline row, got %+v (found=%v)", row, found)
	}
}
