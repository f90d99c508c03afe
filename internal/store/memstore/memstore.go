// Package memstore provides in-memory SnapshotStore and HistoryStore
// implementations, grounded on the teacher's pkg/drivers/memstore
// in-process key-value plugin (sync.Map-backed, TTL-cleanup goroutine
// pattern generalized here to a sorted scan instead of a key TTL).
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pialmmh/statemachine/internal/store"
)

// SnapshotStore is an in-memory store.SnapshotStore, used by tests and
// as the demo harness's default active-store backend.
type SnapshotStore struct {
	mu   sync.RWMutex
	rows map[string]store.Row
}

// NewSnapshotStore returns an empty in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{rows: make(map[string]store.Row)}
}

func (s *SnapshotStore) Upsert(ctx context.Context, row store.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row.Timestamp = time.Now()
	s.rows[row.MachineID] = row
	return nil
}

func (s *SnapshotStore) FindLatest(ctx context.Context, machineID string) (store.Row, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[machineID]
	return row, ok, nil
}

func (s *SnapshotStore) MarkOffline(ctx context.Context, machineID string, offline bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[machineID]
	if !ok {
		return nil
	}
	row.IsOffline = offline
	s.rows[machineID] = row
	return nil
}

func (s *SnapshotStore) Delete(ctx context.Context, machineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, machineID)
	return nil
}

func (s *SnapshotStore) ScanWhereStateIn(ctx context.Context, states []string, cursor store.Cursor, limit int) ([]store.Row, store.Cursor, error) {
	want := make(map[string]struct{}, len(states))
	for _, st := range states {
		want[st] = struct{}{}
	}

	s.mu.RLock()
	matched := make([]store.Row, 0, len(s.rows))
	for _, row := range s.rows {
		if _, ok := want[row.State]; ok {
			matched = append(matched, row)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].MachineID < matched[j].MachineID })

	start := 0
	if cursor != "" {
		for idx, row := range matched {
			if row.MachineID > string(cursor) {
				start = idx
				break
			}
			start = idx + 1
		}
	}
	if start >= len(matched) {
		return nil, "", nil
	}

	end := start + limit
	if limit <= 0 || end > len(matched) {
		end = len(matched)
	}

	page := matched[start:end]
	var next store.Cursor
	if end < len(matched) {
		next = store.Cursor(page[len(page)-1].MachineID)
	}
	return page, next, nil
}

func (s *SnapshotStore) Close() error { return nil }

// HistoryStore is an in-memory store.HistoryStore companion to
// SnapshotStore, keeping one row per machine per the spec's resolved
// open question.
type HistoryStore struct {
	mu   sync.RWMutex
	rows map[string]store.Row
}

// NewHistoryStore returns an empty in-memory history store.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{rows: make(map[string]store.Row)}
}

func (h *HistoryStore) Upsert(ctx context.Context, row store.Row) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}
	h.rows[row.MachineID] = row
	return nil
}

func (h *HistoryStore) FindLatest(ctx context.Context, machineID string) (store.Row, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	row, ok := h.rows[machineID]
	return row, ok, nil
}

func (h *HistoryStore) Delete(ctx context.Context, machineID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rows, machineID)
	return nil
}

func (h *HistoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	deleted := 0
	for id, row := range h.rows {
		if limit > 0 && deleted >= limit {
			break
		}
		if row.Timestamp.Before(cutoff) {
			delete(h.rows, id)
			deleted++
		}
	}
	return deleted, nil
}

func (h *HistoryStore) Close() error { return nil }
