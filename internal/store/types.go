// Package store defines the storage-backend contracts the registry and
// archival pipeline depend on (spec §6): a sharded active-machine
// SnapshotStore and an append-only HistoryStore. Concrete backends live
// in the sibling postgres, redis, sqlite and memstore packages.
package store

import (
	"context"
	"time"
)

// Row is the canonical persisted unit: one machine's latest known state.
type Row struct {
	MachineID   string
	State       string
	ContextData []byte
	Timestamp   time.Time
	IsOffline   bool
}

// Cursor is an opaque pagination token returned by ScanWhereStateIn.
// An empty Cursor both starts and ends a scan.
type Cursor string

// SnapshotStore is the durable key->latest-snapshot map backing live
// machines. Implementations must make Upsert an atomic replace-by-id.
type SnapshotStore interface {
	Upsert(ctx context.Context, row Row) error
	FindLatest(ctx context.Context, machineID string) (row Row, found bool, err error)
	MarkOffline(ctx context.Context, machineID string, offline bool) error
	Delete(ctx context.Context, machineID string) error
	// ScanWhereStateIn returns rows whose State is in states, one page
	// at a time. Passing an empty Cursor starts a new scan; a returned
	// empty Cursor means the scan is exhausted.
	ScanWhereStateIn(ctx context.Context, states []string, cursor Cursor, limit int) (rows []Row, next Cursor, err error)
	Close() error
}

// HistoryStore is the append-only store for terminal machines. Per the
// spec's resolved open question, each machine occupies exactly one row
// (the final snapshot); Upsert is therefore idempotent on MachineID.
type HistoryStore interface {
	Upsert(ctx context.Context, row Row) error
	FindLatest(ctx context.Context, machineID string) (row Row, found bool, err error)
	Delete(ctx context.Context, machineID string) error
	// DeleteOlderThan removes up to limit rows with Timestamp before
	// cutoff and reports how many were removed, so RetentionManager can
	// page through a large store without a single long-lived
	// transaction.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (deleted int, err error)
	Close() error
}
