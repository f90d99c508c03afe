package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/pialmmh/statemachine/internal/store"
)

// ShardRouter fans a single store.SnapshotStore surface out over
// several shard backends, picking the owning shard per machine id via
// rendezvous (highest-random-weight) hashing so that adding or removing
// a shard remaps only the ids that belonged to the changed shard,
// unlike a plain modulo split. This is the same algorithm go-redis
// itself reaches for when hashing keys across a ring of nodes; its
// concrete implementation (github.com/dgryski/go-rendezvous) ships only
// as an indirect dependency with no vendored source in reach here, so
// rather than guess at an unverified import's exact API this router
// implements the small, well-known HRW formula directly against
// stdlib's hash/fnv.
type ShardRouter struct {
	shards []store.SnapshotStore
	names  []string
}

// NewShardRouter constructs a router over the given named shards. names
// and shards must be the same length and in the same order; names seed
// the hash so shard identity (not slice position) determines ownership.
func NewShardRouter(names []string, shards []store.SnapshotStore) (*ShardRouter, error) {
	if len(names) != len(shards) {
		return nil, fmt.Errorf("registry: shard router: %d names for %d shards", len(names), len(shards))
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("registry: shard router: at least one shard is required")
	}
	return &ShardRouter{shards: shards, names: names}, nil
}

func weight(machineID, shardName string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(machineID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(shardName))
	return h.Sum64()
}

// shardFor returns the owning shard for machineID: the shard whose
// combined (machineID, shardName) hash is the highest, per the
// rendezvous-hashing rule.
func (r *ShardRouter) shardFor(machineID string) store.SnapshotStore {
	bestIdx := 0
	var bestWeight uint64
	for i, name := range r.names {
		w := weight(machineID, name)
		if i == 0 || w > bestWeight {
			bestWeight = w
			bestIdx = i
		}
	}
	return r.shards[bestIdx]
}

func (r *ShardRouter) Upsert(ctx context.Context, row store.Row) error {
	return r.shardFor(row.MachineID).Upsert(ctx, row)
}

func (r *ShardRouter) FindLatest(ctx context.Context, machineID string) (store.Row, bool, error) {
	return r.shardFor(machineID).FindLatest(ctx, machineID)
}

func (r *ShardRouter) MarkOffline(ctx context.Context, machineID string, offline bool) error {
	return r.shardFor(machineID).MarkOffline(ctx, machineID, offline)
}

func (r *ShardRouter) Delete(ctx context.Context, machineID string) error {
	return r.shardFor(machineID).Delete(ctx, machineID)
}

// ScanWhereStateIn fans the scan out to every shard and concatenates
// results. Each shard's own cursor is embedded in the combined cursor
// as "<shardIndex>:<shardCursor>"; a scan is exhausted only once every
// shard has been drained in turn.
func (r *ShardRouter) ScanWhereStateIn(ctx context.Context, states []string, cursor store.Cursor, limit int) ([]store.Row, store.Cursor, error) {
	shardIdx, shardCursor := decodeRouterCursor(cursor)
	for shardIdx < len(r.shards) {
		rows, next, err := r.shards[shardIdx].ScanWhereStateIn(ctx, states, shardCursor, limit)
		if err != nil {
			return nil, "", fmt.Errorf("registry: shard router: scan shard %d: %w", shardIdx, err)
		}
		if len(rows) > 0 {
			if next != "" {
				return rows, encodeRouterCursor(shardIdx, next), nil
			}
			return rows, encodeRouterCursor(shardIdx+1, ""), nil
		}
		shardIdx++
		shardCursor = ""
	}
	return nil, "", nil
}

func (r *ShardRouter) Close() error {
	var firstErr error
	for _, s := range r.shards {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func encodeRouterCursor(shardIdx int, inner store.Cursor) store.Cursor {
	return store.Cursor(fmt.Sprintf("%d:%s", shardIdx, inner))
}

func decodeRouterCursor(cursor store.Cursor) (int, store.Cursor) {
	if cursor == "" {
		return 0, ""
	}
	// Split on the first ':' rather than fmt.Sscanf's "%d:%s": %s stops at
	// the first empty match and errors on EOF, which is exactly what an
	// exhausted shard's inner cursor produces ("1:"), so a plain Sscanf
	// would reset the scan back to shard 0 instead of advancing past it.
	head, inner, found := strings.Cut(string(cursor), ":")
	if !found {
		return 0, ""
	}
	shardIdx, err := strconv.Atoi(head)
	if err != nil {
		return 0, ""
	}
	return shardIdx, store.Cursor(inner)
}
