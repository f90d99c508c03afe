// Package redis implements store.SnapshotStore on Redis via go-redis/v9,
// grounded on the teacher's pkg/drivers/redis RedisPattern (client
// construction, pool-stat health) and backends/multicast_registry's
// RedisRegistryBackend (hash-per-entity rows, cursor-based SCAN).
package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pialmmh/statemachine/internal/store"
)

// Config mirrors the teacher's redis plugin Config shape.
type Config struct {
	Address      string
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	KeyPrefix    string
}

func (c *Config) withDefaults() {
	if c.Address == "" {
		c.Address = "localhost:6379"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "fsm:snapshot:"
	}
}

// Store is a Redis-backed store.SnapshotStore, an alternate shard
// backend to postgres for deployments that prefer Redis for the hot
// active set (spec §6).
type Store struct {
	client *redis.Client
	cfg    Config
}

// NewWithClient wraps an already-constructed redis.Client, primarily
// for tests against miniredis.
func NewWithClient(client *redis.Client, cfg Config) *Store {
	cfg.withDefaults()
	return &Store{client: client, cfg: cfg}
}

// Open constructs a new pooled Redis client and verifies connectivity.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg.withDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis connect: %v", store.ErrUnavailable, err)
	}
	return &Store{client: client, cfg: cfg}, nil
}

func (s *Store) key(machineID string) string {
	return s.cfg.KeyPrefix + machineID
}

// stateIndexKey holds the set of machine ids currently in a given
// state, maintained alongside the hash row so ScanWhereStateIn never
// needs a full keyspace SCAN.
func (s *Store) stateIndexKey(state string) string {
	return s.cfg.KeyPrefix + "state:" + state
}

func (s *Store) Upsert(ctx context.Context, row store.Row) error {
	key := s.key(row.MachineID)

	prevState := ""
	prev, err := s.client.HGet(ctx, key, "state").Result()
	if err == nil {
		prevState = prev
	} else if err != redis.Nil {
		return fmt.Errorf("%w: redis read prior state %s: %v", store.ErrUnavailable, row.MachineID, err)
	}

	now := time.Now()
	offline := "0"
	if row.IsOffline {
		offline = "1"
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"machine_id": row.MachineID,
		"state":      row.State,
		"context":    row.ContextData,
		"updated_at": now.UnixMilli(),
		"offline":    offline,
	})
	if prevState != "" && prevState != row.State {
		pipe.SRem(ctx, s.stateIndexKey(prevState), row.MachineID)
	}
	pipe.SAdd(ctx, s.stateIndexKey(row.State), row.MachineID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: redis upsert %s: %v", store.ErrUnavailable, row.MachineID, err)
	}
	return nil
}

func (s *Store) FindLatest(ctx context.Context, machineID string) (store.Row, bool, error) {
	result, err := s.client.HGetAll(ctx, s.key(machineID)).Result()
	if err != nil {
		return store.Row{}, false, fmt.Errorf("%w: redis find %s: %v", store.ErrUnavailable, machineID, err)
	}
	if len(result) == 0 {
		return store.Row{}, false, nil
	}
	return parseRow(result)
}

func parseRow(data map[string]string) (store.Row, bool, error) {
	row := store.Row{
		MachineID:   data["machine_id"],
		State:       data["state"],
		ContextData: []byte(data["context"]),
		IsOffline:   data["offline"] == "1",
	}
	if ms, err := strconv.ParseInt(data["updated_at"], 10, 64); err == nil {
		row.Timestamp = time.UnixMilli(ms)
	}
	return row, true, nil
}

func (s *Store) MarkOffline(ctx context.Context, machineID string, offline bool) error {
	val := "0"
	if offline {
		val = "1"
	}
	if err := s.client.HSet(ctx, s.key(machineID), "offline", val).Err(); err != nil {
		return fmt.Errorf("%w: redis mark offline %s: %v", store.ErrUnavailable, machineID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, machineID string) error {
	key := s.key(machineID)
	state, err := s.client.HGet(ctx, key, "state").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("%w: redis read state before delete %s: %v", store.ErrUnavailable, machineID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if state != "" {
		pipe.SRem(ctx, s.stateIndexKey(state), machineID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: redis delete %s: %v", store.ErrUnavailable, machineID, err)
	}
	return nil
}

// ScanWhereStateIn unions the per-state index sets and paginates the
// combined, sorted member list using the same opaque-cursor contract
// as the other backends (Redis SSCAN cursors are not stable across
// sets, so members are merged client-side and sliced).
func (s *Store) ScanWhereStateIn(ctx context.Context, states []string, cursor store.Cursor, limit int) ([]store.Row, store.Cursor, error) {
	if limit <= 0 {
		limit = 100
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, st := range states {
		members, err := s.client.SMembers(ctx, s.stateIndexKey(st)).Result()
		if err != nil {
			return nil, "", fmt.Errorf("%w: redis scan state %s: %v", store.ErrUnavailable, st, err)
		}
		for _, m := range members {
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				ids = append(ids, m)
			}
		}
	}
	sort.Strings(ids)

	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id > string(cursor) {
				start = i
				break
			}
			start = i + 1
		}
	}
	if start >= len(ids) {
		return nil, "", nil
	}
	end := start + limit
	if end > len(ids) {
		end = len(ids)
	}
	page := ids[start:end]

	rows := make([]store.Row, 0, len(page))
	for _, id := range page {
		row, found, err := s.FindLatest(ctx, id)
		if err != nil {
			return nil, "", err
		}
		if found {
			rows = append(rows, row)
		}
	}

	var next store.Cursor
	if end < len(ids) {
		next = store.Cursor(page[len(page)-1])
	}
	return rows, next, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Healthy pings the server; it does not inspect pool statistics.
func (s *Store) Healthy(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", store.ErrUnavailable, err)
	}
	return nil
}
