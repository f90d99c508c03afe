// Package postgres implements store.SnapshotStore on PostgreSQL via
// pgx/v5, grounded on the teacher's pkg/drivers/postgres PostgresPlugin
// (pgxpool bootstrap, schema-on-Initialize, pool-stat health).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pialmmh/statemachine/internal/store"
)

// ShardConfig configures a single PostgreSQL shard connection pool.
type ShardConfig struct {
	DatabaseURL        string
	ConnectionPoolSize int
}

// Store is a PostgreSQL-backed store.SnapshotStore, suitable as one
// shard of a sharded active-machine store (spec §6: "multiple shards
// may host disjoint machine-id ranges").
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open creates the connection pool and bootstraps the snapshot schema.
func Open(ctx context.Context, cfg ShardConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("postgres: empty database URL")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse database url: %w", err)
	}
	if cfg.ConnectionPoolSize > 0 {
		poolConfig.MaxConns = int32(cfg.ConnectionPoolSize)
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: postgres ping: %v", store.ErrUnavailable, err)
	}

	s := &Store{pool: pool, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("postgres snapshot store ready", "max_conns", poolConfig.MaxConns)
	return s, nil
}

func (s *Store) createSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS fsm_snapshots (
			machine_id   VARCHAR(255) PRIMARY KEY,
			state        VARCHAR(255) NOT NULL,
			context_data BYTEA NOT NULL DEFAULT '',
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			is_offline   BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_fsm_snapshots_state ON fsm_snapshots(state);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: create schema: %w", err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, row store.Row) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fsm_snapshots (machine_id, state, context_data, updated_at, is_offline)
		VALUES ($1, $2, $3, NOW(), $4)
		ON CONFLICT (machine_id) DO UPDATE SET
			state = EXCLUDED.state,
			context_data = EXCLUDED.context_data,
			updated_at = NOW(),
			is_offline = EXCLUDED.is_offline
	`, row.MachineID, row.State, row.ContextData, row.IsOffline)
	if err != nil {
		return fmt.Errorf("%w: postgres upsert %s: %v", store.ErrUnavailable, row.MachineID, err)
	}
	return nil
}

func (s *Store) FindLatest(ctx context.Context, machineID string) (store.Row, bool, error) {
	var row store.Row
	err := s.pool.QueryRow(ctx, `
		SELECT machine_id, state, context_data, updated_at, is_offline
		FROM fsm_snapshots WHERE machine_id = $1
	`, machineID).Scan(&row.MachineID, &row.State, &row.ContextData, &row.Timestamp, &row.IsOffline)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Row{}, false, nil
	}
	if err != nil {
		return store.Row{}, false, fmt.Errorf("%w: postgres find %s: %v", store.ErrUnavailable, machineID, err)
	}
	return row, true, nil
}

func (s *Store) MarkOffline(ctx context.Context, machineID string, offline bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE fsm_snapshots SET is_offline = $2 WHERE machine_id = $1`, machineID, offline)
	if err != nil {
		return fmt.Errorf("%w: postgres mark offline %s: %v", store.ErrUnavailable, machineID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, machineID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM fsm_snapshots WHERE machine_id = $1`, machineID)
	if err != nil {
		return fmt.Errorf("%w: postgres delete %s: %v", store.ErrUnavailable, machineID, err)
	}
	return nil
}

// ScanWhereStateIn uses keyset pagination over machine_id so a single
// scan never holds one cursor open across the whole table.
func (s *Store) ScanWhereStateIn(ctx context.Context, states []string, cursor store.Cursor, limit int) ([]store.Row, store.Cursor, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT machine_id, state, context_data, updated_at, is_offline
		FROM fsm_snapshots
		WHERE state = ANY($1) AND machine_id > $2
		ORDER BY machine_id
		LIMIT $3
	`, states, string(cursor), limit)
	if err != nil {
		return nil, "", fmt.Errorf("%w: postgres scan: %v", store.ErrUnavailable, err)
	}
	defer rows.Close()

	var out []store.Row
	for rows.Next() {
		var row store.Row
		if err := rows.Scan(&row.MachineID, &row.State, &row.ContextData, &row.Timestamp, &row.IsOffline); err != nil {
			return nil, "", fmt.Errorf("%w: postgres scan row: %v", store.ErrUnavailable, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("%w: postgres scan iterate: %v", store.ErrUnavailable, err)
	}

	var next store.Cursor
	if len(out) == limit {
		next = store.Cursor(out[len(out)-1].MachineID)
	}
	return out, next, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Healthy reports whether the pool can still reach the database and is
// not saturated, mirroring the teacher's Health() check.
func (s *Store) Healthy(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("%w: postgres ping: %v", store.ErrUnavailable, err)
	}
	stat := s.pool.Stat()
	if stat.MaxConns() > 0 && float64(stat.AcquiredConns()) >= float64(stat.MaxConns())*0.9 {
		s.logger.Warn("postgres snapshot store near capacity",
			"acquired", stat.AcquiredConns(), "max", stat.MaxConns())
	}
	return nil
}
