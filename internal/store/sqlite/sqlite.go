// Package sqlite implements store.HistoryStore on top of
// modernc.org/sqlite, grounded on the teacher's pkg/drivers/sqlite
// Driver: same pragma tuning, same database/sql plumbing, generalized
// from a mailbox-event table to one archived-machine row per id.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pialmmh/statemachine/internal/store"
)

// Store is a SQLite-backed store.HistoryStore, the default durable
// archive target for terminal machines.
type Store struct {
	mu    sync.RWMutex
	db    *sql.DB
	table string
}

// Open opens (creating if necessary) the SQLite database at path and
// bootstraps the history schema.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "./history.db"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=10000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: set pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, table: "fsm_history"}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createSchema() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			machine_id   TEXT PRIMARY KEY,
			state        TEXT NOT NULL,
			context_data BLOB,
			archived_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_archived_at ON %s(archived_at);
	`, s.table, s.table, s.table)
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: create schema: %w", err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, row store.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := row.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (machine_id, state, context_data, archived_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(machine_id) DO UPDATE SET
			state = excluded.state,
			context_data = excluded.context_data,
			archived_at = excluded.archived_at
	`, s.table)
	if _, err := s.db.ExecContext(ctx, stmt, row.MachineID, row.State, row.ContextData, ts.UnixMilli()); err != nil {
		return fmt.Errorf("%w: sqlite upsert %s: %v", store.ErrUnavailable, row.MachineID, err)
	}
	return nil
}

func (s *Store) FindLatest(ctx context.Context, machineID string) (store.Row, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(`SELECT machine_id, state, context_data, archived_at FROM %s WHERE machine_id = ?`, s.table)
	var row store.Row
	var archivedAt int64
	err := s.db.QueryRowContext(ctx, query, machineID).Scan(&row.MachineID, &row.State, &row.ContextData, &archivedAt)
	if err == sql.ErrNoRows {
		return store.Row{}, false, nil
	}
	if err != nil {
		return store.Row{}, false, fmt.Errorf("%w: sqlite find %s: %v", store.ErrUnavailable, machineID, err)
	}
	row.Timestamp = time.UnixMilli(archivedAt)
	return row, true, nil
}

func (s *Store) Delete(ctx context.Context, machineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stmt := fmt.Sprintf(`DELETE FROM %s WHERE machine_id = ?`, s.table)
	if _, err := s.db.ExecContext(ctx, stmt, machineID); err != nil {
		return fmt.Errorf("%w: sqlite delete %s: %v", store.ErrUnavailable, machineID, err)
	}
	return nil
}

// DeleteOlderThan deletes up to limit rows archived before cutoff.
// SQLite's DELETE ... LIMIT support depends on build flags, so this
// selects candidate ids first and deletes them individually within one
// transaction, bounding the batch the same way the teacher's driver
// bounds its own retention sweep to one rowset per loop iteration.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 500
	}

	selectStmt := fmt.Sprintf(`SELECT machine_id FROM %s WHERE archived_at < ? LIMIT ?`, s.table)
	rows, err := s.db.QueryContext(ctx, selectStmt, cutoff.UnixMilli(), limit)
	if err != nil {
		return 0, fmt.Errorf("%w: sqlite select expired: %v", store.ErrUnavailable, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: sqlite scan expired: %v", store.ErrUnavailable, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("%w: sqlite iterate expired: %v", store.ErrUnavailable, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: sqlite begin tx: %v", store.ErrUnavailable, err)
	}
	deleteStmt := fmt.Sprintf(`DELETE FROM %s WHERE machine_id = ?`, s.table)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, deleteStmt, id); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("%w: sqlite delete expired %s: %v", store.ErrUnavailable, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: sqlite commit expired delete: %v", store.ErrUnavailable, err)
	}

	return len(ids), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
