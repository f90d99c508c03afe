// Package retention implements the periodic history-store cleanup
// sweep described in the core specification's RetentionManager,
// grounded on the teacher's pkg/drivers/sqlite Driver
// retentionCleanupLoop (ticker-driven daily sweep, logged deletion
// counts, stop-channel shutdown).
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pialmmh/statemachine/internal/store"
)

const defaultBatchSize = 500

// Manager periodically deletes HistoryStore rows older than a
// configured retention horizon.
type Manager struct {
	history   store.HistoryStore
	retention time.Duration
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithInterval overrides the default sweep period (24h, matching the
// teacher's daily retention ticker).
func WithInterval(interval time.Duration) Option {
	return func(m *Manager) { m.interval = interval }
}

// WithBatchSize overrides the per-call delete batch bound.
func WithBatchSize(n int) Option {
	return func(m *Manager) { m.batchSize = n }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New constructs a Manager retaining history rows for retentionDays.
func New(history store.HistoryStore, retentionDays int, opts ...Option) *Manager {
	if retentionDays < 1 {
		retentionDays = 1
	}
	m := &Manager{
		history:   history,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  24 * time.Hour,
		batchSize: defaultBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts the periodic sweep loop; it blocks until ctx is
// cancelled. Intended to be run in its own goroutine by the host.
func (m *Manager) Run(ctx context.Context) {
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.PerformCleanupNow(ctx); err != nil {
				m.logger.Error("retention sweep failed", "error", err)
			}
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

// PerformCleanupNow runs one sweep synchronously, paging through
// HistoryStore in batchSize-sized deletes so no single call holds a
// transaction across the whole store.
func (m *Manager) PerformCleanupNow(ctx context.Context) error {
	cutoff := time.Now().Add(-m.retention)
	total := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		deleted, err := m.history.DeleteOlderThan(ctx, cutoff, m.batchSize)
		if err != nil {
			return err
		}
		total += deleted
		if deleted < m.batchSize {
			break
		}
	}
	if total > 0 {
		m.logger.Info("retention cleanup complete", "deleted", total, "cutoff", cutoff)
	}
	return nil
}

// Stop signals Run to return.
func (m *Manager) Stop() {
	if m.stopCh == nil {
		return
	}
	m.once.Do(func() { close(m.stopCh) })
	if m.done != nil {
		<-m.done
	}
}
