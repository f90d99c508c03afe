// Package archival implements the bounded-queue worker pool that
// migrates terminal machines from the active SnapshotStore to the
// durable HistoryStore, per the core specification's ArchivalManager.
// The worker pool and retry backoff are grounded on the teacher's
// pkg/procmgr (ProcessManager's goroutine-per-worker update loop,
// workqueue.go's ExponentialBackoff/Jitter); the optional post-archival
// notification fan-out is grounded on
// backends/multicast_registry/backends/nats_messaging.go.
package archival

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/pialmmh/statemachine/internal/store"
)

// Notifier announces a completed archival, used for optional
// non-critical-path fan-out (e.g. NATS). Archival correctness never
// depends on notification succeeding.
type Notifier interface {
	Announce(ctx context.Context, machineID string) error
}

// Config configures worker count, queue bound and retry behavior.
type Config struct {
	Workers        int
	QueueCapacity  int
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	EnqueueTimeout time.Duration
	// RateLimit caps sustained archive throughput (attempts/sec); zero
	// disables limiting.
	RateLimit rate.Limit
}

func (c *Config) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 2 * time.Second
	}
}

type item struct {
	machineID   string
	contextData []byte
	state       string
	attempt     int
}

// Stats holds the archival pipeline's observable counters, exposed for
// tests and an optional metrics snapshot.
type Stats struct {
	Attempted int64
	Succeeded int64
	Failed    int64
	Retried   int64
	QueueDepth int64
}

// Manager is the archival worker pool.
type Manager struct {
	cfg      Config
	active   store.SnapshotStore
	history  store.HistoryStore
	notifier Notifier
	limiter  *rate.Limiter
	logger   *slog.Logger

	queue chan item

	attempted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithNotifier attaches an optional post-archival announcer.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New constructs a Manager and starts its worker pool.
func New(cfg Config, active store.SnapshotStore, history store.HistoryStore, opts ...Option) *Manager {
	cfg.withDefaults()
	m := &Manager{
		cfg:     cfg,
		active:  active,
		history: history,
		queue:   make(chan item, cfg.QueueCapacity),
		logger:  slog.Default(),
		stopCh:  make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		m.limiter = rate.NewLimiter(cfg.RateLimit, int(cfg.RateLimit)+1)
	}
	for _, opt := range opts {
		opt(m)
	}

	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.workerLoop()
	}
	return m
}

// ArchiveMachine enqueues a terminal machine for migration to history.
// It returns immediately on success; if the queue is full it waits up
// to cfg.EnqueueTimeout before failing ErrBackpressure.
func (m *Manager) ArchiveMachine(ctx context.Context, machineID string, contextData []byte) error {
	return m.enqueue(ctx, item{machineID: machineID, contextData: contextData})
}

func (m *Manager) enqueue(ctx context.Context, it item) error {
	select {
	case <-m.stopCh:
		return ErrInterrupted
	default:
	}

	select {
	case m.queue <- it:
		return nil
	default:
	}

	timer := time.NewTimer(m.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case m.queue <- it:
		return nil
	case <-timer.C:
		return ErrBackpressure
	case <-ctx.Done():
		return ErrInterrupted
	case <-m.stopCh:
		return ErrInterrupted
	}
}

// MoveAllFinishedMachines scans the active store for rows whose state
// is in finalStates and enqueues each for archival. Used at startup to
// reconcile machines that reached a terminal state but were never
// migrated (e.g. a crash between transition-persist and archival).
func (m *Manager) MoveAllFinishedMachines(ctx context.Context, finalStates []string) (int, error) {
	moved := 0
	var cursor store.Cursor
	for {
		rows, next, err := m.active.ScanWhereStateIn(ctx, finalStates, cursor, 200)
		if err != nil {
			return moved, fmt.Errorf("archival: startup scan: %w", err)
		}
		for _, row := range rows {
			if err := m.enqueue(ctx, item{machineID: row.MachineID, contextData: row.ContextData, state: row.State}); err != nil {
				return moved, err
			}
			moved++
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return moved, nil
}

// GetStats returns a snapshot of the pipeline's counters.
func (m *Manager) GetStats() Stats {
	return Stats{
		Attempted:  m.attempted.Load(),
		Succeeded:  m.succeeded.Load(),
		Failed:     m.failed.Load(),
		Retried:    m.retried.Load(),
		QueueDepth: int64(len(m.queue)),
	}
}

func (m *Manager) workerLoop() {
	defer m.wg.Done()
	for {
		select {
		case it, ok := <-m.queue:
			if !ok {
				return
			}
			m.process(it)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) process(it item) {
	if m.limiter != nil {
		_ = m.limiter.Wait(context.Background())
	}

	m.attempted.Add(1)
	ctx := context.Background()

	row := it
	if row.state == "" {
		fetched, found, err := m.active.FindLatest(ctx, it.machineID)
		if err != nil {
			m.handleFailure(it, err)
			return
		}
		if !found {
			// already migrated by a prior attempt; treat as success
			m.succeeded.Add(1)
			return
		}
		row.contextData = fetched.ContextData
		row.state = fetched.State
	}

	if err := m.history.Upsert(ctx, store.Row{
		MachineID:   row.machineID,
		State:       row.state,
		ContextData: row.contextData,
		Timestamp:   time.Now(),
	}); err != nil {
		m.handleFailure(it, err)
		return
	}

	if err := m.active.Delete(ctx, row.machineID); err != nil {
		m.handleFailure(it, err)
		return
	}

	m.succeeded.Add(1)

	if m.notifier != nil {
		if err := m.notifier.Announce(ctx, row.machineID); err != nil {
			m.logger.Warn("archival notifier failed", "machine_id", row.machineID, "error", err)
		}
	}
}

func (m *Manager) handleFailure(it item, cause error) {
	if it.attempt >= m.cfg.MaxRetries {
		m.failed.Add(1)
		m.logger.Error("archival permanently failed", "machine_id", it.machineID, "attempts", it.attempt+1, "error", cause)
		return
	}

	m.retried.Add(1)
	next := it
	next.attempt++
	delay := exponentialBackoff(it.attempt, m.cfg.BackoffBase, m.cfg.BackoffMax)

	m.logger.Warn("archival attempt failed, retrying", "machine_id", it.machineID, "attempt", it.attempt+1, "delay", delay, "error", cause)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-m.stopCh:
			return
		}
		if err := m.enqueue(context.Background(), next); err != nil && !errors.Is(err, ErrInterrupted) {
			m.logger.Error("archival retry requeue failed", "machine_id", it.machineID, "error", err)
		}
	}()
}

// Shutdown stops accepting new work and waits, up to the given grace
// period, for each worker to finish the item it is processing. The
// queue is not drained: items still queued may be left unprocessed, and
// retries whose backoff has not elapsed are dropped. Their rows stay in
// the active store.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: archival shutdown grace period exceeded", ErrInterrupted)
	}
}
