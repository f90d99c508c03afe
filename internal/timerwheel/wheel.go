// Package timerwheel implements the single logical tick source
// described in the core specification's TimerWheel: every registered
// machine receives one Update per tick, driving onTick hooks and
// timeout-after-N-ticks transitions deterministically. Per the
// specification's determinism requirement, the engine itself has no
// wall-clock dependency; this package is the one place that binds a
// tick to wall time, via a plain time.Ticker in the style of the
// teacher's pkg/drivers/sqlite retentionCleanupLoop and
// patterns/multicast_registry's cleanupExpiredIdentities ticker loop.
package timerwheel

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Tickable is the subset of fsm.Instance the wheel depends on, kept as
// a local interface so this package does not import internal/fsm.
type Tickable interface {
	Update(ctx context.Context) error
	IsComplete() bool
}

// Wheel registers live machines and drives their Update on a fixed
// tick period.
type Wheel struct {
	period time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	instances map[string]Tickable

	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New constructs a Wheel with the given tick period.
func New(period time.Duration, logger *slog.Logger) *Wheel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Wheel{
		period:    period,
		logger:    logger,
		instances: make(map[string]Tickable),
	}
}

// Register adds id to the set of machines ticked every period. Safe to
// call while Run is active.
func (w *Wheel) Register(id string, inst Tickable) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.instances[id] = inst
}

// Deregister removes id from the tick set, called on eviction,
// archival, or removal.
func (w *Wheel) Deregister(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.instances, id)
}

// Run drives the tick loop until ctx is cancelled or Stop is called.
func (w *Wheel) Run(ctx context.Context) {
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	defer close(w.done)

	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		}
	}
}

func (w *Wheel) tick(ctx context.Context) {
	w.mu.Lock()
	targets := make([]string, 0, len(w.instances))
	insts := make([]Tickable, 0, len(w.instances))
	for id, inst := range w.instances {
		targets = append(targets, id)
		insts = append(insts, inst)
	}
	w.mu.Unlock()

	for i, inst := range insts {
		if err := inst.Update(ctx); err != nil {
			w.logger.Error("tick update failed", "machine_id", targets[i], "error", err)
			continue
		}
		if inst.IsComplete() {
			w.Deregister(targets[i])
		}
	}
}

// Stop halts Run.
func (w *Wheel) Stop() {
	if w.stopCh == nil {
		return
	}
	w.once.Do(func() { close(w.stopCh) })
	if w.done != nil {
		<-w.done
	}
}
