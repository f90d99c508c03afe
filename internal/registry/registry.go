// Package registry implements the in-memory live-instance index and
// create-or-get/rehydration/eviction pipeline described in the core
// specification's Registry and Rehydrator components. It is grounded on
// the teacher's patterns/multicast_registry Coordinator: a
// mutex-guarded identity map plus a ticker-driven cleanup goroutine,
// generalized here to per-key locking (via singleflight) because
// createOrGet must rehydrate one machine without blocking unrelated
// ids, and to idle-TTL sweep of FSM instances instead of TTL'd
// identities.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pialmmh/statemachine/internal/fsm"
	"github.com/pialmmh/statemachine/internal/store"
)

// ArchiveNotifier is the subset of ArchivalManager the registry
// depends on, kept as a local interface to avoid an import cycle
// between registry and archival.
type ArchiveNotifier interface {
	ArchiveMachine(ctx context.Context, machineID string, contextData []byte) error
}

// Registry is the live-instance index over one SnapshotStore shard.
type Registry struct {
	id      string
	active  store.SnapshotStore
	history store.HistoryStore
	rehydrator *Rehydrator
	idleTTL time.Duration
	logger  *slog.Logger

	notifier ArchiveNotifier

	mu   sync.RWMutex
	live map[string]*fsm.Instance

	sf singleflight.Group

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithIdleTTL enables the idle-eviction sweeper. A zero duration
// (the default) disables it, matching spec's "default 0 = disabled".
func WithIdleTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.idleTTL = ttl }
}

// WithLogger attaches a structured logger; nil falls back to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithArchiveNotifier wires the registry to an ArchivalManager so
// terminal transitions trigger an async archive enqueue.
func WithArchiveNotifier(n ArchiveNotifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// New constructs a Registry over the given active/history stores.
func New(id string, active store.SnapshotStore, history store.HistoryStore, opts ...Option) *Registry {
	r := &Registry{
		id:      id,
		active:  active,
		history: history,
		live:    make(map[string]*fsm.Instance),
		logger:  slog.Default(),
	}
	r.rehydrator = NewRehydrator(active, history)
	for _, opt := range opts {
		opt(r)
	}
	if r.idleTTL > 0 {
		r.sweepStop = make(chan struct{})
		r.sweepDone = make(chan struct{})
		go r.sweepLoop()
	}
	return r
}

// Register inserts machine into the live set, failing ErrAlreadyPresent
// if id is already live.
func (r *Registry) Register(id string, machine *fsm.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.live[id]; exists {
		return ErrAlreadyPresent
	}
	r.live[id] = machine
	return nil
}

// IsInMemory reports whether id currently has a live instance.
func (r *Registry) IsInMemory(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.live[id]
	return ok
}

func (r *Registry) get(id string) (*fsm.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.live[id]
	return inst, ok
}

// bindPersist returns a PersistFunc that write-throughs to the active
// store, the same callback the engine invokes on every transition.
func (r *Registry) bindPersist() fsm.PersistFunc {
	return func(ctx context.Context, machineID, state string, contextData []byte, isOffline bool) error {
		return r.active.Upsert(ctx, store.Row{
			MachineID:   machineID,
			State:       state,
			ContextData: contextData,
			IsOffline:   isOffline,
		})
	}
}

// CreateOrGet returns the live instance for id: a cache hit, a
// rehydrated instance from storage, or a freshly constructed one via
// factory. Concurrent callers for the same absent id observe exactly
// one factory/rehydrate invocation (singleflight), satisfying the
// at-most-one-live-instance invariant.
func (r *Registry) CreateOrGet(ctx context.Context, id string, factory Factory) (*fsm.Instance, error) {
	if inst, ok := r.get(id); ok {
		return inst, nil
	}

	result, err, _ := r.sf.Do(id, func() (interface{}, error) {
		if inst, ok := r.get(id); ok {
			return inst, nil
		}

		inst, err := r.rehydrator.Rehydrate(ctx, id, factory)
		if err != nil {
			return nil, err
		}
		if inst != nil {
			inst.SetPersistFunc(r.bindPersist())
			inst.SetOffline(false)
			r.mu.Lock()
			r.live[id] = inst
			r.mu.Unlock()
			return inst, nil
		}

		fresh := factory(id)
		fresh.SetPersistFunc(r.bindPersist())
		if err := fresh.Init(ctx); err != nil {
			return nil, fmt.Errorf("createOrGet %s: init: %w", id, err)
		}
		r.mu.Lock()
		r.live[id] = fresh
		r.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*fsm.Instance), nil
}

// RemoveMachine evicts id from the live set and marks its snapshot
// offline. The persisted snapshot itself is left intact.
func (r *Registry) RemoveMachine(ctx context.Context, id string) error {
	r.mu.Lock()
	_, existed := r.live[id]
	delete(r.live, id)
	r.mu.Unlock()

	if !existed {
		return nil
	}
	return r.active.MarkOffline(ctx, id, true)
}

// SendEvent locates or rehydrates id, delivers ev to its FSM, and
// persists the result. If the resulting state is terminal, archival is
// scheduled and the instance is evicted from memory.
func (r *Registry) SendEvent(ctx context.Context, id string, ev fsm.Event, factory Factory) error {
	inst, err := r.CreateOrGet(ctx, id, factory)
	if err != nil {
		return err
	}

	if err := inst.Process(ctx, ev); err != nil {
		return err
	}

	if inst.IsComplete() {
		if r.notifier != nil {
			if err := r.notifier.ArchiveMachine(ctx, id, inst.ContextData()); err != nil {
				r.logger.Error("archive enqueue failed", "machine_id", id, "error", err)
			}
		}
		r.mu.Lock()
		delete(r.live, id)
		r.mu.Unlock()
	}

	return nil
}

// sweepLoop periodically evicts live instances idle longer than
// idleTTL. Their latest state is already durable, so eviction here is
// a pure in-memory operation, mirroring the Coordinator's
// cleanupExpiredIdentities ticker loop.
func (r *Registry) sweepLoop() {
	defer close(r.sweepDone)

	ticker := time.NewTicker(r.idleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepIdle()
		case <-r.sweepStop:
			return
		}
	}
}

func (r *Registry) sweepIdle() {
	now := time.Now()

	r.mu.Lock()
	var expired []string
	for id, inst := range r.live {
		if now.Sub(inst.LastUpdated()) > r.idleTTL {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.live, id)
	}
	r.mu.Unlock()

	if len(expired) > 0 {
		r.logger.Info("idle sweep evicted machines", "registry_id", r.id, "count", len(expired))
	}
}

// Close stops the idle sweeper, if running.
func (r *Registry) Close() error {
	if r.sweepStop != nil {
		close(r.sweepStop)
		<-r.sweepDone
	}
	return nil
}
