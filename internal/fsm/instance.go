package fsm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PersistFunc durably records an instance's latest snapshot. It is
// injected by the owning registry so the engine never references a
// storage type directly (design notes §9: "global database helpers
// become injected collaborators").
type PersistFunc func(ctx context.Context, machineID, state string, contextData []byte, isOffline bool) error

// Instance is a live, mutable finite-state machine bound to one
// immutable Definition. All exported methods are safe for concurrent
// use; callers that need cross-call atomicity (e.g. a registry
// delivering one event at a time per machine) must still serialize at
// a higher level — Instance only guarantees each individual call is
// race-free.
type Instance struct {
	ID  string
	Def *Definition

	mu           sync.Mutex
	currentState string
	extension    any

	// ctxMu guards contextData on its own, so hooks, guards and actions
	// (which run while mu is held) can call ContextData/SetContextData.
	// Every other exported method takes mu and must not be called from
	// inside a hook.
	ctxMu       sync.Mutex
	contextData []byte

	currentTick   int64
	entryEpoch    int64
	timeoutFired  bool
	initialized   bool
	complete      bool
	isOffline     bool
	lastUpdated   time.Time

	persist PersistFunc
}

// NewInstance constructs an uninitialized instance. Call Init before
// Process/Update. persist may be nil, in which case transitions commit
// in memory without being written through to any store (useful for
// definition-level unit tests).
func NewInstance(id string, def *Definition, persist PersistFunc) *Instance {
	return &Instance{
		ID:      id,
		Def:     def,
		persist: persist,
	}
}

// SetPersistFunc rebinds the persistence callback, used by the registry
// when attaching a rehydrated or freshly constructed instance to a
// concrete store.
func (i *Instance) SetPersistFunc(p PersistFunc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.persist = p
}

// Init transitions the instance into Def.InitialState, running its
// OnEntry hook and persisting the initial snapshot. Calling Init more
// than once on the same instance re-runs entry from scratch; callers
// should treat it as a one-shot constructor step.
func (i *Instance) Init(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	state, err := i.Def.state(i.Def.InitialState)
	if err != nil {
		return err
	}

	i.currentState = state.Name
	i.entryEpoch = i.currentTick
	i.timeoutFired = false
	i.complete = i.Def.IsFinal(state.Name)
	i.initialized = true

	if state.OnEntry != nil {
		if err := state.OnEntry(i); err != nil {
			i.initialized = false
			return fmt.Errorf("fsm: %s: onEntry(%s) on init: %w", i.ID, state.Name, err)
		}
	}

	return i.persistLocked(ctx)
}

// Process delivers ev to the machine. It selects the first matching
// transition (guard order = declaration order), runs its action and
// entry/exit hooks, and persists the resulting snapshot before
// returning. On any error the instance is left exactly as it was
// before Process was called.
func (i *Instance) Process(ctx context.Context, ev Event) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.initialized {
		return ErrNotInitialized
	}

	t, ok := i.selectTransition(ev)
	if !ok {
		return ErrNoTransition
	}

	return i.applyTransition(ctx, t, ev)
}

// Update advances the instance's clock by one tick: it runs OnTick for
// the current state (if any) and fires the state's timeout transition
// exactly once per state-entry once the configured duration elapses.
func (i *Instance) Update(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.initialized {
		return ErrNotInitialized
	}

	i.currentTick++

	state, err := i.Def.state(i.currentState)
	if err != nil {
		return err
	}

	if state.OnTick != nil {
		if err := state.OnTick(i); err != nil {
			return fmt.Errorf("fsm: %s: onTick(%s): %w", i.ID, state.Name, err)
		}
	}

	if state.TimeoutAfter > 0 && !i.timeoutFired && i.duration() >= state.TimeoutAfter {
		t := Transition{
			From:   state.Name,
			To:     state.TimeoutTo,
			Action: state.TimeoutAction,
		}
		i.timeoutFired = true
		return i.applyTransition(ctx, t, timeoutEvent)
	}

	return nil
}

// SetState force-enters s, resetting the timer and re-running OnEntry.
// It is intended for recovery and rehydration only; it bypasses guard
// and transition-table matching entirely.
func (i *Instance) SetState(ctx context.Context, s string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	state, err := i.Def.state(s)
	if err != nil {
		return err
	}

	i.currentState = state.Name
	i.entryEpoch = i.currentTick
	i.timeoutFired = false
	i.initialized = true
	i.complete = i.Def.IsFinal(state.Name)

	if state.OnEntry != nil {
		if err := state.OnEntry(i); err != nil {
			return fmt.Errorf("fsm: %s: onEntry(%s) on setState: %w", i.ID, state.Name, err)
		}
	}

	return i.persistLocked(ctx)
}

// IsTerminated reports whether the current state is a final state.
// It is an alias for IsComplete kept for readability at call sites that
// talk about machine lifecycle termination rather than FSM completeness.
func (i *Instance) IsTerminated() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.complete
}

// IsComplete reports whether the current state is one of the
// definition's final states.
func (i *Instance) IsComplete() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.complete
}

// GetCurrentState returns the instance's current state name.
func (i *Instance) GetCurrentState() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.currentState
}

// GetDuration returns the number of ticks elapsed since the current
// state was entered.
func (i *Instance) GetDuration() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.duration()
}

func (i *Instance) duration() int64 {
	return i.currentTick - i.entryEpoch
}

// IsOffline reports whether the instance is currently marked evicted.
func (i *Instance) IsOffline() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.isOffline
}

// SetOffline sets the offline flag. The registry calls this (with false)
// on successful rehydration; it does not itself persist — callers
// that need the flag durable should go through Process/SetState or
// write through their store directly.
func (i *Instance) SetOffline(offline bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.isOffline = offline
}

// ContextData returns a copy of the instance's opaque context bytes.
func (i *Instance) ContextData() []byte {
	i.ctxMu.Lock()
	defer i.ctxMu.Unlock()
	return append([]byte(nil), i.contextData...)
}

// SetContextData replaces the instance's opaque context bytes without
// running any transition. Used by the rehydrator to restore state
// verbatim from a snapshot.
func (i *Instance) SetContextData(data []byte) {
	i.ctxMu.Lock()
	defer i.ctxMu.Unlock()
	i.contextData = append([]byte(nil), data...)
}

// Extension returns the current state's user-attached extension value.
func (i *Instance) Extension() any {
	i.mu.Lock()
	defer i.mu.Unlock()
	s, err := i.Def.state(i.currentState)
	if err != nil {
		return nil
	}
	return s.Extension
}

// LastUpdated returns the wall-clock time of the instance's last
// committed mutation, used by idle-TTL eviction.
func (i *Instance) LastUpdated() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastUpdated
}

// selectTransition finds the first transition from the current state
// whose event key matches ev (by value or by class, per Def.MatchMode)
// and whose guard (if any) is satisfied, evaluated in declaration order.
func (i *Instance) selectTransition(ev Event) (Transition, bool) {
	key := ev.Tag
	if i.Def.MatchMode == MatchByClass {
		key = ev.Class
	}
	for _, t := range i.Def.Transitions {
		if t.From != i.currentState || t.EventKey != key {
			continue
		}
		if t.Guard != nil && !t.Guard(i, ev) {
			continue
		}
		return t, true
	}
	return Transition{}, false
}

// applyTransition runs the onExit -> action -> state-change -> onEntry
// -> persist sequence described by the engine's action ordering
// contract. Any failing step rolls the instance back to its
// pre-transition snapshot and returns the causing error; the only
// successful exit path ends with a durable snapshot of the new state.
func (i *Instance) applyTransition(ctx context.Context, t Transition, ev Event) error {
	prevState := i.currentState
	prevEntry := i.entryEpoch
	prevContext := i.ContextData()
	prevComplete := i.complete
	prevTimeoutFired := i.timeoutFired

	rollback := func() {
		i.currentState = prevState
		i.entryEpoch = prevEntry
		i.SetContextData(prevContext)
		i.complete = prevComplete
		i.timeoutFired = prevTimeoutFired
	}

	// A stay transition (From==To, Stay==true) skips OnExit/OnEntry but
	// still runs its action and persists. Any other transition, even a
	// non-stay self-loop (From==To, Stay==false), re-runs both hooks.
	reenter := !t.Stay

	if reenter {
		from, err := i.Def.state(i.currentState)
		if err != nil {
			return err
		}
		if from.OnExit != nil {
			if err := from.OnExit(i); err != nil {
				rollback()
				return fmt.Errorf("fsm: %s: onExit(%s): %w", i.ID, from.Name, err)
			}
		}
	}

	if t.Action != nil {
		if err := t.Action(i, ev); err != nil {
			rollback()
			return fmt.Errorf("fsm: %s: action(%s): %w", i.ID, t.EventKey, err)
		}
	}

	if reenter {
		to, err := i.Def.state(t.To)
		if err != nil {
			rollback()
			return err
		}
		i.currentState = to.Name
		i.entryEpoch = i.currentTick
		i.timeoutFired = false
		i.complete = i.Def.IsFinal(to.Name)

		if to.OnEntry != nil {
			if err := to.OnEntry(i); err != nil {
				rollback()
				return fmt.Errorf("fsm: %s: onEntry(%s): %w", i.ID, to.Name, err)
			}
		}
	}

	if err := i.persistLocked(ctx); err != nil {
		rollback()
		return err
	}

	return nil
}

func (i *Instance) persistLocked(ctx context.Context) error {
	if i.persist != nil {
		if err := i.persist(ctx, i.ID, i.currentState, i.ContextData(), i.isOffline); err != nil {
			return err
		}
	}
	i.lastUpdated = time.Now()
	return nil
}
