package registry

import (
	"context"
	"fmt"

	"github.com/pialmmh/statemachine/internal/fsm"
	"github.com/pialmmh/statemachine/internal/store"
)

// Factory builds a fresh, not-yet-initialized instance for id, bound
// to the correct FSM definition. The registry attaches its own persist
// callback to the returned instance.
type Factory func(id string) *fsm.Instance

// Rehydrator reconstructs an in-memory instance from a durable
// snapshot row, per spec §4.3.
type Rehydrator struct {
	active  store.SnapshotStore
	history store.HistoryStore
}

// NewRehydrator returns a Rehydrator over the given active and
// (optional) history stores. history may be nil if terminal-state
// detection for absent ids is not required by the caller.
func NewRehydrator(active store.SnapshotStore, history store.HistoryStore) *Rehydrator {
	return &Rehydrator{active: active, history: history}
}

// Rehydrate loads id's latest snapshot, builds an instance via
// factory, force-sets its state and context, and clears is_offline.
// Returns ErrAlreadyTerminated if id is absent from the active store
// but present in history.
func (r *Rehydrator) Rehydrate(ctx context.Context, id string, factory Factory) (*fsm.Instance, error) {
	row, found, err := r.active.FindLatest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: rehydrate %s: %v", store.ErrUnavailable, id, err)
	}
	if !found {
		if r.history != nil {
			if _, histFound, histErr := r.history.FindLatest(ctx, id); histErr == nil && histFound {
				return nil, ErrAlreadyTerminated
			}
		}
		return nil, nil
	}

	inst := factory(id)
	if !definitionHasState(inst, row.State) {
		return nil, fmt.Errorf("%w: state %q for machine %s", store.ErrDefinitionMismatch, row.State, id)
	}

	inst.SetContextData(row.ContextData)
	if err := inst.SetState(ctx, row.State); err != nil {
		return nil, fmt.Errorf("rehydrate %s: force-set state %q: %w", id, row.State, err)
	}

	if err := r.active.MarkOffline(ctx, id, false); err != nil {
		return nil, fmt.Errorf("%w: clear offline flag for %s: %v", store.ErrUnavailable, id, err)
	}

	return inst, nil
}

func definitionHasState(inst *fsm.Instance, state string) bool {
	if inst == nil || inst.Def == nil {
		return false
	}
	_, ok := inst.Def.States[state]
	return ok
}
