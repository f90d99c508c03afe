// Package examplefsm provides a sample business machine used by the
// cmd/registryd demo harness and as a runnable illustration of the
// engine's definition API: a call session moving through
// IDLE -> RINGING -> CONNECTED -> DISCONNECTED, with an unanswered
// RINGING call timing out back to IDLE after a fixed tick budget.
package examplefsm

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pialmmh/statemachine/internal/fsm"
)

// Call states.
const (
	StateIdle         = "IDLE"
	StateRinging      = "RINGING"
	StateConnected    = "CONNECTED"
	StateDisconnected = "DISCONNECTED"
)

// Call events.
const (
	EventIncomingCall = "IncomingCall"
	EventAnswer       = "Answer"
	EventHangup       = "Hangup"
)

// ringingTimeoutTicks is how many TimerWheel ticks an unanswered call
// rings before the session gives up and returns to IDLE.
const ringingTimeoutTicks = 30

// CallContext is the business payload carried in an Instance's
// context data as JSON. The IncomingCall action marshals it; every
// persisted snapshot carries those bytes as they are.
type CallContext struct {
	Caller   string `json:"caller"`
	Callee   string `json:"callee"`
	RingTick int64  `json:"ring_tick"`
}

// Definition builds the shared, immutable call-session definition.
// logger is used only by the OnEntry and TimeoutAction hooks for demo visibility;
// it may be nil.
func Definition(logger *slog.Logger) *fsm.Definition {
	if logger == nil {
		logger = slog.Default()
	}

	def := fsm.NewDefinition("call-session", fsm.MatchByValue)

	def.AddState(&fsm.StateDef{Name: StateIdle})

	def.AddState(&fsm.StateDef{
		Name: StateRinging,
		OnEntry: func(inst *fsm.Instance) error {
			logger.Info("call ringing", "machine_id", inst.ID)
			return nil
		},
		TimeoutAfter: ringingTimeoutTicks,
		TimeoutTo:    StateIdle,
		TimeoutAction: func(inst *fsm.Instance, ev fsm.Event) error {
			logger.Info("call unanswered, timing out", "machine_id", inst.ID)
			return nil
		},
	})

	def.AddState(&fsm.StateDef{
		Name: StateConnected,
		OnEntry: func(inst *fsm.Instance) error {
			logger.Info("call connected", "machine_id", inst.ID)
			return nil
		},
	})

	def.AddState(&fsm.StateDef{Name: StateDisconnected})
	def.MarkFinal(StateDisconnected)

	def.AddTransition(fsm.Transition{
		From: StateIdle, EventKey: EventIncomingCall, To: StateRinging,
		Action: func(inst *fsm.Instance, ev fsm.Event) error {
			ctx, err := decodeContext(inst)
			if err != nil {
				return err
			}
			if caller, ok := ev.Payload.(string); ok {
				ctx.Caller = caller
			}
			return encodeContext(inst, ctx)
		},
	})

	def.AddTransition(fsm.Transition{
		From: StateRinging, EventKey: EventAnswer, To: StateConnected,
	})

	def.AddTransition(fsm.Transition{
		From: StateRinging, EventKey: EventHangup, To: StateDisconnected,
	})

	def.AddTransition(fsm.Transition{
		From: StateConnected, EventKey: EventHangup, To: StateDisconnected,
	})

	if err := def.Validate(); err != nil {
		panic(fmt.Sprintf("examplefsm: invalid call-session definition: %v", err))
	}

	return def
}

func decodeContext(inst *fsm.Instance) (CallContext, error) {
	var ctx CallContext
	data := inst.ContextData()
	if len(data) == 0 {
		return ctx, nil
	}
	if err := json.Unmarshal(data, &ctx); err != nil {
		return ctx, fmt.Errorf("examplefsm: decode context for %s: %w", inst.ID, err)
	}
	return ctx, nil
}

func encodeContext(inst *fsm.Instance, ctx CallContext) error {
	data, err := json.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("examplefsm: encode context for %s: %w", inst.ID, err)
	}
	inst.SetContextData(data)
	return nil
}

// NewFactory returns a registry.Factory-compatible constructor bound to
// this definition, so cmd/registryd can pass it directly to
// Registry.CreateOrGet without importing examplefsm's internals elsewhere.
func NewFactory(logger *slog.Logger) func(id string) *fsm.Instance {
	def := Definition(logger)
	return func(id string) *fsm.Instance {
		return fsm.NewInstance(id, def, nil)
	}
}
