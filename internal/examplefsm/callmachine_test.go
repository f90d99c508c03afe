package examplefsm

import (
	"context"
	"testing"

	"github.com/pialmmh/statemachine/internal/fsm"
)

func newCallInstance(t *testing.T) *fsm.Instance {
	t.Helper()
	def := Definition(nil)
	inst := fsm.NewInstance("call-1", def, nil)
	if err := inst.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return inst
}

func TestCallMachine_HappyPath(t *testing.T) {
	ctx := context.Background()
	inst := newCallInstance(t)

	if got := inst.GetCurrentState(); got != StateIdle {
		t.Fatalf("expected IDLE, got %s", got)
	}

	if err := inst.Process(ctx, fsm.NewEvent(EventIncomingCall, "alice")); err != nil {
		t.Fatalf("incoming call: %v", err)
	}
	if got := inst.GetCurrentState(); got != StateRinging {
		t.Fatalf("expected RINGING, got %s", got)
	}

	var callCtx CallContext
	ctxData, err := decodeContext(inst)
	if err != nil {
		t.Fatalf("decode context: %v", err)
	}
	callCtx = ctxData
	if callCtx.Caller != "alice" {
		t.Fatalf("expected caller alice, got %q", callCtx.Caller)
	}

	if err := inst.Process(ctx, fsm.NewEvent(EventAnswer, nil)); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if got := inst.GetCurrentState(); got != StateConnected {
		t.Fatalf("expected CONNECTED, got %s", got)
	}

	if err := inst.Process(ctx, fsm.NewEvent(EventHangup, nil)); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if got := inst.GetCurrentState(); got != StateDisconnected {
		t.Fatalf("expected DISCONNECTED, got %s", got)
	}
	if !inst.IsComplete() {
		t.Fatal("expected machine to be complete in a final state")
	}
}

func TestCallMachine_UnansweredCallTimesOutToIdle(t *testing.T) {
	ctx := context.Background()
	inst := newCallInstance(t)

	if err := inst.Process(ctx, fsm.NewEvent(EventIncomingCall, "bob")); err != nil {
		t.Fatalf("incoming call: %v", err)
	}
	if got := inst.GetCurrentState(); got != StateRinging {
		t.Fatalf("expected RINGING, got %s", got)
	}

	for i := 0; i < ringingTimeoutTicks; i++ {
		if err := inst.Update(ctx); err != nil {
			t.Fatalf("update tick %d: %v", i, err)
		}
	}

	if got := inst.GetCurrentState(); got != StateIdle {
		t.Fatalf("expected timeout to return to IDLE, got %s", got)
	}
}

func TestCallMachine_HangupWhileRinging(t *testing.T) {
	ctx := context.Background()
	inst := newCallInstance(t)

	if err := inst.Process(ctx, fsm.NewEvent(EventIncomingCall, "carol")); err != nil {
		t.Fatalf("incoming call: %v", err)
	}
	if err := inst.Process(ctx, fsm.NewEvent(EventHangup, nil)); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if got := inst.GetCurrentState(); got != StateDisconnected {
		t.Fatalf("expected DISCONNECTED, got %s", got)
	}
}

func TestNewFactory_ProducesUninitializedInstances(t *testing.T) {
	factory := NewFactory(nil)
	inst := factory("call-2")
	if inst.ID != "call-2" {
		t.Fatalf("expected id call-2, got %s", inst.ID)
	}
	if got := inst.GetCurrentState(); got != "" {
		t.Fatalf("expected uninitialized state before Init, got %q", got)
	}
}
