package fsm

import "fmt"

// Guard decides whether a candidate transition may fire.
type Guard func(inst *Instance, ev Event) bool

// Action runs as part of a transition. A returned error aborts the
// transition: no state change is committed and no snapshot is written.
type Action func(inst *Instance, ev Event) error

// Hook runs on state entry or exit. A returned error aborts the
// transition that triggered it.
type Hook func(inst *Instance) error

// TickHook runs once per TimerWheel tick while the instance sits in the
// owning state.
type TickHook func(inst *Instance) error

// StateDef describes one named state and its optional hooks.
type StateDef struct {
	Name string

	OnEntry Hook
	OnExit  Hook
	OnTick  TickHook

	// TimeoutAfter is the tick-duration after which the timeout
	// transition fires. Zero disables timeouts for this state.
	TimeoutAfter int64
	// TimeoutTo is the destination state when the timeout fires.
	// Required when TimeoutAfter > 0.
	TimeoutTo string
	// TimeoutAction runs once when the timeout fires, before the state
	// change is committed.
	TimeoutAction Action

	// Extension carries user-defined per-state data. The engine never
	// reads it; it exists so callers can attach business state without
	// subclassing StateDef (composition over inheritance, per design notes).
	Extension any
}

// Transition is one edge of the definition's transition table.
type Transition struct {
	From string
	// EventKey is compared against Event.Tag (MatchByValue) or
	// Event.Class (MatchByClass), depending on the owning Definition.
	EventKey string
	Guard    Guard // nil guard always passes
	Action   Action
	To       string
	// Stay marks a self-loop that does not re-run OnExit/OnEntry.
	// From must equal To when Stay is true.
	Stay bool
}

// Definition is the immutable, shared description of a machine type.
// The same *Definition is referenced by every Instance of that type;
// Instances hold no back-reference to anything but their own state.
type Definition struct {
	Name         string
	MatchMode    MatchMode
	States       map[string]*StateDef
	InitialState string
	finalStates  map[string]struct{}
	Transitions  []Transition
}

// NewDefinition creates an empty definition ready for states and
// transitions to be added.
func NewDefinition(name string, matchMode MatchMode) *Definition {
	return &Definition{
		Name:        name,
		MatchMode:   matchMode,
		States:      make(map[string]*StateDef),
		finalStates: make(map[string]struct{}),
	}
}

// AddState registers a state. The first state added via AddState becomes
// InitialState unless SetInitialState is called explicitly afterward.
func (d *Definition) AddState(s *StateDef) *Definition {
	d.States[s.Name] = s
	if d.InitialState == "" {
		d.InitialState = s.Name
	}
	return d
}

// SetInitialState overrides the default initial-state selection.
func (d *Definition) SetInitialState(name string) *Definition {
	d.InitialState = name
	return d
}

// MarkFinal adds name to the definition's final-state set.
func (d *Definition) MarkFinal(name string) *Definition {
	d.finalStates[name] = struct{}{}
	return d
}

// IsFinal reports whether state is one of the definition's final states.
func (d *Definition) IsFinal(state string) bool {
	_, ok := d.finalStates[state]
	return ok
}

// AddTransition appends a transition to the table. Order matters: among
// transitions with a satisfied guard, the first declared wins ties.
func (d *Definition) AddTransition(t Transition) *Definition {
	d.Transitions = append(d.Transitions, t)
	return d
}

// Validate checks internal consistency: every transition's From/To and
// every timeout target names a known state, and InitialState is defined.
func (d *Definition) Validate() error {
	if _, ok := d.States[d.InitialState]; !ok {
		return fmt.Errorf("fsm: definition %q: initial state %q not declared", d.Name, d.InitialState)
	}
	for _, t := range d.Transitions {
		if _, ok := d.States[t.From]; !ok {
			return fmt.Errorf("fsm: definition %q: transition from unknown state %q", d.Name, t.From)
		}
		if _, ok := d.States[t.To]; !ok {
			return fmt.Errorf("fsm: definition %q: transition to unknown state %q", d.Name, t.To)
		}
		if t.Stay && t.From != t.To {
			return fmt.Errorf("fsm: definition %q: stay transition %q must have From==To", d.Name, t.EventKey)
		}
	}
	for name, s := range d.States {
		if s.TimeoutAfter > 0 {
			if _, ok := d.States[s.TimeoutTo]; !ok {
				return fmt.Errorf("fsm: definition %q: state %q has timeoutAfter but no valid timeoutTo", d.Name, name)
			}
		}
	}
	return nil
}

func (d *Definition) state(name string) (*StateDef, error) {
	s, ok := d.States[name]
	if !ok {
		return nil, fmt.Errorf("fsm: definition %q: unknown state %q", d.Name, name)
	}
	return s, nil
}
