package fsm

import "errors"

// ErrNotInitialized is returned by Process/Update when neither Init nor
// SetState has been called on the instance.
var ErrNotInitialized = errors.New("fsm: instance not initialized")

// ErrNoTransition is returned by Process when no declared transition
// matches the current state and event.
var ErrNoTransition = errors.New("fsm: no matching transition")
