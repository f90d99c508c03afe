package store

import "errors"

// ErrUnavailable marks a retryable storage failure. Snapshot writes on
// the hot path surface this to the event caller; the triggering
// transition is not applied.
var ErrUnavailable = errors.New("store: unavailable")

// ErrCorruptSnapshot marks a fatal, non-retryable decode failure for a
// single machine's row. No backend in this module returns it, and no
// component quarantines the affected machine.
var ErrCorruptSnapshot = errors.New("store: corrupt snapshot")

// ErrDefinitionMismatch marks a persisted state name that the current
// FSM definition no longer declares. Fatal for that machine.
var ErrDefinitionMismatch = errors.New("store: persisted state not in definition")
