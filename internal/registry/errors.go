package registry

import "errors"

// ErrAlreadyPresent is returned by Register when id is already live.
var ErrAlreadyPresent = errors.New("registry: machine already present in memory")

// ErrAlreadyTerminated is returned when a rehydrate target is absent
// from the active store but present in history.
var ErrAlreadyTerminated = errors.New("registry: machine already terminated")
