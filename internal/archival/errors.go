package archival

import "errors"

// ErrBackpressure is returned by ArchiveMachine when the queue is full
// and stays full past the enqueue timeout.
var ErrBackpressure = errors.New("archival: queue backpressure")

// ErrInterrupted marks an enqueue cancelled by its caller's context or
// by manager shutdown.
var ErrInterrupted = errors.New("archival: interrupted")
