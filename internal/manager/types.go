package manager

import (
	"time"

	"modelworker/internal/worker"
)

// State represents lifecycle state of the manager/instances.
type State string

const (
	StateReady    State = "ready"
	StateLoading  State = "loading"
	StateError    State = "error"
	StateDraining State = "draining"
)

// Worker kinds.
const (
	KindLocal  = "local"
	KindRemote = "remote"
)

// Snapshot is a read-only projection of the manager state.
type Snapshot struct {
	State State
	Err   string
}

// Instance is one registered worker.
type Instance struct {
	Model    string
	Kind     string
	State    State
	LastUsed time.Time
	Err      string
	Worker   worker.Worker
	// Queueing primitives
	genCh   chan struct{} // capacity: concurrent generations
	queueCh chan struct{} // buffered: queue slots
}
