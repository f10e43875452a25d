package pump

import (
	"sync/atomic"
	"time"
)

// Phase is the coarse external view of a pump: idle, queued, or running.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseQueued  Phase = "queued"
	PhaseRunning Phase = "running"
	PhaseError   Phase = "error"
)

// Status is an immutable snapshot of one pump's externally-visible state
// (spec §9: "cheap, lock-free reads via a pointer swap of an immutable
// status value on state transitions").
type Status struct {
	Phase       Phase
	QueueDepth  int
	ZoneName    string // set only while Phase == running
	LastError   string
	LastErrorAt time.Time
}

// statusBox holds the current Status behind an atomic pointer so readers
// never block on the executor's internal mutex.
type statusBox struct {
	v atomic.Value // holds Status
}

func newStatusBox() *statusBox {
	b := &statusBox{}
	b.v.Store(Status{Phase: PhaseIdle})
	return b
}

func (b *statusBox) set(s Status) { b.v.Store(s) }

func (b *statusBox) get() Status { return b.v.Load().(Status) }
