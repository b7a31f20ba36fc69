// Package gate provides non-blocking admission control for frame processing.
package gate

import "sync/atomic"

// Gate admits at most one frame at a time. Frames that arrive while the
// gate is held are dropped by the caller; there is no queue.
type Gate struct {
	held     atomic.Bool
	accepted atomic.Uint64
	dropped  atomic.Uint64
}

// Stats counts admission decisions since the gate was created.
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Dropped  uint64 `json:"dropped"`
}

// New returns an idle gate.
func New() *Gate {
	return &Gate{}
}

// TryAcquire takes the gate if it is idle. It never blocks.
func (g *Gate) TryAcquire() bool {
	if g.held.CompareAndSwap(false, true) {
		g.accepted.Add(1)
		return true
	}
	g.dropped.Add(1)
	return false
}

// Release returns the gate to idle. It reports whether the gate was held;
// callers must release exactly once per successful TryAcquire.
func (g *Gate) Release() bool {
	return g.held.CompareAndSwap(true, false)
}

// Held reports whether a frame is currently admitted.
func (g *Gate) Held() bool {
	return g.held.Load()
}

// Stats returns the admission counters.
func (g *Gate) Stats() Stats {
	return Stats{Accepted: g.accepted.Load(), Dropped: g.dropped.Load()}
}
