package scheduler

import "sync/atomic"

// Flight is a single-holder guard around the computation pass. The flag
// flips before the first blocking operation of a pass, so an overlapping
// trigger observes it immediately and backs off.
type Flight struct {
	active atomic.Bool
}

// TryAcquire claims the flight. False means a pass is already running.
func (f *Flight) TryAcquire() bool {
	return f.active.CompareAndSwap(false, true)
}

// Release frees the flight for the next pass.
func (f *Flight) Release() {
	f.active.Store(false)
}

// Active reports whether a pass currently holds the flight.
func (f *Flight) Active() bool {
	return f.active.Load()
}
