// Package stats tracks round-trip-time telemetry for the control and
// datagram transports: a bounded sample window plus running average
// and population variance recomputed over the live samples.
//
// The numbers are advisory. They are echoed back to the peer inside
// ping messages and feed the transport-health decision; nothing here
// drives retransmission or congestion control, the protocol has none.
package stats

// DefaultWindowSize bounds the per-transport sample history. Average
// and variance are recomputed over the full window on every insert,
// which is what keeps the window deliberately small.
const DefaultWindowSize = 50

// Window is a bounded FIFO of round-trip samples in milliseconds.
// Pushing onto a full window evicts the oldest sample.
type Window struct {
	samples  []uint32
	capacity int
}

// NewWindow creates a Window holding at most capacity samples.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Window{
		samples:  make([]uint32, 0, capacity),
		capacity: capacity,
	}
}

// Push appends a sample, evicting the oldest one when full.
func (w *Window) Push(sample uint32) {
	if len(w.samples) == w.capacity {
		copy(w.samples, w.samples[1:])
		w.samples[len(w.samples)-1] = sample
		return
	}
	w.samples = append(w.samples, sample)
}

// Len returns the number of held samples.
func (w *Window) Len() int {
	return len(w.samples)
}

// Snapshot returns a copy of the held samples, oldest first.
func (w *Window) Snapshot() []uint32 {
	out := make([]uint32, len(w.samples))
	copy(out, w.samples)
	return out
}

// Reset drops all held samples.
func (w *Window) Reset() {
	w.samples = w.samples[:0]
}
