package stats

// Tracker maintains ping statistics for one transport. Observe feeds
// each new round-trip delta; Average and Variance are recomputed over
// the currently held window on every insert, so they are always the
// true arithmetic mean and population variance of the live samples.
//
// Count is the lifetime number of observations, not the window size;
// it is what goes out in ping telemetry as the packet count.
type Tracker struct {
	window   *Window
	count    uint32
	average  float32
	variance float32
}

// NewTracker creates a Tracker with the default window size.
func NewTracker() *Tracker {
	return NewTrackerSize(DefaultWindowSize)
}

// NewTrackerSize creates a Tracker with an explicit window capacity.
func NewTrackerSize(capacity int) *Tracker {
	return &Tracker{window: NewWindow(capacity)}
}

// Observe records one round-trip delta in milliseconds.
func (t *Tracker) Observe(deltaMillis uint32) {
	t.count++
	t.window.Push(deltaMillis)
	t.recompute()
}

func (t *Tracker) recompute() {
	samples := t.window.samples
	n := float32(len(samples))

	var sum float32
	for _, s := range samples {
		sum += float32(s)
	}
	t.average = sum / n

	var sq float32
	for _, s := range samples {
		d := float32(s) - t.average
		sq += d * d
	}
	t.variance = sq / n
}

// Count returns the lifetime observation count.
func (t *Tracker) Count() uint32 {
	return t.count
}

// Average returns the mean of the held samples, 0 before any sample.
func (t *Tracker) Average() float32 {
	return t.average
}

// Variance returns the population variance of the held samples.
func (t *Tracker) Variance() float32 {
	return t.variance
}

// Reset clears both the window and the derived statistics. Used when
// a new connection attempt starts.
func (t *Tracker) Reset() {
	t.window.Reset()
	t.count = 0
	t.average = 0
	t.variance = 0
}
