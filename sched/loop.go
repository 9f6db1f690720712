// Package sched provides the event-loop substrate the client runs
// on: a single serializing callback loop, repeating and one-shot
// timers, callback-driven TCP and UDP transports, and the TLS
// secure-session capability for the control channel.
//
// Everything network- or timer-initiated is marshalled onto one loop
// goroutine, so protocol code never races with itself. Callers from
// other goroutines hand work to the loop with Enqueue and return
// immediately.
package sched

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler is the capability the client consumes: a serializing
// executor, timers that fire on it, and a clock. Tests inject a fake
// implementation to drive ticks and time by hand.
type Scheduler interface {
	// Enqueue schedules fn to run on the loop and returns immediately.
	Enqueue(fn func())

	// NewTimer creates a stopped timer that runs fn on the loop.
	NewTimer(fn func()) Timer

	// Now returns the scheduler's clock reading.
	Now() time.Time
}

// Timer fires its callback on the owning scheduler's loop.
type Timer interface {
	// Start arms the timer: first fire after delay, then every repeat
	// if repeat > 0. Restarting an armed timer reschedules it.
	Start(delay, repeat time.Duration)

	// Stop disarms the timer. Safe to call on a stopped timer.
	Stop()
}

// Loop is the production Scheduler: one goroutine draining a
// callback queue in FIFO order.
type Loop struct {
	fns  chan func()
	done chan struct{}
	once sync.Once
}

// NewLoop creates and starts a Loop.
func NewLoop() *Loop {
	l := &Loop{
		fns:  make(chan func(), 256),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case fn := <-l.fns:
			fn()
		case <-l.done:
			// Drain what was enqueued before close, then exit.
			for {
				select {
				case fn := <-l.fns:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Enqueue schedules fn on the loop. Work enqueued after Close is
// silently dropped, matching the shutdown contract of the transports.
func (l *Loop) Enqueue(fn func()) {
	select {
	case <-l.done:
	case l.fns <- fn:
	}
}

// Now returns the wall clock.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Close stops the loop after draining already-enqueued callbacks.
func (l *Loop) Close() {
	l.once.Do(func() {
		close(l.done)
	})
}

// NewTimer creates a stopped timer bound to this loop.
func (l *Loop) NewTimer(fn func()) Timer {
	return &loopTimer{loop: l, fn: fn}
}

// loopTimer wraps time.AfterFunc so that fires are marshalled onto
// the loop. A generation counter discards fires from superseded
// schedules, so Stop/Start races with an in-flight fire are benign.
type loopTimer struct {
	loop *Loop
	fn   func()

	mu     sync.Mutex
	gen    uint64
	repeat time.Duration
	timer  *time.Timer
}

func (t *loopTimer) Start(delay, repeat time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	t.repeat = repeat
	if t.timer != nil {
		t.timer.Stop()
	}
	t.schedule(t.gen, delay)
}

func (t *loopTimer) schedule(gen uint64, d time.Duration) {
	t.timer = time.AfterFunc(d, func() {
		t.loop.Enqueue(func() { t.fire(gen) })
	})
}

func (t *loopTimer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	if t.repeat > 0 {
		t.schedule(gen, t.repeat)
	}
	t.mu.Unlock()

	t.fn()
}

func (t *loopTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func logger(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}
