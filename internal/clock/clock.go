// Package clock abstracts wall time so timing-dependent code can be driven
// deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the source of time for the graph, gateway, coordinator and simulation
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks on C until stopped
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real returns a Clock backed by the time package
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) NewTicker(d time.Duration) Ticker       { return &realTicker{t: time.NewTicker(d)} }

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Fake is a manually advanced Clock
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	at     time.Time
	period time.Duration // zero for one-shot timers
	ch     chan time.Time
	done   bool
}

// NewFake returns a Fake clock positioned at start
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the current fake time
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns the fake time elapsed since t
func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// After fires once the clock has been advanced by d
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	w := &fakeWaiter{at: f.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		w.ch <- f.now
		w.done = true
		return w.ch
	}
	f.waiters = append(f.waiters, w)
	return w.ch
}

// NewTicker returns a ticker that fires as the clock is advanced past each period
func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker period")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	w := &fakeWaiter{at: f.now.Add(d), period: d, ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return &fakeTicker{f: f, w: w}
}

// Advance moves the clock forward and fires every timer and ticker that came due.
// A ticker with an undrained tick drops further ticks, like time.Ticker.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
	live := f.waiters[:0]
	for _, w := range f.waiters {
		if w.done {
			continue
		}
		for !w.at.After(f.now) {
			select {
			case w.ch <- w.at:
			default:
			}
			if w.period == 0 {
				w.done = true
				break
			}
			w.at = w.at.Add(w.period)
		}
		if !w.done {
			live = append(live, w)
		}
	}
	f.waiters = live
}

// Waiters reports how many timers and tickers are pending
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

type fakeTicker struct {
	f *Fake
	w *fakeWaiter
}

func (t *fakeTicker) C() <-chan time.Time { return t.w.ch }

func (t *fakeTicker) Stop() {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	t.w.done = true
}
