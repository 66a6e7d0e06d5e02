// Package schedule abstracts one-shot timers so timed transitions can be
// driven deterministically in tests.
package schedule

import (
	"sort"
	"sync"
	"time"
)

// Timer is a pending callback.
type Timer interface {
	// Stop cancels the callback and reports whether it was still pending.
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Real schedules with the runtime timer.
type Real struct{}

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake is a manually advanced scheduler. Callbacks run synchronously inside
// Advance, in due-time order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	pending []*fakeTimer
}

type fakeTimer struct {
	f       *Fake
	due     time.Time
	seq     int
	fn      func()
	stopped bool
}

// NewFake returns a fake scheduler starting at an arbitrary fixed time.
func NewFake() *Fake {
	return &Fake{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{f: f, due: f.now.Add(d), seq: f.seq, fn: fn}
	f.pending = append(f.pending, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	for i, p := range t.f.pending {
		if p == t {
			t.f.pending = append(t.f.pending[:i], t.f.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Advance moves the clock forward and fires every timer that became due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		sort.SliceStable(f.pending, func(i, j int) bool {
			if f.pending[i].due.Equal(f.pending[j].due) {
				return f.pending[i].seq < f.pending[j].seq
			}
			return f.pending[i].due.Before(f.pending[j].due)
		})
		if len(f.pending) == 0 || f.pending[0].due.After(target) {
			f.now = target
			f.mu.Unlock()
			return
		}
		next := f.pending[0]
		f.pending = f.pending[1:]
		next.stopped = true
		f.now = next.due
		f.mu.Unlock()

		next.fn()
	}
}

// Pending returns the number of armed timers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Now returns the fake clock.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}
