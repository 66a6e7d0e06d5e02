package engine

import (
	"sort"
	"time"

	"github.com/p-blackswan/buildmode/internal/schedule"
)

// Watchdog force-clears loading indicators whose completion never arrives.
// It is a liveness safeguard only: expiry does not cancel the request.
// Arm, Disarm and Armed must be called from the engine goroutine; expiry
// callbacks are delivered through post.
type Watchdog struct {
	sched    schedule.Scheduler
	timeout  time.Duration
	post     func(func())
	onExpire func(stage string)

	gen     int
	watches map[string]watch
}

type watch struct {
	gen   int
	timer schedule.Timer
}

// NewWatchdog returns a watchdog that calls onExpire for a stage that stays
// armed for timeout.
func NewWatchdog(sched schedule.Scheduler, timeout time.Duration, post func(func()), onExpire func(string)) *Watchdog {
	return &Watchdog{
		sched:    sched,
		timeout:  timeout,
		post:     post,
		onExpire: onExpire,
		watches:  make(map[string]watch),
	}
}

// Arm starts or restarts the timer for stage.
func (w *Watchdog) Arm(stage string) {
	w.Disarm(stage)
	w.gen++
	gen := w.gen
	t := w.sched.AfterFunc(w.timeout, func() {
		w.post(func() { w.expire(stage, gen) })
	})
	w.watches[stage] = watch{gen: gen, timer: t}
}

// Disarm cancels the timer for stage and reports whether one was armed.
func (w *Watchdog) Disarm(stage string) bool {
	wt, ok := w.watches[stage]
	if !ok {
		return false
	}
	wt.timer.Stop()
	delete(w.watches, stage)
	return true
}

// Armed lists stages with a running timer.
func (w *Watchdog) Armed() []string {
	out := make([]string, 0, len(w.watches))
	for s := range w.watches {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Stop disarms every timer.
func (w *Watchdog) Stop() {
	for s := range w.watches {
		w.Disarm(s)
	}
}

func (w *Watchdog) expire(stage string, gen int) {
	wt, ok := w.watches[stage]
	if !ok || wt.gen != gen {
		return
	}
	delete(w.watches, stage)
	w.onExpire(stage)
}
