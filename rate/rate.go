// Package rate implements a rate estimator and a fixed bandwidth window.
package rate

import (
	"math"
	"time"
)

// Estimator is a rate estimator using exponential decay.  It is not
// thread-safe; all methods take the current time explicitly so that the
// owning event loop samples the clock once per iteration.
type Estimator struct {
	interval time.Duration
	seconds  float64
	value    float64
	base     float64
	time     time.Time
	running  bool
}

// Init initialises a rate estimator with the given time constant.
func (e *Estimator) Init(interval time.Duration, now time.Time) {
	e.interval = interval
	e.time = now
	e.seconds = float64(interval) / float64(time.Second)
	e.base = -1.0 / e.seconds
}

// Start starts a rate estimator.
func (e *Estimator) Start(now time.Time) {
	if !e.running {
		e.time = now
		e.running = true
	}
}

// Stop stops a rate estimator.
func (e *Estimator) Stop() {
	e.running = false
}

func (e *Estimator) Running() bool {
	return e.running
}

// Time returns the time at which the estimator was advanced.
func (e *Estimator) Time() time.Time {
	return e.time
}

func (e *Estimator) advance(now time.Time) {
	if !e.running {
		panic("Cannot advance stopped rate estimator")
	}
	delay := now.Sub(e.time)
	if delay <= time.Duration(0) {
		return
	}
	e.time = now
	seconds := float64(delay) * (1 / float64(time.Second))
	e.value = e.value * math.Exp(e.base*seconds)
}

func (e *Estimator) accumulate(value int) {
	e.value += float64(value)
	if e.value < 0 {
		e.value = 0
	}
}

func (e *Estimator) rate(value float64) float64 {
	if e.seconds == 0 {
		return 0
	}
	return value / e.seconds
}

// Estimate returns an estimate of the rate in bytes per second.
func (e *Estimator) Estimate(now time.Time) float64 {
	if e.running {
		e.advance(now)
	}
	return e.rate(e.value)
}

// Accumulate notifies the estimator that the given number of bytes has
// been sent or received.
func (e *Estimator) Accumulate(value int, now time.Time) {
	if e.running {
		e.advance(now)
		e.accumulate(value)
	}
}

// Allow returns true if sending or receiving the given number of bytes
// would not exceed the given target rate.
func (e *Estimator) Allow(value int, target float64, now time.Time) bool {
	if e.value+float64(value) <= target*e.seconds {
		return true
	}
	if e.running {
		e.advance(now)
		return e.value+float64(value) <= target*e.seconds
	}
	return false
}

// Window is a bandwidth budget over fixed-size measurement windows.
// The number of bytes accounted to the current window resets whenever
// the window ages past its size; it is never negative.
type Window struct {
	start  time.Time
	bytes  int
	target float64 // bytes per millisecond, 0 means unlimited
	size   time.Duration
}

// Init sets the window's target rate in bytes per millisecond and its
// size, and starts a fresh window at now.
func (w *Window) Init(target float64, size time.Duration, now time.Time) {
	if target < 0 {
		target = 0
	}
	w.target = target
	w.size = size
	w.start = now
	w.bytes = 0
}

// SetTarget changes the target rate without resetting the window.
func (w *Window) SetTarget(target float64) {
	if target < 0 {
		target = 0
	}
	w.target = target
}

func (w *Window) Target() float64 {
	return w.target
}

func (w *Window) Size() time.Duration {
	return w.size
}

// Bytes returns the number of bytes accounted to the current window.
func (w *Window) Bytes() int {
	return w.bytes
}

// Roll starts a new window if the current one is older than its size.
func (w *Window) Roll(now time.Time) {
	if now.Sub(w.start) > w.size {
		w.start = now
		w.bytes = 0
	}
}

// Remaining returns the time until the current window rolls.
func (w *Window) Remaining(now time.Time) time.Duration {
	d := w.start.Add(w.size).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Budget returns the number of bytes a window may carry.
func (w *Window) Budget() int {
	ms := float64(w.size) / float64(time.Millisecond)
	b := w.target * ms
	if b >= math.MaxInt32 {
		return math.MaxInt32
	}
	return int(b)
}

// Allowance returns the number of bytes that may be transferred now
// without exceeding the window's budget.  It returns math.MaxInt when
// the window is unlimited.
func (w *Window) Allowance(now time.Time) int {
	if w.target <= 0 {
		return math.MaxInt
	}
	w.Roll(now)
	a := w.Budget() - w.bytes
	if a < 0 {
		return 0
	}
	return a
}

// Note accounts n bytes to the current window, then rolls the window if
// it has aged past its size.
func (w *Window) Note(n int, now time.Time) {
	if n > 0 {
		w.bytes += n
	}
	w.Roll(now)
}
