package core

import (
	"fmt"
	"math"
	"time"
)

// MaxTimeout is the longest finite timeout accepted (30 days).
const MaxTimeout = 30 * 24 * time.Hour

// Timeout bounds how long a send or receive may block. The zero value is
// NoWait.
type Timeout struct {
	d       time.Duration
	forever bool
	invalid bool
}

var (
	// NoWait makes an operation fail immediately instead of blocking.
	NoWait = Timeout{}

	// Forever blocks until the operation can complete.
	Forever = Timeout{forever: true}
)

// Wait returns a timeout of d. Zero is NoWait; negative durations and
// durations above MaxTimeout are invalid.
func Wait(d time.Duration) Timeout {
	if d < 0 || d > MaxTimeout {
		return Timeout{d: d, invalid: true}
	}
	return Timeout{d: d}
}

// Seconds returns a timeout of s seconds. +Inf is Forever. A positive
// value below one nanosecond rounds up to one nanosecond.
func Seconds(s float64) Timeout {
	switch {
	case math.IsInf(s, 1):
		return Forever
	case math.IsNaN(s), s < 0, s > MaxTimeout.Seconds():
		return Timeout{invalid: true}
	}
	d := time.Duration(s * float64(time.Second))
	if d == 0 && s > 0 {
		d = time.Nanosecond
	}
	return Timeout{d: d}
}

// Validate reports ErrInvalidTimeout for negative, NaN or over-long values.
func (t Timeout) Validate() error {
	if t.invalid {
		return ErrInvalidTimeout
	}
	return nil
}

// IsForever reports whether t never expires.
func (t Timeout) IsForever() bool {
	return t.forever
}

// IsNoWait reports whether t never blocks.
func (t Timeout) IsNoWait() bool {
	return !t.forever && !t.invalid && t.d == 0
}

// Duration returns the finite duration of t.
func (t Timeout) Duration() time.Duration {
	return t.d
}

// String returns a readable form of the timeout.
func (t Timeout) String() string {
	switch {
	case t.invalid:
		return fmt.Sprintf("invalid(%v)", t.d)
	case t.forever:
		return "forever"
	case t.d == 0:
		return "nowait"
	default:
		return t.d.String()
	}
}

// deadline is a timeout pinned to an absolute time at call entry.
type deadline struct {
	at      time.Time
	forever bool
	nowait  bool
}

func (t Timeout) deadline(now time.Time) deadline {
	switch {
	case t.forever:
		return deadline{forever: true}
	case t.d == 0:
		return deadline{nowait: true}
	default:
		return deadline{at: now.Add(t.d)}
	}
}

// waiter parks a caller until its deadline. The timer is created on the
// first park so non-blocking paths never allocate one.
type waiter struct {
	dl    deadline
	timer *time.Timer
}

func newWaiter(t Timeout) *waiter {
	return &waiter{dl: t.deadline(time.Now())}
}

// expired returns the channel that fires at the deadline, nil for Forever.
// A deadline already in the past fires at once.
func (w *waiter) expired() <-chan time.Time {
	if w.dl.forever {
		return nil
	}
	if w.timer == nil {
		w.timer = time.NewTimer(time.Until(w.dl.at))
	}
	return w.timer.C
}

func (w *waiter) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}
