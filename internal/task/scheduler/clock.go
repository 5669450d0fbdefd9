package scheduler

import "time"

// Clock is the scheduler's time source. Timers are armed at absolute
// deadlines so a deadline already in the past fires immediately.
type Clock interface {
	Now() time.Time
	TimerAt(deadline time.Time) Timer
}

type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// SystemClock is the wall clock.
func SystemClock() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) TimerAt(deadline time.Time) Timer {
	return stdTimer{time.NewTimer(time.Until(deadline))}
}

type stdTimer struct{ t *time.Timer }

func (t stdTimer) C() <-chan time.Time { return t.t.C }
func (t stdTimer) Stop() bool          { return t.t.Stop() }
