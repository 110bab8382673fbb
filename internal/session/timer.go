package session

import "time"

// Timer is a cancellable one-shot timer.
type Timer interface {
	Stop() bool
}

// Scheduler arms one-shot timers. Tests swap in a manual scheduler.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type clockScheduler struct{}

func (clockScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ClockScheduler returns a Scheduler backed by the runtime timer.
func ClockScheduler() Scheduler { return clockScheduler{} }
