package sender

import "time"

// Clock abstracts wall time and one-shot timers so the receipt scheduler can
// be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	// CallLater invokes fn once after d has elapsed.
	CallLater(d time.Duration, fn func())
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) CallLater(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

// SystemClock returns a Clock backed by the runtime timer wheel.
func SystemClock() Clock { return systemClock{} }
