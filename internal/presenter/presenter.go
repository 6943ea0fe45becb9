// Package presenter turns dispatched channel events into displayable state:
// the dashboard, the notification list and the live/offline indicator.
package presenter

// signal is a coalescing change notification. Several changes between two
// reads collapse into one wake-up.
type signal struct {
	ch chan struct{}
}

func newSignal() signal {
	return signal{ch: make(chan struct{}, 1)}
}

func (s signal) fire() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}
