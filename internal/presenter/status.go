package presenter

import (
	"fmt"
	"sync"
	"time"

	"github.com/stockpilot/realtime/internal/realtime"
)

// StateSource is the part of realtime.Manager a status indicator needs.
type StateSource interface {
	OnStateChange(fn realtime.StatusListener) func()
	Status() realtime.Status
}

// LiveStatus mirrors the connection state for a live/offline indicator.
type LiveStatus struct {
	mu      sync.RWMutex
	status  realtime.Status
	since   time.Time
	changes signal
}

func NewLiveStatus() *LiveStatus {
	return &LiveStatus{since: time.Now(), changes: newSignal()}
}

// Attach seeds the indicator from src and follows its transitions.
func (s *LiveStatus) Attach(src StateSource) func() {
	s.Set(src.Status())
	return src.OnStateChange(s.Set)
}

func (s *LiveStatus) Set(st realtime.Status) {
	s.mu.Lock()
	if st.State != s.status.State {
		s.since = time.Now()
	}
	s.status = st
	s.mu.Unlock()
	s.changes.fire()
}

func (s *LiveStatus) Status() realtime.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Since is when the current state was entered.
func (s *LiveStatus) Since() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.since
}

func (s *LiveStatus) Live() bool { return s.Status().Connected() }

// Label is the short indicator text.
func (s *LiveStatus) Label() string {
	st := s.Status()
	switch st.State {
	case realtime.StateConnected:
		if st.Transport == "polling" {
			return "Live (polling)"
		}
		return "Live"
	case realtime.StateConnecting:
		return "Connecting"
	case realtime.StateReconnecting:
		return fmt.Sprintf("Reconnecting (attempt %d)", st.Attempt)
	default:
		return "Offline"
	}
}

func (s *LiveStatus) Changes() <-chan struct{} { return s.changes.ch }
