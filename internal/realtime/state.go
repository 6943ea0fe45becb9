package realtime

import "encoding/json"

// State is the connection lifecycle position of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

var stateNames = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateReconnecting: "reconnecting",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Status is a point-in-time view of the Manager, passed to state listeners.
type Status struct {
	State     State  `json:"state"`
	Error     string `json:"error,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	Transport string `json:"transport,omitempty"`
	Attempt   int    `json:"attempt"`
}

// Connected reports whether the channel is live.
func (s Status) Connected() bool { return s.State == StateConnected }
