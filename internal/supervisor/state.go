package supervisor

import "time"

type State int

const (
	Idle State = iota
	Connecting
	Connected
	Degraded
	Reconnecting
	Simulating
)

var stateNames = [...]string{"idle", "connecting", "connected", "degraded", "reconnecting", "simulating"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// StateNames lists every state label, used to reset state gauges.
func StateNames() []string {
	return stateNames[:]
}

// Transition describes one state change.
type Transition struct {
	From   State
	To     State
	Route  string
	Reason string
	At     time.Time
}

// Status is a diagnostic snapshot.
type Status struct {
	State               string    `json:"state"`
	Route               string    `json:"route"`
	RouteIndex          int       `json:"route_index"`
	Routes              int       `json:"routes"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorAt         time.Time `json:"last_error_at,omitempty"`
	ConnectedAt         time.Time `json:"connected_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Transitions         int64     `json:"transitions"`
}
