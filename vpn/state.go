package vpn

import "time"

// State is the lifecycle state of the session.
type State int

const (
	// StateIdle means no tunnel and no pending request.
	StateIdle State = iota
	// StateAwaitingPermission means the user is being asked for consent.
	StateAwaitingPermission
	// StateEstablishing means the interface and engine are being brought up.
	StateEstablishing
	// StateRunning means the tunnel is active.
	StateRunning
	// StateStopping means teardown is in progress.
	StateStopping
	// StateFailed means the last start attempt failed; see Snapshot.LastError.
	StateFailed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingPermission:
		return "AwaitingPermission"
	case StateEstablishing:
		return "Establishing"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Busy reports whether a new start must be rejected in this state.
func (s State) Busy() bool {
	return s == StateEstablishing || s == StateRunning || s == StateStopping
}

// allowedTransition reports whether from -> to is a legal edge.
func allowedTransition(from, to State) bool {
	switch from {
	case StateIdle, StateFailed:
		return to == StateAwaitingPermission || to == StateEstablishing || to == StateIdle
	case StateAwaitingPermission:
		return to == StateAwaitingPermission || to == StateEstablishing || to == StateFailed || to == StateIdle
	case StateEstablishing:
		return to == StateRunning || to == StateFailed || to == StateStopping
	case StateRunning:
		return to == StateStopping
	case StateStopping:
		return to == StateIdle || to == StateFailed
	}
	return false
}

// Snapshot is a point-in-time copy of the session.
type Snapshot struct {
	State     State
	HasConfig bool
	TunFD     int
	TunName   string
	LastError error
	Token     string
	StartedAt time.Time
}

// Uptime returns how long the tunnel has been running.
func (s Snapshot) Uptime() time.Duration {
	if s.State != StateRunning || s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}

// Event is published on every state transition.
type Event struct {
	State    State
	Previous State
	Err      error
	Time     time.Time
}
