package session

// State is the connection state of a Manager.
type State int

const (
	// Idle is the initial state and the state after Disconnect; no handle.
	Idle State = iota
	// Connecting means a handle exists and is awaiting its first connect.
	Connecting
	// Connected means the handle reported a live link.
	Connected
	// Disconnected means the link was lost; the transport may still be
	// retrying within its budget.
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// StateChange describes one transition. Exhausted is set when the transport
// has given up reconnecting; the session then stays Disconnected until the
// next Connect.
type StateChange struct {
	From      State
	To        State
	Exhausted bool
}
