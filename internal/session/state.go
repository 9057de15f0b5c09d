package session

// State is the connection lifecycle state of a Client.
type State int

// Lifecycle states.
const (
	StateFresh State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// guardConnect allows Connect from Fresh and Disconnected.
func (s State) guardConnect() error {
	switch s {
	case StateClosed:
		return ErrClosed
	case StateConnected:
		return ErrAlreadyConnected
	case StateConnecting:
		return ErrConnectInProgress
	}
	return nil
}

// guardConnected allows Subscribe, Unsubscribe and Publish.
func (s State) guardConnected() error {
	if s == StateClosed {
		return ErrClosed
	}
	if s != StateConnected {
		return ErrNotConnected
	}
	return nil
}

// guardOpen allows anything except a closed client.
func (s State) guardOpen() error {
	if s == StateClosed {
		return ErrClosed
	}
	return nil
}

// guardClose allows Close from Fresh and Disconnected.
func (s State) guardClose() error {
	switch s {
	case StateClosed:
		return ErrClosed
	case StateConnected, StateConnecting:
		return ErrNotDisconnected
	}
	return nil
}

// afterDisconnect returns the state following a routed disconnect event.
func (s State) afterDisconnect() State {
	if s == StateConnected || s == StateConnecting {
		return StateDisconnected
	}
	return s
}
