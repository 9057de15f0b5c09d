package bus

// Identity is the opaque per-session routing token.
type Identity string

// Kind is the type of a transport event.
type Kind string

// Event kinds reported by transport providers.
const (
	KindConnect    Kind = "connect"
	KindDisconnect Kind = "disconnect"
	KindMessage    Kind = "message"
	KindError      Kind = "error"
)

// Valid reports whether k is one of the four known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindConnect, KindDisconnect, KindMessage, KindError:
		return true
	}
	return false
}

// Event is a transport event tagged with the identity it belongs to.
//
// Only the fields relevant to Kind are set. Payload carries message bytes
// as standard base64 text.
type Event struct {
	Kind        Kind     `json:"kind"`
	Identity    Identity `json:"id"`
	Reconnected bool     `json:"reconnect,omitempty"`
	Topic       string   `json:"topic,omitempty"`
	Payload     string   `json:"message,omitempty"`
	Cause       string   `json:"cause,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Callback receives routed events.
type Callback func(Event)
