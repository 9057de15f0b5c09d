package session

import "github.com/nerrad567/mqttsession/internal/bus"

// EventKind names a listener channel.
type EventKind string

// Event kinds delivered to listeners.
const (
	EventConnect    EventKind = EventKind(bus.KindConnect)
	EventDisconnect EventKind = EventKind(bus.KindDisconnect)
	EventMessage    EventKind = EventKind(bus.KindMessage)
	EventError      EventKind = EventKind(bus.KindError)
)

func (k EventKind) valid() bool {
	return bus.Kind(k).Valid()
}

// Event is implemented by every value delivered to a Handler.
type Event interface {
	Kind() EventKind
}

// ConnectEvent reports an established connection. Reconnected is false for
// the connection made by Connect and true for transport-initiated reconnects.
type ConnectEvent struct {
	Reconnected bool
}

// Kind implements Event.
func (ConnectEvent) Kind() EventKind { return EventConnect }

// DisconnectEvent reports a lost or closed connection.
type DisconnectEvent struct {
	Cause string
}

// Kind implements Event.
func (DisconnectEvent) Kind() EventKind { return EventDisconnect }

// MessageEvent carries a received message with its payload decoded to bytes.
type MessageEvent struct {
	Topic   string
	Payload []byte
}

// Kind implements Event.
func (MessageEvent) Kind() EventKind { return EventMessage }

// ErrorEvent carries a runtime error reported by the transport.
type ErrorEvent struct {
	Err error
}

// Kind implements Event.
func (ErrorEvent) Kind() EventKind { return EventError }
