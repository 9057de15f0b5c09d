package session

import "github.com/nerrad567/mqttsession/internal/bus"

// Provider is the transport that owns the network protocol.
//
// Every method except Connect is a fire-and-forget command: failures are
// reported later as error events on the shared bus. Connect calls done
// exactly once with the outcome of the attempt.
//
// Implementations must be safe for concurrent use by many sessions.
type Provider interface {
	RegisterSession(id bus.Identity)
	Connect(id bus.Identity, address string, opts TransportOptions, done func(error))
	Subscribe(id bus.Identity, topics []string, qos byte)
	Unsubscribe(id bus.Identity, topics []string)
	ConfigureWill(id bus.Identity, topic string, payload []byte, qos byte, retained bool)
	Publish(id bus.Identity, topic string, payload []byte, qos byte, retained bool)
	Disconnect(id bus.Identity)
	ReleaseSession(id bus.Identity)
}
