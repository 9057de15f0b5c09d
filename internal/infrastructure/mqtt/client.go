package mqtt

import (
	"encoding/base64"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/mqttsession/internal/bus"
)

// sessionClient is the paho state held for one registered identity.
type sessionClient struct {
	id bus.Identity

	mu     sync.Mutex
	client pahomqtt.Client
	will   *will

	// connectedOnce distinguishes the first OnConnect after Connect from
	// paho auto-reconnects.
	connectedOnce bool

	// generation increments on every Connect so handlers of a replaced
	// paho client stop emitting.
	generation uint64
}

// current returns the paho client, or nil before the first Connect.
func (s *sessionClient) current() pahomqtt.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// connected reports whether the session has an open paho connection.
func (s *sessionClient) connected() bool {
	c := s.current()
	return c != nil && c.IsConnectionOpen()
}

// install creates the session's next paho client with build and swaps it
// in. It returns the previous client and the generation the new one's
// handlers belong to.
func (s *sessionClient) install(build func(gen uint64) pahomqtt.Client) (prev, next pahomqtt.Client, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	gen = s.generation
	next = build(gen)
	prev = s.client
	s.client = next
	s.connectedOnce = false
	return prev, next, gen
}

// detach forgets the paho client if it still belongs to gen.
func (s *sessionClient) detach(gen uint64) pahomqtt.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return nil
	}
	c := s.client
	s.client = nil
	s.connectedOnce = false
	return c
}

// markConnected records an OnConnect for gen and reports whether it is a
// reconnect. ok is false for a stale client.
func (s *sessionClient) markConnected(gen uint64) (reconnect, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return false, false
	}
	reconnect = s.connectedOnce
	s.connectedOnce = true
	return reconnect, true
}

func (s *sessionClient) live(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen
}

func (s *sessionClient) setWill(w *will) {
	s.mu.Lock()
	s.will = w
	s.mu.Unlock()
}

func (s *sessionClient) getWill() *will {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.will
}

// attachHandlers wires paho callbacks for one generation of a session to
// the provider's event sink.
func (p *Provider) attachHandlers(opts *pahomqtt.ClientOptions, sc *sessionClient, gen uint64) {
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		reconnect, ok := sc.markConnected(gen)
		if !ok {
			return
		}
		p.emit(bus.Event{Kind: bus.KindConnect, Identity: sc.id, Reconnected: reconnect})
	})

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		if !sc.live(gen) {
			return
		}
		cause := "connection lost"
		if err != nil {
			cause = err.Error()
		}
		p.emit(bus.Event{Kind: bus.KindDisconnect, Identity: sc.id, Cause: cause})
	})

	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		if logger := p.getLogger(); logger != nil {
			logger.Warn("MQTT session reconnecting", "identity", string(sc.id))
		}
	})

	opts.SetDefaultPublishHandler(p.wrapHandler(sc, gen))
}

// wrapHandler turns received messages into message events, with panic
// recovery around the sink.
func (p *Provider) wrapHandler(sc *sessionClient, gen uint64) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := p.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered",
						"identity", string(sc.id),
						"topic", msg.Topic(),
						"panic", r,
					)
				}
			}
		}()

		if !sc.live(gen) {
			return
		}
		p.emit(bus.Event{
			Kind:     bus.KindMessage,
			Identity: sc.id,
			Topic:    msg.Topic(),
			Payload:  base64.StdEncoding.EncodeToString(msg.Payload()),
		})
	}
}
