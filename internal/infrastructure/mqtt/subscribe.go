package mqtt

import (
	"github.com/nerrad567/mqttsession/internal/bus"
)

// Subscribe subscribes id to topics at qos.
//
// Topics can include MQTT wildcards:
//   - + (single-level): "sensors/+/temperature"
//   - # (multi-level): "sensors/#"
//
// Received messages are reported through the default publish handler as
// message events. Invalid filters, a closed connection and failed tokens
// are reported as error events.
func (p *Provider) Subscribe(id bus.Identity, topics []string, qos byte) {
	sc, err := p.lookup(id)
	if err != nil {
		p.emitError(id, err)
		return
	}
	if qos > maxQoS {
		p.emitError(id, ErrInvalidQoS)
		return
	}

	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		if err := ValidateTopicFilter(t); err != nil {
			p.emitError(id, err)
			return
		}
		filters[t] = qos
	}
	if len(filters) == 0 {
		p.emitError(id, ErrInvalidTopic)
		return
	}

	if !sc.connected() {
		p.emitError(id, ErrNotConnected)
		return
	}
	client := sc.current()

	// A nil callback routes messages to the default publish handler.
	if len(topics) == 1 {
		p.await(id, client.Subscribe(topics[0], qos, nil), ErrSubscribeFailed)
		return
	}
	p.await(id, client.SubscribeMultiple(filters, nil), ErrSubscribeFailed)
}

// Unsubscribe removes the subscriptions of id for topics.
func (p *Provider) Unsubscribe(id bus.Identity, topics []string) {
	sc, err := p.lookup(id)
	if err != nil {
		p.emitError(id, err)
		return
	}
	if len(topics) == 0 {
		p.emitError(id, ErrInvalidTopic)
		return
	}
	for _, t := range topics {
		if err := ValidateTopicFilter(t); err != nil {
			p.emitError(id, err)
			return
		}
	}

	if !sc.connected() {
		p.emitError(id, ErrNotConnected)
		return
	}

	p.await(id, sc.current().Unsubscribe(topics...), ErrUnsubscribeFailed)
}
