package mqtt

import (
	"fmt"

	"github.com/nerrad567/mqttsession/internal/bus"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// Publish sends payload to topic on the connection of id.
//
// QoS Levels:
//   - 0: At most once (fire and forget)
//   - 1: At least once (guaranteed delivery, may duplicate)
//   - 2: Exactly once (guaranteed, no duplicates, higher overhead)
//
// Retained Messages:
//   - When true, broker stores the last message for each topic
//   - New subscribers immediately receive the retained message
//
// Failures are reported as error events wrapping ErrPublishFailed.
func (p *Provider) Publish(id bus.Identity, topic string, payload []byte, qos byte, retained bool) {
	sc, err := p.lookup(id)
	if err != nil {
		p.emitError(id, err)
		return
	}
	if err := ValidateTopicName(topic); err != nil {
		p.emitError(id, fmt.Errorf("%w: %w", ErrPublishFailed, err))
		return
	}
	if qos > maxQoS {
		p.emitError(id, fmt.Errorf("%w: %w", ErrPublishFailed, ErrInvalidQoS))
		return
	}
	if len(payload) > maxPayloadSize {
		p.emitError(id, fmt.Errorf("%w: %w: %d exceeds %d bytes", ErrPublishFailed, ErrPayloadTooLarge, len(payload), maxPayloadSize))
		return
	}

	if !sc.connected() {
		p.emitError(id, fmt.Errorf("%w: %w", ErrPublishFailed, ErrNotConnected))
		return
	}

	p.await(id, sc.current().Publish(topic, qos, retained, payload), ErrPublishFailed)
}
