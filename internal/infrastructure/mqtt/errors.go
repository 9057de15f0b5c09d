package mqtt

import "errors"

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code.
//
// Except for Connect, provider commands do not return errors: failures are
// reported as error events whose text starts with one of these messages.
var (
	// ErrUnknownSession is reported for commands addressed to an identity
	// that was never registered or has been released.
	ErrUnknownSession = errors.New("mqtt: unknown session")

	// ErrProviderClosed is reported for commands after Close.
	ErrProviderClosed = errors.New("mqtt: provider closed")

	// ErrNotConnected is reported when a session has no open connection.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed wraps the error of a failed connect attempt.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrInvalidOptions is returned when connect options cannot be applied
	// (bad TLS material, malformed broker address).
	ErrInvalidOptions = errors.New("mqtt: invalid connect options")

	// ErrPublishFailed is reported when a publish operation fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is reported when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrUnsubscribeFailed is reported when an unsubscribe operation fails.
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS is reported when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is reported for empty or malformed topics and filters.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrPayloadTooLarge is reported when a payload exceeds maxPayloadSize.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")

	// ErrTimeout is reported when an operation times out.
	ErrTimeout = errors.New("mqtt: operation timed out")
)
