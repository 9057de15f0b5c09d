package session

import "errors"

// State guard errors. These are returned synchronously and are never retried.
var (
	// ErrClosed is returned for any operation on a closed client.
	ErrClosed = errors.New("session: client already closed")

	// ErrAlreadyConnected is returned by Connect when the client is connected.
	ErrAlreadyConnected = errors.New("session: client already connected")

	// ErrConnectInProgress is returned by Connect while another attempt is pending.
	ErrConnectInProgress = errors.New("session: connect already in progress")

	// ErrNotConnected is returned by Subscribe, Unsubscribe and Publish when
	// the client is not connected.
	ErrNotConnected = errors.New("session: client not connected")

	// ErrNotDisconnected is returned by Close while the client is connected
	// or connecting. Disconnect first.
	ErrNotDisconnected = errors.New("session: client not disconnected")
)

// Transport and validation errors.
var (
	// ErrConnectFailed wraps the error reported by the provider for a failed connect.
	ErrConnectFailed = errors.New("session: connect failed")

	// ErrTransport wraps runtime errors reported by the provider as error events.
	ErrTransport = errors.New("session: transport error")

	// ErrInvalidPayload is reported when a received message payload cannot be decoded.
	ErrInvalidPayload = errors.New("session: invalid message payload")

	// ErrInvalidTopic is returned when a topic is empty.
	ErrInvalidTopic = errors.New("session: topic cannot be empty")

	// ErrInvalidQoS is returned for QoS levels above 2.
	ErrInvalidQoS = errors.New("session: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidEvent is returned when registering for an unknown event kind.
	ErrInvalidEvent = errors.New("session: unknown event kind")

	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = errors.New("session: handler cannot be nil")
)
