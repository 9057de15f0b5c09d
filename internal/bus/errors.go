package bus

import "errors"

var (
	// ErrRouterClosed is returned when registering on a closed Router.
	ErrRouterClosed = errors.New("bus: router closed")

	// ErrInvalidKind is returned when registering for an unknown event kind.
	ErrInvalidKind = errors.New("bus: invalid event kind")

	// ErrEmptyIdentity is returned when registering with an empty identity.
	ErrEmptyIdentity = errors.New("bus: identity cannot be empty")

	// ErrNilCallback is returned when registering a nil callback.
	ErrNilCallback = errors.New("bus: callback cannot be nil")
)
