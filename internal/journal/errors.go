package journal

import "errors"

var (
	// ErrInvalidKind is returned when an event kind is not one of the four
	// session event kinds.
	ErrInvalidKind = errors.New("journal: invalid event kind")

	// ErrMissingSession is returned when an event has no session name.
	ErrMissingSession = errors.New("journal: session name is required")

	// ErrArchiveFailed wraps upload failures from an Archiver.
	ErrArchiveFailed = errors.New("journal: archive upload failed")
)
