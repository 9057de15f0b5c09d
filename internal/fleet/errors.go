package fleet

import "errors"

var (
	// ErrNoSessions is returned by New when no sessions are configured.
	ErrNoSessions = errors.New("fleet: no sessions configured")

	// ErrDuplicateSession is returned by New when two sessions share a name.
	ErrDuplicateSession = errors.New("fleet: duplicate session name")

	// ErrUnknownSession is returned for a session name not in the fleet.
	ErrUnknownSession = errors.New("fleet: unknown session")

	// ErrTLSFiles is returned when a session's certificate files cannot be read.
	ErrTLSFiles = errors.New("fleet: reading TLS files")
)
