package hub

import "errors"

var (
	// ErrDuplicateConnection means a connection id was registered twice.
	// Connection ids are server-generated UUIDs, so this indicates a
	// process-level bug rather than a recoverable caller error.
	ErrDuplicateConnection = errors.New("duplicate connection id")

	// ErrConnectionNotFound means the referenced connection is not registered.
	ErrConnectionNotFound = errors.New("connection not found")
)
