package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrLockNotHeld is returned by a checked release when the lock key no
	// longer carries the caller's token.
	ErrLockNotHeld = errors.New("redqueue: lock not held")
	// ErrCorrupted reports a broken linked list, e.g. a pointer to a
	// record that does not exist or a cycle.
	ErrCorrupted = errors.New("redqueue: queue state corrupted")
	// ErrTTLUnsupported is returned by stores that cannot expire single keys.
	ErrTTLUnsupported = errors.New("redqueue: per-key ttl not supported by store")
	// ErrInvalidConfig is returned when a lock or queue is built from an
	// incomplete configuration.
	ErrInvalidConfig = errors.New("redqueue: invalid config")
)
