package transport

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Send and Close on a session that has already
// been closed.
var ErrClosed = errors.New("transport: session closed")

// ConnectionLostError is surfaced once the reconnection attempt budget is
// exhausted. It wraps the last connect error observed.
type ConnectionLostError struct {
	Attempts int
	Err      error
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("transport: connection lost after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }
