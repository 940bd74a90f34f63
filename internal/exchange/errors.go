package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamClosed is returned by Conn.Next once the peer has gone away.
	ErrStreamClosed = errors.New("stream closed")
	// ErrSend wraps every outbound frame failure.
	ErrSend = errors.New("send failed")
	// ErrNotOpen is returned by Send on a connection that is closed.
	ErrNotOpen = errors.New("connection not open")
)

// ConnectionError reports a failed dial or handshake. Fatal errors cannot be
// fixed by retrying (malformed endpoint, server refused us with a 4xx, or
// accepted the socket but never completed the game handshake).
type ConnectionError struct {
	Endpoint string
	Fatal    bool
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a ConnectionError that retrying cannot fix.
func IsFatal(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Fatal
}
