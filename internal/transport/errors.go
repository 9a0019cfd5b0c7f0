package transport

import "errors"

var (
	// ErrSendBufferFull is returned when a renderer does not drain its
	// connection fast enough. The connection is closed.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrUnsupportedSubprotocol is returned when the renderer offers no
	// subprotocol the server speaks.
	ErrUnsupportedSubprotocol = errors.New("unsupported subprotocol")
)
