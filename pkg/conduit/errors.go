package conduit

import "errors"

// Connection errors.
var (
	// ErrClosed indicates the connection was closed by the application.
	ErrClosed = errors.New("conduit: connection closed")

	// ErrReadShutdown indicates Read after ShutdownReads.
	ErrReadShutdown = errors.New("conduit: reads shut down")

	// ErrWriteShutdown indicates Write after ShutdownWrites.
	ErrWriteShutdown = errors.New("conduit: writes shut down")

	// ErrPeerClosed indicates the peer went away where the protocol does
	// not allow it: during the handshake or in the middle of a record.
	ErrPeerClosed = errors.New("conduit: peer closed connection")

	// ErrHandshakeTimeout indicates the handshake did not finish within
	// Config.HandshakeTimeout.
	ErrHandshakeTimeout = errors.New("conduit: handshake timed out")
)
