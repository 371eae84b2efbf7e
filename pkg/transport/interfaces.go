package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"

	"github.com/mash-protocol/tlsconduit/pkg/conduit"
)

// Conn is the non-blocking connection surface handed to applications.
// Implemented by *conduit.Connection.
type Conn interface {
	// Read returns decrypted bytes, 0 when nothing is buffered yet.
	Read(p []byte) (int, error)

	// Write encrypts and queues bytes, 0 when the socket is saturated.
	Write(p []byte) (int, error)

	// ShutdownWrites sends close_notify after pending data.
	ShutdownWrites() error

	// ConnectionState returns the negotiated TLS parameters.
	ConnectionState() tls.ConnectionState

	// RemoteAddr returns the remote network address.
	RemoteAddr() net.Addr

	// Close closes the connection.
	Close() error
}

// TransportServer represents a conduit TLS server.
// Implemented by Server.
type TransportServer interface {
	// Start begins accepting connections.
	Start(ctx context.Context) error

	// Stop closes all connections and stops the server.
	Stop() error

	// Addr returns the server's listen address.
	Addr() net.Addr

	// ConnectionCount returns the number of active connections.
	ConnectionCount() int
}

// Compile-time interface satisfaction checks.
var (
	_ Conn            = (*conduit.Connection)(nil)
	_ TransportServer = (*Server)(nil)
	_ io.ReadWriter   = (*Stream)(nil)
)
