package conduit

import (
	"log/slog"
	"time"

	"github.com/mash-protocol/tlsconduit/pkg/engine"
	"github.com/mash-protocol/tlsconduit/pkg/log"
)

// DefaultWorkers is the size of a connection's private dispatcher.
const DefaultWorkers = 2

// Config configures a Connection.
type Config struct {
	// Role is the handshake side, used for logging.
	Role engine.Role

	// InitialNetworkBufferSize is the starting capacity of both network
	// buffers (0 = the engine's packet buffer size).
	InitialNetworkBufferSize int

	// InitialApplicationBufferSize is the starting capacity of the inbound
	// application buffer (0 = the engine's application buffer size).
	InitialApplicationBufferSize int

	// Dispatcher runs listeners and delegated tasks. When nil the
	// connection creates a private one with Workers workers and stops it
	// on close.
	Dispatcher *Dispatcher

	// Workers sizes a private dispatcher (default: 2).
	Workers int

	// ConnectionID overrides the generated UUID.
	ConnectionID string

	// ProtocolLogger receives protocol events (optional).
	ProtocolLogger log.Logger

	// Logger receives operational logs (optional).
	Logger *slog.Logger

	// HandshakeTimeout fails the connection with ErrHandshakeTimeout when
	// the handshake has not finished this long after Start (0 = no limit).
	HandshakeTimeout time.Duration

	// OnClosed is called once the connection has released its resources,
	// however it was closed. Unlike the close listener it also runs after
	// Close.
	OnClosed func(*Connection)
}

func (c *Config) applyDefaults(session engine.Session) {
	if c.InitialNetworkBufferSize <= 0 || c.InitialNetworkBufferSize > session.PacketBufferSize {
		c.InitialNetworkBufferSize = session.PacketBufferSize
	}
	if c.InitialApplicationBufferSize <= 0 || c.InitialApplicationBufferSize > session.ApplicationBufferSize {
		c.InitialApplicationBufferSize = session.ApplicationBufferSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}
