package engine

import "crypto/tls"

// Status is the outcome of a Wrap or Unwrap call.
type Status int

const (
	// StatusOK indicates the operation completed.
	StatusOK Status = iota

	// StatusBufferOverflow indicates the destination is too small.
	StatusBufferOverflow

	// StatusBufferUnderflow indicates the source lacks a complete record.
	StatusBufferUnderflow

	// StatusClosed indicates the direction is closed.
	StatusClosed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBufferOverflow:
		return "BUFFER_OVERFLOW"
	case StatusBufferUnderflow:
		return "BUFFER_UNDERFLOW"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// HandshakeStatus tells the caller what the handshake needs next.
type HandshakeStatus int

const (
	// NotHandshaking indicates no handshake is in progress.
	NotHandshaking HandshakeStatus = iota

	// NeedWrap indicates the engine has records to send.
	NeedWrap

	// NeedUnwrap indicates the engine waits for records from the peer.
	NeedUnwrap

	// NeedTask indicates a delegated task must run before progress is possible.
	NeedTask

	// Finished is reported once, by the result that completed the handshake.
	Finished
)

// String returns the handshake status name.
func (h HandshakeStatus) String() string {
	switch h {
	case NotHandshaking:
		return "NOT_HANDSHAKING"
	case NeedWrap:
		return "NEED_WRAP"
	case NeedUnwrap:
		return "NEED_UNWRAP"
	case NeedTask:
		return "NEED_TASK"
	case Finished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Result describes one Wrap or Unwrap call.
type Result struct {
	Status          Status
	HandshakeStatus HandshakeStatus

	// BytesConsumed is the number of source bytes used.
	BytesConsumed int

	// BytesProduced is the number of destination bytes written.
	BytesProduced int

	// Required is the number of bytes the destination (overflow) or the
	// source (underflow) must hold for the call to make progress. Zero
	// when unknown.
	Required int
}

// Session reports the buffer sizes the engine works with.
type Session struct {
	// ApplicationBufferSize is the largest plaintext a single record yields.
	ApplicationBufferSize int

	// PacketBufferSize is the largest record, header included.
	PacketBufferSize int
}

// Role selects the handshake side.
type Role int

const (
	// RoleClient initiates the handshake.
	RoleClient Role = iota

	// RoleServer answers the handshake.
	RoleServer
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleServer {
		return "SERVER"
	}
	return "CLIENT"
}

// Engine is the stateful TLS transform used by a connection. Wrap and
// Unwrap may be called concurrently with each other, but each of them is
// called by one goroutine at a time.
type Engine interface {
	// BeginHandshake starts the handshake. Calling it twice is a no-op.
	BeginHandshake() error

	// Wrap encrypts plaintext from src into records in dst.
	Wrap(src, dst []byte) (Result, error)

	// Unwrap decrypts one record from src into plaintext in dst.
	Unwrap(src, dst []byte) (Result, error)

	// DelegatedTask returns work that must complete before the handshake
	// can continue, or nil.
	DelegatedTask() func() error

	// HandshakeStatus returns the current handshake status. It never
	// returns Finished.
	HandshakeStatus() HandshakeStatus

	// Session returns the engine's buffer sizes.
	Session() Session

	// CloseOutbound queues close_notify; Wrap reports StatusClosed once it
	// has been produced.
	CloseOutbound()

	// CloseInbound stops delivering plaintext.
	CloseInbound()

	// IsOutboundDone reports whether nothing more will be produced by Wrap.
	IsOutboundDone() bool

	// IsInboundDone reports whether nothing more will be produced by Unwrap.
	IsInboundDone() bool

	// ConnectionState returns the negotiated parameters once the handshake
	// has finished.
	ConnectionState() tls.ConnectionState

	// Close releases the engine and stops its goroutine.
	Close() error
}
