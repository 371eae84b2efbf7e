package log

import (
	"time"
)

// MaxRecordDataSize caps the raw bytes kept in a RecordEvent.
const MaxRecordDataSize = 256

// Event is one entry of a protocol log. Exactly one payload pointer is set,
// matching Category. Fields are keyed by integer on the wire.
type Event struct {
	// Timestamp is taken when the event is emitted.
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID is Connection.ID of the emitting connection.
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates data flow.
	Direction Direction `cbor:"3,keyasint"`

	Layer    Layer    `cbor:"4,keyasint"`
	Category Category `cbor:"5,keyasint"`

	// LocalRole indicates whether this end accepted or opened the connection.
	LocalRole Role `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is host:port of the peer, if known.
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	Record      *RecordEvent      `cbor:"10,keyasint,omitempty"` // Channel/record layer bytes
	Handshake   *HandshakeEvent   `cbor:"11,keyasint,omitempty"` // Handshake progress
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // Connection lifecycle
	Resize      *ResizeEvent      `cbor:"13,keyasint,omitempty"` // Buffer growth/shrink
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of data flow.
type Direction uint8

const (
	// DirectionIn indicates incoming data.
	DirectionIn Direction = 0
	// DirectionOut indicates outgoing data.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which layer captured the event.
type Layer uint8

const (
	// LayerChannel is the raw byte channel (ciphertext as sent/received).
	LayerChannel Layer = 0
	// LayerRecord is the TLS engine (records, handshake).
	LayerRecord Layer = 1
	// LayerConduit is the connection facade (buffers, lifecycle).
	LayerConduit Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerChannel:
		return "CHANNEL"
	case LayerRecord:
		return "RECORD"
	case LayerConduit:
		return "CONDUIT"
	default:
		return "UNKNOWN"
	}
}

// Category selects which payload an Event carries.
type Category uint8

const (
	// CategoryData indicates bytes moving through the connection.
	CategoryData Category = 0
	// CategoryHandshake indicates handshake progress.
	CategoryHandshake Category = 1
	// CategoryState events carry StateChange.
	CategoryState Category = 2
	// CategoryError events carry Error.
	CategoryError Category = 3
	// CategoryBuffer indicates a buffer resize.
	CategoryBuffer Category = 4
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryData:
		return "DATA"
	case CategoryHandshake:
		return "HANDSHAKE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	case CategoryBuffer:
		return "BUFFER"
	default:
		return "UNKNOWN"
	}
}

// Role indicates which side of the connection logged the event.
type Role uint8

const (
	// RoleServer indicates the accepting side.
	RoleServer Role = 0
	// RoleClient indicates the connecting side.
	RoleClient Role = 1
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleServer:
		return "SERVER"
	case RoleClient:
		return "CLIENT"
	default:
		return "UNKNOWN"
	}
}

// RecordEvent captures bytes exchanged with the peer.
type RecordEvent struct {
	// Size is the number of bytes moved.
	Size int `cbor:"1,keyasint"`

	// Data is the raw bytes (may be truncated).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated is set when Size exceeds len(Data).
	Truncated bool `cbor:"3,keyasint,omitempty"`

	// ContentType is the TLS content type of the first record, 0 if unknown.
	ContentType uint8 `cbor:"4,keyasint,omitempty"`
}

// NewRecordEvent builds a RecordEvent, truncating data to MaxRecordDataSize.
func NewRecordEvent(data []byte) *RecordEvent {
	ev := &RecordEvent{Size: len(data)}
	if len(data) > 0 {
		ev.ContentType = data[0]
	}
	if len(data) > MaxRecordDataSize {
		data = data[:MaxRecordDataSize]
		ev.Truncated = true
	}
	ev.Data = append([]byte(nil), data...)
	return ev
}

// HandshakeEvent captures one step of the handshake.
type HandshakeEvent struct {
	// Status is the engine handshake status that drove the step.
	Status string `cbor:"1,keyasint"`

	// Phase is the connection's handshake phase after the step.
	Phase string `cbor:"2,keyasint"`

	// Result is the engine operation status, if an operation ran.
	Result string `cbor:"3,keyasint,omitempty"`

	// Consumed and Produced are the engine operation byte counts.
	Consumed int `cbor:"4,keyasint,omitempty"`
	Produced int `cbor:"5,keyasint,omitempty"`
}

// StateChangeEvent records a lifecycle or half-close transition.
type StateChangeEvent struct {
	// Entity is the connection or one of its directions.
	Entity StateEntity `cbor:"1,keyasint"`

	OldState string `cbor:"2,keyasint,omitempty"`

	NewState string `cbor:"3,keyasint"`

	// Reason is optional free text.
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity names what a StateChangeEvent is about.
type StateEntity uint8

const (
	// StateEntityConnection is the connection as a whole.
	StateEntityConnection StateEntity = 0
	// StateEntityInbound indicates the read direction changed state.
	StateEntityInbound StateEntity = 1
	// StateEntityOutbound indicates the write direction changed state.
	StateEntityOutbound StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityInbound:
		return "INBOUND"
	case StateEntityOutbound:
		return "OUTBOUND"
	default:
		return "UNKNOWN"
	}
}

// ResizeEvent captures a buffer capacity change.
type ResizeEvent struct {
	// Buffer identifies the buffer.
	Buffer BufferKind `cbor:"1,keyasint"`

	// OldCapacity and NewCapacity are in bytes.
	OldCapacity int `cbor:"2,keyasint"`
	NewCapacity int `cbor:"3,keyasint"`

	// Required is the capacity the engine asked for (0 for shrinks).
	Required int `cbor:"4,keyasint,omitempty"`
}

// BufferKind identifies one of a connection's buffers.
type BufferKind uint8

const (
	// BufferInboundNetwork holds ciphertext read from the channel.
	BufferInboundNetwork BufferKind = 0
	// BufferInboundApplication holds decrypted plaintext.
	BufferInboundApplication BufferKind = 1
	// BufferOutboundNetwork holds ciphertext waiting for the channel.
	BufferOutboundNetwork BufferKind = 2
)

// String returns the buffer name.
func (b BufferKind) String() string {
	switch b {
	case BufferInboundNetwork:
		return "INBOUND_NETWORK"
	case BufferInboundApplication:
		return "INBOUND_APPLICATION"
	case BufferOutboundNetwork:
		return "OUTBOUND_NETWORK"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData describes a failure seen by a connection.
type ErrorEventData struct {
	// Layer that raised the error, which may differ from Event.Layer.
	Layer Layer `cbor:"1,keyasint"`

	Message string `cbor:"2,keyasint"`

	// Fatal indicates the error closed the connection.
	Fatal bool `cbor:"3,keyasint,omitempty"`

	// Context names the operation in progress, e.g. "unwrap".
	Context string `cbor:"4,keyasint,omitempty"`
}
