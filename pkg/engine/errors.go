package engine

import (
	"errors"
	"fmt"
)

// Engine errors.
var (
	// ErrEngineClosed indicates use of an engine after Close.
	ErrEngineClosed = errors.New("engine closed")

	// ErrRecordOverflow indicates a record longer than the protocol allows.
	ErrRecordOverflow = errors.New("record overflow")

	// ErrMalformedRecord indicates a record header that is not TLS.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrHandshakeFailed indicates the handshake was rejected.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrBadRecord indicates a record that failed decryption or parsing.
	ErrBadRecord = errors.New("bad record")
)

// ProtocolError is a connection-fatal violation of the TLS protocol by the
// peer, or a handshake the engine refused to complete.
type ProtocolError struct {
	// Err classifies the violation (ErrRecordOverflow, ErrMalformedRecord,
	// ErrHandshakeFailed, ErrBadRecord).
	Err error

	// Header is the offending record header, when one was parsed.
	Header RecordHeader

	// Cause is the error reported by crypto/tls, if any.
	Cause error
}

// Error implements error.
func (e *ProtocolError) Error() string {
	msg := "tls protocol violation: " + e.Err.Error()
	if e.Header.Length > 0 {
		msg += fmt.Sprintf(" (type %d, version %#04x, length %d)", e.Header.Type, e.Header.Version, e.Header.Length)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the classification and the cause to errors.Is/As.
func (e *ProtocolError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}
