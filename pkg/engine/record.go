package engine

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// Record layer limits.
const (
	// RecordHeaderLen is the size of a TLS record header.
	RecordHeaderLen = 5

	// MaxPlaintext is the largest plaintext fragment of a record.
	MaxPlaintext = 16384

	// MaxCiphertext is the largest record body any TLS version accepts.
	MaxCiphertext = MaxPlaintext + 2048

	// wrapOverhead bounds what encryption adds to one plaintext fragment.
	wrapOverhead = RecordHeaderLen + 256
)

// RecordType is the TLS record content type.
type RecordType uint8

// Record content types.
const (
	RecordTypeChangeCipherSpec RecordType = 20
	RecordTypeAlert            RecordType = 21
	RecordTypeHandshake        RecordType = 22
	RecordTypeApplicationData  RecordType = 23
)

// String returns the record type name.
func (t RecordType) String() string {
	switch t {
	case RecordTypeChangeCipherSpec:
		return "CHANGE_CIPHER_SPEC"
	case RecordTypeAlert:
		return "ALERT"
	case RecordTypeHandshake:
		return "HANDSHAKE"
	case RecordTypeApplicationData:
		return "APPLICATION_DATA"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// RecordHeader is a parsed TLS record header.
type RecordHeader struct {
	Type    RecordType
	Version uint16
	Length  int
}

// Size returns the size of the whole record.
func (h RecordHeader) Size() int {
	return RecordHeaderLen + h.Length
}

// ParseRecordHeader parses the record header at the start of b. It returns
// ok=false when b holds fewer than RecordHeaderLen bytes. Headers that
// cannot start a valid record return a *ProtocolError.
func ParseRecordHeader(b []byte) (h RecordHeader, ok bool, err error) {
	if len(b) < RecordHeaderLen {
		return RecordHeader{}, false, nil
	}

	s := cryptobyte.String(b[:RecordHeaderLen])
	var typ uint8
	var length uint16
	if !s.ReadUint8(&typ) || !s.ReadUint16(&h.Version) || !s.ReadUint16(&length) {
		return RecordHeader{}, false, nil
	}
	h.Type = RecordType(typ)
	h.Length = int(length)

	switch h.Type {
	case RecordTypeChangeCipherSpec, RecordTypeAlert, RecordTypeHandshake, RecordTypeApplicationData:
	default:
		return h, true, &ProtocolError{Err: ErrMalformedRecord, Header: h}
	}
	// Every TLS version, including SSL 3.0, has major version 3.
	if h.Version>>8 != 3 {
		return h, true, &ProtocolError{Err: ErrMalformedRecord, Header: h}
	}
	if h.Length > MaxCiphertext {
		return h, true, &ProtocolError{Err: ErrRecordOverflow, Header: h}
	}
	return h, true, nil
}

// completeRecords returns the length of the longest prefix of b that
// consists of whole records and fits in limit bytes, and the size of the
// first record (0 if its header is incomplete).
func completeRecords(b []byte, limit int) (n, first int) {
	for {
		h, ok, err := ParseRecordHeader(b[n:])
		if !ok || err != nil {
			return n, first
		}
		if first == 0 {
			first = h.Size()
		}
		if len(b)-n < h.Size() || n+h.Size() > limit {
			return n, first
		}
		n += h.Size()
	}
}
