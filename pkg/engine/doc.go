// Package engine defines the cryptographic transform consumed by the TLS
// conduits and provides an implementation backed by crypto/tls.
//
// An Engine converts between application plaintext and TLS records without
// doing any I/O of its own:
//
//	Wrap:   plaintext  ──▶ records (network bytes)
//	Unwrap: records    ──▶ plaintext
//
// Every call returns a Result that tells the caller what happened (OK,
// BufferOverflow, BufferUnderflow, Closed) and what the handshake needs
// next (NeedWrap, NeedUnwrap, NeedTask, Finished, NotHandshaking). Callers
// drive the engine exclusively from these results.
//
// # crypto/tls backing
//
// NewTLS runs a crypto/tls connection over an in-memory transport. Records
// handed to Unwrap are fed to that transport; records written by crypto/tls
// are returned by Wrap. The handshake and record processing execute on an
// engine goroutine. While it is busy the engine reports NeedTask and
// DelegatedTask returns a function that waits for the goroutine to settle,
// so certificate verification and key agreement never run on the caller's
// notification path.
//
// # Record limits
//
// Record headers are validated before any bytes reach crypto/tls. A header
// advertising a body longer than MaxCiphertext is a protocol violation
// (ProtocolError wrapping ErrRecordOverflow), never a request to grow a
// buffer.
package engine
