// Package conduit implements non-blocking TLS connections over a raw byte
// channel.
//
// A Connection pushes ciphertext from a netio.Channel through an
// engine.Engine and hands plaintext to the application, and the reverse for
// writes. Nothing in the package blocks on the network: reads and writes
// move what is available and return, and the connection resumes work when
// the channel reports readiness.
//
//	channel ──▶ inbound network buffer ──Unwrap──▶ application buffer ──▶ Read
//	Write ──Wrap──▶ outbound network buffer ──▶ channel
//
// # Handshake
//
// Until the handshake completes, both directions drive a small state
// machine keyed on the engine's handshake status (wrap, unwrap, run a
// delegated task). Delegated tasks execute on the Dispatcher's workers and
// re-arm both directions when they finish. Buffers grow on demand while
// the handshake runs and return to their initial size once it is done.
//
// # Listeners
//
// Read and write listeners run on the Dispatcher, at most one per direction
// per connection at a time. Notifications that arrive while a listener runs
// are coalesced into one more run. ResumeReads and ResumeWrites arm the
// listeners; SuspendReads and SuspendWrites disarm them.
//
// # Errors
//
// Buffer overflow and underflow are handled internally. Protocol
// violations (*engine.ProtocolError, buffer.ErrExceedsMaximum), a peer
// that disappears mid-record and failed delegated tasks are fatal: the
// pending alert is flushed on a best-effort basis, the connection closes,
// and the handshake and close listeners receive the error.
package conduit
