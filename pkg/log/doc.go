// Package log records what happens inside TLS conduits as a stream of
// typed events, separate from operational slog output.
//
// A connection reports four kinds of things:
//
//   - ciphertext moved to or from the peer, at the channel layer (RecordEvent)
//   - every handshake step the engine drives, at the record layer (HandshakeEvent)
//   - buffer growth and shrink, at the conduit layer (ResizeEvent)
//   - lifecycle and half-close transitions, at the conduit layer (StateChangeEvent)
//
// plus ErrorEventData for failures at any layer.
//
// Sinks implement Logger. FileLogger appends CBOR to a file, optionally
// rotated by size; SlogAdapter prints to an slog.Logger; MultiLogger
// combines them:
//
//	fl, _ := log.NewFileLogger("/var/log/conduit/server.clog")
//	cfg.ProtocolLogger = log.NewMultiLogger(fl, log.NewSlogAdapter(slog.Default()))
//
// Reader streams a file back, optionally filtered:
//
//	r, _ := log.NewFilteredReader(path, log.Filter{ConnectionID: id})
//	for ev, err := range r.All() {
//		...
//	}
//
// The conduit-log command is built on Reader.
package log
