// Package transport runs conduit connections over TCP.
//
// It provides:
//   - A Server that accepts connections onto one shared dispatcher
//   - A Client with connect timeouts and retry backoff
//   - Echo, a listener pair that reflects application data
//   - Stream, a blocking io.Reader/io.Writer over a connection
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│      Application bytes         │
//	├────────────────────────────────┤
//	│   conduit.Connection buffers   │
//	├────────────────────────────────┤
//	│   engine (TLS 1.3 records)     │
//	├────────────────────────────────┤
//	│   netio channel (TCP)          │
//	└────────────────────────────────┘
//
// # TLS Requirements
//
// Connections use TLS 1.3 only and negotiate the ALPN protocol
// "conduit/1". Key exchange prefers X25519, then P-256. Session tickets
// are disabled.
package transport
