// Package buffer provides the growable byte buffers used by the TLS conduits.
//
// Each connection direction owns two buffers: a network buffer holding
// wire-format records and an application buffer holding plaintext. A Buffer
// tracks unread bytes between a read offset and a write offset:
//
//	0          r            w              Cap()
//	┌──────────┬────────────┬──────────────┐
//	│ consumed │   unread   │  available   │
//	└──────────┴────────────┴──────────────┘
//
// # Growth
//
// Buffers start small (or at the size the TLS engine advertises) and grow
// when the engine reports that an operation needs more room. Growth doubles
// the current capacity until the requested minimum is met, clamped to the
// maximum the engine allows for the buffer role. A request above that
// maximum fails with ErrExceedsMaximum.
//
// Resizing copies the unread bytes exactly once into new storage and returns
// the old storage to the pool. Slices obtained from Bytes or Free are only
// valid until the next resize.
package buffer
