// Package netio adapts a blocking net.Conn into a non-blocking byte
// channel with readiness notification.
//
// A reader goroutine fills a bounded inbound queue and a writer goroutine
// drains a bounded outbound queue. TryRead and TryWrite only touch the
// queues, so they never block:
//
//	TryRead:  n > 0 data, n == 0 && err == nil would block, io.EOF end
//	TryWrite: may accept fewer bytes than offered, 0 when the queue is full
//
// The notify function passed to Start is called from the I/O goroutines
// whenever the channel becomes readable (data, EOF or error) or writable
// (queue space freed after a short write, or a write error). It must not
// block.
package netio
