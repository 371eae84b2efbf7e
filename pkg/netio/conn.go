package netio

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"time"
)

// Default queue sizes.
const (
	DefaultReadQueue  = 64 * 1024
	DefaultWriteQueue = 256 * 1024
	DefaultReadChunk  = 16 * 1024
	DefaultLinger     = 2 * time.Second
)

// ErrWriteClosed is returned by TryWrite after CloseWrite or Shutdown.
var ErrWriteClosed = errors.New("netio: write side closed")

// Readiness is a set of channel conditions.
type Readiness uint8

const (
	// Readable means TryRead can make progress.
	Readable Readiness = 1 << iota

	// Writable means TryWrite can make progress.
	Writable
)

// Has reports whether r includes flag.
func (r Readiness) Has(flag Readiness) bool {
	return r&flag != 0
}

// String returns a readable form of the set.
func (r Readiness) String() string {
	switch r {
	case 0:
		return "none"
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	case Readable | Writable:
		return "readable|writable"
	default:
		return "unknown"
	}
}

// Channel is a non-blocking byte stream.
type Channel interface {
	// Start begins I/O. notify is invoked on readiness changes.
	Start(notify func(Readiness))

	// TryRead copies queued inbound bytes into p.
	TryRead(p []byte) (int, error)

	// Readable reports whether TryRead would make progress, either with
	// queued bytes or by reporting the end of the stream.
	Readable() bool

	// TryWrite queues as much of p as fits.
	TryWrite(p []byte) (int, error)

	// Buffered returns the number of queued outbound bytes.
	Buffered() int

	// CloseWrite half-closes the stream once queued bytes are written.
	CloseWrite() error

	// Shutdown writes queued bytes, bounded by the linger time, then
	// closes the stream.
	Shutdown() error

	// Close closes the stream immediately, discarding queued bytes.
	Close() error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Options configures a Conn. Zero values select defaults.
type Options struct {
	// ReadQueue bounds inbound bytes held before the reader pauses.
	ReadQueue int

	// WriteQueue bounds outbound bytes accepted by TryWrite.
	WriteQueue int

	// ReadChunk is the size of each read from the network.
	ReadChunk int

	// Linger bounds how long Shutdown spends writing queued bytes.
	Linger time.Duration
}

func (o *Options) applyDefaults() {
	if o.ReadQueue <= 0 {
		o.ReadQueue = DefaultReadQueue
	}
	if o.WriteQueue <= 0 {
		o.WriteQueue = DefaultWriteQueue
	}
	if o.ReadChunk <= 0 {
		o.ReadChunk = DefaultReadChunk
	}
	if o.Linger <= 0 {
		o.Linger = DefaultLinger
	}
}

// halfCloser is implemented by *net.TCPConn and *tls.Conn.
type halfCloser interface {
	CloseWrite() error
}

// Conn is a Channel over a net.Conn.
type Conn struct {
	conn net.Conn
	opts Options

	mu        sync.Mutex
	readCond  *sync.Cond
	writeCond *sync.Cond

	notify       func(Readiness)
	in           bytes.Buffer
	readErr      error
	out          bytes.Buffer
	writeErr     error
	writeBlocked bool
	writeClosing bool
	shutdown     bool
	writerDone   bool
	closed       bool
	started      bool

	closeOnce sync.Once
	done      chan struct{}
}

// Compile-time interface check.
var _ Channel = (*Conn)(nil)

// NewConn wraps c. I/O begins with Start.
func NewConn(c net.Conn, opts Options) *Conn {
	opts.applyDefaults()
	nc := &Conn{
		conn: c,
		opts: opts,
		done: make(chan struct{}),
	}
	nc.readCond = sync.NewCond(&nc.mu)
	nc.writeCond = sync.NewCond(&nc.mu)
	return nc
}

// Start launches the reader and writer goroutines.
func (c *Conn) Start(notify func(Readiness)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.closed {
		return
	}
	c.started = true
	if notify == nil {
		notify = func(Readiness) {}
	}
	c.notify = notify

	go c.readLoop()
	go c.writeLoop()
}

func (c *Conn) readLoop() {
	buf := make([]byte, c.opts.ReadChunk)
	for {
		c.mu.Lock()
		for c.in.Len() >= c.opts.ReadQueue && !c.closed {
			c.readCond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		n, err := c.conn.Read(buf)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.in.Write(buf[:n])
		if err != nil {
			c.readErr = err
		}
		notify := c.notify
		c.mu.Unlock()

		if n > 0 || err != nil {
			notify(Readable)
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) writeLoop() {
	buf := make([]byte, c.opts.ReadChunk)
	for {
		c.mu.Lock()
		for c.out.Len() == 0 && !c.writeClosing && !c.closed {
			c.writeCond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		if c.out.Len() == 0 {
			// Drained with the write side closing.
			shutdown := c.shutdown
			c.writerDone = true
			c.mu.Unlock()
			c.finishWrites(shutdown)
			return
		}
		n := copy(buf, c.out.Bytes())
		c.mu.Unlock()

		written, err := c.conn.Write(buf[:n])

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.out.Next(written)
		wake := c.writeBlocked || err != nil
		if wake {
			c.writeBlocked = false
		}
		if err != nil {
			c.writeErr = err
			c.writerDone = true
			c.out.Reset()
		}
		notify := c.notify
		shutdown := c.shutdown
		c.mu.Unlock()

		if wake {
			notify(Writable)
		}
		if err != nil {
			if shutdown {
				c.Close()
			}
			return
		}
	}
}

func (c *Conn) finishWrites(shutdown bool) {
	if hc, ok := c.conn.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
	if shutdown {
		c.Close()
	}
}

// TryRead copies queued inbound bytes into p. It returns 0, nil when no
// bytes are queued and the stream is still open.
func (c *Conn) TryRead(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.in.Len() > 0 {
		n, _ := c.in.Read(p)
		c.readCond.Signal()
		return n, nil
	}
	if c.readErr != nil {
		return 0, c.readErr
	}
	if c.closed {
		return 0, net.ErrClosed
	}
	return 0, nil
}

// Readable reports whether inbound bytes or the end of the stream are
// waiting to be read.
func (c *Conn) Readable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.Len() > 0 || c.readErr != nil
}

// TryWrite queues as much of p as fits in the write queue.
func (c *Conn) TryWrite(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, net.ErrClosed
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	if c.writeClosing {
		return 0, ErrWriteClosed
	}

	n := min(c.opts.WriteQueue-c.out.Len(), len(p))
	if n > 0 {
		c.out.Write(p[:n])
		c.writeCond.Signal()
	}
	if n < len(p) {
		c.writeBlocked = true
	}
	return n, nil
}

// Buffered returns the number of outbound bytes not yet written.
func (c *Conn) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Len()
}

// CloseWrite half-closes the connection after queued bytes are written.
func (c *Conn) CloseWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return net.ErrClosed
	}
	c.writeClosing = true
	c.writeCond.Signal()
	return nil
}

// Shutdown writes queued bytes and then closes the connection. Writing is
// bounded by the linger time.
func (c *Conn) Shutdown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if !c.started || c.writerDone || c.writeErr != nil {
		c.mu.Unlock()
		return c.Close()
	}
	c.writeClosing = true
	c.shutdown = true
	c.writeCond.Signal()
	c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.Linger))
	return nil
}

// Close closes the connection, discarding queued bytes.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.in.Reset()
		c.out.Reset()
		c.readCond.Broadcast()
		c.writeCond.Broadcast()
		c.mu.Unlock()

		err = c.conn.Close()
		close(c.done)
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
