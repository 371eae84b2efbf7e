package transport

import (
	"sync"

	"github.com/mash-protocol/tlsconduit/pkg/conduit"
)

// Stream gives a connection blocking io.Reader and io.Writer semantics.
// It owns the connection's read, write and close listeners.
type Stream struct {
	conn *conduit.Connection

	readable chan struct{}
	writable chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// NewStream wraps conn. Call it before conn.Start.
func NewStream(conn *conduit.Connection) *Stream {
	s := &Stream{
		conn:     conn,
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	conn.SetReadListener(func(*conduit.Connection) { signal(s.readable) })
	conn.SetWriteListener(func(*conduit.Connection) { signal(s.writable) })
	conn.SetCloseListener(func(*conduit.Connection, error) { s.finish() })
	conn.ResumeReads()
	conn.ResumeWrites()
	return s
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Stream) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Conn returns the wrapped connection.
func (s *Stream) Conn() *conduit.Connection {
	return s.conn
}

// Read blocks until data is available, the peer shuts down its writes
// (io.EOF) or the connection fails.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := s.conn.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
		select {
		case <-s.readable:
		case <-s.done:
			// One more attempt picks up the error or buffered data.
			n, err := s.conn.Read(p)
			if n == 0 && err == nil {
				err = s.conn.Err()
			}
			return n, err
		}
	}
}

// Write blocks until all of p is accepted or the connection fails.
func (s *Stream) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := s.conn.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n > 0 {
			continue
		}
		select {
		case <-s.writable:
		case <-s.done:
			if err := s.conn.Err(); err != nil {
				return total, err
			}
			return total, conduit.ErrClosed
		}
	}
	return total, nil
}

// CloseWrite sends close_notify; reads continue until the peer finishes.
func (s *Stream) CloseWrite() error {
	return s.conn.ShutdownWrites()
}

// Close closes the connection and unblocks pending calls.
func (s *Stream) Close() error {
	err := s.conn.Close()
	s.finish()
	return err
}
