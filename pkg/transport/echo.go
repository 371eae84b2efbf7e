package transport

import (
	"errors"
	"io"
	"sync"

	"github.com/mash-protocol/tlsconduit/pkg/conduit"
)

// echo writes back everything a connection reads and shuts down writes
// after the peer's close_notify.
type echo struct {
	mu      sync.Mutex
	buf     []byte
	pending []byte
	eof     bool
	shut    bool
}

// Echo installs listeners on conn that send every byte read straight back.
// Once the peer shuts down its writes and all data is echoed, conn shuts
// down its own writes too. Call it before conn.Start.
func Echo(conn *conduit.Connection) {
	e := &echo{buf: make([]byte, 16*1024)}
	conn.SetReadListener(e.onRead)
	conn.SetWriteListener(e.onWrite)
	conn.ResumeReads()
}

func (e *echo) onRead(c *conduit.Connection) {
	for {
		n, err := c.Read(e.buf)
		if n > 0 {
			e.mu.Lock()
			e.pending = append(e.pending, e.buf[:n]...)
			e.mu.Unlock()
			continue
		}
		if errors.Is(err, io.EOF) {
			e.mu.Lock()
			e.eof = true
			e.mu.Unlock()
		}
		break
	}
	e.onWrite(c)
}

func (e *echo) onWrite(c *conduit.Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.pending) > 0 {
		n, err := c.Write(e.pending)
		e.pending = e.pending[n:]
		if err != nil {
			return
		}
		if n == 0 {
			c.ResumeWrites()
			return
		}
	}
	e.pending = nil
	if e.eof && !e.shut {
		e.shut = true
		_ = c.ShutdownWrites()
	}
}
