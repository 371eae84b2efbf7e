package engine

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// pipeAddr names the in-memory transport endpoints.
type pipeAddr string

func (a pipeAddr) Network() string { return "engine" }
func (a pipeAddr) String() string  { return string(a) }

// pipe is the net.Conn crypto/tls runs over. Records fed by Unwrap land in
// in; records written by crypto/tls accumulate in out until Wrap drains
// them. The engine goroutine is idle while it waits on an empty in, or
// after it has exited.
//
// All fields are guarded by mu, which the engine shares.
type pipe struct {
	mu   *sync.Mutex
	cond *sync.Cond

	in      bytes.Buffer
	out     bytes.Buffer
	idle    bool
	closed  bool
	inEOF   bool
	address pipeAddr
}

func newPipe(mu *sync.Mutex, address string) *pipe {
	return &pipe{
		mu:      mu,
		cond:    sync.NewCond(mu),
		idle:    true,
		address: pipeAddr(address),
	}
}

// feed appends peer records and marks the engine goroutine busy. Caller
// holds mu.
func (p *pipe) feed(b []byte) {
	p.in.Write(b)
	p.idle = false
	p.cond.Broadcast()
}

// awaitIdle blocks until the engine goroutine settles. Caller holds mu.
func (p *pipe) awaitIdle() {
	for !p.idle && !p.closed {
		p.cond.Wait()
	}
}

// setIdle marks the engine goroutine idle. Caller holds mu.
func (p *pipe) setIdle() {
	p.idle = true
	p.cond.Broadcast()
}

// Read implements net.Conn for crypto/tls.
func (p *pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.in.Len() == 0 {
		if p.closed {
			return 0, net.ErrClosed
		}
		if p.inEOF {
			return 0, io.EOF
		}
		p.setIdle()
		p.cond.Wait()
	}
	p.idle = false
	return p.in.Read(b)
}

// Write implements net.Conn for crypto/tls. It never blocks.
func (p *pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, net.ErrClosed
	}
	p.out.Write(b)
	p.cond.Broadcast()
	return len(b), nil
}

// Close implements net.Conn.
func (p *pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.cond.Broadcast()
	return nil
}

func (p *pipe) LocalAddr() net.Addr                { return p.address }
func (p *pipe) RemoteAddr() net.Addr               { return p.address }
func (p *pipe) SetDeadline(t time.Time) error      { return nil }
func (p *pipe) SetReadDeadline(t time.Time) error  { return nil }
func (p *pipe) SetWriteDeadline(t time.Time) error { return nil }
