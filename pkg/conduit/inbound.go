package conduit

import (
	"errors"
	"fmt"
	"io"

	"github.com/mash-protocol/tlsconduit/pkg/engine"
	"github.com/mash-protocol/tlsconduit/pkg/log"
)

// Read decrypts available data into p. It returns n > 0 when plaintext was
// delivered, 0 and nil when nothing is available yet (including while the
// handshake runs), and io.EOF once the peer has finished sending. Any
// other error is fatal and the connection is already closed.
func (c *Connection) Read(p []byte) (int, error) {
	ok, err := c.ready()
	if !ok || err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	c.inMu.Lock()
	n, err := c.readLocked(p)
	eof := c.inEOF
	c.inMu.Unlock()

	if n > 0 {
		c.readCount.Add(uint64(n))
	}
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		if eof {
			c.finishInbound("end of stream")
		}
	case errors.Is(err, ErrReadShutdown):
	default:
		c.fail(err, "read")
		return 0, c.Err()
	}
	return n, err
}

func (c *Connection) readLocked(p []byte) (int, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}
	if c.readShut {
		return 0, ErrReadShutdown
	}

	for {
		if c.inApp.Len() > 0 {
			return c.inApp.Read(p), nil
		}
		if c.inEOF {
			return 0, io.EOF
		}

		res, err := c.eng.Unwrap(c.inNet.Bytes(), c.inApp.Free())
		if err != nil {
			return 0, err
		}
		c.inNet.Consume(res.BytesConsumed)
		c.inApp.Commit(res.BytesProduced)
		if res.HandshakeStatus == engine.NeedWrap {
			// Post-handshake messages to send.
			c.writeLane.schedule()
		}

		switch res.Status {
		case engine.StatusOK:
			if res.BytesConsumed > 0 || res.BytesProduced > 0 {
				continue
			}
			n, err := c.fillLocked(engine.RecordHeaderLen)
			if err != nil || n == 0 {
				return 0, c.steadyReadError(err)
			}

		case engine.StatusBufferOverflow:
			if err := c.grow(c.inApp, log.BufferInboundApplication, res.Required, c.session.ApplicationBufferSize); err != nil {
				return 0, err
			}

		case engine.StatusBufferUnderflow:
			n, err := c.fillLocked(res.Required)
			if err != nil || n == 0 {
				return 0, c.steadyReadError(err)
			}

		case engine.StatusClosed:
			// close_notify; deliver what is buffered, then EOF.
			c.inEOF = true
		}
	}
}

// steadyReadError classifies a channel read error after the handshake.
// A raw EOF is orderly only at a record boundary. Caller holds inMu.
func (c *Connection) steadyReadError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		if c.inNet.Len() == 0 {
			c.inEOF = true
			return io.EOF
		}
		return fmt.Errorf("%w: %d bytes of partial record: %w", ErrPeerClosed, c.inNet.Len(), io.ErrUnexpectedEOF)
	}
	return err
}

// handshakeReadError classifies a channel read error during the handshake.
func handshakeReadError(err error) error {
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: during handshake: %w", ErrPeerClosed, io.ErrUnexpectedEOF)
	}
	return err
}

// fillLocked reads from the channel into the inbound network buffer,
// growing it when it cannot hold required bytes. It returns 0, nil when
// the channel has nothing queued. Caller holds inMu.
func (c *Connection) fillLocked(required int) (int, error) {
	need := required - c.inNet.Len()
	if need < 1 {
		need = 1
	}
	if c.inNet.Available() < need {
		if err := c.grow(c.inNet, log.BufferInboundNetwork, need, c.session.PacketBufferSize); err != nil {
			return 0, err
		}
	}

	free := c.inNet.Free()
	n, err := c.ch.TryRead(free)
	if n > 0 {
		c.logRecord(log.DirectionIn, free[:n])
		c.inNet.Commit(n)
	}
	return n, err
}

// readPending reports whether another listener run could read something,
// including an end of stream the engine has seen but Read has not
// reported yet.
func (c *Connection) readPending() bool {
	c.inMu.Lock()
	pending := c.inApp.Len() > 0 || c.inNet.Len() > 0
	unreported := !c.inEOF && !c.readShut
	c.inMu.Unlock()
	return pending || c.ch.Readable() || (unreported && c.eng.IsInboundDone())
}

// onReadable is the read lane handler.
func (c *Connection) onReadable() {
	if c.isClosed() {
		return
	}
	if c.State() == StateHandshaking {
		if err := c.advance(); err != nil {
			c.fail(err, "handshake")
			return
		}
	}
	if c.State() != StateEstablished {
		return
	}

	c.lmu.Lock()
	listener := c.readListener
	resumed := c.readsResumed
	c.lmu.Unlock()
	if listener == nil || !resumed {
		return
	}

	before := c.readCount.Load()
	listener(c)
	if c.readCount.Load() > before && !c.isClosed() && c.readPending() {
		c.readLane.schedule()
	}
}

// ShutdownReads stops delivering data. Buffered plaintext is discarded.
// Called before the handshake completes, it only stops delivery; the
// handshake still reads from the peer and the inbound side is closed once
// the connection is established. Once writes are shut down as well the
// connection closes.
func (c *Connection) ShutdownReads() error {
	if c.isClosed() {
		return c.Err()
	}

	c.inMu.Lock()
	if c.readShut {
		c.inMu.Unlock()
		return nil
	}
	c.readShut = true
	closed := c.closeInboundLocked()
	c.inMu.Unlock()

	c.SuspendReads()
	if closed {
		c.finishInbound("shutdown reads")
	}
	return nil
}

// closeInboundLocked closes the engine's inbound side after a read
// shutdown, once the handshake no longer needs it. It reports whether this
// call closed it. Caller holds inMu.
func (c *Connection) closeInboundLocked() bool {
	if !c.readShut || c.inClosed || c.State() != StateEstablished {
		return false
	}
	c.inClosed = true
	c.eng.CloseInbound()
	c.inApp.Release()
	return true
}

// finishDeferredReadShutdown applies a ShutdownReads issued during the
// handshake.
func (c *Connection) finishDeferredReadShutdown() {
	c.inMu.Lock()
	closed := c.closeInboundLocked()
	c.inMu.Unlock()

	if closed {
		c.finishInbound("shutdown reads")
	}
}

// finishInbound marks the read direction done and closes the connection
// when the write direction is done too.
func (c *Connection) finishInbound(reason string) {
	if c.inDone.Swap(true) {
		return
	}
	c.logDirection(log.StateEntityInbound, reason)
	c.maybeFinish()
}
