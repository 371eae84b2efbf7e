package conduit

import (
	"github.com/mash-protocol/tlsconduit/pkg/engine"
	"github.com/mash-protocol/tlsconduit/pkg/log"
)

// Write encrypts p and queues the records on the channel. It returns the
// number of plaintext bytes accepted, which is short (possibly 0) when the
// channel cannot take more or the handshake is still running. Errors other
// than ErrWriteShutdown are fatal.
func (c *Connection) Write(p []byte) (int, error) {
	ok, err := c.ready()
	if !ok || err != nil {
		return 0, err
	}

	c.outMu.Lock()
	n, err := c.writeLocked(p)
	c.outMu.Unlock()

	if n > 0 {
		c.writeCount.Add(uint64(n))
	}
	if err != nil && err != ErrWriteShutdown {
		c.fail(err, "write")
		return n, c.Err()
	}
	return n, err
}

func (c *Connection) writeLocked(p []byte) (int, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}
	if c.writeShut {
		return 0, ErrWriteShutdown
	}
	if flushed, err := c.flushLocked(); err != nil || !flushed {
		return 0, err
	}

	total := 0
	for total < len(p) {
		res, err := c.eng.Wrap(p[total:], c.outNet.Free())
		if err != nil {
			return total, err
		}
		c.outNet.Commit(res.BytesProduced)
		total += res.BytesConsumed

		switch res.Status {
		case engine.StatusOK:
			flushed, err := c.flushLocked()
			if err != nil || !flushed {
				return total, err
			}
			if res.BytesConsumed == 0 && res.BytesProduced == 0 {
				return total, nil
			}

		case engine.StatusBufferOverflow:
			if err := c.grow(c.outNet, log.BufferOutboundNetwork, res.Required, c.session.PacketBufferSize); err != nil {
				return total, err
			}

		case engine.StatusClosed:
			return total, ErrWriteShutdown

		default:
			return total, nil
		}
	}
	return total, nil
}

// flushLocked moves the outbound network buffer to the channel. It
// reports whether the buffer is empty afterwards. Caller holds outMu.
func (c *Connection) flushLocked() (bool, error) {
	for c.outNet.Len() > 0 {
		data := c.outNet.Bytes()
		n, err := c.ch.TryWrite(data)
		if n > 0 {
			c.logRecord(log.DirectionOut, data[:n])
			c.outNet.Consume(n)
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
	}
	return true, nil
}

// drainEngineLocked wraps records the engine produced on its own, such
// as post-handshake messages or close_notify. Caller holds outMu.
func (c *Connection) drainEngineLocked() (bool, error) {
	for c.eng.HandshakeStatus() == engine.NeedWrap {
		flushed, err := c.flushLocked()
		if err != nil || !flushed {
			return false, err
		}

		res, err := c.eng.Wrap(nil, c.outNet.Free())
		if err != nil {
			return false, err
		}
		c.outNet.Commit(res.BytesProduced)

		switch {
		case res.Status == engine.StatusBufferOverflow:
			if err := c.grow(c.outNet, log.BufferOutboundNetwork, res.Required, c.session.PacketBufferSize); err != nil {
				return false, err
			}
		case res.BytesProduced == 0:
			return c.flushLocked()
		}
	}
	return c.flushLocked()
}

// Flush pushes buffered records to the channel and reports whether
// everything was handed over.
func (c *Connection) Flush() (bool, error) {
	if c.isClosed() {
		return false, c.Err()
	}

	c.outMu.Lock()
	var (
		flushed bool
		err     error
	)
	if c.State() == StateHandshaking {
		flushed, err = c.flushLocked()
	} else {
		flushed, err = c.drainEngineLocked()
	}
	c.outMu.Unlock()

	if err != nil {
		c.fail(err, "flush")
		return false, c.Err()
	}
	return flushed, nil
}

// writeCapacity reports whether another listener run could write more.
func (c *Connection) writeCapacity() bool {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return c.outNet.Len() == 0 && !c.writeShut
}

// onWritable is the write lane handler.
func (c *Connection) onWritable() {
	if c.isClosed() {
		return
	}

	if c.State() == StateEstablished {
		if err := c.pumpOutbound(); err != nil {
			c.fail(err, "flush")
			return
		}
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
	listener := c.writeListener
	resumed := c.writesResumed
	c.lmu.Unlock()
	if listener == nil || !resumed || c.writeShutdownRequested() {
		return
	}

	before := c.writeCount.Load()
	listener(c)
	if c.writeCount.Load() > before && !c.isClosed() && c.writeCapacity() {
		c.writeLane.schedule()
	}
}

// pumpOutbound flushes pending records and completes a requested write
// shutdown once everything is out. Only called once established.
func (c *Connection) pumpOutbound() error {
	c.outMu.Lock()
	if c.writeShut && !c.notifyQueued {
		c.notifyQueued = true
		c.eng.CloseOutbound()
		c.logDirection(log.StateEntityOutbound, "close_notify queued")
	}
	flushed, err := c.drainEngineLocked()
	// Half-close only once the engine has nothing left to send.
	halfClose := flushed && err == nil && c.writeShut && !c.halfClosed && c.eng.IsOutboundDone()
	if halfClose {
		c.halfClosed = true
		err = c.ch.CloseWrite()
	}
	c.outMu.Unlock()

	if err != nil {
		return err
	}
	if halfClose {
		c.finishOutbound("shutdown writes")
	}
	return nil
}

func (c *Connection) writeShutdownRequested() bool {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return c.writeShut
}

// ShutdownWrites sends close_notify and half-closes the channel once all
// buffered records are written. Reads continue. Once reads are shut down
// as well the connection closes. During the handshake the shutdown takes
// effect when the handshake completes.
func (c *Connection) ShutdownWrites() error {
	if c.isClosed() {
		return c.Err()
	}

	c.outMu.Lock()
	if c.writeShut {
		c.outMu.Unlock()
		return nil
	}
	c.writeShut = true
	c.outMu.Unlock()
	c.SuspendWrites()

	if c.State() == StateEstablished {
		if err := c.pumpOutbound(); err != nil {
			c.fail(err, "shutdown writes")
			return c.Err()
		}
	}
	// Whatever did not fit goes out on write readiness.
	c.writeLane.schedule()
	return nil
}

// finishOutbound marks the write direction done and closes the connection
// when the read direction is done too.
func (c *Connection) finishOutbound(reason string) {
	if c.outDone.Swap(true) {
		return
	}
	c.logDirection(log.StateEntityOutbound, reason)
	c.maybeFinish()
}
