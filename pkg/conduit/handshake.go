package conduit

import (
	"github.com/mash-protocol/tlsconduit/pkg/engine"
	"github.com/mash-protocol/tlsconduit/pkg/log"
)

// phase is the connection's position in the handshake.
type phase int

const (
	phaseIdle phase = iota
	phaseWrap
	phaseUnwrap
	phaseTask
	phaseEstablished
	phaseFailed
	phaseClosed
)

// String returns the phase name.
func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "IDLE"
	case phaseWrap:
		return "WRAP"
	case phaseUnwrap:
		return "UNWRAP"
	case phaseTask:
		return "TASK"
	case phaseEstablished:
		return "ESTABLISHED"
	case phaseFailed:
		return "FAILED"
	case phaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// handshaking reports whether the handshake is still running.
func (p phase) handshaking() bool {
	return p <= phaseTask
}

// nextPhase maps the engine's handshake status to the next phase.
// NotHandshaking while a handshake runs means the engine finished without
// reporting Finished in a result.
func nextPhase(status engine.HandshakeStatus) phase {
	switch status {
	case engine.NeedWrap:
		return phaseWrap
	case engine.NeedUnwrap:
		return phaseUnwrap
	case engine.NeedTask:
		return phaseTask
	default:
		return phaseEstablished
	}
}

// advance drives the handshake as far as it can go without blocking. It
// returns nil when it has to wait for readiness or a delegated task, or
// once the handshake is established. Errors are fatal.
func (c *Connection) advance() error {
	c.hsMu.Lock()
	established, err := c.advanceLocked()
	c.hsMu.Unlock()

	if established {
		c.resolveHandshake(nil, true)
		c.finishDeferredReadShutdown()
		c.readLane.schedule()
		c.writeLane.schedule()
	}
	return err
}

func (c *Connection) advanceLocked() (bool, error) {
	for c.phase.handshaking() && !c.isClosed() {
		if c.taskRunning {
			return false, nil
		}

		status := c.eng.HandshakeStatus()
		next := nextPhase(status)
		if c.finishedSeen {
			next = phaseEstablished
		}
		c.setPhase(next, status)

		switch next {
		case phaseTask:
			task := c.eng.DelegatedTask()
			if task == nil {
				continue
			}
			c.taskRunning = true
			if !c.disp.Submit(func() { c.runTask(task) }) {
				c.taskRunning = false
				return false, ErrClosed
			}
			return false, nil

		case phaseWrap:
			progress, err := c.handshakeWrap()
			if err != nil || !progress {
				return false, err
			}

		case phaseUnwrap:
			progress, err := c.handshakeUnwrap()
			if err != nil || !progress {
				return false, err
			}

		case phaseEstablished:
			return c.establish(), nil
		}
	}
	return false, nil
}

// runTask executes a delegated task on a worker and re-arms both
// directions.
func (c *Connection) runTask(task func() error) {
	err := task()

	c.hsMu.Lock()
	c.taskRunning = false
	c.hsMu.Unlock()

	if err != nil {
		c.fail(err, "delegated task")
		return
	}
	c.readLane.schedule()
	c.writeLane.schedule()
}

// noteResult records a Finished report from an engine result. Caller
// holds hsMu.
func (c *Connection) noteResult(res engine.Result) {
	if res.HandshakeStatus == engine.Finished {
		c.finishedSeen = true
	}
}

// handshakeWrap produces and flushes handshake records. It reports whether
// the handshake can continue without waiting for write readiness.
func (c *Connection) handshakeWrap() (bool, error) {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	if c.outNet.Len() > 0 {
		flushed, err := c.flushLocked()
		if err != nil || !flushed {
			return false, err
		}
	}

	for {
		res, err := c.eng.Wrap(nil, c.outNet.Free())
		c.logHandshake(engine.NeedWrap, res, err)
		if err != nil {
			return false, err
		}
		c.outNet.Commit(res.BytesProduced)
		c.noteResult(res)

		switch res.Status {
		case engine.StatusBufferOverflow:
			if err := c.grow(c.outNet, log.BufferOutboundNetwork, res.Required, c.session.PacketBufferSize); err != nil {
				return false, err
			}
			continue
		case engine.StatusClosed:
			_, _ = c.flushLocked()
			return false, ErrPeerClosed
		}
		break
	}

	return c.flushLocked()
}

// handshakeUnwrap feeds handshake records to the engine. It reports
// whether the handshake can continue without waiting for read readiness.
func (c *Connection) handshakeUnwrap() (bool, error) {
	c.inMu.Lock()
	defer c.inMu.Unlock()

	for {
		res, err := c.eng.Unwrap(c.inNet.Bytes(), c.inApp.Free())
		c.logHandshake(engine.NeedUnwrap, res, err)
		if err != nil {
			return false, err
		}
		c.inNet.Consume(res.BytesConsumed)
		c.inApp.Commit(res.BytesProduced)
		c.noteResult(res)

		switch res.Status {
		case engine.StatusOK:
			if res.BytesConsumed > 0 || res.BytesProduced > 0 || res.HandshakeStatus != engine.NeedUnwrap {
				return true, nil
			}
			// Nothing consumed and still waiting for the peer.
			n, err := c.fillLocked(engine.RecordHeaderLen)
			if err != nil {
				return false, handshakeReadError(err)
			}
			if n == 0 {
				return false, nil
			}

		case engine.StatusBufferOverflow:
			// Plaintext already waiting means the handshake is over.
			if c.inApp.Len() > 0 {
				return true, nil
			}
			if err := c.grow(c.inApp, log.BufferInboundApplication, res.Required, c.session.ApplicationBufferSize); err != nil {
				return false, err
			}

		case engine.StatusBufferUnderflow:
			n, err := c.fillLocked(res.Required)
			if err != nil {
				return false, handshakeReadError(err)
			}
			if n == 0 {
				return false, nil
			}

		case engine.StatusClosed:
			return false, ErrPeerClosed
		}
	}
}

// establish switches to steady state and reports whether this call made
// the switch. Caller holds hsMu.
func (c *Connection) establish() bool {
	if c.hsExpired {
		return false
	}
	c.setPhase(phaseEstablished, engine.NotHandshaking)
	if !c.state.CompareAndSwap(int32(StateHandshaking), int32(StateEstablished)) {
		return false
	}
	c.logState(StateHandshaking, StateEstablished, "handshake complete")

	c.inMu.Lock()
	c.shrink(c.inNet, log.BufferInboundNetwork)
	c.shrink(c.inApp, log.BufferInboundApplication)
	c.inMu.Unlock()

	c.outMu.Lock()
	c.shrink(c.outNet, log.BufferOutboundNetwork)
	c.outMu.Unlock()
	return true
}
