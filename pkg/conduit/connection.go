package conduit

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mash-protocol/tlsconduit/pkg/buffer"
	"github.com/mash-protocol/tlsconduit/pkg/engine"
	"github.com/mash-protocol/tlsconduit/pkg/log"
	"github.com/mash-protocol/tlsconduit/pkg/netio"
)

// State represents the connection lifecycle.
type State int32

const (
	// StateNew means Start has not been called.
	StateNew State = iota
	// StateHandshaking means the handshake is running.
	StateHandshaking
	// StateEstablished means application data flows.
	StateEstablished
	// StateClosed means the connection is closed.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Connection is a TLS session over a non-blocking channel. Reads and
// writes never block; readiness is reported through listeners that run on
// the connection's dispatcher.
type Connection struct {
	id      string
	ch      netio.Channel
	eng     engine.Engine
	cfg     Config
	session engine.Session
	logger  *slog.Logger
	remote  string

	disp    *Dispatcher
	ownDisp bool

	readLane  *lane
	writeLane *lane

	// Handshake, guarded by hsMu.
	hsMu         sync.Mutex
	phase        phase
	taskRunning  bool
	finishedSeen bool
	hsExpired    bool

	// Inbound direction, guarded by inMu.
	inMu     sync.Mutex
	inNet    *buffer.Buffer
	inApp    *buffer.Buffer
	inEOF    bool
	readShut bool
	inClosed bool

	// Outbound direction, guarded by outMu.
	outMu        sync.Mutex
	outNet       *buffer.Buffer
	writeShut    bool
	notifyQueued bool
	halfClosed   bool

	state      atomic.Int32
	inDone     atomic.Bool
	outDone    atomic.Bool
	readCount  atomic.Uint64
	writeCount atomic.Uint64

	lmu               sync.Mutex
	readListener      func(*Connection)
	writeListener     func(*Connection)
	handshakeListener func(*Connection, error)
	closeListener     func(*Connection, error)
	readsResumed      bool
	writesResumed     bool

	hsOnce  sync.Once
	hsDone  chan struct{}
	hsErr   error
	hsTimer atomic.Pointer[time.Timer]

	errMu sync.Mutex
	err   error
}

// New wraps a channel and an engine. The connection does nothing until
// Start is called, so listeners can be registered first.
func New(ch netio.Channel, eng engine.Engine, cfg Config) *Connection {
	session := eng.Session()
	cfg.applyDefaults(session)

	id := cfg.ConnectionID
	if id == "" {
		id = uuid.NewString()
	}

	c := &Connection{
		id:      id,
		ch:      ch,
		eng:     eng,
		cfg:     cfg,
		session: session,
		inNet:   buffer.New(cfg.InitialNetworkBufferSize),
		inApp:   buffer.New(cfg.InitialApplicationBufferSize),
		outNet:  buffer.New(cfg.InitialNetworkBufferSize),
		hsDone:  make(chan struct{}),
	}
	if addr := ch.RemoteAddr(); addr != nil {
		c.remote = addr.String()
	}
	c.logger = cfg.Logger.With("conn", id, "role", cfg.Role.String())

	c.disp = cfg.Dispatcher
	if c.disp == nil {
		c.disp = NewDispatcher(cfg.Workers)
		c.ownDisp = true
	}
	c.readLane = newLane(c.disp, c.onReadable)
	c.writeLane = newLane(c.disp, c.onWritable)
	return c
}

// Start begins the handshake and channel I/O.
func (c *Connection) Start() error {
	if !c.state.CompareAndSwap(int32(StateNew), int32(StateHandshaking)) {
		if c.isClosed() {
			return c.Err()
		}
		return nil
	}
	c.logState(StateNew, StateHandshaking, "start")

	if err := c.eng.BeginHandshake(); err != nil {
		c.fail(err, "begin handshake")
		return c.Err()
	}
	if d := c.cfg.HandshakeTimeout; d > 0 {
		c.hsTimer.Store(time.AfterFunc(d, c.handshakeExpired))
	}
	c.ch.Start(c.onReadiness)
	c.readLane.schedule()
	c.writeLane.schedule()
	return nil
}

func (c *Connection) onReadiness(r netio.Readiness) {
	if r.Has(netio.Readable) {
		c.readLane.schedule()
	}
	if r.Has(netio.Writable) {
		c.writeLane.schedule()
	}
}

// ready reports whether application data may flow. While handshaking it
// drives the handshake first.
func (c *Connection) ready() (bool, error) {
	switch c.State() {
	case StateNew:
		return false, nil
	case StateClosed:
		return false, c.Err()
	case StateHandshaking:
		if err := c.advance(); err != nil {
			c.fail(err, "handshake")
			return false, c.Err()
		}
		return c.State() == StateEstablished, nil
	}
	return true, nil
}

// ID returns the connection ID.
func (c *Connection) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) isClosed() bool {
	return c.State() == StateClosed
}

// Err returns the error that closed the connection, ErrClosed after a
// clean close, or nil while it is open.
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil && c.isClosed() {
		return ErrClosed
	}
	return c.err
}

// LocalAddr returns the local network address.
func (c *Connection) LocalAddr() net.Addr {
	return c.ch.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.ch.RemoteAddr()
}

// ConnectionState returns the negotiated TLS parameters. It is the zero
// value until the handshake completes.
func (c *Connection) ConnectionState() tls.ConnectionState {
	return c.eng.ConnectionState()
}

// Handshake blocks until the handshake completes, fails, or ctx is done.
func (c *Connection) Handshake(ctx context.Context) error {
	select {
	case <-c.hsDone:
		return c.hsErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetReadListener sets the function called when data may be readable.
// It only runs after ResumeReads.
func (c *Connection) SetReadListener(fn func(*Connection)) {
	c.lmu.Lock()
	c.readListener = fn
	c.lmu.Unlock()
}

// SetWriteListener sets the function called when data may be writable.
// It only runs after ResumeWrites.
func (c *Connection) SetWriteListener(fn func(*Connection)) {
	c.lmu.Lock()
	c.writeListener = fn
	c.lmu.Unlock()
}

// SetHandshakeListener sets the function called once the handshake
// completes (nil error) or fails.
func (c *Connection) SetHandshakeListener(fn func(*Connection, error)) {
	c.lmu.Lock()
	c.handshakeListener = fn
	c.lmu.Unlock()
}

// SetCloseListener sets the function called when the connection closes on
// its own, either after both directions shut down (nil error) or on a
// fatal error. It is not called for Close.
func (c *Connection) SetCloseListener(fn func(*Connection, error)) {
	c.lmu.Lock()
	c.closeListener = fn
	c.lmu.Unlock()
}

// ResumeReads enables the read listener and schedules a run.
func (c *Connection) ResumeReads() {
	c.lmu.Lock()
	c.readsResumed = true
	c.lmu.Unlock()
	c.readLane.schedule()
}

// SuspendReads disables the read listener.
func (c *Connection) SuspendReads() {
	c.lmu.Lock()
	c.readsResumed = false
	c.lmu.Unlock()
}

// ResumeWrites enables the write listener and schedules a run.
func (c *Connection) ResumeWrites() {
	c.lmu.Lock()
	c.writesResumed = true
	c.lmu.Unlock()
	c.writeLane.schedule()
}

// SuspendWrites disables the write listener.
func (c *Connection) SuspendWrites() {
	c.lmu.Lock()
	c.writesResumed = false
	c.lmu.Unlock()
}

// Close closes the connection immediately. Buffered data is discarded,
// Handshake waiters get ErrClosed and no listener runs afterwards.
func (c *Connection) Close() error {
	if !c.beginClose(nil, "closed by application") {
		return nil
	}

	err := c.ch.Close()
	_ = c.eng.Close()
	c.releaseBuffers()
	c.resolveHandshake(ErrClosed, false)
	if c.ownDisp {
		c.disp.Close()
	}
	c.closed()
	return err
}

// closed reports the end of the connection to Config.OnClosed.
func (c *Connection) closed() {
	if c.cfg.OnClosed != nil {
		c.cfg.OnClosed(c)
	}
}

// handshakeExpired fails a connection whose handshake outlived
// Config.HandshakeTimeout. Once hsExpired is set establish refuses to
// switch to steady state.
func (c *Connection) handshakeExpired() {
	c.hsMu.Lock()
	expired := c.State() == StateHandshaking
	c.hsExpired = expired
	c.hsMu.Unlock()

	if expired {
		c.fail(fmt.Errorf("%w after %s", ErrHandshakeTimeout, c.cfg.HandshakeTimeout), "handshake")
	}
}

// fail closes the connection after a fatal error. Teardown runs on the
// dispatcher so the caller never waits for the channel to drain.
func (c *Connection) fail(err error, op string) {
	if !c.beginClose(err, op) {
		return
	}
	c.logError(err, op)
	c.logger.Warn("connection failed", "op", op, "error", err)
	c.submitTeardown(err)
}

// maybeFinish closes the connection once both directions are done.
func (c *Connection) maybeFinish() {
	if !c.inDone.Load() || !c.outDone.Load() {
		return
	}
	if !c.beginClose(nil, "both directions shut down") {
		return
	}
	c.submitTeardown(nil)
}

func (c *Connection) submitTeardown(err error) {
	if !c.disp.Submit(func() { c.teardown(err) }) {
		go c.teardown(err)
	}
}

// beginClose moves to StateClosed once and records err.
func (c *Connection) beginClose(err error, reason string) bool {
	c.errMu.Lock()
	old := State(c.state.Swap(int32(StateClosed)))
	if old == StateClosed {
		c.errMu.Unlock()
		return false
	}
	c.err = err
	c.errMu.Unlock()

	c.hsMu.Lock()
	if err != nil && c.phase.handshaking() {
		c.phase = phaseFailed
	} else {
		c.phase = phaseClosed
	}
	c.hsMu.Unlock()

	c.logState(old, StateClosed, reason)
	return true
}

func (c *Connection) teardown(err error) {
	// Send whatever the engine still has, typically an alert.
	c.outMu.Lock()
	_, _ = c.drainEngineLocked()
	c.outMu.Unlock()

	_ = c.ch.Shutdown()
	_ = c.eng.Close()
	c.releaseBuffers()

	if err == nil {
		c.resolveHandshake(ErrClosed, false)
	} else {
		c.resolveHandshake(err, true)
	}

	c.lmu.Lock()
	listener := c.closeListener
	c.lmu.Unlock()
	if listener != nil {
		listener(c, err)
	}

	if c.ownDisp {
		c.disp.Close()
	}
	c.closed()
}

// resolveHandshake completes Handshake waiters once. With notify set the
// handshake listener runs on the calling goroutine.
func (c *Connection) resolveHandshake(err error, notify bool) {
	if t := c.hsTimer.Swap(nil); t != nil {
		t.Stop()
	}
	resolved := false
	c.hsOnce.Do(func() {
		c.hsErr = err
		close(c.hsDone)
		resolved = true
	})
	if !resolved || !notify {
		return
	}

	c.lmu.Lock()
	listener := c.handshakeListener
	c.lmu.Unlock()
	if listener != nil {
		listener(c, err)
	}
}

func (c *Connection) releaseBuffers() {
	c.inMu.Lock()
	c.inNet.Release()
	c.inApp.Release()
	c.inMu.Unlock()

	c.outMu.Lock()
	c.outNet.Release()
	c.outMu.Unlock()
}

// grow makes room for need more bytes in b. need <= 0 doubles the
// capacity. Growth past limit fails with buffer.ErrExceedsMaximum.
func (c *Connection) grow(b *buffer.Buffer, kind log.BufferKind, need, limit int) error {
	old := b.Cap()
	if need <= 0 {
		need = max(old, b.Initial()) - b.Len() + 1
	}
	if err := b.EnsureAvailable(need, limit); err != nil {
		c.logger.Debug("buffer growth refused", "buffer", kind.String(), "need", need, "limit", limit)
		return err
	}
	// First allocation at the initial size is not a resize.
	if b.Cap() > max(old, b.Initial()) {
		c.logResize(kind, old, b.Cap(), need)
	}
	return nil
}

// shrink returns an empty buffer to its initial capacity.
func (c *Connection) shrink(b *buffer.Buffer, kind log.BufferKind) {
	old := b.Cap()
	if b.Shrink() {
		c.logResize(kind, old, b.Cap(), 0)
	}
}

// setPhase records a handshake phase change. Caller holds hsMu.
func (c *Connection) setPhase(next phase, status engine.HandshakeStatus) {
	if c.phase == next {
		return
	}
	c.logger.Debug("handshake phase", "from", c.phase.String(), "to", next.String(), "status", status.String())
	c.phase = next
	c.emit(log.LayerConduit, log.CategoryHandshake, func(ev *log.Event) {
		ev.Handshake = &log.HandshakeEvent{Status: status.String(), Phase: next.String()}
	})
}

func (c *Connection) localRole() log.Role {
	if c.cfg.Role == engine.RoleClient {
		return log.RoleClient
	}
	return log.RoleServer
}

// emit sends an event to the protocol logger, if any.
func (c *Connection) emit(layer log.Layer, category log.Category, fill func(*log.Event)) {
	if c.cfg.ProtocolLogger == nil {
		return
	}
	ev := log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Layer:        layer,
		Category:     category,
		LocalRole:    c.localRole(),
		RemoteAddr:   c.remote,
	}
	fill(&ev)
	c.cfg.ProtocolLogger.Log(ev)
}

func (c *Connection) logHandshake(status engine.HandshakeStatus, res engine.Result, err error) {
	c.emit(log.LayerRecord, log.CategoryHandshake, func(ev *log.Event) {
		ev.Handshake = &log.HandshakeEvent{
			Status:   status.String(),
			Phase:    c.phase.String(),
			Result:   res.Status.String(),
			Consumed: res.BytesConsumed,
			Produced: res.BytesProduced,
		}
		if err != nil {
			ev.Handshake.Result = err.Error()
		}
	})
}

func (c *Connection) logRecord(dir log.Direction, data []byte) {
	c.emit(log.LayerChannel, log.CategoryData, func(ev *log.Event) {
		ev.Direction = dir
		ev.Record = log.NewRecordEvent(data)
	})
}

func (c *Connection) logState(from, to State, reason string) {
	c.logger.Debug("connection state", "from", from.String(), "to", to.String(), "reason", reason)
	c.emit(log.LayerConduit, log.CategoryState, func(ev *log.Event) {
		ev.StateChange = &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: from.String(),
			NewState: to.String(),
			Reason:   reason,
		}
	})
}

func (c *Connection) logDirection(entity log.StateEntity, reason string) {
	c.logger.Debug("direction shut down", "entity", entity.String(), "reason", reason)
	c.emit(log.LayerConduit, log.CategoryState, func(ev *log.Event) {
		ev.StateChange = &log.StateChangeEvent{
			Entity:   entity,
			NewState: "SHUTDOWN",
			Reason:   reason,
		}
	})
}

func (c *Connection) logResize(kind log.BufferKind, oldCap, newCap, required int) {
	c.logger.Debug("buffer resized", "buffer", kind.String(), "old", oldCap, "new", newCap)
	c.emit(log.LayerConduit, log.CategoryBuffer, func(ev *log.Event) {
		ev.Resize = &log.ResizeEvent{
			Buffer:      kind,
			OldCapacity: oldCap,
			NewCapacity: newCap,
			Required:    required,
		}
	})
}

func (c *Connection) logError(err error, op string) {
	layer := log.LayerConduit
	var perr *engine.ProtocolError
	if errors.As(err, &perr) {
		layer = log.LayerRecord
	}
	c.emit(layer, log.CategoryError, func(ev *log.Event) {
		ev.Error = &log.ErrorEventData{
			Layer:   layer,
			Message: err.Error(),
			Fatal:   true,
			Context: op,
		}
	})
}
