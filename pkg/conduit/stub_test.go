package conduit

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/tlsconduit/pkg/buffer"
	"github.com/mash-protocol/tlsconduit/pkg/engine"
	"github.com/mash-protocol/tlsconduit/pkg/netio"
)

// ---------------------------------------------------------------------------
// stubEngine
// ---------------------------------------------------------------------------

type stubEngine struct{ mock.Mock }

func (e *stubEngine) BeginHandshake() error { return e.Called().Error(0) }
func (e *stubEngine) Wrap(src, dst []byte) (engine.Result, error) {
	ret := e.Called(src, len(dst))
	return ret.Get(0).(engine.Result), ret.Error(1)
}
func (e *stubEngine) Unwrap(src, dst []byte) (engine.Result, error) {
	ret := e.Called(src, len(dst))
	return ret.Get(0).(engine.Result), ret.Error(1)
}
func (e *stubEngine) DelegatedTask() func() error {
	ret := e.Called()
	if ret.Get(0) == nil {
		return nil
	}
	return ret.Get(0).(func() error)
}
func (e *stubEngine) HandshakeStatus() engine.HandshakeStatus {
	return e.Called().Get(0).(engine.HandshakeStatus)
}
func (e *stubEngine) Session() engine.Session { return e.Called().Get(0).(engine.Session) }
func (e *stubEngine) CloseOutbound()          { e.Called() }
func (e *stubEngine) CloseInbound()           { e.Called() }
func (e *stubEngine) IsOutboundDone() bool    { return e.Called().Bool(0) }
func (e *stubEngine) IsInboundDone() bool     { return e.Called().Bool(0) }
func (e *stubEngine) ConnectionState() tls.ConnectionState {
	return e.Called().Get(0).(tls.ConnectionState)
}
func (e *stubEngine) Close() error { return e.Called().Error(0) }

// ---------------------------------------------------------------------------
// stubChannel
// ---------------------------------------------------------------------------

type stubChannel struct{ mock.Mock }

func (c *stubChannel) Start(notify func(netio.Readiness)) { c.Called(notify) }
func (c *stubChannel) TryRead(p []byte) (int, error) {
	ret := c.Called(p)
	return ret.Int(0), ret.Error(1)
}
func (c *stubChannel) Readable() bool { return c.Called().Bool(0) }
func (c *stubChannel) TryWrite(p []byte) (int, error) {
	ret := c.Called(p)
	return ret.Int(0), ret.Error(1)
}
func (c *stubChannel) Buffered() int        { return c.Called().Int(0) }
func (c *stubChannel) CloseWrite() error    { return c.Called().Error(0) }
func (c *stubChannel) Shutdown() error      { return c.Called().Error(0) }
func (c *stubChannel) Close() error         { return c.Called().Error(0) }
func (c *stubChannel) LocalAddr() net.Addr  { return c.addr(c.Called()) }
func (c *stubChannel) RemoteAddr() net.Addr { return c.addr(c.Called()) }
func (c *stubChannel) addr(ret mock.Arguments) net.Addr {
	if ret.Get(0) == nil {
		return nil
	}
	return ret.Get(0).(net.Addr)
}

var errTaskFailed = errors.New("certificate rejected")

func newStubConnection(t *testing.T, state State) (*Connection, *stubEngine, *stubChannel) {
	t.Helper()

	e := &stubEngine{}
	ch := &stubChannel{}
	e.On("Session").Return(engine.Session{ApplicationBufferSize: 16384, PacketBufferSize: 18437})
	ch.On("RemoteAddr").Return(nil)

	d := NewDispatcher(1)
	t.Cleanup(func() {
		d.Close()
		d.Wait()
	})

	c := New(ch, e, Config{
		Dispatcher:                   d,
		InitialNetworkBufferSize:     512,
		InitialApplicationBufferSize: 256,
	})
	c.state.Store(int32(state))
	return c, e, ch
}

func atLeast(n int) any {
	return mock.MatchedBy(func(v int) bool { return v >= n })
}

func below(n int) any {
	return mock.MatchedBy(func(v int) bool { return v < n })
}

func TestWriteGrowsNetworkBufferOnOverflow(t *testing.T) {
	c, e, ch := newStubConnection(t, StateEstablished)

	e.On("Wrap", []byte("hello"), below(1000)).
		Return(engine.Result{Status: engine.StatusBufferOverflow, Required: 1000}, nil).Once()
	e.On("Wrap", []byte("hello"), atLeast(1000)).
		Return(engine.Result{Status: engine.StatusOK, BytesConsumed: 5, BytesProduced: 100}, nil).Once()
	ch.On("TryWrite", mock.Anything).Return(100, nil).Once()

	n, err := c.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.GreaterOrEqual(t, c.outNet.Cap(), 1000)
	assert.Equal(t, 0, c.outNet.Len())

	e.AssertExpectations(t)
	ch.AssertExpectations(t)
}

func TestWriteKeepsUnflushedRecords(t *testing.T) {
	c, e, ch := newStubConnection(t, StateEstablished)

	e.On("Wrap", []byte("hello"), mock.Anything).
		Return(engine.Result{Status: engine.StatusOK, BytesConsumed: 5, BytesProduced: 40}, nil).Once()
	ch.On("TryWrite", mock.Anything).Return(15, nil).Once()
	ch.On("TryWrite", mock.Anything).Return(0, nil).Once()

	n, err := c.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 25, c.outNet.Len(), "the unwritten tail stays buffered")

	// Blocked channel: nothing more is accepted until the tail is out.
	ch.On("TryWrite", mock.Anything).Return(0, nil).Once()
	n, err = c.Write([]byte("world"))
	require.NoError(t, err)
	assert.Zero(t, n)

	e.On("HandshakeStatus").Return(engine.NotHandshaking).Maybe()
	ch.On("TryWrite", mock.Anything).Return(25, nil).Once()
	flushed, err := c.Flush()
	require.NoError(t, err)
	assert.True(t, flushed)

	e.AssertExpectations(t)
	ch.AssertExpectations(t)
}

func TestReadGrowsApplicationBufferOnOverflow(t *testing.T) {
	c, e, ch := newStubConnection(t, StateEstablished)

	rec := append([]byte{23, 3, 3, 0, 20}, make([]byte, 20)...)
	empty := mock.MatchedBy(func(b []byte) bool { return len(b) == 0 })

	e.On("Unwrap", empty, 256).Return(engine.Result{Status: engine.StatusOK}, nil).Once()
	ch.On("TryRead", mock.Anything).
		Run(func(args mock.Arguments) { copy(args.Get(0).([]byte), rec) }).
		Return(len(rec), nil).Once()
	e.On("Unwrap", rec, 256).
		Return(engine.Result{Status: engine.StatusBufferOverflow, Required: 4096}, nil).Once()
	e.On("Unwrap", rec, atLeast(4096)).
		Return(engine.Result{Status: engine.StatusOK, BytesConsumed: len(rec), BytesProduced: 10}, nil).Once()

	p := make([]byte, 64)
	n, err := c.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.GreaterOrEqual(t, c.inApp.Cap(), 4096)
	assert.Equal(t, 0, c.inNet.Len(), "the record was consumed exactly once")

	e.AssertExpectations(t)
	ch.AssertExpectations(t)
}

func TestReadUnderflowKeepsPartialRecord(t *testing.T) {
	c, e, ch := newStubConnection(t, StateEstablished)

	head := []byte{23, 3, 3, 0, 20, 1, 2}
	empty := mock.MatchedBy(func(b []byte) bool { return len(b) == 0 })

	e.On("Unwrap", empty, mock.Anything).Return(engine.Result{Status: engine.StatusOK}, nil).Once()
	ch.On("TryRead", mock.Anything).
		Run(func(args mock.Arguments) { copy(args.Get(0).([]byte), head) }).
		Return(len(head), nil).Once()
	e.On("Unwrap", head, mock.Anything).
		Return(engine.Result{Status: engine.StatusBufferUnderflow, Required: 25}, nil).Once()
	ch.On("TryRead", mock.Anything).Return(0, nil).Once()

	n, err := c.Read(make([]byte, 64))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, head, c.inNet.Bytes())

	e.AssertExpectations(t)
	ch.AssertExpectations(t)
}

func TestReadBeyondMaximumIsFatal(t *testing.T) {
	c, e, ch := newStubConnection(t, StateEstablished)

	closed := make(chan error, 1)
	c.SetCloseListener(func(_ *Connection, err error) { closed <- err })

	rec := []byte{23, 3, 3, 0, 1, 0}
	ch.On("TryRead", mock.Anything).
		Run(func(args mock.Arguments) { copy(args.Get(0).([]byte), rec) }).
		Return(len(rec), nil).Once()
	e.On("Unwrap", mock.MatchedBy(func(b []byte) bool { return len(b) == 0 }), mock.Anything).
		Return(engine.Result{Status: engine.StatusOK}, nil).Once()
	e.On("Unwrap", rec, mock.Anything).
		Return(engine.Result{Status: engine.StatusBufferOverflow, Required: 20000}, nil).Once()
	e.On("HandshakeStatus").Return(engine.NotHandshaking).Maybe()
	e.On("Close").Return(nil).Once()
	ch.On("Shutdown").Return(nil).Once()

	_, err := c.Read(make([]byte, 64))
	require.Error(t, err)
	assert.ErrorIs(t, err, buffer.ErrExceedsMaximum)
	assert.Equal(t, StateClosed, c.State())

	select {
	case cerr := <-closed:
		assert.ErrorIs(t, cerr, buffer.ErrExceedsMaximum)
	case <-time.After(2 * time.Second):
		t.Fatal("close listener not called")
	}

	_, err = c.Read(make([]byte, 64))
	assert.ErrorIs(t, err, buffer.ErrExceedsMaximum, "later calls report the same error")
}

func TestWriteDuringHandshakeReturnsZero(t *testing.T) {
	c, e, ch := newStubConnection(t, StateHandshaking)

	e.On("HandshakeStatus").Return(engine.NeedUnwrap)
	e.On("Unwrap", mock.Anything, mock.Anything).
		Return(engine.Result{Status: engine.StatusOK, HandshakeStatus: engine.NeedUnwrap}, nil)
	ch.On("TryRead", mock.Anything).Return(0, nil)

	n, err := c.Write([]byte("early"))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, StateHandshaking, c.State())

	c.hsMu.Lock()
	assert.Equal(t, phaseUnwrap, c.phase)
	c.hsMu.Unlock()
}

func TestDelegatedTaskFailureIsFatal(t *testing.T) {
	c, e, ch := newStubConnection(t, StateHandshaking)

	hsErr := make(chan error, 1)
	c.SetHandshakeListener(func(_ *Connection, err error) { hsErr <- err })

	e.On("HandshakeStatus").Return(engine.NeedTask)
	e.On("DelegatedTask").Return(func() error { return errTaskFailed }).Once()
	e.On("Close").Return(nil).Once()
	ch.On("Shutdown").Return(nil).Once()

	require.NoError(t, c.advance())

	select {
	case err := <-hsErr:
		assert.ErrorIs(t, err, errTaskFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake listener not called")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, c.Handshake(ctx), errTaskFailed)
	assert.Equal(t, StateClosed, c.State())

	c.hsMu.Lock()
	assert.Equal(t, phaseFailed, c.phase)
	c.hsMu.Unlock()
}

func TestCloseIsSilent(t *testing.T) {
	c, e, ch := newStubConnection(t, StateHandshaking)

	called := false
	c.SetHandshakeListener(func(*Connection, error) { called = true })
	c.SetCloseListener(func(*Connection, error) { called = true })
	e.On("Close").Return(nil).Once()
	ch.On("Close").Return(nil).Once()

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "second close is a no-op")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, c.Handshake(ctx), ErrClosed)
	assert.False(t, called)

	_, err := c.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrClosed)

	e.AssertExpectations(t)
	ch.AssertExpectations(t)
}

func preload(b *buffer.Buffer, data []byte) {
	copy(b.Free(), data)
	b.Commit(len(data))
}

func TestHandshakeUnwrapGrowsApplicationBufferOnOverflow(t *testing.T) {
	c, e, _ := newStubConnection(t, StateHandshaking)

	rec := append([]byte{22, 3, 3, 0, 30}, make([]byte, 30)...)
	preload(c.inNet, rec)

	e.On("Unwrap", rec, 256).
		Return(engine.Result{Status: engine.StatusBufferOverflow, Required: 4096, HandshakeStatus: engine.NeedUnwrap}, nil).Once()
	e.On("Unwrap", rec, atLeast(4096)).
		Return(engine.Result{Status: engine.StatusOK, BytesConsumed: len(rec), HandshakeStatus: engine.NeedWrap}, nil).Once()

	progress, err := c.handshakeUnwrap()
	require.NoError(t, err)
	assert.True(t, progress)
	assert.GreaterOrEqual(t, c.inApp.Cap(), 4096)
	assert.Equal(t, 0, c.inNet.Len(), "the record was consumed exactly once")

	e.AssertExpectations(t)
}

func TestHandshakeUnwrapOverflowWithPlaintextWaiting(t *testing.T) {
	c, e, _ := newStubConnection(t, StateHandshaking)

	rec := append([]byte{23, 3, 3, 0, 30}, make([]byte, 30)...)
	preload(c.inNet, rec)
	preload(c.inApp, []byte("early"))

	e.On("Unwrap", rec, mock.Anything).
		Return(engine.Result{Status: engine.StatusBufferOverflow, Required: 4096}, nil).Once()

	progress, err := c.handshakeUnwrap()
	require.NoError(t, err)
	assert.True(t, progress)
	assert.Equal(t, 256, c.inApp.Cap(), "no growth while plaintext is waiting")
	assert.Equal(t, rec, c.inNet.Bytes(), "the record stays buffered")
	assert.Equal(t, []byte("early"), c.inApp.Bytes())

	e.AssertExpectations(t)
}

func TestHandshakeWrapFlushesPendingRecordsFirst(t *testing.T) {
	c, e, ch := newStubConnection(t, StateHandshaking)

	preload(c.outNet, make([]byte, 40))
	ch.On("TryWrite", mock.Anything).Return(15, nil).Once()
	ch.On("TryWrite", mock.Anything).Return(0, nil).Once()

	progress, err := c.handshakeWrap()
	require.NoError(t, err)
	assert.False(t, progress, "waits for write readiness")
	assert.Equal(t, 25, c.outNet.Len())
	e.AssertNotCalled(t, "Wrap", mock.Anything, mock.Anything)

	ch.On("TryWrite", mock.Anything).Return(25, nil).Once()
	e.On("Wrap", mock.Anything, mock.Anything).
		Return(engine.Result{Status: engine.StatusOK, BytesProduced: 30, HandshakeStatus: engine.NeedUnwrap}, nil).Once()
	ch.On("TryWrite", mock.Anything).Return(30, nil).Once()

	progress, err = c.handshakeWrap()
	require.NoError(t, err)
	assert.True(t, progress)
	assert.Equal(t, 0, c.outNet.Len())

	e.AssertExpectations(t)
	ch.AssertExpectations(t)
}

func TestReadPeerClosesMidRecord(t *testing.T) {
	c, e, ch := newStubConnection(t, StateEstablished)

	head := []byte{23, 3, 3, 0, 20, 1, 2}
	empty := mock.MatchedBy(func(b []byte) bool { return len(b) == 0 })

	e.On("Unwrap", empty, mock.Anything).Return(engine.Result{Status: engine.StatusOK}, nil).Once()
	ch.On("TryRead", mock.Anything).
		Run(func(args mock.Arguments) { copy(args.Get(0).([]byte), head) }).
		Return(len(head), nil).Once()
	e.On("Unwrap", head, mock.Anything).
		Return(engine.Result{Status: engine.StatusBufferUnderflow, Required: 25}, nil).Once()
	ch.On("TryRead", mock.Anything).Return(0, io.EOF).Once()
	e.On("HandshakeStatus").Return(engine.NotHandshaking).Maybe()
	e.On("Close").Return(nil).Once()
	ch.On("Shutdown").Return(nil).Once()

	n, err := c.Read(make([]byte, 64))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrPeerClosed)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, StateClosed, c.State())
}

func TestReadPeerClosesAtRecordBoundary(t *testing.T) {
	c, e, ch := newStubConnection(t, StateEstablished)

	e.On("Unwrap", mock.MatchedBy(func(b []byte) bool { return len(b) == 0 }), mock.Anything).
		Return(engine.Result{Status: engine.StatusOK}, nil).Once()
	ch.On("TryRead", mock.Anything).Return(0, io.EOF).Once()

	n, err := c.Read(make([]byte, 64))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, StateEstablished, c.State(), "writes stay open")

	_, err = c.Read(make([]byte, 64))
	assert.ErrorIs(t, err, io.EOF)

	e.AssertExpectations(t)
	ch.AssertExpectations(t)
}

func TestHandshakeTimeoutIsFatal(t *testing.T) {
	c, e, ch := newStubConnection(t, StateNew)
	c.cfg.HandshakeTimeout = 50 * time.Millisecond

	gone := make(chan struct{})
	c.cfg.OnClosed = func(*Connection) { close(gone) }
	hsErr := make(chan error, 1)
	c.SetHandshakeListener(func(_ *Connection, err error) { hsErr <- err })

	e.On("BeginHandshake").Return(nil).Once()
	e.On("HandshakeStatus").Return(engine.NeedUnwrap)
	e.On("Unwrap", mock.Anything, mock.Anything).
		Return(engine.Result{Status: engine.StatusOK, HandshakeStatus: engine.NeedUnwrap}, nil)
	e.On("Close").Return(nil).Once()
	ch.On("Start", mock.Anything).Once()
	ch.On("TryRead", mock.Anything).Return(0, nil)
	ch.On("Shutdown").Return(nil).Once()

	require.NoError(t, c.Start())

	select {
	case err := <-hsErr:
		assert.ErrorIs(t, err, ErrHandshakeTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake listener not called")
	}
	select {
	case <-gone:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed not called")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Err(), ErrHandshakeTimeout)
}

func TestHandshakeTimeoutStoppedByClose(t *testing.T) {
	c, e, ch := newStubConnection(t, StateNew)
	c.cfg.HandshakeTimeout = 200 * time.Millisecond

	var closes int
	c.cfg.OnClosed = func(*Connection) { closes++ }

	e.On("BeginHandshake").Return(nil).Once()
	e.On("HandshakeStatus").Return(engine.NeedUnwrap).Maybe()
	e.On("Unwrap", mock.Anything, mock.Anything).
		Return(engine.Result{Status: engine.StatusOK, HandshakeStatus: engine.NeedUnwrap}, nil).Maybe()
	e.On("Close").Return(nil).Once()
	ch.On("Start", mock.Anything).Once()
	ch.On("TryRead", mock.Anything).Return(0, nil).Maybe()
	ch.On("Close").Return(nil).Once()

	require.NoError(t, c.Start())
	require.NoError(t, c.Close())
	time.Sleep(300 * time.Millisecond)

	assert.ErrorIs(t, c.Err(), ErrClosed)
	assert.Equal(t, 1, closes)
}
