package engine

import (
	"crypto/tls"
	"errors"
	"io"
	"sync"
)

// Options configures a TLS engine.
type Options struct {
	// Name labels the in-memory transport, typically the peer address.
	Name string
}

// TLSEngine is an Engine backed by crypto/tls.
type TLSEngine struct {
	role Role
	conn *tls.Conn
	p    *pipe

	mu sync.Mutex // guards everything below and the pipe

	started          bool
	exited           bool
	handshakeDone    bool
	finishedReported bool
	handshakeErr     error
	readErr          error
	plain            [][]byte
	inboundClosed    bool
	outboundClosed   bool
	closed           bool

	exitCh chan struct{}
}

// Compile-time interface check.
var _ Engine = (*TLSEngine)(nil)

// NewTLS creates an engine for role using a copy of config. Dynamic record
// sizing is disabled so every Wrap produces exactly one record.
func NewTLS(role Role, config *tls.Config, opts Options) *TLSEngine {
	cfg := config.Clone()
	cfg.DynamicRecordSizingDisabled = true

	e := &TLSEngine{
		role:   role,
		exitCh: make(chan struct{}),
	}
	name := opts.Name
	if name == "" {
		name = "engine-" + role.String()
	}
	e.p = newPipe(&e.mu, name)
	if role == RoleServer {
		e.conn = tls.Server(e.p, cfg)
	} else {
		e.conn = tls.Client(e.p, cfg)
	}
	return e
}

// BeginHandshake starts the engine goroutine.
func (e *TLSEngine) BeginHandshake() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked()
}

func (e *TLSEngine) startLocked() error {
	if e.closed {
		return ErrEngineClosed
	}
	if e.started {
		return nil
	}
	e.started = true
	e.p.idle = false
	go e.run()
	return nil
}

// run performs the handshake and then decrypts records until the
// transport ends.
func (e *TLSEngine) run() {
	defer func() {
		e.mu.Lock()
		e.exited = true
		e.p.setIdle()
		e.mu.Unlock()
		close(e.exitCh)
	}()

	if err := e.conn.Handshake(); err != nil {
		e.mu.Lock()
		e.handshakeErr = err
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	e.handshakeDone = true
	e.mu.Unlock()

	buf := make([]byte, MaxPlaintext)
	for {
		n, err := e.conn.Read(buf)
		e.mu.Lock()
		if n > 0 && !e.inboundClosed {
			e.plain = append(e.plain, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			e.readErr = err
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
	}
}

// Session returns the record layer sizes.
func (e *TLSEngine) Session() Session {
	return Session{
		ApplicationBufferSize: MaxPlaintext,
		PacketBufferSize:      RecordHeaderLen + MaxCiphertext,
	}
}

// HandshakeStatus returns the current handshake status.
func (e *TLSEngine) HandshakeStatus() HandshakeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	hs := e.statusLocked()
	if hs == NotHandshaking && e.handshakeDone {
		e.finishedReported = true
	}
	return hs
}

func (e *TLSEngine) statusLocked() HandshakeStatus {
	if !e.started || e.closed {
		return NotHandshaking
	}
	// Post-handshake messages and fatal alerts also need wrapping.
	if e.p.out.Len() > 0 {
		return NeedWrap
	}
	if e.handshakeDone || e.handshakeErr != nil {
		return NotHandshaking
	}
	if !e.p.idle {
		return NeedTask
	}
	return NeedUnwrap
}

// resultStatusLocked reports Finished exactly once, on the first result
// observed after the handshake completes and its output has drained.
func (e *TLSEngine) resultStatusLocked() HandshakeStatus {
	hs := e.statusLocked()
	if hs == NotHandshaking && e.handshakeDone && !e.finishedReported {
		e.finishedReported = true
		return Finished
	}
	return hs
}

// DelegatedTask returns a task that waits for the engine goroutine to
// settle, or nil when it is already idle.
func (e *TLSEngine) DelegatedTask() func() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started || e.p.idle || e.closed {
		return nil
	}
	return e.settle
}

func (e *TLSEngine) settle() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.p.awaitIdle()
	if e.closed {
		return ErrEngineClosed
	}
	if e.handshakeErr != nil {
		return e.handshakeFailureLocked(RecordHeader{})
	}
	return nil
}

func (e *TLSEngine) handshakeFailureLocked(h RecordHeader) error {
	var rhe tls.RecordHeaderError
	kind := ErrHandshakeFailed
	if errors.As(e.handshakeErr, &rhe) {
		kind = ErrMalformedRecord
	}
	return &ProtocolError{Err: kind, Header: h, Cause: e.handshakeErr}
}

// Unwrap feeds at most one record from src to crypto/tls and copies
// decrypted plaintext into dst.
func (e *TLSEngine) Unwrap(src, dst []byte) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return Result{Status: StatusClosed}, ErrEngineClosed
	}
	if err := e.startLocked(); err != nil {
		return Result{Status: StatusClosed}, err
	}

	if res, ok := e.deliverLocked(dst, 0); ok {
		return res, nil
	}
	if e.inboundClosed {
		return Result{Status: StatusClosed, HandshakeStatus: e.resultStatusLocked()}, nil
	}
	if e.readErr != nil {
		return e.readEndLocked(0)
	}
	if e.handshakeErr != nil {
		return Result{Status: StatusClosed, HandshakeStatus: e.resultStatusLocked()}, e.handshakeFailureLocked(RecordHeader{})
	}
	if !e.handshakeDone && !e.p.idle {
		return Result{Status: StatusOK, HandshakeStatus: NeedTask}, nil
	}

	h, ok, err := ParseRecordHeader(src)
	if err != nil {
		return e.rejectLocked(src, err)
	}
	if !ok {
		return Result{Status: StatusBufferUnderflow, HandshakeStatus: e.resultStatusLocked(), Required: RecordHeaderLen}, nil
	}
	if len(src) < h.Size() {
		return Result{Status: StatusBufferUnderflow, HandshakeStatus: e.resultStatusLocked(), Required: h.Size()}, nil
	}

	e.p.feed(src[:h.Size()])
	consumed := h.Size()
	if !e.handshakeDone {
		// The handshake continues on the engine goroutine.
		return Result{Status: StatusOK, HandshakeStatus: e.resultStatusLocked(), BytesConsumed: consumed}, nil
	}

	e.p.awaitIdle()
	if e.closed {
		return Result{Status: StatusClosed, BytesConsumed: consumed}, ErrEngineClosed
	}
	if res, ok := e.deliverLocked(dst, consumed); ok {
		return res, nil
	}
	if e.readErr != nil {
		return e.readEndLocked(consumed)
	}
	return Result{Status: StatusOK, HandshakeStatus: e.resultStatusLocked(), BytesConsumed: consumed}, nil
}

// deliverLocked copies the next plaintext chunk into dst. It reports
// ok=false when no plaintext is pending.
func (e *TLSEngine) deliverLocked(dst []byte, consumed int) (Result, bool) {
	if len(e.plain) == 0 || e.inboundClosed {
		return Result{}, false
	}
	chunk := e.plain[0]
	if len(dst) < len(chunk) {
		return Result{
			Status:          StatusBufferOverflow,
			HandshakeStatus: e.resultStatusLocked(),
			BytesConsumed:   consumed,
			Required:        len(chunk),
		}, true
	}
	copy(dst, chunk)
	e.plain[0] = nil
	e.plain = e.plain[1:]
	return Result{
		Status:          StatusOK,
		HandshakeStatus: e.resultStatusLocked(),
		BytesConsumed:   consumed,
		BytesProduced:   len(chunk),
	}, true
}

// readEndLocked reports the end of the inbound record stream.
func (e *TLSEngine) readEndLocked(consumed int) (Result, error) {
	res := Result{Status: StatusClosed, HandshakeStatus: e.resultStatusLocked(), BytesConsumed: consumed}
	if errors.Is(e.readErr, io.EOF) {
		return res, nil
	}
	return res, &ProtocolError{Err: ErrBadRecord, Cause: e.readErr}
}

// rejectLocked hands an invalid header to crypto/tls so it queues the
// matching alert, then reports the violation.
func (e *TLSEngine) rejectLocked(src []byte, verr error) (Result, error) {
	var perr *ProtocolError
	errors.As(verr, &perr)

	if !e.exited {
		e.p.feed(src[:RecordHeaderLen])
		e.p.awaitIdle()
	}
	switch {
	case e.handshakeErr != nil:
		perr.Cause = e.handshakeErr
	case e.readErr != nil:
		perr.Cause = e.readErr
	}
	e.inboundClosed = true
	e.plain = nil
	return Result{Status: StatusClosed, HandshakeStatus: e.resultStatusLocked(), BytesConsumed: RecordHeaderLen}, perr
}

// Wrap returns pending records first; once none are pending and the
// handshake has finished, it encrypts up to MaxPlaintext bytes of src.
func (e *TLSEngine) Wrap(src, dst []byte) (Result, error) {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()
		return Result{Status: StatusClosed}, ErrEngineClosed
	}
	if err := e.startLocked(); err != nil {
		e.mu.Unlock()
		return Result{Status: StatusClosed}, err
	}

	if e.p.out.Len() > 0 {
		res := e.drainLocked(dst, 0)
		e.mu.Unlock()
		return res, nil
	}
	if e.outboundClosed {
		res := Result{Status: StatusClosed, HandshakeStatus: e.resultStatusLocked()}
		e.mu.Unlock()
		return res, nil
	}
	if e.handshakeErr != nil {
		res := Result{Status: StatusClosed, HandshakeStatus: e.resultStatusLocked()}
		err := e.handshakeFailureLocked(RecordHeader{})
		e.mu.Unlock()
		return res, err
	}
	if !e.handshakeDone || len(src) == 0 {
		res := Result{Status: StatusOK, HandshakeStatus: e.resultStatusLocked()}
		e.mu.Unlock()
		return res, nil
	}

	chunk := min(len(src), MaxPlaintext)
	if len(dst) < chunk+wrapOverhead {
		res := Result{Status: StatusBufferOverflow, HandshakeStatus: e.resultStatusLocked(), Required: chunk + wrapOverhead}
		e.mu.Unlock()
		return res, nil
	}
	e.mu.Unlock()

	// crypto/tls writes through the pipe, which takes mu.
	n, err := e.conn.Write(src[:chunk])

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		return Result{Status: StatusClosed, BytesConsumed: n}, &ProtocolError{Err: ErrBadRecord, Cause: err}
	}
	return e.drainLocked(dst, n), nil
}

// drainLocked moves whole pending records into dst.
func (e *TLSEngine) drainLocked(dst []byte, consumed int) Result {
	n, first := completeRecords(e.p.out.Bytes(), len(dst))
	if n == 0 {
		return Result{
			Status:          StatusBufferOverflow,
			HandshakeStatus: e.statusLocked(),
			BytesConsumed:   consumed,
			Required:        first,
		}
	}
	copy(dst, e.p.out.Next(n))
	return Result{
		Status:          StatusOK,
		HandshakeStatus: e.resultStatusLocked(),
		BytesConsumed:   consumed,
		BytesProduced:   n,
	}
}

// CloseOutbound queues close_notify when the handshake has finished.
func (e *TLSEngine) CloseOutbound() {
	e.mu.Lock()
	if e.outboundClosed || e.closed {
		e.mu.Unlock()
		return
	}
	e.outboundClosed = true
	notify := e.handshakeDone && e.handshakeErr == nil
	e.mu.Unlock()

	if notify {
		_ = e.conn.CloseWrite()
	}
}

// CloseInbound discards undelivered plaintext and stops decryption output.
func (e *TLSEngine) CloseInbound() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.inboundClosed = true
	e.plain = nil
}

// IsOutboundDone reports whether close_notify (or a fatal alert) has been
// drained.
func (e *TLSEngine) IsOutboundDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed || ((e.outboundClosed || e.handshakeErr != nil) && e.p.out.Len() == 0)
}

// IsInboundDone reports whether Unwrap can yield no more plaintext.
func (e *TLSEngine) IsInboundDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed || e.inboundClosed || ((e.readErr != nil || e.handshakeErr != nil) && len(e.plain) == 0)
}

// ConnectionState returns the negotiated state, or the zero value while
// the handshake is in progress.
func (e *TLSEngine) ConnectionState() tls.ConnectionState {
	e.mu.Lock()
	done := e.handshakeDone
	e.mu.Unlock()

	if !done {
		return tls.ConnectionState{}
	}
	return e.conn.ConnectionState()
}

// Close stops the engine goroutine and waits for it to exit.
func (e *TLSEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.plain = nil
	e.p.closed = true
	e.p.cond.Broadcast()
	e.mu.Unlock()

	if started {
		<-e.exitCh
	}
	return nil
}
