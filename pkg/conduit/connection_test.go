package conduit_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/tlsconduit/internal/testcert"
	"github.com/mash-protocol/tlsconduit/pkg/conduit"
	"github.com/mash-protocol/tlsconduit/pkg/engine"
	"github.com/mash-protocol/tlsconduit/pkg/log"
	"github.com/mash-protocol/tlsconduit/pkg/netio"
)

// recorder collects protocol events.
type recorder struct {
	mu     sync.Mutex
	events []log.Event
}

func (r *recorder) Log(ev log.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) resizes() []log.ResizeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []log.ResizeEvent
	for _, ev := range r.events {
		if ev.Resize != nil {
			out = append(out, *ev.Resize)
		}
	}
	return out
}

func (r *recorder) count(category log.Category) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, ev := range r.events {
		if ev.Category == category {
			n++
		}
	}
	return n
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok, "accept failed")
	return client, server
}

func newConn(raw net.Conn, role engine.Role, config *tls.Config, cfg conduit.Config) *conduit.Connection {
	ch := netio.NewConn(raw, netio.Options{})
	eng := engine.NewTLS(role, config, engine.Options{Name: role.String()})
	cfg.Role = role
	return conduit.New(ch, eng, cfg)
}

// echoer writes back everything it reads and shuts down writes after the
// peer's close_notify.
type echoer struct {
	mu      sync.Mutex
	pending []byte
	eof     bool
	shut    bool
}

func (e *echoer) onRead(c *conduit.Connection) {
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			e.mu.Lock()
			e.pending = append(e.pending, buf[:n]...)
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

func (e *echoer) onWrite(c *conduit.Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.pending) > 0 {
		n, err := c.Write(e.pending)
		e.pending = e.pending[n:]
		if err != nil || n == 0 {
			break
		}
	}
	if len(e.pending) > 0 {
		c.ResumeWrites()
		return
	}
	if e.eof && !e.shut {
		e.shut = true
		_ = c.ShutdownWrites()
	}
}

// sender writes a payload, half-closes and collects what comes back.
type sender struct {
	mu        sync.Mutex
	remaining []byte
	shut      bool
	got       bytes.Buffer
	eof       chan struct{}
	eofOnce   sync.Once
}

func (s *sender) onWrite(c *conduit.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.remaining) > 0 {
		n, err := c.Write(s.remaining)
		s.remaining = s.remaining[n:]
		if err != nil || n == 0 {
			return
		}
	}
	if !s.shut {
		s.shut = true
		_ = c.ShutdownWrites()
	}
}

func (s *sender) onRead(c *conduit.Connection) {
	buf := make([]byte, 8192)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.got.Write(buf[:n])
			s.mu.Unlock()
			continue
		}
		if errors.Is(err, io.EOF) {
			s.eofOnce.Do(func() { close(s.eof) })
		}
		return
	}
}

func waitErr(t *testing.T, ch <-chan error, what string) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func TestConnectionEcho(t *testing.T) {
	certs := testcert.New(t)
	rawClient, rawServer := tcpPair(t)

	events := &recorder{}
	small := conduit.Config{
		InitialNetworkBufferSize:     256,
		InitialApplicationBufferSize: 256,
		ProtocolLogger:               events,
	}
	server := newConn(rawServer, engine.RoleServer, certs.ServerConfig(), small)
	client := newConn(rawClient, engine.RoleClient, certs.ClientConfig(), small)

	payload := make([]byte, 200*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	echo := &echoer{}
	server.SetReadListener(echo.onRead)
	server.SetWriteListener(echo.onWrite)
	serverClosed := make(chan error, 1)
	server.SetCloseListener(func(_ *conduit.Connection, err error) { serverClosed <- err })
	server.ResumeReads()

	send := &sender{remaining: payload, eof: make(chan struct{})}
	client.SetReadListener(send.onRead)
	client.SetWriteListener(send.onWrite)
	clientHandshake := make(chan error, 1)
	client.SetHandshakeListener(func(_ *conduit.Connection, err error) { clientHandshake <- err })
	clientClosed := make(chan error, 1)
	client.SetCloseListener(func(_ *conduit.Connection, err error) { clientClosed <- err })
	client.ResumeReads()
	client.ResumeWrites()

	require.NoError(t, server.Start())
	require.NoError(t, client.Start())

	require.NoError(t, waitErr(t, clientHandshake, "client handshake"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, server.Handshake(ctx))
	assert.Equal(t, uint16(tls.VersionTLS13), client.ConnectionState().Version)

	select {
	case <-send.eof:
	case <-time.After(10 * time.Second):
		t.Fatal("client did not see end of stream")
	}
	require.NoError(t, waitErr(t, clientClosed, "client close"))
	require.NoError(t, waitErr(t, serverClosed, "server close"))

	send.mu.Lock()
	assert.True(t, bytes.Equal(payload, send.got.Bytes()), "echo differs: got %d bytes", send.got.Len())
	send.mu.Unlock()

	assert.Equal(t, conduit.StateClosed, client.State())
	assert.ErrorIs(t, client.Err(), conduit.ErrClosed)

	var grew, shrank bool
	for _, r := range events.resizes() {
		if r.OldCapacity >= 256 && r.NewCapacity > r.OldCapacity {
			grew = true
		}
		if r.NewCapacity == 256 && r.OldCapacity > r.NewCapacity && r.Required == 0 {
			shrank = true
		}
	}
	assert.True(t, grew, "buffers grow from their small initial size")
	assert.True(t, shrank, "empty buffers return to their initial size after the handshake")
	assert.Positive(t, events.count(log.CategoryData))
	assert.Positive(t, events.count(log.CategoryHandshake))
}

func TestConnectionCloseUnblocksHandshake(t *testing.T) {
	certs := testcert.New(t)
	rawClient, rawServer := tcpPair(t)
	defer rawServer.Close()

	client := newConn(rawClient, engine.RoleClient, certs.ClientConfig(), conduit.Config{})
	require.NoError(t, client.Start())

	result := make(chan error, 1)
	go func() {
		result <- client.Handshake(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Close())
	assert.ErrorIs(t, waitErr(t, result, "handshake"), conduit.ErrClosed)

	n, err := client.Read(make([]byte, 16))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, conduit.ErrClosed)
}

func TestConnectionHandshakeContext(t *testing.T) {
	certs := testcert.New(t)
	rawClient, rawServer := tcpPair(t)
	defer rawServer.Close()

	client := newConn(rawClient, engine.RoleClient, certs.ClientConfig(), conduit.Config{})
	defer client.Close()
	require.NoError(t, client.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, client.Handshake(ctx), context.DeadlineExceeded)
	assert.Equal(t, conduit.StateHandshaking, client.State())
}

func TestConnectionUntrustedCertificate(t *testing.T) {
	certs := testcert.New(t)
	rawClient, rawServer := tcpPair(t)

	untrusted := certs.ClientConfig()
	untrusted.RootCAs = x509.NewCertPool()

	server := newConn(rawServer, engine.RoleServer, certs.ServerConfig(), conduit.Config{})
	client := newConn(rawClient, engine.RoleClient, untrusted, conduit.Config{})

	clientHandshake := make(chan error, 1)
	client.SetHandshakeListener(func(_ *conduit.Connection, err error) { clientHandshake <- err })
	clientClosed := make(chan error, 1)
	client.SetCloseListener(func(_ *conduit.Connection, err error) { clientClosed <- err })
	serverClosed := make(chan error, 1)
	server.SetCloseListener(func(_ *conduit.Connection, err error) { serverClosed <- err })

	require.NoError(t, server.Start())
	require.NoError(t, client.Start())

	err := waitErr(t, clientHandshake, "client handshake")
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrHandshakeFailed)
	var perr *engine.ProtocolError
	assert.ErrorAs(t, err, &perr)

	assert.Error(t, waitErr(t, clientClosed, "client close"))
	assert.Error(t, waitErr(t, serverClosed, "server close"))
	assert.Equal(t, conduit.StateClosed, server.State())
}

func TestConnectionPeerClosesDuringHandshake(t *testing.T) {
	certs := testcert.New(t)
	rawClient, rawServer := tcpPair(t)
	defer rawServer.Close()

	client := newConn(rawClient, engine.RoleClient, certs.ClientConfig(), conduit.Config{})
	closed := make(chan error, 1)
	client.SetCloseListener(func(_ *conduit.Connection, err error) { closed <- err })
	require.NoError(t, client.Start())

	// Take the start of the ClientHello, then half-close without answering.
	buf := make([]byte, 4096)
	_, err := io.ReadAtLeast(rawServer, buf, engine.RecordHeaderLen)
	require.NoError(t, err)
	require.NoError(t, rawServer.(*net.TCPConn).CloseWrite())

	err = waitErr(t, closed, "close")
	assert.ErrorIs(t, err, conduit.ErrPeerClosed)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, client.Handshake(ctx), conduit.ErrPeerClosed)
}

func TestConnectionShutdownReads(t *testing.T) {
	certs := testcert.New(t)
	rawClient, rawServer := tcpPair(t)

	server := newConn(rawServer, engine.RoleServer, certs.ServerConfig(), conduit.Config{})
	client := newConn(rawClient, engine.RoleClient, certs.ClientConfig(), conduit.Config{})
	defer server.Close()
	defer client.Close()

	require.NoError(t, server.Start())
	require.NoError(t, client.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Handshake(ctx))
	require.NoError(t, server.Handshake(ctx))

	require.NoError(t, client.ShutdownReads())
	n, err := client.Read(make([]byte, 16))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, conduit.ErrReadShutdown)
	assert.Equal(t, conduit.StateEstablished, client.State(), "writes still open")

	// Writes keep working after the read side is shut down.
	assert.Eventually(t, func() bool {
		n, err := client.Write([]byte("ping"))
		return err == nil && n == 4
	}, 5*time.Second, 10*time.Millisecond)

	got := make([]byte, 0, 4)
	assert.Eventually(t, func() bool {
		buf := make([]byte, 16)
		n, _ := server.Read(buf)
		got = append(got, buf[:n]...)
		return len(got) == 4
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ping", string(got))
}

func TestConnectionShutdownReadsBeforeHandshake(t *testing.T) {
	certs := testcert.New(t)
	rawClient, rawServer := tcpPair(t)

	server := newConn(rawServer, engine.RoleServer, certs.ServerConfig(), conduit.Config{})
	client := newConn(rawClient, engine.RoleClient, certs.ClientConfig(), conduit.Config{})
	defer server.Close()
	defer client.Close()

	require.NoError(t, client.ShutdownReads())
	require.NoError(t, server.Start())
	require.NoError(t, client.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Handshake(ctx), "handshake still reads from the peer")
	require.NoError(t, server.Handshake(ctx))
	assert.Equal(t, conduit.StateEstablished, client.State())

	n, err := client.Read(make([]byte, 16))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, conduit.ErrReadShutdown)

	assert.Eventually(t, func() bool {
		n, err := client.Write([]byte("ping"))
		return err == nil && n == 4
	}, 5*time.Second, 10*time.Millisecond)

	got := make([]byte, 0, 4)
	assert.Eventually(t, func() bool {
		buf := make([]byte, 16)
		n, _ := server.Read(buf)
		got = append(got, buf[:n]...)
		return len(got) == 4
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ping", string(got))
	assert.Equal(t, conduit.StateEstablished, client.State(), "writes still open")
}

func TestConnectionShutdownWritesHalfCloses(t *testing.T) {
	certs := testcert.New(t)
	rawClient, rawServer := tcpPair(t)

	server := newConn(rawServer, engine.RoleServer, certs.ServerConfig(), conduit.Config{})
	client := newConn(rawClient, engine.RoleClient, certs.ClientConfig(), conduit.Config{})
	defer server.Close()
	defer client.Close()

	require.NoError(t, server.Start())
	require.NoError(t, client.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Handshake(ctx))
	require.NoError(t, server.Handshake(ctx))

	assert.Eventually(t, func() bool {
		n, err := client.Write([]byte("bye"))
		return err == nil && n == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, client.ShutdownWrites())

	n, err := client.Write([]byte("more"))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, conduit.ErrWriteShutdown)

	// The server drains the data, then sees the end of stream.
	var got []byte
	var readErr error
	assert.Eventually(t, func() bool {
		buf := make([]byte, 16)
		n, err := server.Read(buf)
		got = append(got, buf[:n]...)
		readErr = err
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "bye", string(got))
	assert.ErrorIs(t, readErr, io.EOF)

	// The other direction stays usable.
	assert.Eventually(t, func() bool {
		n, err := server.Write([]byte("ack"))
		return err == nil && n == 3
	}, 5*time.Second, 10*time.Millisecond)

	got = got[:0]
	assert.Eventually(t, func() bool {
		buf := make([]byte, 16)
		n, _ := client.Read(buf)
		got = append(got, buf[:n]...)
		return len(got) == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ack", string(got))
}
