package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mash-protocol/tlsconduit/pkg/conduit"
	"github.com/mash-protocol/tlsconduit/pkg/engine"
	"github.com/mash-protocol/tlsconduit/pkg/log"
	"github.com/mash-protocol/tlsconduit/pkg/netio"
)

// DefaultHandshakeTimeout bounds how long an accepted connection may take
// to finish its handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// ServerConfig configures a Server.
type ServerConfig struct {
	// TLSConfig contains TLS settings.
	TLSConfig *TLSConfig

	// Address to listen on (e.g., ":8443" or "127.0.0.1:0").
	Address string

	// Workers sizes the dispatcher shared by all connections
	// (default: GOMAXPROCS).
	Workers int

	// InitialNetworkBufferSize and InitialApplicationBufferSize start
	// connection buffers small (0 = the engine's session sizes).
	InitialNetworkBufferSize     int
	InitialApplicationBufferSize int

	// Channel tunes the per-connection socket queues.
	Channel netio.Options

	// HandshakeTimeout closes connections whose handshake has not finished
	// in time (default: DefaultHandshakeTimeout, negative disables).
	HandshakeTimeout time.Duration

	// ProtocolLogger receives protocol events (optional).
	ProtocolLogger log.Logger

	// Logger receives operational logs (optional).
	Logger *slog.Logger

	// OnConnect is called for every accepted connection before its
	// handshake starts. Register read and write listeners here.
	OnConnect func(conn *conduit.Connection)

	// OnHandshake is called when a handshake completes or fails.
	OnHandshake func(conn *conduit.Connection, err error)

	// OnDisconnect is called once a connection is gone, with the error
	// that closed it (nil for an orderly shutdown of both directions).
	OnDisconnect func(conn *conduit.Connection, err error)

	// OnError is called for accept errors (conn is nil) and connection
	// failures.
	OnError func(conn *conduit.Connection, err error)
}

// Server accepts TLS connections and runs them on a shared dispatcher.
type Server struct {
	config   ServerConfig
	tlsConf  *tls.Config
	logger   *slog.Logger
	listener net.Listener
	disp     *conduit.Dispatcher

	conns   map[*conduit.Connection]struct{}
	connsMu sync.Mutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.TLSConfig == nil {
		return nil, errors.New("TLSConfig is required")
	}
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if config.Workers <= 0 {
		config.Workers = runtime.GOMAXPROCS(0)
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}

	tlsConf, err := NewServerTLSConfig(config.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}

	return &Server{
		config:  config,
		tlsConf: tlsConf,
		logger:  config.Logger,
		conns:   make(map[*conduit.Connection]struct{}),
	}, nil
}

// Start listens and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return errors.New("server already running")
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.listener = listener
	s.disp = conduit.NewDispatcher(s.config.Workers)
	s.running.Store(true)
	s.logger.Info("listening", "addr", listener.Addr().String(), "workers", s.config.Workers)

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Stop closes the listener and all connections and waits for the
// dispatcher to drain. It must not be called from a listener.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()
	s.listener.Close()
	s.wg.Wait()

	s.connsMu.Lock()
	conns := make([]*conduit.Connection, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	clear(s.conns)
	s.connsMu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}

	s.disp.Close()
	s.disp.Wait()
	s.logger.Info("stopped")
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

// acceptConnections accepts until the listener closes.
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	backoff := NewBackoff(BackoffConfig{Initial: 5 * time.Millisecond, Max: time.Second})
	for s.running.Load() {
		raw, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.reportError(nil, fmt.Errorf("accept error: %w", err))
			select {
			case <-time.After(backoff.Next()):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		backoff.Reset()
		s.openConnection(raw)
	}
}

func (s *Server) openConnection(raw net.Conn) {
	ch := netio.NewConn(raw, s.config.Channel)
	eng := engine.NewTLS(engine.RoleServer, s.tlsConf, engine.Options{Name: raw.RemoteAddr().String()})
	conn := conduit.New(ch, eng, conduit.Config{
		Role:                         engine.RoleServer,
		InitialNetworkBufferSize:     s.config.InitialNetworkBufferSize,
		InitialApplicationBufferSize: s.config.InitialApplicationBufferSize,
		Dispatcher:                   s.disp,
		ProtocolLogger:               s.config.ProtocolLogger,
		Logger:                       s.logger,
		HandshakeTimeout:             s.config.HandshakeTimeout,
		OnClosed:                     s.untrack,
	})
	s.logger.Debug("accepted", "conn", conn.ID(), "remote", raw.RemoteAddr().String())

	conn.SetHandshakeListener(s.handshakeDone)
	conn.SetCloseListener(s.connectionClosed)

	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()

	if s.config.OnConnect != nil {
		s.config.OnConnect(conn)
	}
	if err := conn.Start(); err != nil {
		s.reportError(conn, fmt.Errorf("start: %w", err))
	}
}

func (s *Server) handshakeDone(conn *conduit.Connection, err error) {
	if err == nil {
		if verr := VerifyConnection(conn.ConnectionState()); verr != nil {
			err = verr
			s.drop(conn, verr)
		}
	}
	if err != nil {
		s.logger.Warn("handshake failed", "conn", conn.ID(), "remote", remoteString(conn), "error", err)
	} else {
		s.logger.Debug("handshake complete", "conn", conn.ID())
	}
	if s.config.OnHandshake != nil {
		s.config.OnHandshake(conn, err)
	}
}

func (s *Server) connectionClosed(conn *conduit.Connection, err error) {
	if err != nil {
		s.reportError(conn, err)
	}
	if s.config.OnDisconnect != nil {
		s.config.OnDisconnect(conn, err)
	}
}

// drop closes a connection the server rejects after the handshake.
func (s *Server) drop(conn *conduit.Connection, err error) {
	conn.Close()
	s.reportError(conn, err)
	if s.config.OnDisconnect != nil {
		s.config.OnDisconnect(conn, err)
	}
}

func (s *Server) untrack(conn *conduit.Connection) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *Server) reportError(conn *conduit.Connection, err error) {
	if s.config.OnError != nil {
		s.config.OnError(conn, err)
	}
}

func remoteString(conn *conduit.Connection) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
