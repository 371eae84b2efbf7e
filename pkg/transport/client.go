package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/mash-protocol/tlsconduit/pkg/conduit"
	"github.com/mash-protocol/tlsconduit/pkg/engine"
	"github.com/mash-protocol/tlsconduit/pkg/log"
	"github.com/mash-protocol/tlsconduit/pkg/netio"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// TLSConfig contains TLS settings.
	TLSConfig *TLSConfig

	// ConnectTimeout bounds TCP connect plus handshake (default: 30s).
	ConnectTimeout time.Duration

	// Dispatcher is shared by the client's connections. When nil every
	// connection gets a private one.
	Dispatcher *conduit.Dispatcher

	// InitialNetworkBufferSize and InitialApplicationBufferSize start
	// connection buffers small (0 = the engine's session sizes).
	InitialNetworkBufferSize     int
	InitialApplicationBufferSize int

	// Channel tunes the socket queues.
	Channel netio.Options

	// Retry shapes the delays of ConnectWithRetry.
	Retry BackoffConfig

	// MaxAttempts bounds ConnectWithRetry (0 = until ctx is done).
	MaxAttempts int

	// ProtocolLogger receives protocol events (optional).
	ProtocolLogger log.Logger

	// Logger receives operational logs (optional).
	Logger *slog.Logger
}

// Client opens TLS connections.
type Client struct {
	config  ClientConfig
	tlsConf *tls.Config
	logger  *slog.Logger
}

// NewClient creates a client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.TLSConfig == nil {
		return nil, errors.New("TLSConfig is required")
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	tlsConf, err := NewClientTLSConfig(config.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}

	return &Client{
		config:  config,
		tlsConf: tlsConf,
		logger:  config.Logger,
	}, nil
}

// Dial opens a TCP connection and starts the handshake without waiting
// for it. setup, if not nil, runs before the handshake starts so it can
// register listeners.
func (c *Client) Dial(ctx context.Context, address string, setup func(*conduit.Connection)) (*conduit.Connection, error) {
	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	ch := netio.NewConn(raw, c.config.Channel)
	eng := engine.NewTLS(engine.RoleClient, c.tlsConf, engine.Options{Name: address})
	conn := conduit.New(ch, eng, conduit.Config{
		Role:                         engine.RoleClient,
		InitialNetworkBufferSize:     c.config.InitialNetworkBufferSize,
		InitialApplicationBufferSize: c.config.InitialApplicationBufferSize,
		Dispatcher:                   c.config.Dispatcher,
		ProtocolLogger:               c.config.ProtocolLogger,
		Logger:                       c.logger,
	})
	if setup != nil {
		setup(conn)
	}
	if err := conn.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	c.logger.Debug("connecting", "conn", conn.ID(), "addr", address)
	return conn, nil
}

// Connect dials, waits for the handshake and verifies the negotiated
// parameters.
func (c *Client) Connect(ctx context.Context, address string, setup func(*conduit.Connection)) (*conduit.Connection, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	conn, err := c.Dial(ctx, address, setup)
	if err != nil {
		return nil, err
	}
	if err := conn.Handshake(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	if err := VerifyConnection(conn.ConnectionState()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connection verification failed: %w", err)
	}
	return conn, nil
}

// ConnectWithRetry retries Connect with exponential backoff while the
// failure is a network error. Protocol errors are not retried.
func (c *Client) ConnectWithRetry(ctx context.Context, address string, setup func(*conduit.Connection)) (*conduit.Connection, error) {
	backoff := NewBackoff(c.config.Retry)
	for {
		conn, err := c.Connect(ctx, address, setup)
		if err == nil {
			return conn, nil
		}
		var perr *engine.ProtocolError
		if errors.As(err, &perr) {
			return nil, err
		}
		if c.config.MaxAttempts > 0 && backoff.Attempts()+1 >= c.config.MaxAttempts {
			return nil, fmt.Errorf("giving up after %d attempts: %w", backoff.Attempts()+1, err)
		}

		delay := backoff.Next()
		c.logger.Debug("connect failed, retrying", "addr", address, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w (last error: %w)", ctx.Err(), err)
		}
	}
}

// Dial connects to address with a one-off client and waits for the
// handshake.
func Dial(ctx context.Context, address string, config ClientConfig) (*conduit.Connection, error) {
	client, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	return client.Connect(ctx, address, nil)
}
