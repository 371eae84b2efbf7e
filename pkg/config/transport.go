package config

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/mash-protocol/tlsconduit/pkg/discovery"
	"github.com/mash-protocol/tlsconduit/pkg/log"
	"github.com/mash-protocol/tlsconduit/pkg/netio"
	"github.com/mash-protocol/tlsconduit/pkg/transport"
)

// SelfSignedValidity is the lifetime of generated server certificates.
const SelfSignedValidity = 24 * time.Hour

// ServerTLS loads the server certificate material. Without cert and key a
// self-signed certificate for SelfSignedHosts is generated.
func (f *File) ServerTLS() (*transport.TLSConfig, error) {
	cfg := &transport.TLSConfig{RequireClientCert: f.Server.RequireClientCert}

	if f.Server.Cert != "" {
		cert, err := tls.LoadX509KeyPair(f.Server.Cert, f.Server.Key)
		if err != nil {
			return nil, fmt.Errorf("loading server certificate: %w", err)
		}
		cfg.Certificate = cert
	} else {
		cert, _, err := transport.GenerateSelfSigned(f.Server.SelfSignedHosts, SelfSignedValidity)
		if err != nil {
			return nil, err
		}
		cfg.Certificate = cert
	}

	if f.Server.ClientCA != "" {
		pool, err := transport.LoadCertPool(f.Server.ClientCA)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// ClientTLS loads the client certificate material.
func (f *File) ClientTLS() (*transport.TLSConfig, error) {
	cfg := &transport.TLSConfig{
		ServerName:         f.Client.ServerName,
		InsecureSkipVerify: f.Client.Insecure,
	}

	if f.Client.CA != "" {
		pool, err := transport.LoadCertPool(f.Client.CA)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if f.Client.Cert != "" {
		cert, err := tls.LoadX509KeyPair(f.Client.Cert, f.Client.Key)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificate = cert
	}
	return cfg, nil
}

// ChannelOptions returns the socket queue options.
func (f *File) ChannelOptions() netio.Options {
	return netio.Options{
		ReadQueue:  f.Channel.ReadQueue,
		WriteQueue: f.Channel.WriteQueue,
		ReadChunk:  f.Channel.ReadChunk,
		Linger:     f.Channel.Linger,
	}
}

// ServerConfig builds the transport server configuration. Callbacks and
// loggers are left to the caller.
func (f *File) ServerConfig() (transport.ServerConfig, error) {
	tlsConfig, err := f.ServerTLS()
	if err != nil {
		return transport.ServerConfig{}, err
	}
	return transport.ServerConfig{
		TLSConfig:                    tlsConfig,
		Address:                      f.Server.Listen,
		Workers:                      f.Server.Workers,
		HandshakeTimeout:             f.Server.HandshakeTimeout,
		InitialNetworkBufferSize:     f.Buffers.InitialNetwork,
		InitialApplicationBufferSize: f.Buffers.InitialApplication,
		Channel:                      f.ChannelOptions(),
	}, nil
}

// ClientConfig builds the transport client configuration.
func (f *File) ClientConfig() (transport.ClientConfig, error) {
	tlsConfig, err := f.ClientTLS()
	if err != nil {
		return transport.ClientConfig{}, err
	}
	return transport.ClientConfig{
		TLSConfig:                    tlsConfig,
		ConnectTimeout:               f.Client.ConnectTimeout,
		InitialNetworkBufferSize:     f.Buffers.InitialNetwork,
		InitialApplicationBufferSize: f.Buffers.InitialApplication,
		Channel:                      f.ChannelOptions(),
		Retry: transport.BackoffConfig{
			Initial: f.Client.Retry.Initial,
			Max:     f.Client.Retry.Max,
			Jitter:  transport.JitterFactor,
		},
		MaxAttempts: f.Client.Retry.MaxAttempts,
	}, nil
}

// OpenProtocolLog opens the configured protocol log. It returns nil when
// no path is set.
func (f *File) OpenProtocolLog() (*log.FileLogger, error) {
	p := f.ProtocolLog
	if p.Path == "" {
		return nil, nil
	}
	if p.Rotating() {
		return log.NewRotatingFileLogger(p.Path, log.RotationConfig{
			MaxSizeMB:  p.MaxSizeMB,
			MaxBackups: p.MaxBackups,
			MaxAgeDays: p.MaxAgeDays,
			Compress:   p.Compress,
		}), nil
	}
	fl, err := log.NewFileLogger(p.Path)
	if err != nil {
		return nil, fmt.Errorf("opening protocol log: %w", err)
	}
	return fl, nil
}

// ProtocolLogger opens the protocol log and, at debug level, mirrors
// events to logger. The returned func closes the file; it is never nil.
// A nil Logger means no protocol logging is configured.
func (f *File) ProtocolLogger(logger *slog.Logger) (log.Logger, func() error, error) {
	noop := func() error { return nil }

	fl, err := f.OpenProtocolLog()
	if err != nil {
		return nil, noop, err
	}

	var loggers []log.Logger
	closeFn := noop
	if fl != nil {
		loggers = append(loggers, fl)
		closeFn = fl.Close
	}
	if f.LogLevel == "debug" && logger != nil {
		loggers = append(loggers, log.NewSlogAdapter(logger))
	}

	switch len(loggers) {
	case 0:
		return nil, closeFn, nil
	case 1:
		return loggers[0], closeFn, nil
	default:
		return log.NewMultiLogger(loggers...), closeFn, nil
	}
}

// AdvertiserConfig returns the mDNS advertiser settings.
func (f *File) AdvertiserConfig() discovery.AdvertiserConfig {
	return discovery.AdvertiserConfig{
		Interface: f.MDNS.Interface,
		TTL:       f.MDNS.TTL,
	}
}

// BrowserConfig returns the mDNS browser settings.
func (f *File) BrowserConfig() discovery.BrowserConfig {
	cfg := discovery.DefaultBrowserConfig()
	cfg.Interface = f.MDNS.Interface
	return cfg
}
