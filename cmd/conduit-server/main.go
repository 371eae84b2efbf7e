// Command conduit-server runs a TLS 1.3 echo server on top of the
// non-blocking conduit connection.
//
// Usage:
//
//	conduit-server [flags]
//
// Flags:
//
//	-config string          YAML configuration file
//	-listen string          Listen address (default ":8443")
//	-cert string            Server certificate (PEM)
//	-key string             Server private key (PEM)
//	-client-ca string       CA bundle for client certificates
//	-require-client-cert    Require and verify client certificates
//	-workers int            Dispatcher workers (default GOMAXPROCS)
//	-handshake-timeout dur  Handshake deadline (default 10s, negative disables)
//	-initial-buffer int     Initial network and application buffer size
//	-protocol-log string    Write CBOR protocol events to this file
//	-log-level string       Log level: debug, info, warn, error (default "info")
//	-mdns                   Advertise the server via mDNS
//	-name string            Friendly name for the mDNS advertisement
//
// Examples:
//
//	# Self-signed certificate on the default port
//	conduit-server
//
//	# Mutual TLS with a protocol log
//	conduit-server -cert srv.pem -key srv.key -client-ca ca.pem \
//	    -require-client-cert -protocol-log /tmp/conduit.log
package main

import (
	"context"
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mash-protocol/tlsconduit/pkg/conduit"
	"github.com/mash-protocol/tlsconduit/pkg/config"
	"github.com/mash-protocol/tlsconduit/pkg/discovery"
	"github.com/mash-protocol/tlsconduit/pkg/transport"
)

var (
	configFile        string
	listen            string
	certFile          string
	keyFile           string
	clientCA          string
	requireClientCert bool
	workers           int
	handshakeTimeout  time.Duration
	initialBuffer     int
	protocolLogPath   string
	logLevel          string
	enableMDNS        bool
	serverName        string
)

func init() {
	flag.StringVar(&configFile, "config", "", "YAML configuration file")
	flag.StringVar(&listen, "listen", ":8443", "Listen address")
	flag.StringVar(&certFile, "cert", "", "Server certificate (PEM)")
	flag.StringVar(&keyFile, "key", "", "Server private key (PEM)")
	flag.StringVar(&clientCA, "client-ca", "", "CA bundle for client certificates")
	flag.BoolVar(&requireClientCert, "require-client-cert", false, "Require and verify client certificates")
	flag.IntVar(&workers, "workers", 0, "Dispatcher workers (default GOMAXPROCS)")
	flag.DurationVar(&handshakeTimeout, "handshake-timeout", 0, "Close connections whose handshake takes longer (default 10s, negative disables)")
	flag.IntVar(&initialBuffer, "initial-buffer", 0, "Initial network and application buffer size")
	flag.StringVar(&protocolLogPath, "protocol-log", "", "Write CBOR protocol events to this file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&enableMDNS, "mdns", false, "Advertise the server via mDNS")
	flag.StringVar(&serverName, "name", "", "Friendly name for the mDNS advertisement")
}

func main() {
	flag.Parse()

	f, err := loadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	setupLogging(f.LogLevel)

	log.Println("Conduit Echo Server")
	log.Println("===================")
	log.Printf("Listen: %s", f.Server.Listen)

	cfg, err := f.ServerConfig()
	if err != nil {
		log.Fatalf("Failed to build server config: %v", err)
	}
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel(f.LogLevel)}))
	cfg.OnConnect = transport.Echo
	cfg.OnHandshake = func(conn *conduit.Connection, err error) {
		if err != nil {
			log.Printf("[%s] Handshake failed (%s): %v", conn.ID(), conn.RemoteAddr(), err)
			return
		}
		state := conn.ConnectionState()
		log.Printf("[%s] Established with %s (%s, %s)", conn.ID(), conn.RemoteAddr(),
			tlsVersionName(state.Version), state.NegotiatedProtocol)
	}
	cfg.OnDisconnect = func(conn *conduit.Connection, err error) {
		if err != nil {
			log.Printf("[%s] Disconnected: %v", conn.ID(), err)
			return
		}
		log.Printf("[%s] Disconnected", conn.ID())
	}

	protoLog, closeLog, err := f.ProtocolLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to open protocol log: %v", err)
	}
	defer func() {
		if err := closeLog(); err != nil {
			log.Printf("Error closing protocol log: %v", err)
		}
	}()
	if f.ProtocolLog.Path != "" {
		log.Printf("Protocol log: %s", f.ProtocolLog.Path)
	}
	cfg.ProtocolLogger = protoLog

	server, err := transport.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Start(ctx); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Server listening on %s", server.Addr())

	var advertiser discovery.Advertiser
	if f.MDNS.Enabled {
		advertiser, err = advertise(ctx, f, cfg.TLSConfig, server.Addr())
		if err != nil {
			log.Printf("Warning: mDNS advertisement failed: %v", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal: %v", sig)

	log.Println("Shutting down...")
	if advertiser != nil {
		if err := advertiser.Stop(); err != nil {
			log.Printf("Error stopping advertiser: %v", err)
		}
	}
	cancel()
	if err := server.Stop(); err != nil {
		log.Printf("Error stopping server: %v", err)
	}
	log.Println("Goodbye!")
}

// loadConfig reads the configuration file and applies explicitly set flags
// on top of it.
func loadConfig() (*config.File, error) {
	f := config.Default()
	if configFile != "" {
		var err error
		if f, err = config.Load(configFile); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "listen":
			f.Server.Listen = listen
		case "cert":
			f.Server.Cert = certFile
		case "key":
			f.Server.Key = keyFile
		case "client-ca":
			f.Server.ClientCA = clientCA
		case "require-client-cert":
			f.Server.RequireClientCert = requireClientCert
		case "workers":
			f.Server.Workers = workers
		case "handshake-timeout":
			f.Server.HandshakeTimeout = handshakeTimeout
		case "initial-buffer":
			f.Buffers.InitialNetwork = initialBuffer
			f.Buffers.InitialApplication = initialBuffer
		case "protocol-log":
			f.ProtocolLog.Path = protocolLogPath
		case "log-level":
			f.LogLevel = logLevel
		case "mdns":
			f.MDNS.Enabled = enableMDNS
		case "name":
			f.MDNS.Name = serverName
		}
	})
	return f, f.Validate()
}

func advertise(ctx context.Context, f *config.File, tlsConfig *transport.TLSConfig, addr net.Addr) (discovery.Advertiser, error) {
	leaf := tlsConfig.Certificate.Leaf
	if leaf == nil {
		if len(tlsConfig.Certificate.Certificate) == 0 {
			return nil, fmt.Errorf("no server certificate")
		}
		var err error
		if leaf, err = x509.ParseCertificate(tlsConfig.Certificate.Certificate[0]); err != nil {
			return nil, fmt.Errorf("parsing server certificate: %w", err)
		}
	}

	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected listener address %v", addr)
	}

	info := &discovery.ServerInfo{
		ID:        discovery.ServerIDFromCertificate(leaf),
		Port:      uint16(tcp.Port),
		ALPN:      transport.ALPNProtocol,
		MutualTLS: tlsConfig.RequireClientCert,
		Name:      f.MDNS.Name,
	}

	adv := discovery.NewMDNSAdvertiser(f.AdvertiserConfig())
	if err := adv.Advertise(ctx, info); err != nil {
		return nil, err
	}
	log.Printf("Advertising %s.%s (id %s)", info.InstanceName(), discovery.ServiceType, info.ID)
	return adv, nil
}

func setupLogging(level string) {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	switch level {
	case "debug":
		log.SetFlags(log.Ltime | log.Lmicroseconds | log.Lshortfile)
	case "warn", "error":
		log.SetFlags(log.Ltime)
	}
}

func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func tlsVersionName(v uint16) string {
	switch v {
	case 0x0304:
		return "TLS 1.3"
	case 0x0303:
		return "TLS 1.2"
	default:
		return fmt.Sprintf("0x%04x", v)
	}
}
