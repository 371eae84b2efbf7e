// Command conduit-client connects to a conduit server over TLS 1.3.
//
// Usage:
//
//	conduit-client [flags]
//
// By default it opens an interactive prompt. With -send it echoes one
// message and exits. With -probe it writes raw bytes over plain TCP and
// prints the records the server answers with, which is handy to check how a
// server treats a malformed or oversized record header.
//
// Flags:
//
//	-config string          YAML configuration file
//	-addr string            Server address (default "localhost:8443")
//	-ca string              CA bundle used to verify the server
//	-cert string            Client certificate (PEM)
//	-key string             Client private key (PEM)
//	-server-name string     Expected server name (default "localhost")
//	-insecure               Skip server certificate verification
//	-discover string        Find the server via mDNS ("any" or a server ID)
//	-retry                  Retry with backoff until the server is reachable
//	-send string            Send one message, print the echo and exit
//	-probe string           Hex bytes to send raw, e.g. "16 03 03 71 41"
//	-protocol-log string    Write CBOR protocol events to this file
//	-log-level string       Log level: debug, info, warn, error (default "info")
//
// Examples:
//
//	# Talk to a local server using its self-signed certificate
//	conduit-client -insecure
//
//	# Announce a 28993 byte handshake record and see the alert
//	conduit-client -probe "16 03 03 71 41"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mash-protocol/tlsconduit/cmd/conduit-client/interactive"
	"github.com/mash-protocol/tlsconduit/pkg/conduit"
	"github.com/mash-protocol/tlsconduit/pkg/config"
	"github.com/mash-protocol/tlsconduit/pkg/discovery"
	"github.com/mash-protocol/tlsconduit/pkg/transport"
)

// probeTimeout bounds how long -probe waits for the server's answer.
const probeTimeout = 10 * time.Second

var (
	configFile      string
	address         string
	caFile          string
	certFile        string
	keyFile         string
	serverName      string
	insecure        bool
	discover        string
	retry           bool
	sendMessage     string
	probe           string
	protocolLogPath string
	logLevel        string
)

func init() {
	flag.StringVar(&configFile, "config", "", "YAML configuration file")
	flag.StringVar(&address, "addr", "localhost:8443", "Server address")
	flag.StringVar(&caFile, "ca", "", "CA bundle used to verify the server")
	flag.StringVar(&certFile, "cert", "", "Client certificate (PEM)")
	flag.StringVar(&keyFile, "key", "", "Client private key (PEM)")
	flag.StringVar(&serverName, "server-name", "localhost", "Expected server name")
	flag.BoolVar(&insecure, "insecure", false, "Skip server certificate verification")
	flag.StringVar(&discover, "discover", "", `Find the server via mDNS ("any" or a server ID)`)
	flag.BoolVar(&retry, "retry", false, "Retry with backoff until the server is reachable")
	flag.StringVar(&sendMessage, "send", "", "Send one message, print the echo and exit")
	flag.StringVar(&probe, "probe", "", `Hex bytes to send raw, e.g. "16 03 03 71 41"`)
	flag.StringVar(&protocolLogPath, "protocol-log", "", "Write CBOR protocol events to this file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

func main() {
	flag.Parse()

	f, err := loadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	setupLogging(f.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if discover != "" {
		svc, err := discoverServer(ctx, f, discover)
		if err != nil {
			log.Fatalf("Discovery failed: %v", err)
		}
		f.Client.Address = svc.Addr()
		log.Printf("Discovered %s at %s", svc.InstanceName, f.Client.Address)
	}

	if probe != "" {
		os.Exit(runProbeCommand(f.Client.Address, probe))
	}

	cfg, err := f.ClientConfig()
	if err != nil {
		log.Fatalf("Failed to build client config: %v", err)
	}
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel(f.LogLevel)}))

	protoLog, closeLog, err := f.ProtocolLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to open protocol log: %v", err)
	}
	defer func() {
		if err := closeLog(); err != nil {
			log.Printf("Error closing protocol log: %v", err)
		}
	}()
	cfg.ProtocolLogger = protoLog

	client, err := transport.NewClient(cfg)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	var stream *transport.Stream
	setup := func(c *conduit.Connection) { stream = transport.NewStream(c) }

	log.Printf("Connecting to %s...", f.Client.Address)
	var conn *conduit.Connection
	if retry {
		conn, err = client.ConnectWithRetry(ctx, f.Client.Address, setup)
	} else {
		conn, err = client.Connect(ctx, f.Client.Address, setup)
	}
	if err != nil {
		log.Fatalf("Connection failed: %v", err)
	}
	defer stream.Close()

	state := conn.ConnectionState()
	log.Printf("Connected (%s, ALPN %s)", conn.ID(), state.NegotiatedProtocol)

	if discover != "" && discover != "any" && len(state.PeerCertificates) > 0 {
		if !discovery.MatchesCertificate(discover, state.PeerCertificates[0]) {
			log.Fatalf("Server certificate does not match discovered ID %s", discover)
		}
	}

	if sendMessage != "" {
		if err := echoOnce(stream, sendMessage); err != nil {
			log.Fatalf("Echo failed: %v", err)
		}
		return
	}

	session, err := interactive.New(stream)
	if err != nil {
		log.Fatalf("Failed to create interactive session: %v", err)
	}
	log.SetOutput(session.Stdout())
	go session.Run(ctx, cancel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v", sig)
	case <-ctx.Done():
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
		case "addr":
			f.Client.Address = address
		case "ca":
			f.Client.CA = caFile
		case "cert":
			f.Client.Cert = certFile
		case "key":
			f.Client.Key = keyFile
		case "server-name":
			f.Client.ServerName = serverName
		case "insecure":
			f.Client.Insecure = insecure
		case "protocol-log":
			f.ProtocolLog.Path = protocolLogPath
		case "log-level":
			f.LogLevel = logLevel
		}
	})
	return f, f.Validate()
}

func discoverServer(ctx context.Context, f *config.File, id string) (*discovery.ServerService, error) {
	browser := discovery.NewMDNSBrowser(f.BrowserConfig())
	defer browser.Stop()

	if id != "any" {
		if !discovery.ValidateID(id) {
			return nil, fmt.Errorf("invalid server ID %q", id)
		}
		return browser.FindByID(ctx, id)
	}

	ctx, cancel := context.WithTimeout(ctx, f.BrowserConfig().BrowseTimeout)
	defer cancel()

	found, err := browser.Browse(ctx)
	if err != nil {
		return nil, err
	}
	svc, ok := <-found
	if !ok {
		return nil, discovery.ErrBrowseTimeout
	}
	return svc, nil
}

// echoOnce sends msg, closes the write side and prints everything echoed
// back.
func echoOnce(stream *transport.Stream, msg string) error {
	errCh := make(chan error, 1)
	go func() {
		if _, err := stream.Write([]byte(msg)); err != nil {
			errCh <- err
			return
		}
		errCh <- stream.CloseWrite()
	}()

	reply, err := io.ReadAll(stream)
	if werr := <-errCh; werr != nil {
		return werr
	}
	if err != nil {
		return err
	}
	fmt.Println(string(reply))
	return nil
}

func runProbeCommand(addr, hexBytes string) int {
	payload, err := parseProbe(hexBytes)
	if err != nil {
		log.Printf("%v", err)
		return 2
	}

	log.Printf("Sending %d raw bytes to %s: % x", len(payload), addr, payload)
	reply, err := runProbe(addr, payload, probeTimeout)
	for _, line := range describeRecords(reply) {
		fmt.Println(line)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		log.Printf("Probe: %v", err)
		return 1
	}
	if len(reply) == 0 {
		fmt.Println("connection closed without a reply")
	}
	return 0
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
