package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the content of a configuration file.
type File struct {
	LogLevel    string      `yaml:"log_level"`
	Server      Server      `yaml:"server"`
	Client      Client      `yaml:"client"`
	Buffers     Buffers     `yaml:"buffers"`
	Channel     Channel     `yaml:"channel"`
	ProtocolLog ProtocolLog `yaml:"protocol_log"`
	MDNS        MDNS        `yaml:"mdns"`
}

// Server configures conduit-server.
type Server struct {
	Listen            string   `yaml:"listen"`
	Cert              string   `yaml:"cert"`
	Key               string   `yaml:"key"`
	ClientCA          string   `yaml:"client_ca"`
	RequireClientCert bool     `yaml:"require_client_cert"`
	Workers           int      `yaml:"workers"`
	SelfSignedHosts   []string `yaml:"self_signed_hosts"`

	// HandshakeTimeout closes connections that do not finish the
	// handshake in time (0 = transport default, negative disables).
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// Client configures conduit-client.
type Client struct {
	Address        string        `yaml:"address"`
	CA             string        `yaml:"ca"`
	Cert           string        `yaml:"cert"`
	Key            string        `yaml:"key"`
	ServerName     string        `yaml:"server_name"`
	Insecure       bool          `yaml:"insecure"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Retry          Retry         `yaml:"retry"`
}

// Retry shapes connection retries.
type Retry struct {
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Buffers sets the initial connection buffer sizes (0 = session sizes).
type Buffers struct {
	InitialNetwork     int `yaml:"initial_network"`
	InitialApplication int `yaml:"initial_application"`
}

// Channel tunes the socket queues.
type Channel struct {
	ReadQueue  int           `yaml:"read_queue"`
	WriteQueue int           `yaml:"write_queue"`
	ReadChunk  int           `yaml:"read_chunk"`
	Linger     time.Duration `yaml:"linger"`
}

// ProtocolLog enables the CBOR protocol event log.
type ProtocolLog struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Rotating reports whether the log rotates by size.
func (p ProtocolLog) Rotating() bool {
	return p.MaxSizeMB > 0
}

// MDNS configures service advertisement and discovery.
type MDNS struct {
	Enabled   bool          `yaml:"enabled"`
	Interface string        `yaml:"interface"`
	Name      string        `yaml:"name"`
	TTL       time.Duration `yaml:"ttl"`
}

// Default returns the configuration used when no file is given.
func Default() *File {
	return &File{
		LogLevel: "info",
		Server: Server{
			Listen:          ":8443",
			SelfSignedHosts: []string{"localhost", "127.0.0.1", "::1"},
		},
		Client: Client{
			Address:        "localhost:8443",
			ServerName:     "localhost",
			ConnectTimeout: 30 * time.Second,
			Retry: Retry{
				Initial: 250 * time.Millisecond,
				Max:     10 * time.Second,
			},
		},
		MDNS: MDNS{
			TTL: 120 * time.Second,
		},
	}
}

// Parse reads a configuration from YAML bytes on top of Default.
func Parse(data []byte) (*File, error) {
	f := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Load reads and parses a configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(data)
}
