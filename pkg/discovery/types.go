package discovery

import (
	"errors"
	"net"
	"strconv"
	"time"
)

// Service constants for mDNS.
const (
	// ServiceType is the service type advertised by conduit servers.
	ServiceType = "_conduit._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultPort is used when a ServerInfo carries no port.
	DefaultPort = 8443

	// TXTVersion is the version of the TXT record layout.
	TXTVersion = "1"
)

// TXT record keys.
const (
	TXTKeyVersion   = "txtvers"
	TXTKeyServerID  = "id"
	TXTKeyALPN      = "alpn"
	TXTKeyMutualTLS = "mtls" // "1" when client certificates are required
	TXTKeyName      = "name" // optional, user-configurable
)

// Timing and limits.
const (
	// BrowseTimeout is the default timeout for mDNS browsing.
	BrowseTimeout = 10 * time.Second

	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// IDLength is the length of a server ID in hex characters.
	IDLength = 16
)

// Errors.
var (
	ErrInvalidTXTRecord    = errors.New("invalid TXT record format")
	ErrMissingRequired     = errors.New("missing required field")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrNotFound            = errors.New("service not found")
	ErrBrowseTimeout       = errors.New("browse timeout")
	ErrNotAdvertising      = errors.New("not advertising")
)

// ServerInfo is what a server advertises.
type ServerInfo struct {
	// ID is the certificate fingerprint (see ServerIDFromCertificate).
	ID string

	// Port is the TLS listen port.
	Port uint16

	// ALPN is the application protocol the server negotiates.
	ALPN string

	// MutualTLS is set when the server requires client certificates.
	MutualTLS bool

	// Name is an optional user-facing label.
	Name string
}

// InstanceName returns the mDNS instance name for the server.
func (i *ServerInfo) InstanceName() string {
	return "conduit-" + i.ID
}

// Validate checks the fields required for advertising.
func (i *ServerInfo) Validate() error {
	if !ValidateID(i.ID) {
		return ErrInvalidTXTRecord
	}
	if i.ALPN == "" {
		return ErrMissingRequired
	}
	return ValidateInstanceName(i.InstanceName())
}

// ServerService is a server found by browsing.
type ServerService struct {
	ServerInfo

	// InstanceName is the mDNS instance name.
	InstanceName string

	// Host is the advertised host name.
	Host string

	// Addresses are the IP addresses the server was seen on.
	Addresses []string
}

// Addr returns a dialable host:port for the first known address, or the
// host name when no address is known.
func (s *ServerService) Addr() string {
	host := s.Host
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(int(s.Port)))
}
