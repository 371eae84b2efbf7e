package discovery

import (
	"context"
	"time"
)

// Advertiser publishes a server on the local link.
type Advertiser interface {
	// Advertise starts advertising the server, replacing any earlier
	// advertisement.
	Advertise(ctx context.Context, info *ServerInfo) error

	// Update replaces the TXT records of the running advertisement.
	Update(info *ServerInfo) error

	// Stop withdraws the advertisement.
	Stop() error
}

// AdvertiserConfig tunes an Advertiser.
type AdvertiserConfig struct {
	// Interface restricts announcements to one interface ("" = all).
	Interface string

	// TTL of the published records.
	TTL time.Duration
}

// DefaultTTL is the record TTL used by DefaultAdvertiserConfig.
const DefaultTTL = 120 * time.Second

// DefaultAdvertiserConfig announces on every interface with DefaultTTL.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{TTL: DefaultTTL}
}
