package discovery

import (
	"context"
	"time"
)

// Browser finds servers on the local link.
type Browser interface {
	// Browse searches for servers. The channel is closed when ctx is done.
	Browse(ctx context.Context) (<-chan *ServerService, error)

	// FindByID returns the server advertising id, or an error when ctx is
	// done first.
	FindByID(ctx context.Context, id string) (*ServerService, error)

	// Stop cancels every running Browse.
	Stop()
}

// BrowserConfig tunes a Browser.
type BrowserConfig struct {
	// BrowseTimeout bounds FindByID when ctx has no deadline.
	BrowseTimeout time.Duration

	// Interface restricts queries to one interface ("" = all).
	Interface string
}

// DefaultBrowserConfig queries every interface with BrowseTimeout.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{BrowseTimeout: BrowseTimeout}
}
