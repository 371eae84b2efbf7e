package config

import (
	"errors"
	"fmt"
	"net"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks value ranges and combinations.
func (f *File) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	switch f.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		check(false, "log_level %q (want debug, info, warn or error)", f.LogLevel)
	}

	if f.Server.Listen != "" {
		_, _, err := net.SplitHostPort(f.Server.Listen)
		check(err == nil, "server.listen %q: %v", f.Server.Listen, err)
	}
	check((f.Server.Cert == "") == (f.Server.Key == ""), "server.cert and server.key must be set together")
	check(!f.Server.RequireClientCert || f.Server.ClientCA != "", "server.require_client_cert needs server.client_ca")
	check(f.Server.Workers >= 0, "server.workers %d is negative", f.Server.Workers)

	check((f.Client.Cert == "") == (f.Client.Key == ""), "client.cert and client.key must be set together")
	check(f.Client.ConnectTimeout >= 0, "client.connect_timeout is negative")
	check(f.Client.Retry.Initial >= 0 && f.Client.Retry.Max >= 0, "client.retry delays are negative")
	check(f.Client.Retry.Max == 0 || f.Client.Retry.Max >= f.Client.Retry.Initial, "client.retry.max is below client.retry.initial")
	check(f.Client.Retry.MaxAttempts >= 0, "client.retry.max_attempts is negative")

	check(f.Buffers.InitialNetwork >= 0, "buffers.initial_network is negative")
	check(f.Buffers.InitialApplication >= 0, "buffers.initial_application is negative")

	check(f.Channel.ReadQueue >= 0 && f.Channel.WriteQueue >= 0 && f.Channel.ReadChunk >= 0, "channel sizes are negative")
	check(f.Channel.Linger >= 0, "channel.linger is negative")

	check(f.ProtocolLog.MaxSizeMB >= 0, "protocol_log.max_size_mb is negative")
	check(!f.ProtocolLog.Rotating() || f.ProtocolLog.Path != "", "protocol_log rotation needs protocol_log.path")

	check(f.MDNS.TTL >= 0, "mdns.ttl is negative")

	return errors.Join(errs...)
}
