// Package config loads the YAML configuration files of the conduit
// commands and turns them into transport configurations.
//
// A file only needs the keys it changes; everything else keeps the value
// from Default. Unknown keys are rejected.
//
//	server:
//	  listen: ":8443"
//	  cert: /etc/conduit/server.pem
//	  key: /etc/conduit/server.key
//	buffers:
//	  initial_network: 512
//	  initial_application: 512
//	protocol_log:
//	  path: /var/log/conduit/protocol.cbor
//	  max_size_mb: 64
//	mdns:
//	  enabled: true
package config
