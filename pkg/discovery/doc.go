// Package discovery implements mDNS/DNS-SD discovery for conduit servers.
//
// # Server Discovery (_conduit._tcp)
//
// A server advertises one instance of the service. Instance name format:
// conduit-<server-id>.
// TXT records include: txtvers, id (server ID, the first 64 bits of the
// SHA-256 of the certificate), alpn, and optionally mtls (client
// certificates required) and name (a user-facing label).
//
// Clients browse the service, aggregate the addresses a server is seen on
// across interfaces, and can pin the advertised ID against the certificate
// presented in the handshake.
package discovery
