package discovery

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
)

// ServerIDFromCertificate derives a server ID from its certificate.
//
// The server ID is the first 64 bits (16 hex chars) of SHA-256(certificate DER).
func ServerIDFromCertificate(cert *x509.Certificate) string {
	return ServerIDFromDER(cert.Raw)
}

// ServerIDFromDER derives a server ID from raw certificate DER bytes.
func ServerIDFromDER(certDER []byte) string {
	hash := sha256.Sum256(certDER)
	return hex.EncodeToString(hash[:8])
}

// MatchesCertificate reports whether id was derived from cert.
func MatchesCertificate(id string, cert *x509.Certificate) bool {
	return cert != nil && id == ServerIDFromCertificate(cert)
}

// ValidateID checks if an ID string is a valid 64-bit fingerprint (16 hex chars).
func ValidateID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
