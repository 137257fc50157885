package payload

import (
	"crypto/sha256"
	"encoding/hex"
)

// DomainPayload separates payload digests from any other hash in the system.
// The version suffix leaves room for an encoding change.
const DomainPayload = "firesync/payload/v1"

// Digest returns the hex SHA-256 of a canonical payload with domain separation.
// Format: SHA256(domain + 0x00 + data).
func Digest(data []byte) string {
	h := sha256.New()
	h.Write([]byte(DomainPayload))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ShortDigest returns the first 12 hex characters of Digest, for logs.
func ShortDigest(data []byte) string {
	return Digest(data)[:12]
}
