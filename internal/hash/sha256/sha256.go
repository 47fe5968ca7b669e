// Package sha256 derives stable content fingerprints for parsed documents.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sum returns the hex SHA-256 digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint hashes parts joined by "|" and returns a short, prefixed key.
// It stands in for a feed item's guid when the feed omits one.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "sha256:" + hex.EncodeToString(sum[:16])
}
