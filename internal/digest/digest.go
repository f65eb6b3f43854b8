// Package digest derives stable SHA-256 keys for URLs and bodies.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hex returns the hex-encoded SHA-256 digest of data.
func Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// URLKey returns the digest of rawURL with surrounding space removed, so the
// same URL always maps to the same key.
func URLKey(rawURL string) string {
	return Hex([]byte(strings.TrimSpace(rawURL)))
}
