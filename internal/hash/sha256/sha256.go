// Package sha256 provides SHA-256 digest utilities for cache keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher computes hex digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Digest hashes a string directly.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// DigestParts joins the parts with a separator that cannot occur in
// normal inputs and hashes the result, so ("ab","c") and ("a","bc")
// never collide.
func DigestParts(parts ...string) string {
	return Digest(strings.Join(parts, "\x00"))
}
