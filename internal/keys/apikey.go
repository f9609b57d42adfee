// Package keys mints and hashes the bearer API keys used to identify
// callers. Only the peppered hash is ever stored.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// NewAPIKey returns a fresh 256-bit key, URL-safe base64 encoded.
func NewAPIKey() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// HashAPIKey derives the storage form of a key. The pepper is a
// server-side secret, so a leaked table alone is not enough to forge keys.
func HashAPIKey(pepper, apiKey string) string {
	sum := sha256.Sum256([]byte(pepper + ":" + apiKey))
	return hex.EncodeToString(sum[:])
}

// Equal compares two tokens in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
