package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"io"
)

// TokenPrefixLen is the number of leading characters of a raw partner token
// kept in storage for operator display.
const TokenPrefixLen = 10

const tokenScheme = "pt_"

// GenerateToken returns a new partner token secret. Only its hash is stored.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return tokenScheme + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the hex SHA-256 digest used to look tokens up.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// TokenPrefix returns the display prefix of a raw token.
func TokenPrefix(raw string) string {
	if len(raw) <= TokenPrefixLen {
		return raw
	}
	return raw[:TokenPrefixLen]
}

// LockKey derives a 64-bit advisory lock key for one household identity in
// one tenant. Collisions only cause unrelated requests to serialize.
func LockKey(tenantID, identityKey string) int64 {
	sum := sha256.Sum256([]byte(tenantID + "|" + identityKey))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
