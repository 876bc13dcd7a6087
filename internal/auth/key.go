package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	secretBytes = 24
	prefixLen   = 12
)

// newKeyToken returns a fresh API key: APIKeyPrefix followed by hex entropy.
func newKeyToken() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read key entropy: %w", err)
	}
	return APIKeyPrefix + hex.EncodeToString(buf), nil
}

// keyHash is what the registry stores and looks keys up by.
func keyHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func displayPrefix(token string) string {
	if len(token) <= prefixLen {
		return token
	}
	return token[:prefixLen]
}

func bearerToken(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}
