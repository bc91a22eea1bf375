// Package security signs admin tokens and generates relay API keys.
package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// APIKeyPrefix marks keys issued by this service.
const APIKeyPrefix = "sk-"

// GenerateAPIKey returns a new random relay API key.
func GenerateAPIKey() (string, error) {
	token, errRandom := randomHex(24)
	if errRandom != nil {
		return "", fmt.Errorf("generate api key: %w", errRandom)
	}
	return APIKeyPrefix + token, nil
}

// GenerateSecret returns n random bytes hex encoded, for signing secrets.
func GenerateSecret(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("generate secret: invalid length %d", n)
	}
	return randomHex(n)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, errRead := rand.Read(buf); errRead != nil {
		return "", errRead
	}
	return hex.EncodeToString(buf), nil
}
