package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateMasterKey returns a fresh hex-encoded 32-byte blob encryption
// key, suitable for the master_key config field.
func GenerateMasterKey() (string, error) {
	return randomHex(32)
}

// GenerateShareSecret returns a fresh hex-encoded 32-byte HMAC secret for
// signing share tokens.
func GenerateShareSecret() (string, error) {
	return randomHex(32)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
