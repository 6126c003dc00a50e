package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Hash returns the 32-byte SHA-256 digest of the input.
func Hash(input []byte) [32]byte {
	return sha256.Sum256(input)
}

// HashHex returns the SHA-256 digest of the input as a hex string.
// Used for peer identity hashes and contact pair hashes.
func HashHex(input []byte) string {
	digest := Hash(input)
	return hex.EncodeToString(digest[:])
}

// RandomToken generates lengthBytes of cryptographically secure random
// data and returns it hex encoded.
func RandomToken(lengthBytes int) (string, error) {
	if lengthBytes <= 0 {
		return "", errors.New("token length must be positive")
	}

	buf := make([]byte, lengthBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf), nil
}
