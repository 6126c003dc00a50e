package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// Nonce is a 24-byte value used for encryption.
type Nonce [24]byte

// Maximum message size (1MB to prevent excessive memory usage)
const MaxMessageSize = 1024 * 1024

// ErrDecryptionFailed indicates a ciphertext failed authentication or
// was malformed. It is terminal for that message.
var ErrDecryptionFailed = errors.New("decryption failed: message authentication failed")

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// Encrypt encrypts a message with a shared secret using authenticated
// symmetric encryption (XSalsa20-Poly1305). The random nonce is
// prepended to the ciphertext and the result is returned as a URL-safe
// base64 string suitable for embedding in links and QR payloads.
func Encrypt(message []byte, sharedSecret [32]byte) (string, error) {
	if len(message) == 0 {
		return "", errors.New("empty message")
	}

	if len(message) > MaxMessageSize {
		return "", errors.New("message too large")
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return "", err
	}

	out := secretbox.Seal(nonce[:], message, (*[24]byte)(&nonce), (*[32]byte)(&sharedSecret))

	return base64.RawURLEncoding.EncodeToString(out), nil
}
