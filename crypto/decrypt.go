package crypto

import (
	"encoding/base64"

	"golang.org/x/crypto/nacl/secretbox"
)

// Decrypt reverses Encrypt: it decodes a URL-safe base64 ciphertext,
// splits off the prepended nonce, and opens the box with the shared
// secret. It returns ErrDecryptionFailed on authentication-tag mismatch
// or malformed input rather than corrupted plaintext.
func Decrypt(ciphertext string, sharedSecret [32]byte) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	if len(raw) <= 24 {
		return nil, ErrDecryptionFailed
	}

	var nonce [24]byte
	copy(nonce[:], raw[:24])

	out, ok := secretbox.Open(nil, raw[24:], &nonce, (*[32]byte)(&sharedSecret))
	if !ok {
		return nil, ErrDecryptionFailed
	}

	return out, nil
}
