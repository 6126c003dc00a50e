package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// DeriveSharedSecret computes a shared secret between two parties
// using Elliptic Curve Diffie-Hellman (ECDH) on Curve25519.
func DeriveSharedSecret(peerPublicKey, privateKey [32]byte) ([32]byte, error) {
	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSharedSecret",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
	}).Debug("Computing shared secret using ECDH")

	// Create copies of the keys to prevent modification
	var publicKeyCopy [32]byte
	var privateKeyCopy [32]byte
	copy(publicKeyCopy[:], peerPublicKey[:])
	copy(privateKeyCopy[:], privateKey[:])

	sharedSecret, err := curve25519.X25519(privateKeyCopy[:], publicKeyCopy[:])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DeriveSharedSecret",
			"error":    err.Error(),
		}).Error("X25519 computation failed")

		ZeroBytes(privateKeyCopy[:])
		return [32]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	var result [32]byte
	copy(result[:], sharedSecret)

	// Wipe the key copy and intermediate shared secret
	ZeroBytes(privateKeyCopy[:])
	ZeroBytes(sharedSecret)

	return result, nil
}

// ZeroBytes overwrites a byte slice with zeros to remove sensitive
// material from memory.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
