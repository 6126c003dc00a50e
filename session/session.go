// Package session manages the cryptographic material owned by one
// party's half of a port connection.
//
// A Session holds the local key pair, the derived shared secret, the
// peer's public key once known, and the anti-replay token used during
// the handshake. Sessions are created by the handshake protocol, one
// per connection, and destroyed with the connection.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shantanav/port-mobile-sub006/crypto"
)

// Anti-replay tokens are 16 random bytes, hex encoded.
const antiReplayTokenBytes = 16

var (
	// ErrIncompleteSession indicates a session with neither a key pair
	// nor a shared secret. This is an integrity violation: such a
	// session cannot participate in any exchange and must never be
	// silently degraded.
	ErrIncompleteSession = errors.New("session has neither key pair nor shared secret")

	// ErrNoSharedSecret indicates encrypt/decrypt was called before a
	// peer public key was supplied.
	ErrNoSharedSecret = errors.New("session has no shared secret")

	// ErrSessionAlreadyBound indicates a second attempt to derive a
	// shared secret for a session already bound to a peer. The peer key
	// must not change mid-session; rebinding is treated as fatal rather
	// than a silent overwrite.
	ErrSessionAlreadyBound = errors.New("session is already bound to a peer")
)

// Material carries externally provisioned key material for sessions
// that are not generated locally, such as group-member or contact-port
// sessions restored from a relayed secret.
type Material struct {
	KeyPair       *crypto.KeyPair
	SharedSecret  *[32]byte
	PeerPublicKey *[32]byte
}

// Session is one party's cryptographic half of a connection.
type Session struct {
	ID              string          `json:"id"`
	KeyPair         *crypto.KeyPair `json:"key_pair,omitempty"`
	SharedSecret    *[32]byte       `json:"shared_secret,omitempty"`
	PeerPublicKey   *[32]byte       `json:"peer_public_key,omitempty"`
	AntiReplayToken string          `json:"anti_replay_token,omitempty"`

	mu sync.Mutex
}

// New creates a session with a freshly generated key pair.
func New() (*Session, error) {
	keyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session key pair: %w", err)
	}

	return &Session{
		ID:      uuid.NewString(),
		KeyPair: keyPair,
	}, nil
}

// NewFromMaterial creates a session from externally provisioned
// material, stored verbatim. A session with neither a key pair nor a
// shared secret is invalid and fails construction with
// ErrIncompleteSession.
func NewFromMaterial(material Material) (*Session, error) {
	if material.KeyPair == nil && material.SharedSecret == nil {
		return nil, ErrIncompleteSession
	}

	return &Session{
		ID:            uuid.NewString(),
		KeyPair:       material.KeyPair,
		SharedSecret:  material.SharedSecret,
		PeerPublicKey: material.PeerPublicKey,
	}, nil
}

// Validate enforces the session integrity invariant. Every read path
// goes through this check so a corrupt session surfaces
// ErrIncompleteSession instead of degrading silently.
func (s *Session) Validate() error {
	if s.KeyPair == nil && s.SharedSecret == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Validate",
			"session_id": s.ID,
		}).Error("Session integrity violation: no key material")
		return ErrIncompleteSession
	}
	return nil
}

// BindPeer derives and stores the shared secret for the given peer
// public key. A session binds to exactly one peer: a second call
// returns ErrSessionAlreadyBound.
func (s *Session) BindPeer(peerPublicKey [32]byte) error {
	if err := s.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SharedSecret != nil {
		return ErrSessionAlreadyBound
	}

	if s.KeyPair == nil {
		return ErrIncompleteSession
	}

	secret, err := crypto.DeriveSharedSecret(peerPublicKey, s.KeyPair.Private)
	if err != nil {
		return fmt.Errorf("failed to bind peer: %w", err)
	}

	peer := peerPublicKey
	s.SharedSecret = &secret
	s.PeerPublicKey = &peer

	logrus.WithFields(logrus.Fields{
		"function":   "BindPeer",
		"session_id": s.ID,
	}).Debug("Session bound to peer")

	return nil
}

// GetOrCreateAntiReplayToken returns the session's anti-replay token,
// minting and storing a new 16-byte random one on first use. The call
// is idempotent.
func (s *Session) GetOrCreateAntiReplayToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AntiReplayToken != "" {
		return s.AntiReplayToken, nil
	}

	token, err := crypto.RandomToken(antiReplayTokenBytes)
	if err != nil {
		return "", fmt.Errorf("failed to mint anti-replay token: %w", err)
	}

	s.AntiReplayToken = token
	return token, nil
}

// Encrypt encrypts plaintext under the session's shared secret.
func (s *Session) Encrypt(plaintext []byte) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	secret := s.SharedSecret
	s.mu.Unlock()

	if secret == nil {
		return "", ErrNoSharedSecret
	}

	return crypto.Encrypt(plaintext, *secret)
}

// Decrypt decrypts a ciphertext produced by the peer under the shared
// secret.
func (s *Session) Decrypt(ciphertext string) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	secret := s.SharedSecret
	s.mu.Unlock()

	if secret == nil {
		return nil, ErrNoSharedSecret
	}

	return crypto.Decrypt(ciphertext, *secret)
}

// PeerIdentityHash returns the SHA-256 hash of the peer's public key
// once known. The second return is false before the peer key has been
// supplied.
func (s *Session) PeerIdentityHash() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.PeerPublicKey == nil {
		return "", false
	}

	return crypto.HashHex(s.PeerPublicKey[:]), true
}
