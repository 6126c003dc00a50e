package handshake

import (
	"errors"
	"sync"
	"time"

	"github.com/shantanav/port-mobile-sub006/session"
)

// ErrNotAuthenticated indicates an attempt to use a connection for
// application traffic before the mutual key confirmation completed.
var ErrNotAuthenticated = errors.New("connection is not authenticated")

// State is the authentication state of a connection.
type State uint8

const (
	// StateUnauthenticated means the bundle was redeemed but the
	// counterpart's confirmation has not yet arrived. The connection
	// is usable for nothing except completing the handshake.
	StateUnauthenticated State = iota
	// StateAuthenticated means the mutual key confirmation completed
	// and the peer-identity hash matched.
	StateAuthenticated
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Connection is one established (or establishing) peer relationship
// and owns its session exclusively.
type Connection struct {
	ID          string
	PortID      string
	PeerAddress string
	Session     *session.Session
	CreatedAt   time.Time

	mu    sync.Mutex
	state State
}

// State returns the connection's current authentication state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Authenticated reports whether the handshake has completed.
func (c *Connection) Authenticated() bool {
	return c.State() == StateAuthenticated
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Encrypt encrypts an application message. It fails with
// ErrNotAuthenticated until the handshake has completed.
func (c *Connection) Encrypt(plaintext []byte) (string, error) {
	if !c.Authenticated() {
		return "", ErrNotAuthenticated
	}
	return c.Session.Encrypt(plaintext)
}

// Decrypt decrypts an application message. It fails with
// ErrNotAuthenticated until the handshake has completed.
func (c *Connection) Decrypt(ciphertext string) ([]byte, error) {
	if !c.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	return c.Session.Decrypt(ciphertext)
}
