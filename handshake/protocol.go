// Package handshake orchestrates bundle generation, redemption, and
// the mutual key-confirmation round trip that promotes a connection
// from unauthenticated to authenticated.
//
// The protocol owns one CryptoSession per connection and records all
// port state in an injected ledger.Store. Payloads travel over an
// opaque transport.Channel; the protocol tolerates arbitrary delivery
// delay and performs only idempotent state transitions when a
// confirmation eventually arrives.
package handshake

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shantanav/port-mobile-sub006/bundle"
	"github.com/shantanav/port-mobile-sub006/crypto"
	"github.com/shantanav/port-mobile-sub006/ledger"
	"github.com/shantanav/port-mobile-sub006/transport"
)

var (
	// ErrAuthenticationMismatch indicates a confirmation whose
	// peer-identity hash did not match expectation. Terminal: the
	// connection is discarded, never silently authenticated.
	ErrAuthenticationMismatch = errors.New("peer identity hash mismatch")

	// ErrReplayedConfirmation indicates a confirmation carrying an
	// anti-replay token that was already accepted.
	ErrReplayedConfirmation = errors.New("replayed handshake confirmation")

	// ErrUnknownMessageType indicates a payload this protocol does not
	// understand.
	ErrUnknownMessageType = errors.New("unknown handshake message type")
)

// DefaultSuperportCapacity is used when a reusable port is generated
// without an explicit capacity.
const DefaultSuperportCapacity = 25

// seenTokenRetention bounds how long accepted anti-replay tokens are
// kept in the ledger before being pruned.
const seenTokenRetention = 30 * 24 * time.Hour

// GenerateParams describes one bundle to generate.
type GenerateParams struct {
	Target             bundle.Target
	Label              string
	Description        string
	ExpiresIn          time.Duration // 0 means the bundle never expires
	PermissionPresetID string
	ChannelTag         string // appended to the channel address as a fragment
	// ConnectionsPossible bounds redemptions for superport targets.
	// Zero selects DefaultSuperportCapacity.
	ConnectionsPossible int
	// PairHash keys the contact port for TargetContactPort bundles.
	PairHash string
}

// RedeemedFunc is called after the generating side commits a valid
// redemption of one of its ports.
type RedeemedFunc func(portID string)

// Protocol is one party's handshake engine.
type Protocol struct {
	store        ledger.Store
	channel      transport.Channel
	localAddress string
	clock        crypto.TimeProvider

	mu          sync.Mutex
	connections map[string]*Connection // by connection id
	// pending holds consumer-side connections awaiting an ack, by port
	// id. Reusable ports can have several in flight at once.
	pending    map[string][]*Connection
	onRedeemed RedeemedFunc
}

// New creates a handshake protocol over the given store and channel.
// localAddress is the channel address peers use to reach this party.
func New(store ledger.Store, channel transport.Channel, localAddress string) *Protocol {
	return &Protocol{
		store:        store,
		channel:      channel,
		localAddress: localAddress,
		clock:        crypto.DefaultTimeProvider{},
		connections:  make(map[string]*Connection),
		pending:      make(map[string][]*Connection),
	}
}

// SetTimeProvider overrides the clock for deterministic tests.
func (p *Protocol) SetTimeProvider(tp crypto.TimeProvider) {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	p.clock = tp
}

// SetRedeemedHook registers a callback invoked after this party
// commits a redemption of one of its generated ports.
func (p *Protocol) SetRedeemedHook(fn RedeemedFunc) {
	p.mu.Lock()
	p.onRedeemed = fn
	p.mu.Unlock()
}

// LocalAddress returns the channel address of this party.
func (p *Protocol) LocalAddress() string {
	return p.localAddress
}

// Connection returns an established connection by id.
func (p *Protocol) Connection(id string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.connections[id]
	return c, ok
}

// Connections returns all connections this party is tracking.
func (p *Protocol) Connections() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Connection, 0, len(p.connections))
	for _, c := range p.connections {
		out = append(out, c)
	}
	return out
}

func (p *Protocol) trackConnection(c *Connection) {
	p.mu.Lock()
	p.connections[c.ID] = c
	p.mu.Unlock()
}

func (p *Protocol) trackPending(c *Connection) {
	p.mu.Lock()
	p.connections[c.ID] = c
	p.pending[c.PortID] = append(p.pending[c.PortID], c)
	p.mu.Unlock()
}

func (p *Protocol) dropConnection(c *Connection) {
	p.mu.Lock()
	delete(p.connections, c.ID)
	waiting := p.pending[c.PortID]
	for i, pc := range waiting {
		if pc.ID == c.ID {
			p.pending[c.PortID] = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(p.pending[c.PortID]) == 0 {
		delete(p.pending, c.PortID)
	}
	p.mu.Unlock()
}

// clearPending removes a connection from the ack wait list while
// keeping it tracked.
func (p *Protocol) clearPending(c *Connection) {
	p.mu.Lock()
	waiting := p.pending[c.PortID]
	for i, pc := range waiting {
		if pc.ID == c.ID {
			p.pending[c.PortID] = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(p.pending[c.PortID]) == 0 {
		delete(p.pending, c.PortID)
	}
	p.mu.Unlock()
}

func (p *Protocol) pendingForPort(portID string) []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Connection(nil), p.pending[portID]...)
}

// checkAndMarkToken records an anti-replay token in the ledger,
// reporting whether it was fresh. Persisting the token set means a
// restart does not forget which confirmations were already accepted.
// Stale tokens are pruned opportunistically on each call.
func (p *Protocol) checkAndMarkToken(token string) (bool, error) {
	now := p.clock.Now()
	if err := p.store.PruneSeenTokens(now.Add(-seenTokenRetention)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "checkAndMarkToken",
			"error":    err.Error(),
		}).Warn("Failed to prune seen tokens")
	}

	err := p.store.MarkTokenSeen(token, now)
	if err == ledger.ErrTokenReplayed {
		logrus.WithFields(logrus.Fields{
			"function":     "checkAndMarkToken",
			"token_prefix": tokenPrefix(token),
		}).Warn("Replayed anti-replay token rejected")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func tokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
