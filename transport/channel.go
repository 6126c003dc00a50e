// Package transport defines the boundary to the external messaging
// service that carries handshake and relay payloads between parties.
//
// Delivery, retry, and ordering are the collaborator's concern: the
// protocol layers only require that a payload sent to a channel
// address is eventually handed to the peer's registered handler.
package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrUnknownAddress indicates a send to an address with no registered
// receiver. Only the loopback implementation can detect this; real
// transports fail asynchronously or not at all.
var ErrUnknownAddress = errors.New("no receiver registered for address")

// Handler receives a raw payload addressed to the local party.
type Handler func(payload []byte) error

// Channel is the opaque message channel used to exchange protocol
// payloads. Implementations must be safe for concurrent use.
type Channel interface {
	// Send delivers a payload to the party behind the given channel
	// address. Address fragments ("addr#tag") route to the base
	// address; the tag is carried inside the payload, not by the
	// transport.
	Send(ctx context.Context, address string, payload []byte) error
}

// LoopbackChannel is an in-process Channel connecting parties in the
// same test binary. Delivery is synchronous, which keeps handshake
// tests deterministic.
type LoopbackChannel struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLoopbackChannel creates an empty loopback channel.
func NewLoopbackChannel() *LoopbackChannel {
	return &LoopbackChannel{handlers: make(map[string]Handler)}
}

// Register attaches a handler for payloads sent to the given address.
func (c *LoopbackChannel) Register(address string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[BaseAddress(address)] = handler
}

// Send delivers the payload synchronously to the registered handler.
func (c *LoopbackChannel) Send(ctx context.Context, address string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	handler, ok := c.handlers[BaseAddress(address)]
	c.mu.RUnlock()

	if !ok {
		return ErrUnknownAddress
	}
	return handler(payload)
}

// BaseAddress strips any fragment tag from a channel address.
func BaseAddress(address string) string {
	if i := strings.IndexByte(address, '#'); i >= 0 {
		return address[:i]
	}
	return address
}
