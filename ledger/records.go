// Package ledger provides the persistent record of ports a party has
// generated and redeemed, along with sessions, permission presets,
// contact ports and their tickets.
//
// The Store interface is the single shared mutable resource of the
// protocol. It is injected into the handshake and relay protocols so
// tests can substitute the in-memory implementation for the SQLite
// one. The only operations that must be observed atomically by
// concurrent redeemers are MarkPortUsed (single-use compare-and-set)
// and ReserveSuperPortSlot / ReserveContactPortSlot (capacity
// compare-and-increment); everything else is per-row.
package ledger

import (
	"time"

	"github.com/shantanav/port-mobile-sub006/bundle"
)

// GeneratedPort is the owner-side record of one outstanding
// invitation. UsedAt is set exactly once, the first time a valid
// redemption completes; after that the port is terminal.
type GeneratedPort struct {
	PortID             string
	SessionID          string
	Target             bundle.Target
	Label              string
	CreatedAt          time.Time
	Expiry             *time.Time
	UsedAt             *time.Time
	PermissionPresetID string
}

// Expired reports whether the port's expiry has passed. Expiry is
// derived, not a stored transition: an expired port rejects redemption
// regardless of its recorded state.
func (p *GeneratedPort) Expired(now time.Time) bool {
	return p.Expiry != nil && now.After(*p.Expiry)
}

// SuperPort is a reusable generated port with a fixed redemption
// capacity. Invariant: 0 <= ConnectionsMade <= ConnectionsPossible.
type SuperPort struct {
	GeneratedPort
	ConnectionsPossible int
	ConnectionsMade     int
}

// Exhausted reports whether the superport has reached capacity. The
// transition is irreversible.
func (p *SuperPort) Exhausted() bool {
	return p.ConnectionsMade >= p.ConnectionsPossible
}

// ReadPort is the consumer-side record of a bundle the local party has
// decoded and redeemed.
type ReadPort struct {
	PortID     string
	Target     bundle.Target
	SessionID  string
	TicketID   string
	RedeemedAt time.Time
}

// ContactPort is a persistent channel for relaying a known contact to
// a third party, keyed uniquely by (PairHash, Owner): at most one
// owner-side and one non-owner-side record per pair. Paused suspends
// new redemptions without deleting history.
type ContactPort struct {
	PortID          string
	PairHash        string
	Owner           bool
	SessionID       string
	ConnectionsMade int
	Paused          bool
	FolderID        string
	CreatedAt       time.Time
}

// ContactPortTicket is an ephemeral, single-use proof that a specific
// relay was authorized. Once consumed, Active flips false and reuse
// fails.
type ContactPortTicket struct {
	TicketID      string
	ContactPortID string
	Active        bool
	CreatedAt     time.Time
}

// PermissionPreset is a named set of permission flags referenced by id
// from ports and bundles. Presets are never embedded by value, so an
// edit is picked up lazily at redemption time without invalidating
// already-issued bundles.
type PermissionPreset struct {
	PresetID                    string
	Name                        string
	IsDefault                   bool
	ContactSharing              bool
	Calling                     bool
	ReadReceipts                bool
	DisplayPicture              bool
	AutoDownloadMedia           bool
	DisappearingMessagesSeconds int
}

// ShareStatus is the lifecycle of a contact-share request.
type ShareStatus uint8

const (
	ShareStatusPending ShareStatus = iota
	ShareStatusApproved
	ShareStatusRelayed
)

// String returns a human-readable status name.
func (s ShareStatus) String() string {
	switch s {
	case ShareStatusPending:
		return "pending"
	case ShareStatusApproved:
		return "approved"
	case ShareStatusRelayed:
		return "relayed"
	default:
		return "unknown"
	}
}

// ContactShareRequest tracks one three-party contact relay. Protocol
// state lives here, in its own record with an explicit status, rather
// than inside a chat message's data blob; MessageID back-references
// the originating message for the presentation layer.
type ContactShareRequest struct {
	RequestID         string
	RequesterChatID   string
	SourceChatID      string
	DestinationChatID string
	MessageID         string
	Status            ShareStatus
	BundleString      string
	TicketID          string
	CreatedAt         time.Time
	ApprovedAt        *time.Time
}

// ConnectionRecord is the persisted view of an established connection.
type ConnectionRecord struct {
	ConnectionID  string
	PortID        string
	SessionID     string
	PeerAddress   string
	Authenticated bool
	CreatedAt     time.Time
}
