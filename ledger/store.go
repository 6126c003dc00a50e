package ledger

import (
	"errors"
	"time"

	"github.com/shantanav/port-mobile-sub006/session"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrPortAlreadyUsed indicates a single-use port that has already
	// completed its one redemption. Terminal.
	ErrPortAlreadyUsed = errors.New("port already used")

	// ErrPortExhausted indicates a reusable port at capacity. Terminal.
	ErrPortExhausted = errors.New("port capacity exhausted")

	// ErrPortPaused indicates a contact port whose owner has suspended
	// new redemptions.
	ErrPortPaused = errors.New("contact port is paused")

	// ErrTicketConsumed indicates reuse of a single-use contact port
	// ticket.
	ErrTicketConsumed = errors.New("ticket already consumed")

	// ErrSessionExists indicates a second session created for the same
	// identity.
	ErrSessionExists = errors.New("session already exists")

	// ErrTokenReplayed indicates an anti-replay token that was already
	// accepted by an earlier confirmation.
	ErrTokenReplayed = errors.New("anti-replay token already seen")

	// ErrDuplicateContactPort indicates a second contact port for the
	// same (pair hash, owner side) key.
	ErrDuplicateContactPort = errors.New("contact port already exists for pair")

	// ErrAlreadyApproved is the idempotency guard on contact-share
	// approval: a request can be approved exactly once. Safe to ignore
	// at the call site.
	ErrAlreadyApproved = errors.New("contact share request already approved")

	// ErrNotApproved indicates a relay attempt for a request that was
	// never approved.
	ErrNotApproved = errors.New("contact share request not approved")
)

// Store is the persistence boundary for the port protocol. Both
// protocols receive a Store by injection; implementations must be safe
// for concurrent use.
//
// MarkPortUsed and the two Reserve*Slot methods are the only
// operations with cross-observable atomicity requirements: the check
// and the state change must never be separable by a second concurrent
// caller.
type Store interface {
	// Sessions.
	CreateSession(s *session.Session) error
	GetSession(sessionID string) (*session.Session, error)
	UpdateSession(s *session.Session) error
	DeleteSession(sessionID string) error

	// Generated ports.
	SaveGeneratedPort(p *GeneratedPort) error
	GetGeneratedPort(portID string) (*GeneratedPort, error)
	ListPendingGeneratedPorts() ([]*GeneratedPort, error)
	DeleteGeneratedPort(portID string) error
	// MarkPortUsed transitions a single-use port from issued to used.
	// It succeeds at most once per port; later calls return
	// ErrPortAlreadyUsed.
	MarkPortUsed(portID string, usedAt time.Time) error

	// Superports.
	SaveSuperPort(p *SuperPort) error
	GetSuperPort(portID string) (*SuperPort, error)
	// ReserveSuperPortSlot atomically checks remaining capacity and
	// increments ConnectionsMade, returning ErrPortExhausted once
	// ConnectionsMade == ConnectionsPossible.
	ReserveSuperPortSlot(portID string) error

	// Read ports.
	SaveReadPort(p *ReadPort) error
	GetReadPort(portID string) (*ReadPort, error)

	// Contact ports.
	SaveContactPort(p *ContactPort) error
	GetContactPort(portID string) (*ContactPort, error)
	GetContactPortByPair(pairHash string, owner bool) (*ContactPort, error)
	SetContactPortPaused(portID string, paused bool) error
	// ReserveContactPortSlot increments ConnectionsMade unless the
	// port is paused.
	ReserveContactPortSlot(portID string) error

	// Contact port tickets.
	CreateTicket(t *ContactPortTicket) error
	GetTicket(ticketID string) (*ContactPortTicket, error)
	// ConsumeTicket flips Active to false exactly once; reuse returns
	// ErrTicketConsumed.
	ConsumeTicket(ticketID string) error

	// Seen handshake tokens. Persisted so a restart does not forget
	// which confirmations were already accepted.
	// MarkTokenSeen records an accepted anti-replay token exactly once;
	// recording the same token again returns ErrTokenReplayed.
	MarkTokenSeen(token string, seenAt time.Time) error
	// PruneSeenTokens removes tokens recorded before the cutoff.
	PruneSeenTokens(cutoff time.Time) error

	// Permission presets.
	SavePermissionPreset(p *PermissionPreset) error
	GetPermissionPreset(presetID string) (*PermissionPreset, error)
	DefaultPermissionPreset() (*PermissionPreset, error)

	// Contact share requests.
	SaveContactShareRequest(r *ContactShareRequest) error
	GetContactShareRequest(requestID string) (*ContactShareRequest, error)
	// ApproveContactShareRequest transitions pending to approved
	// exactly once, recording the generated bundle and ticket; later
	// calls return ErrAlreadyApproved.
	ApproveContactShareRequest(requestID, bundleString, ticketID string, approvedAt time.Time) error
	// MarkContactShareRelayed transitions approved to relayed. Relay
	// is retriable: marking an already-relayed request succeeds.
	MarkContactShareRelayed(requestID string) error

	// Connections.
	SaveConnection(c *ConnectionRecord) error
	GetConnection(connectionID string) (*ConnectionRecord, error)

	Close() error
}
