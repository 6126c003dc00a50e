package ledger

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shantanav/port-mobile-sub006/session"
)

// MemoryStore is a Store backed by in-process maps. It is the test
// substitute for SQLiteStore and suitable for ephemeral clients.
type MemoryStore struct {
	mu sync.Mutex

	sessions       map[string]*session.Session
	generatedPorts map[string]*GeneratedPort
	superPorts     map[string]*SuperPort
	readPorts      map[string]*ReadPort
	contactPorts   map[string]*ContactPort
	tickets        map[string]*ContactPortTicket
	seenTokens     map[string]time.Time
	presets        map[string]*PermissionPreset
	shareRequests  map[string]*ContactShareRequest
	connections    map[string]*ConnectionRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:       make(map[string]*session.Session),
		generatedPorts: make(map[string]*GeneratedPort),
		superPorts:     make(map[string]*SuperPort),
		readPorts:      make(map[string]*ReadPort),
		contactPorts:   make(map[string]*ContactPort),
		tickets:        make(map[string]*ContactPortTicket),
		seenTokens:     make(map[string]time.Time),
		presets:        make(map[string]*PermissionPreset),
		shareRequests:  make(map[string]*ContactShareRequest),
		connections:    make(map[string]*ConnectionRecord),
	}
}

// CreateSession stores a new session, rejecting duplicate identities.
func (m *MemoryStore) CreateSession(s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return ErrSessionExists
	}
	m.sessions[s.ID] = s
	return nil
}

// GetSession returns the live session for the given id.
func (m *MemoryStore) GetSession(sessionID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// UpdateSession persists changes to an existing session.
func (m *MemoryStore) UpdateSession(s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	m.sessions[s.ID] = s
	return nil
}

// DeleteSession removes a session.
func (m *MemoryStore) DeleteSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, sessionID)
	return nil
}

// SaveGeneratedPort stores an owner-side port record.
func (m *MemoryStore) SaveGeneratedPort(p *GeneratedPort) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := *p
	m.generatedPorts[p.PortID] = &rec
	return nil
}

// GetGeneratedPort returns a copy of the port record.
func (m *MemoryStore) GetGeneratedPort(portID string) (*GeneratedPort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.generatedPorts[portID]
	if !ok {
		return nil, ErrNotFound
	}
	rec := *p
	return &rec, nil
}

// ListPendingGeneratedPorts returns all ports that have not completed
// a redemption.
func (m *MemoryStore) ListPendingGeneratedPorts() ([]*GeneratedPort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*GeneratedPort
	for _, p := range m.generatedPorts {
		if p.UsedAt != nil {
			continue
		}
		if sp, ok := m.superPorts[p.PortID]; ok && sp.Exhausted() {
			continue
		}
		rec := *p
		pending = append(pending, &rec)
	}
	return pending, nil
}

// DeleteGeneratedPort removes a port record.
func (m *MemoryStore) DeleteGeneratedPort(portID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.generatedPorts[portID]; !ok {
		return ErrNotFound
	}
	delete(m.generatedPorts, portID)
	delete(m.superPorts, portID)
	return nil
}

// MarkPortUsed performs the single-use compare-and-set: it succeeds
// only while the port is still issued.
func (m *MemoryStore) MarkPortUsed(portID string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.generatedPorts[portID]
	if !ok {
		return ErrNotFound
	}
	if p.UsedAt != nil {
		logrus.WithFields(logrus.Fields{
			"function": "MarkPortUsed",
			"port_id":  portID,
		}).Warn("Rejected redemption of used port")
		return ErrPortAlreadyUsed
	}
	at := usedAt
	p.UsedAt = &at
	return nil
}

// SaveSuperPort stores a reusable port record, mirrored into the
// generated port table so port-wide operations see it.
func (m *MemoryStore) SaveSuperPort(p *SuperPort) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := *p
	m.superPorts[p.PortID] = &rec
	base := p.GeneratedPort
	m.generatedPorts[p.PortID] = &base
	return nil
}

// GetSuperPort returns a copy of the superport record.
func (m *MemoryStore) GetSuperPort(portID string) (*SuperPort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.superPorts[portID]
	if !ok {
		return nil, ErrNotFound
	}
	rec := *p
	return &rec, nil
}

// ReserveSuperPortSlot performs the capacity compare-and-increment
// under the store lock so the check and the increment are never
// separable by a concurrent redeemer.
func (m *MemoryStore) ReserveSuperPortSlot(portID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.superPorts[portID]
	if !ok {
		return ErrNotFound
	}
	if p.ConnectionsMade >= p.ConnectionsPossible {
		logrus.WithFields(logrus.Fields{
			"function":         "ReserveSuperPortSlot",
			"port_id":          portID,
			"connections_made": p.ConnectionsMade,
		}).Warn("Rejected redemption of exhausted superport")
		return ErrPortExhausted
	}
	p.ConnectionsMade++
	return nil
}

// SaveReadPort stores a consumer-side redemption record.
func (m *MemoryStore) SaveReadPort(p *ReadPort) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := *p
	m.readPorts[p.PortID] = &rec
	return nil
}

// GetReadPort returns a copy of the read port record.
func (m *MemoryStore) GetReadPort(portID string) (*ReadPort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.readPorts[portID]
	if !ok {
		return nil, ErrNotFound
	}
	rec := *p
	return &rec, nil
}

// SaveContactPort stores a contact port, enforcing the (pair hash,
// owner side) uniqueness key.
func (m *MemoryStore) SaveContactPort(p *ContactPort) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.contactPorts {
		if existing.PairHash == p.PairHash && existing.Owner == p.Owner && existing.PortID != p.PortID {
			return ErrDuplicateContactPort
		}
	}
	rec := *p
	m.contactPorts[p.PortID] = &rec
	return nil
}

// GetContactPort returns a copy of the contact port record.
func (m *MemoryStore) GetContactPort(portID string) (*ContactPort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.contactPorts[portID]
	if !ok {
		return nil, ErrNotFound
	}
	rec := *p
	return &rec, nil
}

// GetContactPortByPair looks a contact port up by its uniqueness key.
func (m *MemoryStore) GetContactPortByPair(pairHash string, owner bool) (*ContactPort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.contactPorts {
		if p.PairHash == pairHash && p.Owner == owner {
			rec := *p
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

// SetContactPortPaused suspends or resumes new redemptions.
func (m *MemoryStore) SetContactPortPaused(portID string, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.contactPorts[portID]
	if !ok {
		return ErrNotFound
	}
	p.Paused = paused
	return nil
}

// ReserveContactPortSlot increments the connection count unless the
// port is paused.
func (m *MemoryStore) ReserveContactPortSlot(portID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.contactPorts[portID]
	if !ok {
		return ErrNotFound
	}
	if p.Paused {
		return ErrPortPaused
	}
	p.ConnectionsMade++
	return nil
}

// CreateTicket stores a fresh single-use ticket.
func (m *MemoryStore) CreateTicket(t *ContactPortTicket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := *t
	m.tickets[t.TicketID] = &rec
	return nil
}

// GetTicket returns a copy of the ticket.
func (m *MemoryStore) GetTicket(ticketID string) (*ContactPortTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[ticketID]
	if !ok {
		return nil, ErrNotFound
	}
	rec := *t
	return &rec, nil
}

// ConsumeTicket flips Active to false exactly once.
func (m *MemoryStore) ConsumeTicket(ticketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[ticketID]
	if !ok {
		return ErrNotFound
	}
	if !t.Active {
		return ErrTicketConsumed
	}
	t.Active = false
	return nil
}

// MarkTokenSeen records an accepted anti-replay token exactly once.
func (m *MemoryStore) MarkTokenSeen(token string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.seenTokens[token]; seen {
		return ErrTokenReplayed
	}
	m.seenTokens[token] = seenAt
	return nil
}

// PruneSeenTokens removes tokens recorded before the cutoff.
func (m *MemoryStore) PruneSeenTokens(cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for token, seenAt := range m.seenTokens {
		if seenAt.Before(cutoff) {
			delete(m.seenTokens, token)
		}
	}
	return nil
}

// SavePermissionPreset stores a preset.
func (m *MemoryStore) SavePermissionPreset(p *PermissionPreset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := *p
	m.presets[p.PresetID] = &rec
	return nil
}

// GetPermissionPreset returns a copy of the preset.
func (m *MemoryStore) GetPermissionPreset(presetID string) (*PermissionPreset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.presets[presetID]
	if !ok {
		return nil, ErrNotFound
	}
	rec := *p
	return &rec, nil
}

// DefaultPermissionPreset returns the preset marked as default.
func (m *MemoryStore) DefaultPermissionPreset() (*PermissionPreset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.presets {
		if p.IsDefault {
			rec := *p
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

// SaveContactShareRequest stores a share request.
func (m *MemoryStore) SaveContactShareRequest(r *ContactShareRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := *r
	m.shareRequests[r.RequestID] = &rec
	return nil
}

// GetContactShareRequest returns a copy of the share request.
func (m *MemoryStore) GetContactShareRequest(requestID string) (*ContactShareRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.shareRequests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	rec := *r
	return &rec, nil
}

// ApproveContactShareRequest transitions pending to approved exactly
// once.
func (m *MemoryStore) ApproveContactShareRequest(requestID, bundleString, ticketID string, approvedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.shareRequests[requestID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != ShareStatusPending {
		return ErrAlreadyApproved
	}
	at := approvedAt
	r.Status = ShareStatusApproved
	r.BundleString = bundleString
	r.TicketID = ticketID
	r.ApprovedAt = &at
	return nil
}

// MarkContactShareRelayed transitions approved to relayed. Retrying an
// already-relayed request succeeds.
func (m *MemoryStore) MarkContactShareRelayed(requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.shareRequests[requestID]
	if !ok {
		return ErrNotFound
	}
	switch r.Status {
	case ShareStatusPending:
		return ErrNotApproved
	case ShareStatusApproved, ShareStatusRelayed:
		r.Status = ShareStatusRelayed
		return nil
	default:
		return ErrNotApproved
	}
}

// SaveConnection stores a connection record.
func (m *MemoryStore) SaveConnection(c *ConnectionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := *c
	m.connections[c.ConnectionID] = &rec
	return nil
}

// GetConnection returns a copy of the connection record.
func (m *MemoryStore) GetConnection(connectionID string) (*ConnectionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[connectionID]
	if !ok {
		return nil, ErrNotFound
	}
	rec := *c
	return &rec, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }
