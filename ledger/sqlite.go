package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shantanav/port-mobile-sub006/session"
)

// SQLiteStore is a Store backed by a SQLite database. The
// compare-and-set operations are expressed as guarded UPDATE
// statements, so the engine's row locking makes the check and the
// state change a single atomic step.
type SQLiteStore struct {
	db *sql.DB
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    data       BLOB NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS generated_ports (
    port_id    TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(session_id),
    target     INTEGER NOT NULL,
    label      TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    expiry     INTEGER,
    used_at    INTEGER,
    preset_id  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_generated_pending ON generated_ports(used_at) WHERE used_at IS NULL;

CREATE TABLE IF NOT EXISTS super_ports (
    port_id              TEXT PRIMARY KEY REFERENCES generated_ports(port_id),
    connections_possible INTEGER NOT NULL,
    connections_made     INTEGER NOT NULL DEFAULT 0,
    CHECK (connections_made >= 0 AND connections_made <= connections_possible)
);

CREATE TABLE IF NOT EXISTS read_ports (
    port_id     TEXT PRIMARY KEY,
    target      INTEGER NOT NULL,
    session_id  TEXT NOT NULL,
    ticket_id   TEXT NOT NULL DEFAULT '',
    redeemed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS contact_ports (
    port_id          TEXT PRIMARY KEY,
    pair_hash        TEXT NOT NULL,
    owner            INTEGER NOT NULL,
    session_id       TEXT NOT NULL DEFAULT '',
    connections_made INTEGER NOT NULL DEFAULT 0,
    paused           INTEGER NOT NULL DEFAULT 0,
    folder_id        TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,
    UNIQUE (pair_hash, owner)
);

CREATE TABLE IF NOT EXISTS contact_port_tickets (
    ticket_id       TEXT PRIMARY KEY,
    contact_port_id TEXT NOT NULL REFERENCES contact_ports(port_id),
    active          INTEGER NOT NULL DEFAULT 1,
    created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS permission_presets (
    preset_id            TEXT PRIMARY KEY,
    name                 TEXT NOT NULL,
    is_default           INTEGER NOT NULL DEFAULT 0,
    contact_sharing      INTEGER NOT NULL DEFAULT 0,
    calling              INTEGER NOT NULL DEFAULT 0,
    read_receipts        INTEGER NOT NULL DEFAULT 0,
    display_picture      INTEGER NOT NULL DEFAULT 0,
    auto_download_media  INTEGER NOT NULL DEFAULT 0,
    disappearing_seconds INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS contact_share_requests (
    request_id          TEXT PRIMARY KEY,
    requester_chat_id   TEXT NOT NULL,
    source_chat_id      TEXT NOT NULL,
    destination_chat_id TEXT NOT NULL,
    message_id          TEXT NOT NULL DEFAULT '',
    status              INTEGER NOT NULL DEFAULT 0,
    bundle_string       TEXT NOT NULL DEFAULT '',
    ticket_id           TEXT NOT NULL DEFAULT '',
    created_at          INTEGER NOT NULL,
    approved_at         INTEGER
);

CREATE TABLE IF NOT EXISTS seen_tokens (
    token   TEXT PRIMARY KEY,
    seen_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS connections (
    connection_id TEXT PRIMARY KEY,
    port_id       TEXT NOT NULL,
    session_id    TEXT NOT NULL,
    peer_address  TEXT NOT NULL DEFAULT '',
    authenticated INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL
);
`

// NewSQLiteStore opens (creating if needed) a SQLite-backed store at
// the given path. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

// CreateSession stores a new session, rejecting duplicate identities.
func (s *SQLiteStore) CreateSession(sess *session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	res, err := s.db.Exec(
		`INSERT INTO sessions (session_id, data, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (session_id) DO NOTHING`,
		sess.ID, data, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSessionExists
	}
	return nil
}

// GetSession loads and validates a session.
func (s *SQLiteStore) GetSession(sessionID string) (*session.Session, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE session_id = ?`, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateSession persists changes to an existing session.
func (s *SQLiteStore) UpdateSession(sess *session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	res, err := s.db.Exec(`UPDATE sessions SET data = ? WHERE session_id = ?`, data, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return requireRow(res)
}

// DeleteSession removes a session.
func (s *SQLiteStore) DeleteSession(sessionID string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return requireRow(res)
}

// SaveGeneratedPort stores an owner-side port record.
func (s *SQLiteStore) SaveGeneratedPort(p *GeneratedPort) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO generated_ports
		 (port_id, session_id, target, label, created_at, expiry, used_at, preset_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PortID, p.SessionID, p.Target, p.Label, p.CreatedAt.UnixNano(),
		nullTime(p.Expiry), nullTime(p.UsedAt), p.PermissionPresetID,
	)
	if err != nil {
		return fmt.Errorf("failed to save generated port: %w", err)
	}
	return nil
}

func scanGeneratedPort(row *sql.Row) (*GeneratedPort, error) {
	var p GeneratedPort
	var createdAt int64
	var expiry, usedAt sql.NullInt64

	err := row.Scan(&p.PortID, &p.SessionID, &p.Target, &p.Label, &createdAt, &expiry, &usedAt, &p.PermissionPresetID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan generated port: %w", err)
	}

	p.CreatedAt = time.Unix(0, createdAt)
	p.Expiry = timePtr(expiry)
	p.UsedAt = timePtr(usedAt)
	return &p, nil
}

// GetGeneratedPort returns the port record.
func (s *SQLiteStore) GetGeneratedPort(portID string) (*GeneratedPort, error) {
	row := s.db.QueryRow(
		`SELECT port_id, session_id, target, label, created_at, expiry, used_at, preset_id
		 FROM generated_ports WHERE port_id = ?`, portID)
	return scanGeneratedPort(row)
}

// ListPendingGeneratedPorts returns all ports that have not completed
// a redemption.
func (s *SQLiteStore) ListPendingGeneratedPorts() ([]*GeneratedPort, error) {
	rows, err := s.db.Query(
		`SELECT g.port_id, g.session_id, g.target, g.label, g.created_at, g.expiry, g.used_at, g.preset_id
		 FROM generated_ports g
		 LEFT JOIN super_ports sp ON sp.port_id = g.port_id
		 WHERE g.used_at IS NULL
		   AND (sp.port_id IS NULL OR sp.connections_made < sp.connections_possible)
		 ORDER BY g.created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending ports: %w", err)
	}
	defer rows.Close()

	var pending []*GeneratedPort
	for rows.Next() {
		var p GeneratedPort
		var createdAt int64
		var expiry, usedAt sql.NullInt64
		if err := rows.Scan(&p.PortID, &p.SessionID, &p.Target, &p.Label, &createdAt, &expiry, &usedAt, &p.PermissionPresetID); err != nil {
			return nil, fmt.Errorf("failed to scan pending port: %w", err)
		}
		p.CreatedAt = time.Unix(0, createdAt)
		p.Expiry = timePtr(expiry)
		p.UsedAt = timePtr(usedAt)
		pending = append(pending, &p)
	}
	return pending, rows.Err()
}

// DeleteGeneratedPort removes a port record and any superport row.
func (s *SQLiteStore) DeleteGeneratedPort(portID string) error {
	if _, err := s.db.Exec(`DELETE FROM super_ports WHERE port_id = ?`, portID); err != nil {
		return fmt.Errorf("failed to delete superport row: %w", err)
	}
	res, err := s.db.Exec(`DELETE FROM generated_ports WHERE port_id = ?`, portID)
	if err != nil {
		return fmt.Errorf("failed to delete generated port: %w", err)
	}
	return requireRow(res)
}

// MarkPortUsed performs the single-use compare-and-set: the guarded
// UPDATE only matches while used_at is still NULL.
func (s *SQLiteStore) MarkPortUsed(portID string, usedAt time.Time) error {
	res, err := s.db.Exec(
		`UPDATE generated_ports SET used_at = ? WHERE port_id = ? AND used_at IS NULL`,
		usedAt.UnixNano(), portID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark port used: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	if _, err := s.GetGeneratedPort(portID); err != nil {
		return err
	}
	return ErrPortAlreadyUsed
}

// SaveSuperPort stores a reusable port record along with its base
// generated-port row.
func (s *SQLiteStore) SaveSuperPort(p *SuperPort) error {
	if err := s.SaveGeneratedPort(&p.GeneratedPort); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO super_ports (port_id, connections_possible, connections_made)
		 VALUES (?, ?, ?)`,
		p.PortID, p.ConnectionsPossible, p.ConnectionsMade,
	)
	if err != nil {
		return fmt.Errorf("failed to save superport: %w", err)
	}
	return nil
}

// GetSuperPort returns the superport record.
func (s *SQLiteStore) GetSuperPort(portID string) (*SuperPort, error) {
	base, err := s.GetGeneratedPort(portID)
	if err != nil {
		return nil, err
	}

	p := &SuperPort{GeneratedPort: *base}
	err = s.db.QueryRow(
		`SELECT connections_possible, connections_made FROM super_ports WHERE port_id = ?`,
		portID,
	).Scan(&p.ConnectionsPossible, &p.ConnectionsMade)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load superport: %w", err)
	}
	return p, nil
}

// ReserveSuperPortSlot performs the capacity compare-and-increment as
// a single guarded UPDATE.
func (s *SQLiteStore) ReserveSuperPortSlot(portID string) error {
	res, err := s.db.Exec(
		`UPDATE super_ports SET connections_made = connections_made + 1
		 WHERE port_id = ? AND connections_made < connections_possible`,
		portID,
	)
	if err != nil {
		return fmt.Errorf("failed to reserve superport slot: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM super_ports WHERE port_id = ?`, portID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check superport: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrPortExhausted
}

// SaveReadPort stores a consumer-side redemption record.
func (s *SQLiteStore) SaveReadPort(p *ReadPort) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO read_ports (port_id, target, session_id, ticket_id, redeemed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		p.PortID, p.Target, p.SessionID, p.TicketID, p.RedeemedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save read port: %w", err)
	}
	return nil
}

// GetReadPort returns the read port record.
func (s *SQLiteStore) GetReadPort(portID string) (*ReadPort, error) {
	var p ReadPort
	var redeemedAt int64
	err := s.db.QueryRow(
		`SELECT port_id, target, session_id, ticket_id, redeemed_at FROM read_ports WHERE port_id = ?`,
		portID,
	).Scan(&p.PortID, &p.Target, &p.SessionID, &p.TicketID, &redeemedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load read port: %w", err)
	}
	p.RedeemedAt = time.Unix(0, redeemedAt)
	return &p, nil
}

// SaveContactPort stores a contact port, enforcing the (pair hash,
// owner side) uniqueness key.
func (s *SQLiteStore) SaveContactPort(p *ContactPort) error {
	var existing string
	err := s.db.QueryRow(
		`SELECT port_id FROM contact_ports WHERE pair_hash = ? AND owner = ?`,
		p.PairHash, p.Owner,
	).Scan(&existing)
	if err == nil && existing != p.PortID {
		return ErrDuplicateContactPort
	}
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check contact port uniqueness: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO contact_ports
		 (port_id, pair_hash, owner, session_id, connections_made, paused, folder_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PortID, p.PairHash, p.Owner, p.SessionID, p.ConnectionsMade, p.Paused, p.FolderID, p.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save contact port: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanContactPort(row *sql.Row) (*ContactPort, error) {
	var p ContactPort
	var createdAt int64
	err := row.Scan(&p.PortID, &p.PairHash, &p.Owner, &p.SessionID, &p.ConnectionsMade, &p.Paused, &p.FolderID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan contact port: %w", err)
	}
	p.CreatedAt = time.Unix(0, createdAt)
	return &p, nil
}

// GetContactPort returns the contact port record.
func (s *SQLiteStore) GetContactPort(portID string) (*ContactPort, error) {
	row := s.db.QueryRow(
		`SELECT port_id, pair_hash, owner, session_id, connections_made, paused, folder_id, created_at
		 FROM contact_ports WHERE port_id = ?`, portID)
	return s.scanContactPort(row)
}

// GetContactPortByPair looks a contact port up by its uniqueness key.
func (s *SQLiteStore) GetContactPortByPair(pairHash string, owner bool) (*ContactPort, error) {
	row := s.db.QueryRow(
		`SELECT port_id, pair_hash, owner, session_id, connections_made, paused, folder_id, created_at
		 FROM contact_ports WHERE pair_hash = ? AND owner = ?`, pairHash, owner)
	return s.scanContactPort(row)
}

// SetContactPortPaused suspends or resumes new redemptions.
func (s *SQLiteStore) SetContactPortPaused(portID string, paused bool) error {
	res, err := s.db.Exec(`UPDATE contact_ports SET paused = ? WHERE port_id = ?`, paused, portID)
	if err != nil {
		return fmt.Errorf("failed to set contact port paused: %w", err)
	}
	return requireRow(res)
}

// ReserveContactPortSlot increments the connection count unless the
// port is paused, as a single guarded UPDATE.
func (s *SQLiteStore) ReserveContactPortSlot(portID string) error {
	res, err := s.db.Exec(
		`UPDATE contact_ports SET connections_made = connections_made + 1
		 WHERE port_id = ? AND paused = 0`,
		portID,
	)
	if err != nil {
		return fmt.Errorf("failed to reserve contact port slot: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	if _, err := s.GetContactPort(portID); err != nil {
		return err
	}
	return ErrPortPaused
}

// CreateTicket stores a fresh single-use ticket.
func (s *SQLiteStore) CreateTicket(t *ContactPortTicket) error {
	_, err := s.db.Exec(
		`INSERT INTO contact_port_tickets (ticket_id, contact_port_id, active, created_at)
		 VALUES (?, ?, ?, ?)`,
		t.TicketID, t.ContactPortID, t.Active, t.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	return nil
}

// GetTicket returns the ticket.
func (s *SQLiteStore) GetTicket(ticketID string) (*ContactPortTicket, error) {
	var t ContactPortTicket
	var createdAt int64
	err := s.db.QueryRow(
		`SELECT ticket_id, contact_port_id, active, created_at FROM contact_port_tickets WHERE ticket_id = ?`,
		ticketID,
	).Scan(&t.TicketID, &t.ContactPortID, &t.Active, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket: %w", err)
	}
	t.CreatedAt = time.Unix(0, createdAt)
	return &t, nil
}

// ConsumeTicket flips Active to false exactly once.
func (s *SQLiteStore) ConsumeTicket(ticketID string) error {
	res, err := s.db.Exec(
		`UPDATE contact_port_tickets SET active = 0 WHERE ticket_id = ? AND active = 1`,
		ticketID,
	)
	if err != nil {
		return fmt.Errorf("failed to consume ticket: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	if _, err := s.GetTicket(ticketID); err != nil {
		return err
	}
	return ErrTicketConsumed
}

// MarkTokenSeen records an accepted anti-replay token exactly once.
func (s *SQLiteStore) MarkTokenSeen(token string, seenAt time.Time) error {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO seen_tokens (token, seen_at) VALUES (?, ?)`,
		token, seenAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record seen token: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTokenReplayed
	}
	return nil
}

// PruneSeenTokens removes tokens recorded before the cutoff.
func (s *SQLiteStore) PruneSeenTokens(cutoff time.Time) error {
	_, err := s.db.Exec(`DELETE FROM seen_tokens WHERE seen_at < ?`, cutoff.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to prune seen tokens: %w", err)
	}
	return nil
}

// SavePermissionPreset stores a preset.
func (s *SQLiteStore) SavePermissionPreset(p *PermissionPreset) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO permission_presets
		 (preset_id, name, is_default, contact_sharing, calling, read_receipts, display_picture, auto_download_media, disappearing_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PresetID, p.Name, p.IsDefault, p.ContactSharing, p.Calling, p.ReadReceipts,
		p.DisplayPicture, p.AutoDownloadMedia, p.DisappearingMessagesSeconds,
	)
	if err != nil {
		return fmt.Errorf("failed to save permission preset: %w", err)
	}
	return nil
}

func scanPreset(row *sql.Row) (*PermissionPreset, error) {
	var p PermissionPreset
	err := row.Scan(&p.PresetID, &p.Name, &p.IsDefault, &p.ContactSharing, &p.Calling,
		&p.ReadReceipts, &p.DisplayPicture, &p.AutoDownloadMedia, &p.DisappearingMessagesSeconds)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan permission preset: %w", err)
	}
	return &p, nil
}

// GetPermissionPreset returns the preset.
func (s *SQLiteStore) GetPermissionPreset(presetID string) (*PermissionPreset, error) {
	row := s.db.QueryRow(
		`SELECT preset_id, name, is_default, contact_sharing, calling, read_receipts, display_picture, auto_download_media, disappearing_seconds
		 FROM permission_presets WHERE preset_id = ?`, presetID)
	return scanPreset(row)
}

// DefaultPermissionPreset returns the preset marked as default.
func (s *SQLiteStore) DefaultPermissionPreset() (*PermissionPreset, error) {
	row := s.db.QueryRow(
		`SELECT preset_id, name, is_default, contact_sharing, calling, read_receipts, display_picture, auto_download_media, disappearing_seconds
		 FROM permission_presets WHERE is_default = 1 LIMIT 1`)
	return scanPreset(row)
}

// SaveContactShareRequest stores a share request.
func (s *SQLiteStore) SaveContactShareRequest(r *ContactShareRequest) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO contact_share_requests
		 (request_id, requester_chat_id, source_chat_id, destination_chat_id, message_id, status, bundle_string, ticket_id, created_at, approved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.RequesterChatID, r.SourceChatID, r.DestinationChatID, r.MessageID,
		r.Status, r.BundleString, r.TicketID, r.CreatedAt.UnixNano(), nullTime(r.ApprovedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save contact share request: %w", err)
	}
	return nil
}

// GetContactShareRequest returns the share request.
func (s *SQLiteStore) GetContactShareRequest(requestID string) (*ContactShareRequest, error) {
	var r ContactShareRequest
	var createdAt int64
	var approvedAt sql.NullInt64
	err := s.db.QueryRow(
		`SELECT request_id, requester_chat_id, source_chat_id, destination_chat_id, message_id, status, bundle_string, ticket_id, created_at, approved_at
		 FROM contact_share_requests WHERE request_id = ?`, requestID,
	).Scan(&r.RequestID, &r.RequesterChatID, &r.SourceChatID, &r.DestinationChatID, &r.MessageID,
		&r.Status, &r.BundleString, &r.TicketID, &createdAt, &approvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load contact share request: %w", err)
	}
	r.CreatedAt = time.Unix(0, createdAt)
	r.ApprovedAt = timePtr(approvedAt)
	return &r, nil
}

// ApproveContactShareRequest transitions pending to approved exactly
// once.
func (s *SQLiteStore) ApproveContactShareRequest(requestID, bundleString, ticketID string, approvedAt time.Time) error {
	res, err := s.db.Exec(
		`UPDATE contact_share_requests
		 SET status = ?, bundle_string = ?, ticket_id = ?, approved_at = ?
		 WHERE request_id = ? AND status = ?`,
		ShareStatusApproved, bundleString, ticketID, approvedAt.UnixNano(),
		requestID, ShareStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to approve contact share request: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	if _, err := s.GetContactShareRequest(requestID); err != nil {
		return err
	}
	return ErrAlreadyApproved
}

// MarkContactShareRelayed transitions approved to relayed. Retrying an
// already-relayed request succeeds.
func (s *SQLiteStore) MarkContactShareRelayed(requestID string) error {
	res, err := s.db.Exec(
		`UPDATE contact_share_requests SET status = ?
		 WHERE request_id = ? AND status IN (?, ?)`,
		ShareStatusRelayed, requestID, ShareStatusApproved, ShareStatusRelayed,
	)
	if err != nil {
		return fmt.Errorf("failed to mark contact share relayed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	if _, err := s.GetContactShareRequest(requestID); err != nil {
		return err
	}
	return ErrNotApproved
}

// SaveConnection stores a connection record.
func (s *SQLiteStore) SaveConnection(c *ConnectionRecord) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO connections (connection_id, port_id, session_id, peer_address, authenticated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ConnectionID, c.PortID, c.SessionID, c.PeerAddress, c.Authenticated, c.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}
	return nil
}

// GetConnection returns the connection record.
func (s *SQLiteStore) GetConnection(connectionID string) (*ConnectionRecord, error) {
	var c ConnectionRecord
	var createdAt int64
	err := s.db.QueryRow(
		`SELECT connection_id, port_id, session_id, peer_address, authenticated, created_at
		 FROM connections WHERE connection_id = ?`, connectionID,
	).Scan(&c.ConnectionID, &c.PortID, &c.SessionID, &c.PeerAddress, &c.Authenticated, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	c.CreatedAt = time.Unix(0, createdAt)
	return &c, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
