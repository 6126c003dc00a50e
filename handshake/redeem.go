package handshake

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shantanav/port-mobile-sub006/bundle"
	"github.com/shantanav/port-mobile-sub006/crypto"
	"github.com/shantanav/port-mobile-sub006/ledger"
	"github.com/shantanav/port-mobile-sub006/session"
)

// Message types carried over the channel.
const (
	msgConfirm = "handshake.confirm"
	msgAck     = "handshake.ack"
)

// envelope is the cleartext framing of a handshake payload. The
// sensitive part travels in Ciphertext under the derived shared
// secret.
type envelope struct {
	Type            string   `json:"type"`
	Version         int      `json:"version"`
	PortID          string   `json:"port_id"`
	SenderPublicKey [32]byte `json:"sender_public_key"`
	ReplyAddress    string   `json:"reply_address"`
	Ciphertext      string   `json:"ciphertext"`
}

// confirmBody is the encrypted payload of a confirmation or ack.
// PeerIdentityHash is the sender's view of the receiver's public key
// hash; the receiver authenticates by checking it against its own key.
type confirmBody struct {
	PeerIdentityHash string `json:"peer_identity_hash"`
	AntiReplayToken  string `json:"anti_replay_token"`
	Timestamp        int64  `json:"timestamp"`
}

// ReadBundle redeems a serialized bundle: it creates the local
// session, derives the shared secret from the embedded public key, and
// emits the handshake confirmation to the bundle's channel address.
// The returned connection stays unauthenticated until the counterpart's
// ack arrives and its peer-identity hash matches.
func (p *Protocol) ReadBundle(ctx context.Context, encoded string, chosenPresetID string) (*Connection, error) {
	return p.readBundle(ctx, encoded, chosenPresetID, "")
}

// ReadSharedBundle redeems a bundle delivered through a contact relay,
// recording the authorizing ticket on the read port.
func (p *Protocol) ReadSharedBundle(ctx context.Context, encoded string, chosenPresetID, ticketID string) (*Connection, error) {
	return p.readBundle(ctx, encoded, chosenPresetID, ticketID)
}

func (p *Protocol) readBundle(ctx context.Context, encoded string, chosenPresetID, ticketID string) (*Connection, error) {
	b, err := bundle.Decode(encoded)
	if err != nil {
		return nil, err
	}

	now := p.clock.Now()
	if b.Expired(now) {
		return nil, bundle.ErrExpired
	}

	if err := p.checkLocalPortState(b); err != nil {
		return nil, err
	}

	if chosenPresetID != "" {
		if _, err := p.store.GetPermissionPreset(chosenPresetID); err != nil {
			return nil, fmt.Errorf("failed to resolve permission preset %q: %w", chosenPresetID, err)
		}
	}

	sess, err := session.New()
	if err != nil {
		return nil, err
	}
	if err := sess.BindPeer(b.PublicKey); err != nil {
		return nil, err
	}
	if err := p.store.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	read := ledger.ReadPort{
		PortID:     b.PortID,
		Target:     b.Target,
		SessionID:  sess.ID,
		TicketID:   ticketID,
		RedeemedAt: now,
	}
	if err := p.store.SaveReadPort(&read); err != nil {
		return nil, err
	}

	conn := &Connection{
		ID:          uuid.NewString(),
		PortID:      b.PortID,
		PeerAddress: b.ChannelAddress,
		Session:     sess,
		CreatedAt:   now,
		state:       StateUnauthenticated,
	}
	// The ack can arrive synchronously on loopback transports, so the
	// connection must be discoverable before the confirmation is sent.
	p.trackPending(conn)

	if err := p.sendConfirmation(ctx, conn, b); err != nil {
		p.dropConnection(conn)
		if derr := p.store.DeleteSession(sess.ID); derr != nil && derr != ledger.ErrNotFound {
			logrus.WithFields(logrus.Fields{
				"function":   "readBundle",
				"session_id": sess.ID,
				"error":      derr.Error(),
			}).Warn("Failed to clean up session after redemption failure")
		}
		return nil, err
	}

	if err := p.store.SaveConnection(&ledger.ConnectionRecord{
		ConnectionID:  conn.ID,
		PortID:        conn.PortID,
		SessionID:     sess.ID,
		PeerAddress:   conn.PeerAddress,
		Authenticated: conn.Authenticated(),
		CreatedAt:     now,
	}); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "readBundle",
		"port_id":  b.PortID,
		"target":   b.Target.String(),
		"state":    conn.State().String(),
	}).Info("Redeemed bundle")

	return conn, nil
}

// checkLocalPortState fails fast when the local ledger already knows
// the port is terminal. A pure consumer holds no row and skips this;
// the generating side enforces the same rules again at commit time.
func (p *Protocol) checkLocalPortState(b *bundle.Bundle) error {
	switch b.Target {
	case bundle.TargetDirect, bundle.TargetGroup:
		port, err := p.store.GetGeneratedPort(b.PortID)
		if err != nil {
			return nil
		}
		if port.Expired(p.clock.Now()) {
			return bundle.ErrExpired
		}
		if port.UsedAt != nil {
			return ledger.ErrPortAlreadyUsed
		}
	case bundle.TargetSuperportDirect, bundle.TargetSuperportGroup:
		port, err := p.store.GetSuperPort(b.PortID)
		if err != nil {
			return nil
		}
		if port.Expired(p.clock.Now()) {
			return bundle.ErrExpired
		}
		if port.Exhausted() {
			return ledger.ErrPortExhausted
		}
	case bundle.TargetContactPort:
		port, err := p.store.GetContactPort(b.PortID)
		if err != nil {
			return nil
		}
		if port.Paused {
			return ledger.ErrPortPaused
		}
	}
	return nil
}

func (p *Protocol) sendConfirmation(ctx context.Context, conn *Connection, b *bundle.Bundle) error {
	token, err := conn.Session.GetOrCreateAntiReplayToken()
	if err != nil {
		return err
	}

	body := confirmBody{
		PeerIdentityHash: crypto.HashHex(b.PublicKey[:]),
		AntiReplayToken:  token,
		Timestamp:        p.clock.Now().Unix(),
	}
	plaintext, err := json.Marshal(&body)
	if err != nil {
		return fmt.Errorf("failed to marshal confirmation: %w", err)
	}
	ciphertext, err := conn.Session.Encrypt(plaintext)
	if err != nil {
		return err
	}

	env := envelope{
		Type:            msgConfirm,
		Version:         bundle.Version,
		PortID:          b.PortID,
		SenderPublicKey: conn.Session.KeyPair.Public,
		ReplyAddress:    p.localAddress,
		Ciphertext:      ciphertext,
	}
	payload, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return p.channel.Send(ctx, b.ChannelAddress, payload)
}

// HandleIncoming processes a handshake payload delivered by the
// transport: a confirmation for a port this party generated, or an
// ack completing a redemption this party initiated.
func (p *Protocol) HandleIncoming(ctx context.Context, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("failed to parse handshake payload: %w", err)
	}

	switch env.Type {
	case msgConfirm:
		return p.handleConfirm(ctx, &env)
	case msgAck:
		return p.handleAck(&env)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

// handleConfirm runs on the generating side: it verifies the
// confirmation, commits the port transition, creates the authenticated
// connection, and answers with an ack.
func (p *Protocol) handleConfirm(ctx context.Context, env *envelope) error {
	now := p.clock.Now()

	port, err := p.store.GetGeneratedPort(env.PortID)
	if err != nil {
		return fmt.Errorf("confirmation for unknown port %s: %w", env.PortID, err)
	}
	// Expiry is derived state: an expired port rejects redemption
	// regardless of what is recorded.
	if port.Expired(now) {
		return bundle.ErrExpired
	}

	portSession, err := p.store.GetSession(port.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load port session: %w", err)
	}
	if err := portSession.Validate(); err != nil {
		return err
	}
	if portSession.KeyPair == nil {
		return session.ErrIncompleteSession
	}

	// Derive transiently; the port session itself stays unbound so a
	// failed verification poisons nothing.
	secret, err := crypto.DeriveSharedSecret(env.SenderPublicKey, portSession.KeyPair.Private)
	if err != nil {
		return err
	}

	plaintext, err := crypto.Decrypt(env.Ciphertext, secret)
	if err != nil {
		return err
	}
	var body confirmBody
	if err := json.Unmarshal(plaintext, &body); err != nil {
		return fmt.Errorf("failed to parse confirmation body: %w", err)
	}

	if body.PeerIdentityHash != crypto.HashHex(portSession.KeyPair.Public[:]) {
		logrus.WithFields(logrus.Fields{
			"function": "handleConfirm",
			"port_id":  env.PortID,
		}).Warn("Rejected confirmation with mismatched peer identity hash")
		return ErrAuthenticationMismatch
	}

	fresh, err := p.checkAndMarkToken(body.AntiReplayToken)
	if err != nil {
		return err
	}
	if !fresh {
		return ErrReplayedConfirmation
	}

	if err := p.commitRedemption(port); err != nil {
		return err
	}

	// Presets are referenced by id and resolved lazily here, so edits
	// made after the bundle was issued take effect.
	if port.PermissionPresetID != "" {
		if _, err := p.store.GetPermissionPreset(port.PermissionPresetID); err != nil && err != ledger.ErrNotFound {
			return err
		}
	}

	peerKey := env.SenderPublicKey
	connSession, err := session.NewFromMaterial(session.Material{
		KeyPair:       portSession.KeyPair,
		SharedSecret:  &secret,
		PeerPublicKey: &peerKey,
	})
	if err != nil {
		return err
	}
	if err := p.store.CreateSession(connSession); err != nil {
		return fmt.Errorf("failed to persist connection session: %w", err)
	}

	conn := &Connection{
		ID:          uuid.NewString(),
		PortID:      port.PortID,
		PeerAddress: env.ReplyAddress,
		Session:     connSession,
		CreatedAt:   now,
		state:       StateAuthenticated,
	}
	p.trackConnection(conn)

	if err := p.store.SaveConnection(&ledger.ConnectionRecord{
		ConnectionID:  conn.ID,
		PortID:        conn.PortID,
		SessionID:     connSession.ID,
		PeerAddress:   conn.PeerAddress,
		Authenticated: true,
		CreatedAt:     now,
	}); err != nil {
		return err
	}

	p.mu.Lock()
	hook := p.onRedeemed
	p.mu.Unlock()
	if hook != nil {
		hook(port.PortID)
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleConfirm",
		"port_id":  port.PortID,
		"target":   port.Target.String(),
	}).Info("Port redemption confirmed, connection authenticated")

	return p.sendAck(ctx, conn, &body, portSession.KeyPair.Public, env.SenderPublicKey)
}

// commitRedemption applies the target-specific terminal transition.
func (p *Protocol) commitRedemption(port *ledger.GeneratedPort) error {
	switch port.Target {
	case bundle.TargetDirect, bundle.TargetGroup:
		return p.store.MarkPortUsed(port.PortID, p.clock.Now())
	case bundle.TargetSuperportDirect, bundle.TargetSuperportGroup:
		return p.store.ReserveSuperPortSlot(port.PortID)
	case bundle.TargetContactPort:
		return p.store.ReserveContactPortSlot(port.PortID)
	default:
		return fmt.Errorf("%w: target %d", bundle.ErrMalformedBundle, uint8(port.Target))
	}
}

func (p *Protocol) sendAck(ctx context.Context, conn *Connection, confirmed *confirmBody, ownPublicKey, peerPublicKey [32]byte) error {
	body := confirmBody{
		PeerIdentityHash: crypto.HashHex(peerPublicKey[:]),
		// Echo the redeemer's token so it can match the ack to the
		// confirmation it sent.
		AntiReplayToken: confirmed.AntiReplayToken,
		Timestamp:       p.clock.Now().Unix(),
	}
	plaintext, err := json.Marshal(&body)
	if err != nil {
		return fmt.Errorf("failed to marshal ack: %w", err)
	}
	ciphertext, err := conn.Session.Encrypt(plaintext)
	if err != nil {
		return err
	}

	env := envelope{
		Type:            msgAck,
		Version:         bundle.Version,
		PortID:          conn.PortID,
		SenderPublicKey: ownPublicKey,
		ReplyAddress:    p.localAddress,
		Ciphertext:      ciphertext,
	}
	payload, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("failed to marshal ack envelope: %w", err)
	}

	return p.channel.Send(ctx, conn.PeerAddress, payload)
}

// handleAck runs on the redeeming side: it verifies the counterpart's
// confirmation and promotes the pending connection to authenticated.
// Several redemptions of a reusable port can be in flight at once, so
// the ack is matched to whichever pending connection's secret decrypts
// it.
func (p *Protocol) handleAck(env *envelope) error {
	waiting := p.pendingForPort(env.PortID)
	if len(waiting) == 0 {
		return fmt.Errorf("ack for unknown port %s: %w", env.PortID, ledger.ErrNotFound)
	}

	var conn *Connection
	var plaintext []byte
	for _, candidate := range waiting {
		decrypted, err := candidate.Session.Decrypt(env.Ciphertext)
		if err == nil {
			conn, plaintext = candidate, decrypted
			break
		}
	}
	if conn == nil {
		return fmt.Errorf("ack for port %s matched no pending connection: %w",
			env.PortID, crypto.ErrDecryptionFailed)
	}

	var body confirmBody
	if err := json.Unmarshal(plaintext, &body); err != nil {
		return fmt.Errorf("failed to parse ack body: %w", err)
	}

	if body.PeerIdentityHash != crypto.HashHex(conn.Session.KeyPair.Public[:]) {
		p.discardConnection(conn)
		return ErrAuthenticationMismatch
	}

	token, err := conn.Session.GetOrCreateAntiReplayToken()
	if err != nil {
		return err
	}
	if body.AntiReplayToken != token {
		p.discardConnection(conn)
		return ErrAuthenticationMismatch
	}

	conn.setState(StateAuthenticated)
	p.clearPending(conn)
	if err := p.store.SaveConnection(&ledger.ConnectionRecord{
		ConnectionID:  conn.ID,
		PortID:        conn.PortID,
		SessionID:     conn.Session.ID,
		PeerAddress:   conn.PeerAddress,
		Authenticated: true,
		CreatedAt:     conn.CreatedAt,
	}); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleAck",
		"port_id":  conn.PortID,
	}).Info("Handshake completed, connection authenticated")

	return nil
}

// discardConnection removes a connection whose handshake failed
// verification. It must never be silently authenticated.
func (p *Protocol) discardConnection(conn *Connection) {
	p.dropConnection(conn)
	if err := p.store.DeleteSession(conn.Session.ID); err != nil && err != ledger.ErrNotFound {
		logrus.WithFields(logrus.Fields{
			"function":   "discardConnection",
			"session_id": conn.Session.ID,
			"error":      err.Error(),
		}).Warn("Failed to delete session for discarded connection")
	}
	logrus.WithFields(logrus.Fields{
		"function": "discardConnection",
		"port_id":  conn.PortID,
	}).Warn("Discarded connection after failed verification")
}
