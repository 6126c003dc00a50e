// Package relay implements the three-party contact relay: a requester
// asks one of its contacts (the source) for an introduction bundle and
// forwards it to a third party (the destination), without the
// destination ever holding a raw long-term secret.
//
// Relay state lives in its own ContactShareRequest records with an
// explicit Pending/Approved/Relayed status, not inside message blobs.
// Approval is idempotent and gated by the source's contact-sharing
// permission; a denied request is dropped silently so permission state
// never leaks back to the requester.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shantanav/port-mobile-sub006/bundle"
	"github.com/shantanav/port-mobile-sub006/crypto"
	"github.com/shantanav/port-mobile-sub006/handshake"
	"github.com/shantanav/port-mobile-sub006/ledger"
	"github.com/shantanav/port-mobile-sub006/transport"
)

// Message types carried over the channel.
const (
	msgRequest  = "relay.request"
	msgResponse = "relay.response"
	msgDelivery = "relay.delivery"
)

// shareMessage is the wire form of all three relay steps.
type shareMessage struct {
	Type              string `json:"type"`
	RequestID         string `json:"request_id"`
	RequesterChatID   string `json:"requester_chat_id,omitempty"`
	SourceChatID      string `json:"source_chat_id,omitempty"`
	DestinationChatID string `json:"destination_chat_id,omitempty"`
	Bundle            string `json:"bundle,omitempty"`
	TicketID          string `json:"ticket_id,omitempty"`
}

// sharedPortState ties a generated shared port back to the relay that
// authorized it, so redemption can consume the ticket.
type sharedPortState struct {
	requestID     string
	ticketID      string
	contactPortID string
}

// Protocol is one party's relay engine. The same engine plays
// requester, source, or destination depending on which operations and
// payloads reach it.
type Protocol struct {
	store        ledger.Store
	hs           *handshake.Protocol
	channel      transport.Channel
	localAddress string
	clock        crypto.TimeProvider

	mu          sync.Mutex
	sharedPorts map[string]sharedPortState // by port id
}

// New creates a relay protocol on top of an existing handshake
// protocol. It registers itself as the handshake's redemption hook so
// shared-port redemptions consume their tickets.
func New(store ledger.Store, hs *handshake.Protocol, channel transport.Channel, localAddress string) *Protocol {
	p := &Protocol{
		store:        store,
		hs:           hs,
		channel:      channel,
		localAddress: localAddress,
		clock:        crypto.DefaultTimeProvider{},
		sharedPorts:  make(map[string]sharedPortState),
	}
	hs.SetRedeemedHook(p.onPortRedeemed)
	return p
}

// SetTimeProvider overrides the clock for deterministic tests.
func (p *Protocol) SetTimeProvider(tp crypto.TimeProvider) {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	p.clock = tp
}

// RequestContactShare starts a relay as the requester: it records the
// request and asks the source for an introduction bundle naming the
// destination. The paired info message for the destination's
// conversation is referenced by the returned request's MessageID.
func (p *Protocol) RequestContactShare(ctx context.Context, sourceChatID, destinationChatID string) (string, error) {
	req := ledger.ContactShareRequest{
		RequestID:         uuid.NewString(),
		RequesterChatID:   p.localAddress,
		SourceChatID:      sourceChatID,
		DestinationChatID: destinationChatID,
		MessageID:         uuid.NewString(),
		Status:            ledger.ShareStatusPending,
		CreatedAt:         p.clock.Now(),
	}
	if err := p.store.SaveContactShareRequest(&req); err != nil {
		return "", err
	}

	msg := shareMessage{
		Type:              msgRequest,
		RequestID:         req.RequestID,
		RequesterChatID:   req.RequesterChatID,
		SourceChatID:      sourceChatID,
		DestinationChatID: destinationChatID,
	}
	if err := p.send(ctx, sourceChatID, &msg); err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "RequestContactShare",
		"request_id": req.RequestID,
	}).Info("Requested contact share")

	return req.RequestID, nil
}

// ApproveContactShareIfPermitted runs on the source: if the
// contact-sharing permission for the requester is enabled, it
// generates a fresh direct bundle, issues a single-use ticket against
// the pair's contact port, and answers the requester. A disabled
// permission drops the request silently. Re-approving an approved
// request fails with ledger.ErrAlreadyApproved and generates nothing.
func (p *Protocol) ApproveContactShareIfPermitted(ctx context.Context, requestID, presetID string) error {
	req, err := p.store.GetContactShareRequest(requestID)
	if err != nil {
		return err
	}

	preset, err := p.resolvePreset(presetID)
	if err != nil {
		return err
	}
	if !preset.ContactSharing {
		// Intentionally silent: no error reaches the requester, so
		// permission state does not leak.
		logrus.WithFields(logrus.Fields{
			"function":   "ApproveContactShareIfPermitted",
			"request_id": requestID,
		}).Debug("Contact sharing disabled, dropping request")
		return nil
	}

	if req.Status != ledger.ShareStatusPending {
		return ledger.ErrAlreadyApproved
	}

	contactPort, err := p.contactPortForPair(req.RequesterChatID)
	if err != nil {
		return err
	}
	if contactPort.Paused {
		return ledger.ErrPortPaused
	}

	b, encoded, err := p.hs.GenerateBundle(handshake.GenerateParams{
		Target:             bundle.TargetDirect,
		Label:              "shared via " + req.RequesterChatID,
		ChannelTag:         "shared://" + req.RequesterChatID,
		PermissionPresetID: preset.PresetID,
	})
	if err != nil {
		return err
	}

	ticket := ledger.ContactPortTicket{
		TicketID:      uuid.NewString(),
		ContactPortID: contactPort.PortID,
		Active:        true,
		CreatedAt:     p.clock.Now(),
	}
	if err := p.store.CreateTicket(&ticket); err != nil {
		return err
	}

	if err := p.store.ApproveContactShareRequest(requestID, encoded, ticket.TicketID, p.clock.Now()); err != nil {
		// Lost an approval race: withdraw the extra bundle so exactly
		// one survives.
		if derr := p.hs.DeleteGeneratedPort(b.PortID); derr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ApproveContactShareIfPermitted",
				"port_id":  b.PortID,
				"error":    derr.Error(),
			}).Warn("Failed to withdraw duplicate shared bundle")
		}
		if cerr := p.store.ConsumeTicket(ticket.TicketID); cerr != nil && cerr != ledger.ErrTicketConsumed {
			logrus.WithField("error", cerr.Error()).Warn("Failed to void duplicate ticket")
		}
		return err
	}

	p.mu.Lock()
	p.sharedPorts[b.PortID] = sharedPortState{
		requestID:     requestID,
		ticketID:      ticket.TicketID,
		contactPortID: contactPort.PortID,
	}
	p.mu.Unlock()

	msg := shareMessage{
		Type:      msgResponse,
		RequestID: requestID,
		Bundle:    encoded,
		TicketID:  ticket.TicketID,
	}
	if err := p.send(ctx, req.RequesterChatID, &msg); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "ApproveContactShareIfPermitted",
		"request_id": requestID,
		"port_id":    b.PortID,
	}).Info("Approved contact share")

	return nil
}

// RelayContactBundle runs on the requester: it forwards the approved
// bundle to the destination. Relay is the retriable step: a failed
// delivery can be retried without touching approval state, and
// re-relaying an already-relayed request succeeds.
func (p *Protocol) RelayContactBundle(ctx context.Context, requestID string) error {
	req, err := p.store.GetContactShareRequest(requestID)
	if err != nil {
		return err
	}
	if req.Status == ledger.ShareStatusPending {
		return ledger.ErrNotApproved
	}

	msg := shareMessage{
		Type:         msgDelivery,
		RequestID:    requestID,
		SourceChatID: req.SourceChatID,
		Bundle:       req.BundleString,
		TicketID:     req.TicketID,
	}
	if err := p.send(ctx, req.DestinationChatID, &msg); err != nil {
		return err
	}

	if err := p.store.MarkContactShareRelayed(requestID); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "RelayContactBundle",
		"request_id": requestID,
	}).Info("Relayed contact bundle to destination")

	return nil
}

// HandleIncoming processes a relay payload delivered by the transport.
func (p *Protocol) HandleIncoming(ctx context.Context, payload []byte) error {
	var msg shareMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to parse relay payload: %w", err)
	}

	switch msg.Type {
	case msgRequest:
		return p.handleRequest(&msg)
	case msgResponse:
		return p.handleResponse(&msg)
	case msgDelivery:
		return p.handleDelivery(ctx, &msg)
	default:
		return fmt.Errorf("%w: %q", handshake.ErrUnknownMessageType, msg.Type)
	}
}

// handleRequest runs on the source: record the incoming request as
// pending. Approval is a separate, user-driven step.
func (p *Protocol) handleRequest(msg *shareMessage) error {
	req := ledger.ContactShareRequest{
		RequestID:         msg.RequestID,
		RequesterChatID:   msg.RequesterChatID,
		SourceChatID:      p.localAddress,
		DestinationChatID: msg.DestinationChatID,
		Status:            ledger.ShareStatusPending,
		CreatedAt:         p.clock.Now(),
	}
	return p.store.SaveContactShareRequest(&req)
}

// handleResponse runs on the requester: record the approval and the
// received bundle. A duplicate response is idempotent.
func (p *Protocol) handleResponse(msg *shareMessage) error {
	err := p.store.ApproveContactShareRequest(msg.RequestID, msg.Bundle, msg.TicketID, p.clock.Now())
	if err == ledger.ErrAlreadyApproved {
		logrus.WithFields(logrus.Fields{
			"function":   "handleResponse",
			"request_id": msg.RequestID,
		}).Debug("Duplicate share response ignored")
		return nil
	}
	return err
}

// handleDelivery runs on the destination: redeem the relayed bundle,
// recording the authorizing ticket on the read port.
func (p *Protocol) handleDelivery(ctx context.Context, msg *shareMessage) error {
	conn, err := p.hs.ReadSharedBundle(ctx, msg.Bundle, "", msg.TicketID)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "handleDelivery",
		"request_id": msg.RequestID,
		"port_id":    conn.PortID,
		"state":      conn.State().String(),
	}).Info("Redeemed relayed contact bundle")

	return nil
}

// onPortRedeemed consumes the authorizing ticket and counts the
// connection against the pair's contact port when a shared port
// completes its redemption.
func (p *Protocol) onPortRedeemed(portID string) {
	p.mu.Lock()
	state, ok := p.sharedPorts[portID]
	p.mu.Unlock()
	if !ok {
		return
	}

	if err := p.store.ConsumeTicket(state.ticketID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "onPortRedeemed",
			"ticket_id": state.ticketID,
			"error":     err.Error(),
		}).Warn("Failed to consume share ticket")
	}
	if err := p.store.ReserveContactPortSlot(state.contactPortID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "onPortRedeemed",
			"port_id":  state.contactPortID,
			"error":    err.Error(),
		}).Warn("Failed to count contact port connection")
	}
}

// contactPortForPair finds or creates the owner-side contact port for
// the (source, requester) pair.
func (p *Protocol) contactPortForPair(requesterChatID string) (*ledger.ContactPort, error) {
	pairHash := crypto.HashHex([]byte(p.localAddress + "|" + requesterChatID))

	port, err := p.store.GetContactPortByPair(pairHash, true)
	if err == nil {
		return port, nil
	}
	if err != ledger.ErrNotFound {
		return nil, err
	}

	port = &ledger.ContactPort{
		PortID:    uuid.NewString(),
		PairHash:  pairHash,
		Owner:     true,
		CreatedAt: p.clock.Now(),
	}
	if err := p.store.SaveContactPort(port); err != nil {
		return nil, err
	}
	return port, nil
}

// PauseContactSharing suspends new redemptions through the contact
// port for the given requester without deleting its history.
func (p *Protocol) PauseContactSharing(requesterChatID string, paused bool) error {
	pairHash := crypto.HashHex([]byte(p.localAddress + "|" + requesterChatID))
	port, err := p.store.GetContactPortByPair(pairHash, true)
	if err != nil {
		return err
	}
	return p.store.SetContactPortPaused(port.PortID, paused)
}

func (p *Protocol) resolvePreset(presetID string) (*ledger.PermissionPreset, error) {
	if presetID == "" {
		return p.store.DefaultPermissionPreset()
	}
	return p.store.GetPermissionPreset(presetID)
}

func (p *Protocol) send(ctx context.Context, address string, msg *shareMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal relay message: %w", err)
	}
	return p.channel.Send(ctx, address, payload)
}
