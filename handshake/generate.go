package handshake

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shantanav/port-mobile-sub006/bundle"
	"github.com/shantanav/port-mobile-sub006/ledger"
	"github.com/shantanav/port-mobile-sub006/session"
)

// GenerateBundle creates a fresh session and port row, then encodes
// the invitation. No network traffic: the caller transports the
// returned string out of band (QR code or link).
func (p *Protocol) GenerateBundle(params GenerateParams) (*bundle.Bundle, string, error) {
	if !params.Target.Valid() {
		return nil, "", fmt.Errorf("%w: target %d", bundle.ErrMalformedBundle, uint8(params.Target))
	}

	sess, err := session.New()
	if err != nil {
		return nil, "", err
	}
	if err := p.store.CreateSession(sess); err != nil {
		return nil, "", fmt.Errorf("failed to persist session: %w", err)
	}

	now := p.clock.Now()
	var expiry *time.Time
	if params.ExpiresIn > 0 {
		at := now.Add(params.ExpiresIn)
		expiry = &at
	}

	port := ledger.GeneratedPort{
		PortID:             uuid.NewString(),
		SessionID:          sess.ID,
		Target:             params.Target,
		Label:              params.Label,
		CreatedAt:          now,
		Expiry:             expiry,
		PermissionPresetID: params.PermissionPresetID,
	}

	switch params.Target {
	case bundle.TargetDirect, bundle.TargetGroup:
		if err := p.store.SaveGeneratedPort(&port); err != nil {
			return nil, "", err
		}
	case bundle.TargetSuperportDirect, bundle.TargetSuperportGroup:
		capacity := params.ConnectionsPossible
		if capacity <= 0 {
			capacity = DefaultSuperportCapacity
		}
		super := ledger.SuperPort{GeneratedPort: port, ConnectionsPossible: capacity}
		if err := p.store.SaveSuperPort(&super); err != nil {
			return nil, "", err
		}
	case bundle.TargetContactPort:
		if err := p.store.SaveGeneratedPort(&port); err != nil {
			return nil, "", err
		}
		contact := ledger.ContactPort{
			PortID:    port.PortID,
			PairHash:  params.PairHash,
			Owner:     true,
			SessionID: sess.ID,
			CreatedAt: now,
		}
		if err := p.store.SaveContactPort(&contact); err != nil {
			return nil, "", err
		}
	}

	address := p.localAddress
	if params.ChannelTag != "" {
		address = address + "#" + params.ChannelTag
	}

	b := &bundle.Bundle{
		PortID:             port.PortID,
		Target:             params.Target,
		PublicKey:          sess.KeyPair.Public,
		ChannelAddress:     address,
		Expiry:             expiry,
		PermissionPresetID: params.PermissionPresetID,
		Label:              params.Label,
		Description:        params.Description,
	}

	encoded, err := bundle.Encode(b)
	if err != nil {
		return nil, "", err
	}

	logrus.WithFields(logrus.Fields{
		"function": "GenerateBundle",
		"port_id":  port.PortID,
		"target":   params.Target.String(),
	}).Info("Generated port bundle")

	return b, encoded, nil
}

// PendingPort is one outstanding invitation, as shown to the caller.
type PendingPort struct {
	PortID    string
	Label     string
	CreatedAt time.Time
	IsLink    bool
}

// PendingGeneratedPorts lists outstanding invitations that can still
// complete a redemption. Used, exhausted, and expired ports are
// omitted.
func (p *Protocol) PendingGeneratedPorts() ([]PendingPort, error) {
	ports, err := p.store.ListPendingGeneratedPorts()
	if err != nil {
		return nil, err
	}

	now := p.clock.Now()
	out := make([]PendingPort, 0, len(ports))
	for _, port := range ports {
		if port.Expired(now) {
			continue
		}
		out = append(out, PendingPort{
			PortID:    port.PortID,
			Label:     port.Label,
			CreatedAt: port.CreatedAt,
			IsLink:    port.Target.Reusable(),
		})
	}
	return out, nil
}

// DeleteGeneratedPort withdraws an outstanding invitation and destroys
// the session it references.
func (p *Protocol) DeleteGeneratedPort(portID string) error {
	port, err := p.store.GetGeneratedPort(portID)
	if err != nil {
		return err
	}
	if err := p.store.DeleteGeneratedPort(portID); err != nil {
		return err
	}
	if err := p.store.DeleteSession(port.SessionID); err != nil && err != ledger.ErrNotFound {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "DeleteGeneratedPort",
		"port_id":  portID,
	}).Info("Deleted generated port")

	return nil
}
