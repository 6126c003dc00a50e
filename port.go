// Package portcore implements peer connection bundles: capability
// tokens exchanged out of band that bootstrap mutually authenticated,
// end-to-end encrypted connections without a trusted introducer.
//
// The Engine is the top-level object. It owns the port ledger, the
// handshake protocol, and the contact relay, and routes incoming
// transport payloads to whichever protocol they belong to.
//
// Basic usage:
//
//	cfg := config.Default()
//	cfg.ChannelAddress = "channel/self"
//	engine, err := portcore.New(&portcore.Options{Config: cfg, Channel: ch})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	encoded, err := engine.GenerateBundle(portcore.GenerateOptions{
//		Target: bundle.TargetDirect,
//		Label:  "for a friend",
//	})
package portcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shantanav/port-mobile-sub006/bundle"
	"github.com/shantanav/port-mobile-sub006/config"
	"github.com/shantanav/port-mobile-sub006/handshake"
	"github.com/shantanav/port-mobile-sub006/ledger"
	"github.com/shantanav/port-mobile-sub006/relay"
	"github.com/shantanav/port-mobile-sub006/transport"
)

// ErrNoChannel indicates an Engine was created without a transport.
var ErrNoChannel = errors.New("no transport channel configured")

// Options configures a new Engine. Config and Channel are required;
// Store overrides the backend the configuration would select, which is
// mainly useful in tests.
type Options struct {
	Config  *config.Config
	Channel transport.Channel
	Store   ledger.Store
}

// Engine is one party's full protocol stack.
type Engine struct {
	cfg       *config.Config
	store     ledger.Store
	handshake *handshake.Protocol
	relay     *relay.Protocol
}

// New creates an Engine from options, opening the configured ledger
// backend and bootstrapping the default permission preset on first
// run.
func New(options *Options) (*Engine, error) {
	if options == nil || options.Channel == nil {
		return nil, ErrNoChannel
	}

	cfg := options.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store := options.Store
	if store == nil {
		var err error
		store, err = openStore(cfg)
		if err != nil {
			return nil, err
		}
	}

	if err := bootstrapDefaultPreset(store); err != nil {
		store.Close()
		return nil, err
	}

	hs := handshake.New(store, options.Channel, cfg.ChannelAddress)
	rel := relay.New(store, hs, options.Channel, cfg.ChannelAddress)

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"address":  cfg.ChannelAddress,
		"driver":   cfg.StorageDriver,
	}).Info("Port engine started")

	return &Engine{
		cfg:       cfg,
		store:     store,
		handshake: hs,
		relay:     rel,
	}, nil
}

func openStore(cfg *config.Config) (ledger.Store, error) {
	if cfg.StorageDriver == "memory" {
		return ledger.NewMemoryStore(), nil
	}
	return ledger.NewSQLiteStore(cfg.DatabasePath())
}

// bootstrapDefaultPreset seeds a conservative default permission
// preset on first run. Contact sharing starts disabled; the holder
// opts in per contact.
func bootstrapDefaultPreset(store ledger.Store) error {
	_, err := store.DefaultPermissionPreset()
	if err == nil {
		return nil
	}
	if err != ledger.ErrNotFound {
		return err
	}

	preset := ledger.PermissionPreset{
		PresetID:       uuid.NewString(),
		Name:           "default",
		IsDefault:      true,
		ContactSharing: false,
		Calling:        true,
		ReadReceipts:   true,
		DisplayPicture: true,
	}
	return store.SavePermissionPreset(&preset)
}

// Close releases the ledger backend.
func (e *Engine) Close() error {
	return e.store.Close()
}

// GenerateOptions describes one bundle to generate at the facade
// level. Zero-valued fields fall back to the engine configuration.
type GenerateOptions struct {
	Target              bundle.Target
	Label               string
	Description         string
	ExpiresIn           time.Duration
	NeverExpires        bool
	PermissionPresetID  string
	ConnectionsPossible int
	// PairHash keys the contact port for TargetContactPort bundles.
	PairHash string
}

// GenerateBundle creates a new port and returns its serialized bundle
// for out-of-band delivery. Unless NeverExpires is set, the configured
// default expiry applies when ExpiresIn is zero.
func (e *Engine) GenerateBundle(opts GenerateOptions) (string, error) {
	expiresIn := opts.ExpiresIn
	if expiresIn == 0 && !opts.NeverExpires {
		expiresIn = e.cfg.DefaultExpiry
	}
	capacity := opts.ConnectionsPossible
	if capacity == 0 {
		capacity = e.cfg.SuperportCapacity
	}

	_, encoded, err := e.handshake.GenerateBundle(handshake.GenerateParams{
		Target:              opts.Target,
		Label:               opts.Label,
		Description:         opts.Description,
		ExpiresIn:           expiresIn,
		PermissionPresetID:  opts.PermissionPresetID,
		ConnectionsPossible: capacity,
		PairHash:            opts.PairHash,
	})
	return encoded, err
}

// ReadBundle redeems a bundle received out of band and starts the
// handshake. The returned connection authenticates once the
// generating side's ack arrives.
func (e *Engine) ReadBundle(ctx context.Context, encoded, chosenPresetID string) (*handshake.Connection, error) {
	return e.handshake.ReadBundle(ctx, encoded, chosenPresetID)
}

// GetPendingGeneratedPorts lists invitations that have not completed a
// redemption.
func (e *Engine) GetPendingGeneratedPorts() ([]handshake.PendingPort, error) {
	return e.handshake.PendingGeneratedPorts()
}

// DeleteGeneratedPort withdraws an outstanding invitation.
func (e *Engine) DeleteGeneratedPort(portID string) error {
	return e.handshake.DeleteGeneratedPort(portID)
}

// RequestContactShare asks the source contact for an introduction
// bundle to forward to the destination.
func (e *Engine) RequestContactShare(ctx context.Context, sourceChatID, destinationChatID string) (string, error) {
	return e.relay.RequestContactShare(ctx, sourceChatID, destinationChatID)
}

// ApproveContactShare approves a pending share request if the
// contact-sharing permission allows it. Denial is silent.
func (e *Engine) ApproveContactShare(ctx context.Context, requestID, presetID string) error {
	return e.relay.ApproveContactShareIfPermitted(ctx, requestID, presetID)
}

// RelayContactBundle forwards an approved bundle to its destination.
// Safe to retry after a failed delivery.
func (e *Engine) RelayContactBundle(ctx context.Context, requestID string) error {
	return e.relay.RelayContactBundle(ctx, requestID)
}

// PauseContactSharing suspends or resumes introductions for one
// requester without discarding history.
func (e *Engine) PauseContactSharing(requesterChatID string, paused bool) error {
	return e.relay.PauseContactSharing(requesterChatID, paused)
}

// Connection returns an established connection by id.
func (e *Engine) Connection(id string) (*handshake.Connection, bool) {
	return e.handshake.Connection(id)
}

// Connections returns all tracked connections.
func (e *Engine) Connections() []*handshake.Connection {
	return e.handshake.Connections()
}

// Store exposes the underlying ledger, mainly for permission preset
// management.
func (e *Engine) Store() ledger.Store {
	return e.store
}

// HandleIncoming routes a transport payload to the protocol it
// belongs to, keyed by the type field's prefix.
func (e *Engine) HandleIncoming(ctx context.Context, payload []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}

	switch {
	case strings.HasPrefix(probe.Type, "handshake."):
		return e.handshake.HandleIncoming(ctx, payload)
	case strings.HasPrefix(probe.Type, "relay."):
		return e.relay.HandleIncoming(ctx, payload)
	default:
		return fmt.Errorf("%w: %q", handshake.ErrUnknownMessageType, probe.Type)
	}
}
