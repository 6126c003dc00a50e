package bundle

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the current bundle wire format version.
const Version = 1

// Scheme prefixes the serialized string form so bundles are usable as
// deep links.
const Scheme = "port://"

var (
	// ErrMalformedBundle indicates a string that could not be decoded
	// as a bundle at all.
	ErrMalformedBundle = errors.New("malformed bundle")

	// ErrUnsupportedVersion indicates a bundle from a newer wire format
	// than this reader understands.
	ErrUnsupportedVersion = errors.New("unsupported bundle version")

	// ErrExpired indicates a bundle whose expiry timestamp has passed.
	// Terminal: the holder must obtain a fresh bundle.
	ErrExpired = errors.New("bundle has expired")
)

// Bundle is a connection invitation. Immutable once serialized.
type Bundle struct {
	PortID             string     `json:"port_id"`
	Version            int        `json:"version"`
	Target             Target     `json:"target"`
	PublicKey          [32]byte   `json:"public_key"`
	ChannelAddress     string     `json:"channel_address"`
	Expiry             *time.Time `json:"expiry,omitempty"`
	PermissionPresetID string     `json:"permission_preset_id,omitempty"`
	Label              string     `json:"label,omitempty"`
	Description        string     `json:"description,omitempty"`
}

// Expired reports whether the bundle's expiry timestamp has passed.
// Bundles without an expiry never expire.
func (b *Bundle) Expired(now time.Time) bool {
	return b.Expiry != nil && now.After(*b.Expiry)
}

// Encode serializes the bundle to its transportable string form.
func Encode(b *Bundle) (string, error) {
	if !b.Target.Valid() {
		return "", fmt.Errorf("%w: invalid target %d", ErrMalformedBundle, uint8(b.Target))
	}

	wire := *b
	wire.Version = Version

	data, err := json.Marshal(&wire)
	if err != nil {
		return "", fmt.Errorf("failed to marshal bundle: %w", err)
	}

	return Scheme + base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode parses a serialized bundle string. The version tag is checked
// before the rest of the payload so newer formats are rejected cleanly
// with ErrUnsupportedVersion.
func Decode(s string) (*Bundle, error) {
	raw := strings.TrimPrefix(s, Scheme)

	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}

	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	if probe.Version > Version {
		return nil, fmt.Errorf("%w: got %d, reader supports up to %d", ErrUnsupportedVersion, probe.Version, Version)
	}

	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}

	if b.PortID == "" || !b.Target.Valid() {
		return nil, fmt.Errorf("%w: missing port id or invalid target", ErrMalformedBundle)
	}

	return &b, nil
}
