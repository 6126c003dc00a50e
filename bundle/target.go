// Package bundle implements the serialized invitation ("bundle") that
// one party hands another out of band, as a QR payload or deep link,
// to initiate an encrypted connection.
//
// A bundle is a capability token: possession of the string form plus
// its embedded public key is sufficient to attempt a connection. The
// wire format is a version-tagged JSON payload encoded as URL-safe
// base64 so that an older reader rejects unknown versions cleanly
// instead of misparsing them.
package bundle

import "fmt"

// Target identifies what kind of connection a bundle establishes.
type Target uint8

const (
	// TargetDirect is a single-use one-to-one invitation.
	TargetDirect Target = iota
	// TargetGroup is a single-use invitation into a group.
	TargetGroup
	// TargetSuperportDirect is a reusable one-to-one invitation with a
	// fixed redemption capacity.
	TargetSuperportDirect
	// TargetSuperportGroup is a reusable group invitation with a fixed
	// redemption capacity.
	TargetSuperportGroup
	// TargetContactPort is a persistent channel for relaying a known
	// contact to a third party.
	TargetContactPort
)

// String returns a human-readable target name.
func (t Target) String() string {
	switch t {
	case TargetDirect:
		return "direct"
	case TargetGroup:
		return "group"
	case TargetSuperportDirect:
		return "superport-direct"
	case TargetSuperportGroup:
		return "superport-group"
	case TargetContactPort:
		return "contact-port"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Valid reports whether the target is a known member of the enum.
func (t Target) Valid() bool {
	switch t {
	case TargetDirect, TargetGroup, TargetSuperportDirect, TargetSuperportGroup, TargetContactPort:
		return true
	default:
		return false
	}
}

// Reusable reports whether ports for this target admit more than one
// redemption.
func (t Target) Reusable() bool {
	switch t {
	case TargetSuperportDirect, TargetSuperportGroup, TargetContactPort:
		return true
	case TargetDirect, TargetGroup:
		return false
	default:
		return false
	}
}
