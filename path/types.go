// types.go - Path hop types.
// Copyright (C) 2025  The nyxnet authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package path builds, owns, and uses onion routed paths: the hop state
// held by an originator, the transit state held by relays, and the
// process wide registry routing inbound frames to either.
package path

import (
	"encoding/hex"
	"time"

	"github.com/nyxnet/nyxnet/core/contact"
	"github.com/nyxnet/nyxnet/core/crypto"
	"github.com/nyxnet/nyxnet/messages"
)

const (
	// HopIDSize is the size in bytes of a hop identifier.
	HopIDSize = messages.HopIDSize

	// DefaultNumHops is the canonical path length.
	DefaultNumHops = 4

	// DefaultLifetime is how long a built path stays usable.
	DefaultLifetime = 20 * time.Minute

	// BuildTimeout bounds an entire path build round trip.
	BuildTimeout = 15 * time.Second

	// LatencyInterval is the cadence of latency probes on an
	// established path.
	LatencyInterval = 5 * time.Second
)

// HopID identifies one direction of one hop of one path.  Each hop holds
// two: rx tags frames arriving from the previous hop, tx tags frames it
// forwards.  HopIDs must be unpredictable.
type HopID [HopIDSize]byte

// NewHopID returns a fresh random hop identifier.
func NewHopID() HopID {
	var id HopID
	copy(id[:], crypto.RandomBytes(HopIDSize))
	return id
}

// HopIDFromBytes constructs a HopID from a 16 byte slice.
func HopIDFromBytes(b []byte) (HopID, error) {
	var id HopID
	if len(b) != HopIDSize {
		return id, messages.ErrMalformed
	}
	copy(id[:], b)
	return id, nil
}

// IsZero returns true iff the identifier is unset.
func (id HopID) IsZero() bool {
	return id == HopID{}
}

// String returns a short printable form of the identifier.
func (id HopID) String() string {
	return hex.EncodeToString(id[:4])
}

// Hop is the originator's per-hop state for one hop of a path.
type Hop struct {
	// RC is the contact of the relay at this position.
	RC *contact.RouterContact

	// Upstream is the identity of the next hop, or the relay's own
	// identity at the pivot.
	Upstream contact.RouterID

	// TX and RX are the hop identifier pair; TX of hop i equals RX of
	// hop i+1, and the pivot's TX loops back to its own RX.
	TX HopID
	RX HopID

	// Key is the symmetric session key derived with the relay during
	// the build.
	Key crypto.SymmKey

	// NonceXOR is the deterministic nonce mutator, derived from Key.
	NonceXOR crypto.SymmNonce

	// Lifetime the hop was asked to keep its transit state for.
	Lifetime time.Duration
}

// Equal compares the fields that identify a hop configuration.  Session
// keys are deliberately excluded: two builds over the same relays with
// the same identifiers describe the same hop.
func (h *Hop) Equal(other *Hop) bool {
	return h.RC.RouterID() == other.RC.RouterID() &&
		h.Upstream == other.Upstream &&
		h.TX == other.TX &&
		h.RX == other.RX &&
		h.Lifetime == other.Lifetime
}
