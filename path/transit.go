// transit.go - Transit hop state.
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

package path

import (
	"fmt"
	"time"

	"github.com/nyxnet/nyxnet/core/contact"
	"github.com/nyxnet/nyxnet/core/crypto"
	"github.com/nyxnet/nyxnet/messages"
)

// TransitHop is the state a relay keeps for one hop of someone else's
// path.  It is addressable by either of its two hop identifiers.
type TransitHop struct {
	// RX tags frames arriving from Downstream; TX tags frames this
	// relay forwards toward Upstream.
	RX HopID
	TX HopID

	// Key and NonceXOR are the session secrets derived during the
	// build.
	Key      crypto.SymmKey
	NonceXOR crypto.SymmNonce

	// Downstream is the peer the build request arrived from, toward
	// the originator.  Upstream is the next relay toward the pivot; at
	// the pivot it is the relay's own identity.
	Downstream contact.RouterID
	Upstream   contact.RouterID

	ExpiresAt time.Time
}

// IsTerminal reports whether this relay is the path's pivot.
func (t *TransitHop) IsTerminal(local contact.RouterID) bool {
	return t.Upstream == local
}

// IsExpired returns true iff the hop's lifetime has lapsed at now.
func (t *TransitHop) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// PeelForward removes the originator's layer for this hop from payload
// in place and returns the rewritten outer frame, addressed for the
// upstream relay.
func (t *TransitHop) PeelForward(frame *messages.OnionFrame) *messages.OnionFrame {
	nonce := crypto.OnionPeel(frame.Payload, &t.Key, frame.Nonce, t.NonceXOR)
	return &messages.OnionFrame{
		HopID:   [messages.HopIDSize]byte(t.TX),
		Nonce:   nonce,
		Payload: frame.Payload,
	}
}

// WrapBackward adds this hop's layer to a response payload in place and
// returns the rewritten outer frame, addressed for the downstream relay.
func (t *TransitHop) WrapBackward(frame *messages.OnionFrame) *messages.OnionFrame {
	nonce := crypto.OnionStep(frame.Payload, &t.Key, frame.Nonce, t.NonceXOR)
	return &messages.OnionFrame{
		HopID:   [messages.HopIDSize]byte(t.RX),
		Nonce:   nonce,
		Payload: frame.Payload,
	}
}

func (t *TransitHop) String() string {
	return fmt.Sprintf("transit rx=%v tx=%v %v<->%v", t.RX, t.TX, t.Downstream, t.Upstream)
}
