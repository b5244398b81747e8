// onion.go - Onion frame and inner payload s11n.
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

// Package messages defines the wire frames exchanged between routers: the
// outer onion frame, the inner control/data payloads seen by a pivot, the
// path build records, and the typed bodies of the link level commands.
// Everything is encoded as canonical CBOR dicts.
package messages

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/nyxnet/nyxnet/core/crypto"
)

// ErrMalformed is returned when a frame fails to decode or fails type and
// length checks.
var ErrMalformed = errors.New("messages: malformed")

// HopIDSize is the size in bytes of a hop identifier.
const HopIDSize = 16

// Inner payload tags, distinguishing control requests from datagrams at
// the pivot.
const (
	TagControl = "C"
	TagData    = "D"
)

var ccbor cbor.EncMode

// OnionFrame is the outer frame of every onion-routed message: the hop
// identifier the next relay routes by, the threaded nonce, and the layered
// ciphertext.
type OnionFrame struct {
	HopID   [HopIDSize]byte  `cbor:"h"`
	Nonce   crypto.SymmNonce `cbor:"n"`
	Payload []byte           `cbor:"p"`
}

// Encode returns the canonical encoding of the frame.
func (f *OnionFrame) Encode() []byte {
	b, err := ccbor.Marshal(f)
	if err != nil {
		panic("messages: onion frame encode: " + err.Error())
	}
	return b
}

// ParseOnionFrame decodes an onion frame.
func ParseOnionFrame(b []byte) (*OnionFrame, error) {
	f := new(OnionFrame)
	if err := cbor.Unmarshal(b, f); err != nil {
		return nil, fmt.Errorf("%w: onion frame: %v", ErrMalformed, err)
	}
	return f, nil
}

// InnerPayload is the fully peeled message seen by the pivot: either a
// control request bound for a named handler, or a datagram bound for the
// endpoint owning the session.
type InnerPayload struct {
	Tag string `cbor:"A"`

	// Control fields.
	Endpoint string `cbor:"e,omitempty"`
	Body     []byte `cbor:"b,omitempty"`

	// Data fields.  Body doubles as the datagram ciphertext.
	Sender []byte `cbor:"s,omitempty"`
}

// EncodeControl builds the inner payload of a path control request.
func EncodeControl(endpoint string, body []byte) []byte {
	p := &InnerPayload{Tag: TagControl, Endpoint: endpoint, Body: body}
	b, err := ccbor.Marshal(p)
	if err != nil {
		panic("messages: inner control encode: " + err.Error())
	}
	return b
}

// EncodeData builds the inner payload of a path data message.
func EncodeData(body, sender []byte) []byte {
	p := &InnerPayload{Tag: TagData, Body: body, Sender: sender}
	b, err := ccbor.Marshal(p)
	if err != nil {
		panic("messages: inner data encode: " + err.Error())
	}
	return b
}

// ParseInner decodes a peeled inner payload.
func ParseInner(b []byte) (*InnerPayload, error) {
	p := new(InnerPayload)
	if err := cbor.Unmarshal(b, p); err != nil {
		return nil, fmt.Errorf("%w: inner payload: %v", ErrMalformed, err)
	}
	switch p.Tag {
	case TagControl:
		if p.Endpoint == "" {
			return nil, fmt.Errorf("%w: control payload without endpoint", ErrMalformed)
		}
	case TagData:
	default:
		return nil, fmt.Errorf("%w: unknown payload tag '%v'", ErrMalformed, p.Tag)
	}
	return p, nil
}

// PathTransfer hands a payload across a shared pivot: the pivot wraps
// Payload backward along whichever of its transit hops owns DestRX.
type PathTransfer struct {
	DestRX  [HopIDSize]byte  `cbor:"P"`
	Nonce   crypto.SymmNonce `cbor:"n"`
	Payload []byte           `cbor:"p"`
}

func (m *PathTransfer) Encode() []byte {
	b, err := ccbor.Marshal(m)
	if err != nil {
		panic("messages: path transfer encode: " + err.Error())
	}
	return b
}

// ParsePathTransfer decodes a path_transfer body.
func ParsePathTransfer(b []byte) (*PathTransfer, error) {
	m := new(PathTransfer)
	if err := cbor.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: path transfer: %v", ErrMalformed, err)
	}
	return m, nil
}

func init() {
	var err error
	ccbor, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}
