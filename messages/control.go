// control.go - Path control command bodies: exits, lookups, latency.
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

package messages

import (
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/nyxnet/nyxnet/core/crypto"
)

// ObtainExit asks the pivot to become an exit for the signing identity.
// The signature covers the canonical encoding with the signature slot
// empty, proving the request came from the keyholder.
type ObtainExit struct {
	PubKey []byte `cbor:"I"`
	Flag   uint64 `cbor:"E"`
	TxID   []byte `cbor:"T"`
	Sig    []byte `cbor:"Z,omitempty"`
}

// SignAndEncodeObtainExit builds a signed obtain_exit body.
func SignAndEncodeObtainExit(sk *ed25519.PrivateKey, flag uint64, txID []byte) []byte {
	m := &ObtainExit{
		PubKey: sk.PublicKey().Bytes(),
		Flag:   flag,
		TxID:   txID,
	}
	m.Sig = crypto.Sign(sk, mustEncode(m))
	return mustEncode(m)
}

// ParseObtainExit decodes an obtain_exit body.
func ParseObtainExit(b []byte) (*ObtainExit, error) {
	return parse[ObtainExit](b, "obtain_exit")
}

// VerifySig checks the embedded signature against the embedded key.
func (m *ObtainExit) VerifySig() bool {
	pk := new(ed25519.PublicKey)
	if err := pk.FromBytes(m.PubKey); err != nil {
		return false
	}
	unsigned := *m
	unsigned.Sig = nil
	return crypto.Verify(pk, mustEncode(&unsigned), m.Sig)
}

// UpdateExit refreshes an exit grant before it lapses.
type UpdateExit struct {
	TxID []byte `cbor:"T"`
	Sig  []byte `cbor:"Z,omitempty"`
}

// SignAndEncodeUpdateExit builds a signed update_exit body.
func SignAndEncodeUpdateExit(sk *ed25519.PrivateKey, txID []byte) []byte {
	m := &UpdateExit{TxID: txID}
	m.Sig = crypto.Sign(sk, mustEncode(m))
	return mustEncode(m)
}

// ParseUpdateExit decodes an update_exit body.
func ParseUpdateExit(b []byte) (*UpdateExit, error) {
	return parse[UpdateExit](b, "update_exit")
}

// CloseExit relinquishes an exit grant.
type CloseExit struct {
	TxID []byte `cbor:"T"`
	Sig  []byte `cbor:"Z,omitempty"`
}

// SignAndEncodeCloseExit builds a signed close_exit body.
func SignAndEncodeCloseExit(sk *ed25519.PrivateKey, txID []byte) []byte {
	m := &CloseExit{TxID: txID}
	m.Sig = crypto.Sign(sk, mustEncode(m))
	return mustEncode(m)
}

// ParseCloseExit decodes a close_exit body.
func ParseCloseExit(b []byte) (*CloseExit, error) {
	return parse[CloseExit](b, "close_exit")
}

// LatencyProbe is echoed verbatim by the pivot; the originator computes
// the round trip from SentAt on return.
type LatencyProbe struct {
	ID     uint64 `cbor:"i"`
	SentAt int64  `cbor:"t"` // Unix milliseconds
}

func (m *LatencyProbe) Encode() []byte { return mustEncode(m) }

// ParseLatencyProbe decodes a path_latency body.
func ParseLatencyProbe(b []byte) (*LatencyProbe, error) {
	return parse[LatencyProbe](b, "latency probe")
}

// FindName resolves a human readable name to an address blob.
type FindName struct {
	Name string `cbor:"H"`
}

func (m *FindName) Encode() []byte { return mustEncode(m) }

// ParseFindName decodes a find_name body.
func ParseFindName(b []byte) (*FindName, error) {
	return parse[FindName](b, "find_name")
}

// NameResponse answers find_name.
type NameResponse struct {
	Result []byte `cbor:"E"`
}

func (m *NameResponse) Encode() []byte { return mustEncode(m) }

// ParseNameResponse decodes a find_name reply.
func ParseNameResponse(b []byte) (*NameResponse, error) {
	return parse[NameResponse](b, "name response")
}

// FindIntro looks up a published introduction by its keyspace location.
type FindIntro struct {
	Location [32]byte `cbor:"S"`
	Order    uint64   `cbor:"O"`
	Relayed  bool     `cbor:"R"`
}

func (m *FindIntro) Encode() []byte { return mustEncode(m) }

// ParseFindIntro decodes a find_intro body.
func ParseFindIntro(b []byte) (*FindIntro, error) {
	return parse[FindIntro](b, "find_intro")
}

// PublishIntro stores an introduction blob at the pivot.
type PublishIntro struct {
	Location [32]byte `cbor:"S"`
	Intro    []byte   `cbor:"I"`
	TTL      int64    `cbor:"T"` // seconds
}

func (m *PublishIntro) Encode() []byte { return mustEncode(m) }

// ParsePublishIntro decodes a publish_intro body.
func ParsePublishIntro(b []byte) (*PublishIntro, error) {
	return parse[PublishIntro](b, "publish_intro")
}

// IntroResponse answers find_intro.
type IntroResponse struct {
	Intro []byte `cbor:"I"`
}

func (m *IntroResponse) Encode() []byte { return mustEncode(m) }

// ParseIntroResponse decodes a find_intro reply.
func ParseIntroResponse(b []byte) (*IntroResponse, error) {
	return parse[IntroResponse](b, "intro response")
}
