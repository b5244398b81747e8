// messages_test.go - Wire frame tests.
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
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/stretchr/testify/require"

	"github.com/nyxnet/nyxnet/core/crypto"
)

func TestOnionFrame(t *testing.T) {
	require := require.New(t)

	f := &OnionFrame{
		Nonce:   crypto.NewNonce(),
		Payload: crypto.RandomBytes(256),
	}
	copy(f.HopID[:], crypto.RandomBytes(HopIDSize))

	parsed, err := ParseOnionFrame(f.Encode())
	require.NoError(err)
	require.Equal(f.HopID, parsed.HopID)
	require.Equal(f.Nonce, parsed.Nonce)
	require.Equal(f.Payload, parsed.Payload)

	_, err = ParseOnionFrame([]byte("junk"))
	require.ErrorIs(err, ErrMalformed)
}

func TestInnerPayloadTags(t *testing.T) {
	require := require.New(t)

	c, err := ParseInner(EncodeControl("ping", []byte("hello")))
	require.NoError(err)
	require.Equal(TagControl, c.Tag)
	require.Equal("ping", c.Endpoint)
	require.Equal([]byte("hello"), c.Body)

	sender := crypto.RandomBytes(32)
	d, err := ParseInner(EncodeData([]byte("payload"), sender))
	require.NoError(err)
	require.Equal(TagData, d.Tag)
	require.Equal(sender, d.Sender)

	// A control payload without an endpoint and an unknown tag are both
	// rejected.
	_, err = ParseInner(mustEncode(&InnerPayload{Tag: TagControl}))
	require.ErrorIs(err, ErrMalformed)
	_, err = ParseInner(mustEncode(&InnerPayload{Tag: "Q"}))
	require.ErrorIs(err, ErrMalformed)
}

func TestBuildRecordSealOpen(t *testing.T) {
	require := require.New(t)

	var key crypto.SymmKey
	copy(key[:], crypto.RandomBytes(crypto.KeySize))

	rec := BuildRecord{Nonce: crypto.NewNonce()}
	copy(rec.RX[:], crypto.RandomBytes(HopIDSize))

	plain := &BuildRecordPlain{
		Upstream: crypto.RandomBytes(32),
		Lifetime: 1200000,
	}
	copy(plain.TX[:], crypto.RandomBytes(HopIDSize))
	rec.SealRecord(plain, &key)

	opened, err := rec.OpenRecord(&key)
	require.NoError(err)
	require.Equal(plain.TX, opened.TX)
	require.Equal(plain.Upstream, opened.Upstream)
	require.Equal(plain.Lifetime, opened.Lifetime)

	// The wrong key fails closed on the tag, well before any cbor
	// decoding sees attacker bytes.
	var wrong crypto.SymmKey
	copy(wrong[:], crypto.RandomBytes(crypto.KeySize))
	_, err = rec.OpenRecord(&wrong)
	require.ErrorIs(err, ErrMalformed)

	// So does a truncated blob.
	rec.Sealed = rec.Sealed[:crypto.HashSize-1]
	_, err = rec.OpenRecord(&key)
	require.ErrorIs(err, ErrMalformed)
}

func TestRandomBuildRecordShape(t *testing.T) {
	require := require.New(t)

	real := BuildRecord{Nonce: crypto.NewNonce()}
	plain := &BuildRecordPlain{Upstream: crypto.RandomBytes(32), Lifetime: 60000}
	var key crypto.SymmKey
	copy(key[:], crypto.RandomBytes(crypto.KeySize))
	real.SealRecord(plain, &key)

	filler := RandomBuildRecord(len(real.Sealed))
	require.Len(filler.Sealed, len(real.Sealed))
	require.Len(filler.EphemeralKey, crypto.DHScheme.PublicKeySize())
}

func TestObtainExitSignature(t *testing.T) {
	require := require.New(t)

	sk, _, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(err)

	body := SignAndEncodeObtainExit(sk, 1, []byte("tx-1"))
	m, err := ParseObtainExit(body)
	require.NoError(err)
	require.True(m.VerifySig())

	m.TxID = []byte("tx-2")
	require.False(m.VerifySig())
}

func TestStatusHelpers(t *testing.T) {
	require := require.New(t)

	require.True(IsStatusOK(EncodeStatus(StatusOK)))
	require.False(IsStatusOK(EncodeStatus(StatusError)))
	require.False(IsStatusOK([]byte("garbage")))
}
