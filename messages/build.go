// build.go - Path build record s11n and sealing.
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
	"crypto/subtle"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/nyxnet/nyxnet/core/crypto"
)

// BuildRecord is one hop's slice of a path build request.  The ephemeral
// key, nonce, and rx travel in the clear; everything else is sealed to
// the hop's static encryption key.
type BuildRecord struct {
	EphemeralKey []byte           `cbor:"k"`
	Nonce        crypto.SymmNonce `cbor:"n"`
	RX           [HopIDSize]byte  `cbor:"r"`
	Sealed       []byte           `cbor:"x"`
}

// BuildRecordPlain is the sealed portion of a build record.
type BuildRecordPlain struct {
	TX       [HopIDSize]byte `cbor:"tx"`
	Upstream []byte          `cbor:"u"`
	Lifetime int64           `cbor:"l"` // milliseconds
}

// BuildRequest is the body of a path_build command: one record per hop,
// first record first.  Relays pop the head and forward the remainder
// padded back to full length, so the request does not shrink hop by hop.
type BuildRequest struct {
	Records []BuildRecord `cbor:"f"`
}

// Encode returns the canonical encoding of the request.
func (r *BuildRequest) Encode() []byte {
	return mustEncode(r)
}

// ParseBuildRequest decodes a path_build body.
func ParseBuildRequest(b []byte) (*BuildRequest, error) {
	return parse[BuildRequest](b, "build request")
}

// SealRecord encrypts the plaintext build fields to the session key the
// hop will derive from the clear ephemeral key and nonce.  The sealed
// blob carries a short tag so a hop decrypting with the wrong key fails
// closed instead of installing garbage.
func (r *BuildRecord) SealRecord(plain *BuildRecordPlain, key *crypto.SymmKey) {
	ct := mustEncode(plain)
	crypto.OnionStep(ct, key, r.Nonce, crypto.SymmNonce{})
	tag := crypto.ShortHash(key[:], ct)
	r.Sealed = append(tag[:], ct...)
}

// OpenRecord decrypts and authenticates the sealed build fields.
func (r *BuildRecord) OpenRecord(key *crypto.SymmKey) (*BuildRecordPlain, error) {
	if len(r.Sealed) < crypto.HashSize {
		return nil, fmt.Errorf("%w: truncated build record", ErrMalformed)
	}
	tag, ct := r.Sealed[:crypto.HashSize], r.Sealed[crypto.HashSize:]
	want := crypto.ShortHash(key[:], ct)
	if subtle.ConstantTimeCompare(tag, want[:]) != 1 {
		return nil, fmt.Errorf("%w: build record tag mismatch", ErrMalformed)
	}

	pt := make([]byte, len(ct))
	copy(pt, ct)
	crypto.OnionPeel(pt, key, r.Nonce, crypto.SymmNonce{})

	plain := new(BuildRecordPlain)
	if err := cbor.Unmarshal(pt, plain); err != nil {
		return nil, fmt.Errorf("%w: build record: %v", ErrMalformed, err)
	}
	return plain, nil
}

// RandomBuildRecord returns a filler record, indistinguishable on the
// wire from a real one, used to pad forwarded build requests back to
// their fixed length.
func RandomBuildRecord(sealedLen int) BuildRecord {
	r := BuildRecord{
		EphemeralKey: crypto.RandomBytes(crypto.DHScheme.PublicKeySize()),
		Nonce:        crypto.NewNonce(),
		Sealed:       crypto.RandomBytes(sealedLen),
	}
	copy(r.RX[:], crypto.RandomBytes(HopIDSize))
	return r
}
