// crypto.go - Onion routing crypto primitives.
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

// Package crypto provides the onion routing crypto primitives: X25519 key
// exchange, Ed25519 signatures, the BLAKE2b short hash, and the XChaCha20
// onion step used for layered path encryption.
package crypto

import (
	"io"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"golang.org/x/crypto/chacha20"
)

const (
	// KeySize is the size in bytes of a symmetric session key.
	KeySize = 32

	// NonceSize is the size in bytes of an XChaCha20 nonce.
	NonceSize = chacha20.NonceSizeX

	// SignatureSize is the size in bytes of an Ed25519 signature.
	SignatureSize = ed25519.SignatureSize

	// HashSize is the size in bytes of the short hash.
	HashSize = hash.HashSize
)

// Rand is the process wide cryptographic entropy source.
var Rand io.Reader = rand.Reader

// DHScheme is the X25519 NIKE used for per-hop key agreement.
var DHScheme nike.Scheme = x25519.Scheme(rand.Reader)

// SymmKey is a symmetric session key shared with one hop.
type SymmKey [KeySize]byte

// SymmNonce is an XChaCha20 nonce.
type SymmNonce [NonceSize]byte

// XOR returns the bytewise XOR of two nonces.
func (n SymmNonce) XOR(other SymmNonce) SymmNonce {
	var out SymmNonce
	for i := range n {
		out[i] = n[i] ^ other[i]
	}
	return out
}

// IsZero returns true iff the nonce is all zeroes.
func (n SymmNonce) IsZero() bool {
	var zero SymmNonce
	return n == zero
}

// NewNonce returns a fresh random nonce.
func NewNonce() SymmNonce {
	var n SymmNonce
	if _, err := io.ReadFull(Rand, n[:]); err != nil {
		panic("crypto: entropy source failure: " + err.Error())
	}
	return n
}

// RandomBytes returns n bytes of cryptographic randomness.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(Rand, b); err != nil {
		panic("crypto: entropy source failure: " + err.Error())
	}
	return b
}

// ShortHash returns the BLAKE2b-256 digest over the concatenation of the
// given parts.
func ShortHash(parts ...[]byte) [HashSize]byte {
	switch len(parts) {
	case 1:
		return hash.Sum256(parts[0])
	default:
		var buf []byte
		for _, p := range parts {
			buf = append(buf, p...)
		}
		return hash.Sum256(buf)
	}
}

// GenerateDHKeypair generates a fresh X25519 keypair.
func GenerateDHKeypair() (nike.PublicKey, nike.PrivateKey, error) {
	return DHScheme.GenerateKeyPair()
}

// DH derives a symmetric session key from an X25519 exchange and a nonce.
// The exchange is commutative, so originator and responder arrive at the
// same key regardless of which side holds the ephemeral keypair.
func DH(local nike.PrivateKey, remote nike.PublicKey, nonce SymmNonce) SymmKey {
	secret := DHScheme.DeriveSecret(local, remote)
	return SymmKey(ShortHash(secret, nonce[:]))
}

// NonceXOR derives the deterministic per-hop nonce mutator from a session
// key.
func NonceXOR(k *SymmKey) SymmNonce {
	h := ShortHash(k[:])
	var x SymmNonce
	copy(x[:], h[:NonceSize])
	return x
}

// OnionStep applies one onion layer in the encrypt direction: the XChaCha20
// keystream for (key, nonce) is XORed over payload in place, and the
// mutated nonce (nonce XOR xor) is returned for threading into the next
// layer.  OnionPeel with the returned nonce and the same key and mutator
// is the exact inverse.
func OnionStep(payload []byte, key *SymmKey, nonce, xor SymmNonce) SymmNonce {
	xorKeyStream(payload, key, &nonce)
	return nonce.XOR(xor)
}

// OnionPeel removes one onion layer in the decrypt direction: the nonce is
// first un-mutated (nonce XOR xor), then the keystream for (key, nonce')
// is XORed over payload in place.  The un-mutated nonce is returned so
// that successive hops each see the keystream nonce the originator used
// for their layer.
func OnionPeel(payload []byte, key *SymmKey, nonce, xor SymmNonce) SymmNonce {
	n := nonce.XOR(xor)
	xorKeyStream(payload, key, &n)
	return n
}

func xorKeyStream(payload []byte, key *SymmKey, nonce *SymmNonce) {
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		// Only reachable with malformed key/nonce lengths, which the
		// types rule out.
		panic("crypto: xchacha20 init: " + err.Error())
	}
	c.XORKeyStream(payload, payload)
}

// Sign returns an Ed25519 signature over msg.
func Sign(sk *ed25519.PrivateKey, msg []byte) []byte {
	return sk.SignMessage(msg)
}

// Verify verifies an Ed25519 signature over msg.
func Verify(pk *ed25519.PublicKey, msg, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	return pk.Verify(sig, msg)
}
