// crypto_test.go - Crypto primitive tests.
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

package crypto

import (
	"bytes"
	"testing"

	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/stretchr/testify/require"
)

func TestOnionStepPeelInvolution(t *testing.T) {
	require := require.New(t)

	var key SymmKey
	copy(key[:], RandomBytes(KeySize))
	xor := NewNonce()
	nonce := NewNonce()

	payload := []byte("the quick brown fox jumps over the lazy dog")
	orig := append([]byte(nil), payload...)

	// Step then Peel with the threaded nonce restores both the payload
	// and the nonce.
	mutated := OnionStep(payload, &key, nonce, xor)
	require.NotEqual(orig, payload)
	require.Equal(nonce.XOR(xor), mutated)

	restored := OnionPeel(payload, &key, mutated, xor)
	require.Equal(orig, payload)
	require.Equal(nonce, restored)
}

func TestOnionChainRoundTrip(t *testing.T) {
	require := require.New(t)

	const nrHops = 4
	keys := make([]SymmKey, nrHops)
	xors := make([]SymmNonce, nrHops)
	for i := range keys {
		copy(keys[i][:], RandomBytes(KeySize))
		xors[i] = NonceXOR(&keys[i])
	}

	payload := RandomBytes(512)
	orig := append([]byte(nil), payload...)

	// Originator: innermost (pivot) layer first.
	nonce := NewNonce()
	for i := nrHops - 1; i >= 0; i-- {
		nonce = OnionStep(payload, &keys[i], nonce, xors[i])
	}
	require.NotEqual(orig, payload)

	// Each relay peels exactly one layer in traversal order; the pivot
	// sees cleartext.
	for i := 0; i < nrHops; i++ {
		nonce = OnionPeel(payload, &keys[i], nonce, xors[i])
	}
	require.Equal(orig, payload)
}

func TestOnionFreshNonceFreshCiphertext(t *testing.T) {
	require := require.New(t)

	var key SymmKey
	copy(key[:], RandomBytes(KeySize))
	xor := NonceXOR(&key)
	payload := []byte("same plaintext every time")

	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		ct := append([]byte(nil), payload...)
		OnionStep(ct, &key, NewNonce(), xor)
		require.False(seen[string(ct)], "ciphertext repeated under fresh nonce")
		seen[string(ct)] = true
	}
}

func TestDHSymmetry(t *testing.T) {
	require := require.New(t)

	alicePub, alicePriv, err := GenerateDHKeypair()
	require.NoError(err)
	bobPub, bobPriv, err := GenerateDHKeypair()
	require.NoError(err)

	nonce := NewNonce()
	k1 := DH(alicePriv, bobPub, nonce)
	k2 := DH(bobPriv, alicePub, nonce)
	require.Equal(k1, k2)

	// A different nonce yields an unrelated key.
	k3 := DH(alicePriv, bobPub, NewNonce())
	require.NotEqual(k1, k3)
}

func TestNonceXORDeterministic(t *testing.T) {
	require := require.New(t)

	var key SymmKey
	copy(key[:], RandomBytes(KeySize))
	require.Equal(NonceXOR(&key), NonceXOR(&key))

	var other SymmKey
	copy(other[:], RandomBytes(KeySize))
	require.NotEqual(NonceXOR(&key), NonceXOR(&other))
}

func TestSignVerify(t *testing.T) {
	require := require.New(t)

	sk, pk, err := ed25519.NewKeypair(Rand)
	require.NoError(err)

	msg := []byte("attested bytes")
	sig := Sign(sk, msg)
	require.Len(sig, SignatureSize)
	require.True(Verify(pk, msg, sig))

	require.False(Verify(pk, append(msg, 'x'), sig))
	bad := append([]byte(nil), sig...)
	bad[3] ^= 0x20
	require.False(Verify(pk, msg, bad))
	require.False(Verify(pk, msg, sig[:10]))
}

func TestRandomBytes(t *testing.T) {
	require := require.New(t)

	a, b := RandomBytes(32), RandomBytes(32)
	require.Len(a, 32)
	require.False(bytes.Equal(a, b))
}
