// nodedb_test.go - Node database tests.
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

package nodedb

import (
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/stretchr/testify/require"

	"github.com/nyxnet/nyxnet/core/contact"
	"github.com/nyxnet/nyxnet/core/crypto"
	nyxlog "github.com/nyxnet/nyxnet/core/log"
)

func testLogBackend(t *testing.T) *nyxlog.Backend {
	b, err := nyxlog.New("", "DEBUG", true)
	require.NoError(t, err)
	return b
}

func testContact(t *testing.T) (*contact.RouterContact, *ed25519.PrivateKey) {
	sk, _, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)
	encPub, _, err := crypto.GenerateDHKeypair()
	require.NoError(t, err)
	rc, err := contact.New(sk, encPub, "198.51.100.44:35520")
	require.NoError(t, err)
	return rc, sk
}

func TestPutGetSupersession(t *testing.T) {
	require := require.New(t)

	d, err := Open("", testLogBackend(t))
	require.NoError(err)
	defer d.Close()

	rc, sk := testContact(t)
	stored, err := d.PutContact(rc)
	require.NoError(err)
	require.True(stored)
	require.Equal(rc, d.GetContact(rc.RouterID()))
	require.Equal(1, d.Len())

	// Same timestamp does not replace.
	stored, err = d.PutContact(rc)
	require.NoError(err)
	require.False(stored)

	newer := &contact.RouterContact{
		PublicKey:     rc.PublicKey,
		EncryptionKey: rc.EncryptionKey,
		Address:       rc.Address,
		Timestamp:     rc.Timestamp + 10,
		Version:       contact.ContactVersion,
	}
	require.NoError(newer.Sign(sk))
	stored, err = d.PutContact(newer)
	require.NoError(err)
	require.True(stored)
	require.Equal(newer, d.GetContact(rc.RouterID()))
	require.Equal(1, d.Len())
}

func TestRandomContacts(t *testing.T) {
	require := require.New(t)

	d, err := Open("", testLogBackend(t))
	require.NoError(err)
	defer d.Close()

	var first contact.RouterID
	for i := 0; i < 10; i++ {
		rc, _ := testContact(t)
		if i == 0 {
			first = rc.RouterID()
		}
		_, err := d.PutContact(rc)
		require.NoError(err)
	}

	got := d.RandomContacts(4, nil)
	require.Len(got, 4)
	seen := make(map[contact.RouterID]bool)
	for _, rc := range got {
		require.False(seen[rc.RouterID()])
		seen[rc.RouterID()] = true
	}

	got = d.RandomContacts(100, func(rc *contact.RouterContact) bool {
		return rc.RouterID() == first
	})
	require.Len(got, 9)
	for _, rc := range got {
		require.NotEqual(first, rc.RouterID())
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	rc, _ := testContact(t)

	d, err := Open(dir, testLogBackend(t))
	require.NoError(err)
	_, err = d.PutContact(rc)
	require.NoError(err)
	d.Close()

	d2, err := Open(dir, testLogBackend(t))
	require.NoError(err)
	defer d2.Close()
	loaded := d2.GetContact(rc.RouterID())
	require.NotNil(loaded)
	require.True(rc.Equal(loaded))
}

func TestPrune(t *testing.T) {
	require := require.New(t)

	d, err := Open("", testLogBackend(t))
	require.NoError(err)
	defer d.Close()

	rc, sk := testContact(t)
	stale := &contact.RouterContact{
		PublicKey:     rc.PublicKey,
		EncryptionKey: rc.EncryptionKey,
		Address:       rc.Address,
		Timestamp:     time.Now().Add(-2 * contact.Lifetime).Unix(),
		Version:       contact.ContactVersion,
	}
	require.NoError(stale.Sign(sk))
	_, err = d.PutContact(stale)
	require.NoError(err)

	fresh, _ := testContact(t)
	_, err = d.PutContact(fresh)
	require.NoError(err)

	d.Prune()
	require.Nil(d.GetContact(stale.RouterID()))
	require.NotNil(d.GetContact(fresh.RouterID()))
}
