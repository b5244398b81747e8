// context_test.go - Path context registry tests.
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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nyxnet/nyxnet/core/contact"
)

func testContext(t *testing.T) *Context {
	var local contact.RouterID
	copy(local[:], []byte("local-router-identity-32-bytes!!"))
	return NewContext(local, testLogBackend(t))
}

func TestContextTransitGate(t *testing.T) {
	require := require.New(t)

	c := testContext(t)
	require.False(c.IsTransitAllowed())
	c.AllowTransit()
	require.True(c.IsTransitAllowed())
}

func TestContextPathUniqueness(t *testing.T) {
	require := require.New(t)

	c := testContext(t)
	r := &fakeRouter{}
	p := testPath(t, r, 3)

	require.NoError(c.AddPath(p))
	require.Equal(p, c.GetPath(p.UpstreamRXID()))
	require.ErrorIs(c.AddPath(p), ErrDuplicatePath)

	c.DropPath(p)
	require.Nil(c.GetPath(p.UpstreamRXID()))
	require.NoError(c.AddPath(p))
}

func TestContextTransitBothDirections(t *testing.T) {
	require := require.New(t)

	c := testContext(t)
	th := &TransitHop{
		RX:        NewHopID(),
		TX:        NewHopID(),
		ExpiresAt: time.Now().Add(time.Minute),
	}
	require.False(c.HasTransitHop(th))
	require.NoError(c.PutTransitHop(th))
	require.True(c.HasTransitHop(th))

	require.Equal(th, c.GetTransitHop(th.RX))
	require.Equal(th, c.GetTransitHop(th.TX))
	require.Nil(c.GetTransitHop(NewHopID()))

	// A second hop sharing either direction's identifier is refused.
	dup := &TransitHop{RX: th.RX, TX: NewHopID(), ExpiresAt: th.ExpiresAt}
	require.ErrorIs(c.PutTransitHop(dup), ErrDuplicateTransit)
	dup2 := &TransitHop{RX: NewHopID(), TX: th.TX, ExpiresAt: th.ExpiresAt}
	require.ErrorIs(c.PutTransitHop(dup2), ErrDuplicateTransit)
}

func TestContextPivotSelfLoopTransit(t *testing.T) {
	require := require.New(t)

	c := testContext(t)
	id := NewHopID()
	th := &TransitHop{RX: id, TX: id, ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(c.PutTransitHop(th))
	require.Equal(th, c.GetTransitHop(id))
	require.Equal(1, c.NumTransitHops())
}

func TestContextGetPathForTransit(t *testing.T) {
	require := require.New(t)

	c := testContext(t)
	r := &fakeRouter{}
	p := testPath(t, r, 3)
	require.NoError(c.AddPath(p))

	// A transit hop whose tx collides with the path's registry key
	// still resolves to the path.
	th := &TransitHop{RX: NewHopID(), TX: p.UpstreamRXID()}
	require.Equal(p, c.GetPathForTransit(th))

	th2 := &TransitHop{RX: NewHopID(), TX: NewHopID()}
	require.Nil(c.GetPathForTransit(th2))
}

func TestContextTickExpires(t *testing.T) {
	require := require.New(t)

	c := testContext(t)
	live := &TransitHop{RX: NewHopID(), TX: NewHopID(), ExpiresAt: time.Now().Add(time.Minute)}
	dead := &TransitHop{RX: NewHopID(), TX: NewHopID(), ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(c.PutTransitHop(live))
	require.NoError(c.PutTransitHop(dead))

	r := &fakeRouter{}
	p := testPath(t, r, 3)
	p.mu.Lock()
	p.status = Established
	p.expiresAt = time.Now().Add(-time.Second)
	p.mu.Unlock()
	require.NoError(c.AddPath(p))

	c.Tick(time.Now())

	require.NotNil(c.GetTransitHop(live.RX))
	require.Nil(c.GetTransitHop(dead.RX))
	require.Nil(c.GetPath(p.UpstreamRXID()))
	require.Equal(Expired, p.Status())
}
