// router_test.go - End to end onion routing tests.
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

package router_test

import (
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/stretchr/testify/require"

	"github.com/nyxnet/nyxnet/core/contact"
	"github.com/nyxnet/nyxnet/core/crypto"
	nyxlog "github.com/nyxnet/nyxnet/core/log"
	"github.com/nyxnet/nyxnet/link"
	"github.com/nyxnet/nyxnet/path"
	"github.com/nyxnet/nyxnet/router"
)

func newTestRouter(t *testing.T, relay bool) *router.Router {
	lb, err := nyxlog.New("", "DEBUG", true)
	require.NoError(t, err)

	cfg := &router.Config{
		LogBackend:   lb,
		AllowTransit: relay,
	}
	if relay {
		cfg.Address = "127.0.0.1:0"
	}
	r, err := router.New(cfg)
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)
	return r
}

// newTestnet builds nrRelays transit relays plus a client, with every
// contact seeded into every node database.
func newTestnet(t *testing.T, nrRelays int) (*router.Router, []*router.Router) {
	relays := make([]*router.Router, nrRelays)
	for i := range relays {
		relays[i] = newTestRouter(t, true)
	}
	client := newTestRouter(t, false)

	all := append([]*router.Router{client}, relays...)
	for _, node := range all {
		for _, relay := range relays {
			_, err := node.NodeDB().PutContact(relay.SelfContact())
			require.NoError(t, err)
		}
	}
	return client, relays
}

func buildPath(t *testing.T, client *router.Router, relays []*router.Router) *path.Path {
	rcs := make([]*contact.RouterContact, len(relays))
	for i, r := range relays {
		rcs[i] = r.SelfContact()
	}

	type result struct {
		p   *path.Path
		err error
	}
	done := make(chan result, 1)
	client.BuildPath(rcs, path.DefaultLifetime, func(p *path.Path, err error) {
		done <- result{p, err}
	})

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.NotNil(t, res.p)
		return res.p
	case <-time.After(30 * time.Second):
		t.Fatal("path build timed out")
		return nil
	}
}

// Scenario: build a three hop path and run a control request end to
// end; the pivot's handler sees the cleartext body, the client sees the
// cleartext reply.
func TestBuildAndPingThreeHops(t *testing.T) {
	require := require.New(t)

	client, relays := newTestnet(t, 3)
	pivot := relays[2]

	gotBody := make(chan []byte, 1)
	pivot.RegisterInnerHandler(path.EndpointPing, func(_ contact.RouterID, body []byte, respond func([]byte)) {
		gotBody <- body
		respond([]byte("pong"))
	})

	p := buildPath(t, client, relays)
	require.True(p.IsEstablished())
	require.Equal(pivot.LocalID(), p.PivotRID())

	// Each relay holds exactly one transit hop for this path.
	for _, r := range relays {
		require.Equal(1, r.PathContext().NumTransitHops())
	}

	replyCh := make(chan link.Reply, 1)
	err := p.SendPathControl(path.EndpointPing, []byte("hello"), func(r link.Reply) {
		replyCh <- r
	})
	require.NoError(err)

	select {
	case body := <-gotBody:
		require.Equal([]byte("hello"), body)
	case <-time.After(15 * time.Second):
		t.Fatal("pivot handler never ran")
	}
	select {
	case r := <-replyCh:
		require.NoError(r.Err)
		require.Equal([]byte("pong"), r.Body)
	case <-time.After(15 * time.Second):
		t.Fatal("no reply at client")
	}
}

func TestPathDataReachesPivotEndpoint(t *testing.T) {
	require := require.New(t)

	client, relays := newTestnet(t, 3)
	pivot := relays[2]

	type dgram struct {
		sender contact.RouterID
		body   []byte
	}
	gotCh := make(chan dgram, 1)
	pivot.AttachEndpoint(&router.Endpoint{
		Kind: router.EmbeddedEndpoint,
		Name: "test",
		AcceptDataMessage: func(sender contact.RouterID, body []byte) {
			gotCh <- dgram{sender, body}
		},
	})

	p := buildPath(t, client, relays)
	require.NoError(p.SendPathData([]byte("session-bytes")))

	select {
	case d := <-gotCh:
		require.Equal([]byte("session-bytes"), d.body)
		require.Equal(client.LocalID(), d.sender)
	case <-time.After(15 * time.Second):
		t.Fatal("no datagram at pivot")
	}
}

func TestLatencyProbe(t *testing.T) {
	require := require.New(t)

	client, relays := newTestnet(t, 2)
	p := buildPath(t, client, relays)

	done := make(chan error, 1)
	err := p.SendLatencyProbe(func(rtt time.Duration, err error) {
		if err == nil && rtt < 0 {
			t.Error("negative rtt")
		}
		done <- err
	})
	require.NoError(err)

	select {
	case err := <-done:
		require.NoError(err)
		require.GreaterOrEqual(p.Latency(), time.Duration(0))
	case <-time.After(15 * time.Second):
		t.Fatal("no probe reply")
	}
}

func TestBuildFailsOnExpiredHop(t *testing.T) {
	require := require.New(t)

	client, relays := newTestnet(t, 2)

	sk, _, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(err)
	encPub, _, err := crypto.GenerateDHKeypair()
	require.NoError(err)
	stale := &contact.RouterContact{
		PublicKey:     sk.PublicKey().Bytes(),
		EncryptionKey: encPub.Bytes(),
		Address:       "203.0.113.10:35520",
		Timestamp:     time.Now().Add(-contact.Lifetime - time.Hour).Unix(),
		Version:       contact.ContactVersion,
	}
	require.NoError(stale.Sign(sk))

	rcs := []*contact.RouterContact{relays[0].SelfContact(), relays[1].SelfContact(), stale}
	done := make(chan error, 1)
	client.BuildPath(rcs, path.DefaultLifetime, func(_ *path.Path, err error) {
		done <- err
	})

	select {
	case err := <-done:
		require.ErrorIs(err, contact.ErrExpired)
	case <-time.After(10 * time.Second):
		t.Fatal("build did not fail")
	}
	// Nothing was installed anywhere.
	for _, r := range relays {
		require.Zero(r.PathContext().NumTransitHops())
	}
	require.Zero(client.PathContext().NumPaths())
}

func TestTransitRefusedWhenGateClosed(t *testing.T) {
	require := require.New(t)

	// The first relay listens but keeps its transit gate closed.
	lb, err := nyxlog.New("", "DEBUG", true)
	require.NoError(err)
	gateClosed, err := router.New(&router.Config{
		LogBackend: lb,
		Address:    "127.0.0.1:0",
	})
	require.NoError(err)
	t.Cleanup(gateClosed.Shutdown)

	relays := []*router.Router{gateClosed, newTestRouter(t, true)}
	client := newTestRouter(t, false)
	for _, node := range []*router.Router{client, relays[0], relays[1]} {
		for _, relay := range relays {
			_, err := node.NodeDB().PutContact(relay.SelfContact())
			require.NoError(err)
		}
	}

	rcs := []*contact.RouterContact{relays[0].SelfContact(), relays[1].SelfContact()}
	done := make(chan error, 1)
	client.BuildPath(rcs, path.DefaultLifetime, func(_ *path.Path, err error) {
		done <- err
	})

	select {
	case err := <-done:
		require.Error(err)
	case <-time.After(20 * time.Second):
		t.Fatal("build did not fail")
	}
}

func TestGossipPropagatesContacts(t *testing.T) {
	require := require.New(t)

	// A and B are connected relays; handing A a fresh contact gossips
	// it to B.
	a := newTestRouter(t, true)
	b := newTestRouter(t, true)
	_, err := a.NodeDB().PutContact(b.SelfContact())
	require.NoError(err)

	opened := make(chan struct{})
	a.LinkManager().ConnectTo(b.SelfContact(), func(*link.Conn) { close(opened) }, nil)
	select {
	case <-opened:
	case <-time.After(10 * time.Second):
		t.Fatal("no connection")
	}

	// The subject must carry a globally routable address to survive
	// B's strict parse.
	sk, _, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(err)
	encPub, _, err := crypto.GenerateDHKeypair()
	require.NoError(err)
	subject, err := contact.New(sk, encPub, "198.51.100.99:35520")
	require.NoError(err)

	require.True(a.AcceptContact(a.LocalID(), subject))

	require.Eventually(func() bool {
		return b.NodeDB().GetContact(subject.RouterID()) != nil
	}, 10*time.Second, 50*time.Millisecond)
}
