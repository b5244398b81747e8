// manager_test.go - Link manager tests.
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

package link

import (
	"sync"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/stretchr/testify/require"

	"github.com/nyxnet/nyxnet/core/contact"
	"github.com/nyxnet/nyxnet/core/crypto"
	nyxlog "github.com/nyxnet/nyxnet/core/log"
)

type testCaller struct {
	ch   chan func()
	done chan struct{}
	once sync.Once
}

func newTestCaller() *testCaller {
	c := &testCaller{
		ch:   make(chan func(), 1024),
		done: make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *testCaller) run() {
	for {
		select {
		case f := <-c.ch:
			f()
		case <-c.done:
			return
		}
	}
}

func (c *testCaller) CallSoon(f func()) {
	select {
	case c.ch <- f:
	case <-c.done:
	}
}

func (c *testCaller) halt() { c.once.Do(func() { close(c.done) }) }

type testDB struct {
	sync.Mutex
	m map[contact.RouterID]*contact.RouterContact
}

func newTestDB() *testDB {
	return &testDB{m: make(map[contact.RouterID]*contact.RouterContact)}
}

func (d *testDB) put(rc *contact.RouterContact) {
	d.Lock()
	defer d.Unlock()
	d.m[rc.RouterID()] = rc
}

func (d *testDB) GetContact(id contact.RouterID) *contact.RouterContact {
	d.Lock()
	defer d.Unlock()
	return d.m[id]
}

func (d *testDB) RandomContacts(n int, exclude func(*contact.RouterContact) bool) []*contact.RouterContact {
	d.Lock()
	defer d.Unlock()
	out := make([]*contact.RouterContact, 0, n)
	for _, rc := range d.m {
		if exclude != nil && exclude(rc) {
			continue
		}
		if len(out) == n {
			break
		}
		out = append(out, rc)
	}
	return out
}

type testNode struct {
	m        *Manager
	caller   *testCaller
	db       *testDB
	identity *ed25519.PrivateKey
	rc       *contact.RouterContact
}

func (n *testNode) halt() {
	n.m.Halt()
	n.caller.halt()
}

// newTestNode starts a node; a relay listens on a loopback port and
// produces a self contact.
func newTestNode(t *testing.T, relay bool) *testNode {
	lb, err := nyxlog.New("", "DEBUG", true)
	require.NoError(t, err)

	identity, _, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)

	addr := ""
	if relay {
		addr = "127.0.0.1:0"
	}

	n := &testNode{
		caller:   newTestCaller(),
		db:       newTestDB(),
		identity: identity,
	}
	n.m, err = New(&Config{
		LogBackend: lb,
		Caller:     n.caller,
		DB:         n.db,
		Identity:   identity,
		Address:    addr,
		IsRelay:    relay,
	})
	require.NoError(t, err)
	t.Cleanup(n.halt)

	if relay {
		encPub, _, err := crypto.GenerateDHKeypair()
		require.NoError(t, err)
		n.rc, err = contact.New(identity, encPub, n.m.Addr())
		require.NoError(t, err)
	}
	return n
}

func TestControlRoundTrip(t *testing.T) {
	require := require.New(t)

	b := newTestNode(t, true)
	b.m.RegisterHandler("echo", func(_ contact.RouterID, body []byte, respond func([]byte, bool)) {
		respond(body, false)
	})

	a := newTestNode(t, false)
	a.db.put(b.rc)

	replyCh := make(chan Reply, 1)
	ok := a.m.SendControl(b.m.LocalID(), "echo", []byte("hi there"), func(r Reply) {
		replyCh <- r
	})
	require.True(ok)

	select {
	case r := <-replyCh:
		require.NoError(r.Err)
		require.Equal([]byte("hi there"), r.Body)
	case <-time.After(10 * time.Second):
		t.Fatal("no reply")
	}

	require.True(a.m.HaveConn(b.m.LocalID()))
	in, out := a.m.NumInOut()
	require.Equal(0, in)
	require.Equal(1, out)

	// B sees A as an inbound client connection.
	require.Eventually(func() bool {
		return b.m.HaveClientConn(a.m.LocalID())
	}, 10*time.Second, 50*time.Millisecond)
	require.True(b.m.IsRecentClient(a.m.LocalID()))
}

func TestSendControlToSelf(t *testing.T) {
	a := newTestNode(t, false)
	require.False(t, a.m.SendControl(a.m.LocalID(), "echo", nil, nil))
}

func TestPendingQueueFIFO(t *testing.T) {
	require := require.New(t)

	b := newTestNode(t, true)
	var mu sync.Mutex
	var got []string
	b.m.RegisterHandler("a", func(_ contact.RouterID, body []byte, respond func([]byte, bool)) {
		mu.Lock()
		got = append(got, string(body))
		mu.Unlock()
		respond(nil, false)
	})

	a := newTestNode(t, false)
	a.db.put(b.rc)

	// All three submissions happen before the connection exists; they
	// park in the pending queue and drain on open.
	require.True(a.m.SendControl(b.m.LocalID(), "a", []byte("1"), nil))
	require.True(a.m.SendControl(b.m.LocalID(), "a", []byte("2"), nil))
	require.True(a.m.SendControl(b.m.LocalID(), "a", []byte("3"), nil))

	require.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 10*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal([]string{"1", "2", "3"}, got)
}

func TestRIDPinningRejectsImpostor(t *testing.T) {
	require := require.New(t)

	b := newTestNode(t, true)
	a := newTestNode(t, false)

	// A contact claiming identity Y for a listener actually holding X.
	imposter, _, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(err)
	encPub, _, err := crypto.GenerateDHKeypair()
	require.NoError(err)
	badRC, err := contact.New(imposter, encPub, b.m.Addr())
	require.NoError(err)

	closeCh := make(chan error, 1)
	a.m.ConnectTo(badRC,
		func(*Conn) { t.Error("connection must not open") },
		func(err error) { closeCh <- err })

	select {
	case err := <-closeCh:
		require.ErrorIs(err, contact.ErrBadSignature)
	case <-time.After(15 * time.Second):
		t.Fatal("no close callback")
	}
	require.False(a.m.HaveConn(badRC.RouterID()))
}

func TestConnectToExpiredContact(t *testing.T) {
	require := require.New(t)

	b := newTestNode(t, true)
	a := newTestNode(t, false)

	stale := &contact.RouterContact{
		PublicKey:     b.rc.PublicKey,
		EncryptionKey: b.rc.EncryptionKey,
		Address:       b.rc.Address,
		Timestamp:     time.Now().Add(-contact.Lifetime - time.Hour).Unix(),
		Version:       contact.ContactVersion,
	}
	require.NoError(stale.Sign(b.identity))

	closeCh := make(chan error, 1)
	a.m.ConnectTo(stale,
		func(*Conn) { t.Error("connection must not open") },
		func(err error) { closeCh <- err })

	select {
	case err := <-closeCh:
		require.ErrorIs(err, contact.ErrExpired)
	case <-time.After(5 * time.Second):
		t.Fatal("no close callback")
	}
}

func TestUnknownCommand(t *testing.T) {
	require := require.New(t)

	b := newTestNode(t, true)
	a := newTestNode(t, false)
	a.db.put(b.rc)

	replyCh := make(chan Reply, 1)
	a.m.SendControl(b.m.LocalID(), "no_such_cmd", nil, func(r Reply) { replyCh <- r })

	select {
	case r := <-replyCh:
		require.ErrorIs(r.Err, ErrRemote)
	case <-time.After(10 * time.Second):
		t.Fatal("no reply")
	}
}

func TestCloseCancelsPending(t *testing.T) {
	require := require.New(t)

	b := newTestNode(t, true)
	b.m.RegisterHandler("blackhole", func(contact.RouterID, []byte, func([]byte, bool)) {
		// Deliberately never responds.
	})

	a := newTestNode(t, false)
	a.db.put(b.rc)

	// Open the connection first so the request is in flight, not
	// queued.
	opened := make(chan struct{})
	a.m.ConnectTo(b.rc, func(*Conn) { close(opened) }, nil)
	select {
	case <-opened:
	case <-time.After(10 * time.Second):
		t.Fatal("no connection")
	}

	replyCh := make(chan Reply, 1)
	a.m.SendControl(b.m.LocalID(), "blackhole", nil, func(r Reply) { replyCh <- r })

	time.Sleep(100 * time.Millisecond)
	a.m.CloseConn(b.m.LocalID())

	select {
	case r := <-replyCh:
		require.ErrorIs(r.Err, ErrLinkClosed)
	case <-time.After(10 * time.Second):
		t.Fatal("pending reply not cancelled")
	}
}

func TestRouterNotFound(t *testing.T) {
	require := require.New(t)

	a := newTestNode(t, false)

	var unknown contact.RouterID
	copy(unknown[:], crypto.RandomBytes(32))

	replyCh := make(chan Reply, 1)
	a.m.SendControl(unknown, "echo", nil, func(r Reply) { replyCh <- r })

	select {
	case r := <-replyCh:
		require.ErrorIs(r.Err, ErrRouterNotFound)
	case <-time.After(5 * time.Second):
		t.Fatal("no failure callback")
	}
}

func TestDatagramRoundTrip(t *testing.T) {
	require := require.New(t)

	b := newTestNode(t, true)
	gotCh := make(chan []byte, 1)
	b.m.OnDatagram(func(from contact.RouterID, fromRelay bool, payload []byte) {
		gotCh <- payload
	})

	a := newTestNode(t, false)
	a.db.put(b.rc)

	// The datagram parks with the pending messages until the
	// connection opens.
	require.True(a.m.SendData(b.m.LocalID(), []byte("dgram-payload")))

	select {
	case got := <-gotCh:
		require.Equal([]byte("dgram-payload"), got)
	case <-time.After(10 * time.Second):
		t.Fatal("no datagram")
	}
}

func TestGossipSkipsSender(t *testing.T) {
	require := require.New(t)

	b := newTestNode(t, true)
	c := newTestNode(t, true)
	a := newTestNode(t, true)
	a.db.put(b.rc)
	a.db.put(c.rc)

	type gossip struct {
		node string
	}
	gotCh := make(chan gossip, 2)
	b.m.RegisterHandler(CmdGossipRC, func(_ contact.RouterID, _ []byte, respond func([]byte, bool)) {
		gotCh <- gossip{"b"}
		respond(nil, false)
	})
	c.m.RegisterHandler(CmdGossipRC, func(_ contact.RouterID, _ []byte, respond func([]byte, bool)) {
		gotCh <- gossip{"c"}
		respond(nil, false)
	})

	// Establish relay connections to both.
	for _, rc := range []*contact.RouterContact{b.rc, c.rc} {
		opened := make(chan struct{})
		a.m.ConnectTo(rc, func(*Conn) { close(opened) }, nil)
		select {
		case <-opened:
		case <-time.After(10 * time.Second):
			t.Fatal("no connection")
		}
	}

	// Gossip a third party RC last seen from C: only B hears about it.
	subjectID, _, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(err)
	subjectEnc, _, err := crypto.GenerateDHKeypair()
	require.NoError(err)
	subject, err := contact.New(subjectID, subjectEnc, "198.51.100.77:35520")
	require.NoError(err)
	a.m.GossipRC(c.m.LocalID(), subject)

	select {
	case g := <-gotCh:
		require.Equal("b", g.node)
	case <-time.After(10 * time.Second):
		t.Fatal("no gossip")
	}
	select {
	case g := <-gotCh:
		t.Fatalf("unexpected gossip at %v", g.node)
	case <-time.After(500 * time.Millisecond):
	}
}
