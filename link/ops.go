// ops.go - Link manager gossip, fetch, and introspection operations.
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
	"time"

	"github.com/nyxnet/nyxnet/core/contact"
	"github.com/nyxnet/nyxnet/messages"
)

// Command names carried on the control stream.
const (
	CmdPathBuild    = "path_build"
	CmdPathControl  = "path_control"
	CmdGossipRC     = "gossip_rc"
	CmdFetchRCs     = "fetch_rcs"
	CmdFetchRIDs    = "fetch_rids"
	CmdFetchBootRCs = "bfetch_rcs"
)

// GossipRC forwards a router contact to every connected relay peer
// except the peer it came from and the router the contact describes.
func (m *Manager) GossipRC(lastSender contact.RouterID, rc *contact.RouterContact) {
	blob, err := rc.Serialize()
	if err != nil {
		m.log.Errorf("Failed to serialize contact for gossip: %v", err)
		return
	}
	body := (&messages.GossipRC{RC: blob, Sender: lastSender.Bytes()}).Encode()

	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.serviceConns))
	for rid, c := range m.serviceConns {
		if rid == lastSender || rid == rc.RouterID() {
			continue
		}
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		if err := c.sendRequest(CmdGossipRC, body, nil); err != nil {
			m.log.Debugf("Gossip to %v failed: %v", c.rid, err)
		}
	}
}

// FetchRCs requests the contacts for explicit router IDs from a peer,
// limited to contacts newer than since.
func (m *Manager) FetchRCs(from contact.RouterID, ids []contact.RouterID, since time.Time, cb func([]*contact.RouterContact, error)) {
	req := &messages.FetchRCs{Since: since.Unix()}
	for _, id := range ids {
		req.ExplicitIDs = append(req.ExplicitIDs, id.Bytes())
	}
	m.SendControl(from, CmdFetchRCs, req.Encode(), func(r Reply) {
		if r.Err != nil {
			cb(nil, r.Err)
			return
		}
		rcs, err := parseRCList(r.Body)
		cb(rcs, err)
	})
}

// FetchRouterIDs requests the set of router IDs known to a peer.
func (m *Manager) FetchRouterIDs(via contact.RouterID, cb func([]contact.RouterID, error)) {
	req := &messages.FetchRIDs{Source: via.Bytes()}
	m.SendControl(via, CmdFetchRIDs, req.Encode(), func(r Reply) {
		if r.Err != nil {
			cb(nil, r.Err)
			return
		}
		resp, err := messages.ParseRIDsResponse(r.Body)
		if err != nil {
			cb(nil, err)
			return
		}
		ids := make([]contact.RouterID, 0, len(resp.RIDs))
		for _, raw := range resp.RIDs {
			id, err := contact.RouterIDFromBytes(raw)
			if err != nil {
				cb(nil, err)
				return
			}
			ids = append(ids, id)
		}
		cb(ids, nil)
	})
}

// FetchBootstrapRCs dials a bootstrap node directly and asks it for a
// seed set of contacts, offering our own contact if we are a relay.
func (m *Manager) FetchBootstrapRCs(seed *contact.RouterContact, local *contact.RouterContact, quantity int, cb func([]*contact.RouterContact, error)) {
	req := &messages.BootstrapFetch{Quantity: quantity}
	if local != nil {
		blob, err := local.Serialize()
		if err != nil {
			cb(nil, err)
			return
		}
		req.Local = blob
	}
	body := req.Encode()

	m.ConnectTo(seed, func(c *Conn) {
		m.SendControl(seed.RouterID(), CmdFetchBootRCs, body, func(r Reply) {
			if r.Err != nil {
				cb(nil, r.Err)
				return
			}
			rcs, err := parseRCList(r.Body)
			cb(rcs, err)
		})
	}, func(err error) {
		cb(nil, err)
	})
}

func parseRCList(body []byte) ([]*contact.RouterContact, error) {
	resp, err := messages.ParseRCsResponse(body)
	if err != nil {
		return nil, err
	}
	rcs := make([]*contact.RouterContact, 0, len(resp.RCs))
	for _, blob := range resp.RCs {
		rc, err := contact.Parse(blob)
		if err != nil {
			// One stale contact does not poison the batch.
			continue
		}
		rcs = append(rcs, rc)
	}
	return rcs, nil
}

// HaveConn reports whether a live connection to rid exists.
func (m *Manager) HaveConn(rid contact.RouterID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findConnLocked(rid) != nil
}

// HaveClientConn reports whether a live client connection to rid exists.
func (m *Manager) HaveClientConn(rid contact.RouterID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.clientConns[rid]
	return ok
}

// IsRecentClient reports whether rid authenticated as a client recently.
func (m *Manager) IsRecentClient(rid contact.RouterID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.recentClients[rid]
	return ok
}

// NumInOut returns the number of inbound and outbound live connections.
func (m *Manager) NumInOut() (in, out int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := func(c *Conn) {
		if c.inbound {
			in++
		} else {
			out++
		}
	}
	for _, c := range m.serviceConns {
		count(c)
	}
	for _, c := range m.clientConns {
		count(c)
	}
	return
}

// ForEachConn invokes f for every live connection.
func (m *Manager) ForEachConn(f func(*Conn)) {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.serviceConns)+len(m.clientConns))
	for _, c := range m.serviceConns {
		conns = append(conns, c)
	}
	for _, c := range m.clientConns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		f(c)
	}
}

// PersistConn records a persist deadline for rid, keeping the later of
// the old and new deadlines; the sweep forgets it once it has passed.
// The deadline is not consulted when connections are reaped: an idle
// connection still closes at the transport's idle timeout.
func (m *Manager) PersistConn(rid contact.RouterID, until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.persisting[rid]; !ok || until.After(cur) {
		m.persisting[rid] = until
	}
}

// ConnectToRandom dials up to n random routers from the node database.
// Without clientsOnly the candidate set is not filtered against current
// peers; with clientsOnly, routers that already hold a client connection
// are skipped.  Redundant dials collapse in ConnectTo.
func (m *Manager) ConnectToRandom(n int, clientsOnly bool) {
	exclude := func(rc *contact.RouterContact) bool {
		if rc.RouterID() == m.localID {
			return true
		}
		return clientsOnly && m.HaveClientConn(rc.RouterID())
	}
	for _, rc := range m.db.RandomContacts(n, exclude) {
		m.ConnectTo(rc, nil, nil)
	}
}
