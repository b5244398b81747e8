// handlers.go - Inbound command handlers and frame relaying.
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

package router

import (
	"time"

	"github.com/nyxnet/nyxnet/core/contact"
	"github.com/nyxnet/nyxnet/core/crypto"
	"github.com/nyxnet/nyxnet/internal/instrument"
	"github.com/nyxnet/nyxnet/link"
	"github.com/nyxnet/nyxnet/messages"
	"github.com/nyxnet/nyxnet/path"
)

// maxTransitLifetime caps what a build request may ask this relay to
// remember.
const maxTransitLifetime = 30 * time.Minute

func (r *Router) registerLinkHandlers() {
	r.lm.RegisterHandler(link.CmdPathBuild, r.handlePathBuild)
	r.lm.RegisterHandler(link.CmdPathControl, r.handlePathControl)
	r.lm.RegisterHandler(link.CmdGossipRC, r.handleGossipRC)
	r.lm.RegisterHandler(link.CmdFetchRCs, r.handleFetchRCs)
	r.lm.RegisterHandler(link.CmdFetchRIDs, r.handleFetchRIDs)
	r.lm.RegisterHandler(link.CmdFetchBootRCs, r.handleFetchBootstrapRCs)

	// Requests that usually arrive through a path are also served over
	// a direct connection, adjacent peers included.
	for _, name := range []string{
		path.EndpointFindName,
		path.EndpointFindIntro,
		path.EndpointPublishIntro,
		path.EndpointObtainExit,
		path.EndpointUpdateExit,
		path.EndpointCloseExit,
		path.EndpointLatency,
	} {
		name := name
		r.lm.RegisterHandler(name, func(from contact.RouterID, body []byte, respond func([]byte, bool)) {
			r.mu.Lock()
			h, ok := r.inner[name]
			r.mu.Unlock()
			if !ok {
				respond([]byte(messages.StatusUnknownMethod), true)
				return
			}
			h(from, body, func(resp []byte) { respond(resp, false) })
		})
	}
}

func (r *Router) registerInnerHandlers() {
	r.inner[path.EndpointPing] = func(_ contact.RouterID, body []byte, respond func([]byte)) {
		respond(body)
	}
	r.inner[path.EndpointLatency] = r.handleLatency
	r.inner[path.EndpointTransfer] = r.handlePathTransfer
	r.inner[path.EndpointFindName] = r.handleFindName
	r.inner[path.EndpointFindIntro] = r.handleFindIntro
	r.inner[path.EndpointPublishIntro] = r.handlePublishIntro
	r.inner[path.EndpointObtainExit] = r.handleObtainExit
	r.inner[path.EndpointUpdateExit] = r.handleUpdateExit
	r.inner[path.EndpointCloseExit] = r.handleCloseExit
}

// handlePathBuild installs a transit hop from the head build record and
// either acks (pivot) or forwards the remainder upstream, chaining the
// reply back down.
func (r *Router) handlePathBuild(from contact.RouterID, body []byte, respond func([]byte, bool)) {
	if !r.ctx.IsTransitAllowed() {
		respond([]byte(messages.StatusNoTransit), true)
		return
	}
	req, err := messages.ParseBuildRequest(body)
	if err != nil || len(req.Records) == 0 {
		instrument.FrameDropped("malformed")
		respond([]byte(messages.StatusBadFrame), true)
		return
	}
	rec := req.Records[0]

	r.cryptoWrk.submit(func() {
		ephPub, err := crypto.DHScheme.UnmarshalBinaryPublicKey(rec.EphemeralKey)
		if err != nil {
			r.loop.CallSoon(func() {
				instrument.FrameDropped("malformed")
				respond([]byte(messages.StatusBadFrame), true)
			})
			return
		}
		key := crypto.DH(r.encPriv, ephPub, rec.Nonce)
		plain, err := rec.OpenRecord(&key)

		r.loop.CallSoon(func() {
			if err != nil {
				instrument.FrameDropped("bad_crypto")
				respond([]byte(messages.StatusBadCrypto), true)
				return
			}
			r.installTransitHop(from, &rec, plain, &key, req, respond)
		})
	})
}

func (r *Router) installTransitHop(from contact.RouterID, rec *messages.BuildRecord, plain *messages.BuildRecordPlain, key *crypto.SymmKey, req *messages.BuildRequest, respond func([]byte, bool)) {
	upstream, err := contact.RouterIDFromBytes(plain.Upstream)
	if err != nil {
		respond([]byte(messages.StatusBadFrame), true)
		return
	}
	lifetime := time.Duration(plain.Lifetime) * time.Millisecond
	if lifetime <= 0 || lifetime > maxTransitLifetime {
		lifetime = path.DefaultLifetime
	}

	th := &path.TransitHop{
		RX:         path.HopID(rec.RX),
		TX:         path.HopID(plain.TX),
		Key:        *key,
		NonceXOR:   crypto.NonceXOR(key),
		Downstream: from,
		Upstream:   upstream,
		ExpiresAt:  time.Now().Add(lifetime),
	}
	if err := r.ctx.PutTransitHop(th); err != nil {
		instrument.FrameDropped("dup_path_id")
		respond([]byte(messages.StatusBadPathID), true)
		return
	}
	instrument.TransitHopInstalled()

	if th.IsTerminal(r.localID) {
		respond(messages.EncodeStatus(messages.StatusOK), false)
		return
	}

	// Forward the tail, padded with a filler record so the request
	// does not shrink as it travels.
	fwd := &messages.BuildRequest{
		Records: append(req.Records[1:], messages.RandomBuildRecord(len(rec.Sealed))),
	}
	r.lm.SendControl(upstream, link.CmdPathBuild, fwd.Encode(), func(reply link.Reply) {
		if reply.Err != nil {
			respond([]byte(messages.StatusTimeout), true)
			return
		}
		respond(reply.Body, false)
	})
}

// handlePathControl relays an onion frame one hop, or, at the pivot,
// dispatches the inner request and onion-wraps the response for the
// return trip.
func (r *Router) handlePathControl(from contact.RouterID, body []byte, respond func([]byte, bool)) {
	frame, err := messages.ParseOnionFrame(body)
	if err != nil {
		instrument.FrameDropped("malformed")
		respond([]byte(messages.StatusBadFrame), true)
		return
	}
	th := r.ctx.GetTransitHop(path.HopID(frame.HopID))
	if th == nil || th.IsExpired(time.Now()) {
		instrument.FrameDropped("no_transit")
		respond([]byte(messages.StatusBadPathID), true)
		return
	}

	peeled := th.PeelForward(frame)

	if th.IsTerminal(r.localID) {
		inner, err := messages.ParseInner(peeled.Payload)
		if err != nil {
			instrument.FrameDropped("malformed")
			respond([]byte(messages.StatusBadFrame), true)
			return
		}
		r.dispatchInner(th, inner, func(resp []byte) {
			respond(r.wrapPivotResponse(th, resp), false)
		})
		return
	}

	instrument.FrameRelayed()
	r.lm.SendControl(th.Upstream, link.CmdPathControl, peeled.Encode(), func(reply link.Reply) {
		if reply.Err != nil {
			respond([]byte(messages.StatusTimeout), true)
			return
		}
		respFrame, err := messages.ParseOnionFrame(reply.Body)
		if err != nil {
			respond([]byte(messages.StatusBadFrame), true)
			return
		}
		respond(th.WrapBackward(respFrame).Encode(), false)
	})
}

// wrapPivotResponse starts the response onion with the pivot's own
// layer under a fresh nonce.
func (r *Router) wrapPivotResponse(th *path.TransitHop, resp []byte) []byte {
	nonce := crypto.OnionStep(resp, &th.Key, crypto.NewNonce(), th.NonceXOR)
	frame := &messages.OnionFrame{
		HopID:   [messages.HopIDSize]byte(th.RX),
		Nonce:   nonce,
		Payload: resp,
	}
	return frame.Encode()
}

// dispatchInner routes a peeled control request to its named handler.
func (r *Router) dispatchInner(th *path.TransitHop, inner *messages.InnerPayload, respond func([]byte)) {
	switch inner.Tag {
	case messages.TagControl:
		r.mu.Lock()
		h, ok := r.inner[inner.Endpoint]
		r.mu.Unlock()
		if !ok {
			respond(messages.EncodeStatus(messages.StatusUnknownMethod))
			return
		}
		h(th.Downstream, inner.Body, respond)
	case messages.TagData:
		sender, err := contact.RouterIDFromBytes(inner.Sender)
		if err != nil {
			respond(messages.EncodeStatus(messages.StatusBadFrame))
			return
		}
		if !r.deliverEndpointData(sender, inner.Body) {
			instrument.FrameDropped("no_endpoint")
		}
		respond(messages.EncodeStatus(messages.StatusOK))
	}
}

// handleOnionDatagram routes an inbound link datagram: transit hops
// relay it (peeling forward, wrapping backward), local paths consume it.
func (r *Router) handleOnionDatagram(from contact.RouterID, fromRelay bool, payload []byte) {
	frame, err := messages.ParseOnionFrame(payload)
	if err != nil {
		instrument.FrameDropped("malformed")
		return
	}
	id := path.HopID(frame.HopID)

	if th := r.ctx.GetTransitHop(id); th != nil {
		if th.IsExpired(time.Now()) {
			instrument.FrameDropped("expired")
			return
		}
		switch {
		case id == th.RX:
			peeled := th.PeelForward(frame)
			if th.IsTerminal(r.localID) {
				r.pivotConsumeDatagram(th, peeled)
				return
			}
			instrument.FrameRelayed()
			r.lm.SendData(th.Upstream, peeled.Encode())
		case id == th.TX:
			instrument.FrameRelayed()
			r.lm.SendData(th.Downstream, th.WrapBackward(frame).Encode())
		}
		return
	}

	if p := r.ctx.GetPath(id); p != nil {
		p.HandleInbound(frame)
		return
	}

	r.l.Debugf("Dropping datagram from %v (relay=%v): no route for %v", from, fromRelay, id)
	instrument.FrameDropped("no_route")
}

// pivotConsumeDatagram handles a fully peeled datagram at the pivot.
// Control requests answered over the datagram channel return along the
// path the same way.
func (r *Router) pivotConsumeDatagram(th *path.TransitHop, frame *messages.OnionFrame) {
	inner, err := messages.ParseInner(frame.Payload)
	if err != nil {
		instrument.FrameDropped("malformed")
		return
	}
	switch inner.Tag {
	case messages.TagData:
		sender, err := contact.RouterIDFromBytes(inner.Sender)
		if err != nil {
			instrument.FrameDropped("malformed")
			return
		}
		if !r.deliverEndpointData(sender, inner.Body) {
			instrument.FrameDropped("no_endpoint")
		}
	case messages.TagControl:
		r.dispatchInner(th, inner, func(resp []byte) {
			r.lm.SendData(th.Downstream, r.wrapPivotResponse(th, resp))
		})
	}
}

func (r *Router) handleGossipRC(from contact.RouterID, body []byte, respond func([]byte, bool)) {
	m, err := messages.ParseGossipRC(body)
	if err != nil {
		instrument.FrameDropped("malformed")
		respond([]byte(messages.StatusBadFrame), true)
		return
	}

	r.cryptoWrk.submit(func() {
		rc, err := contact.Parse(m.RC)
		r.loop.CallSoon(func() {
			if err != nil {
				// Bad gossip is dropped at the receiver, never
				// propagated back to the originator.
				instrument.FrameDropped("bad_contact")
				respond([]byte(messages.StatusBadFrame), true)
				return
			}
			r.AcceptContact(from, rc)
			respond(messages.EncodeStatus(messages.StatusOK), false)
		})
	})
}

func (r *Router) handleFetchRCs(_ contact.RouterID, body []byte, respond func([]byte, bool)) {
	m, err := messages.ParseFetchRCs(body)
	if err != nil {
		respond([]byte(messages.StatusBadFrame), true)
		return
	}
	resp := &messages.RCsResponse{}
	for _, raw := range m.ExplicitIDs {
		id, err := contact.RouterIDFromBytes(raw)
		if err != nil {
			respond([]byte(messages.StatusBadFrame), true)
			return
		}
		rc := r.db.GetContact(id)
		if rc == nil || rc.Timestamp <= m.Since {
			continue
		}
		blob, err := rc.Serialize()
		if err != nil {
			continue
		}
		resp.RCs = append(resp.RCs, blob)
	}
	respond(resp.Encode(), false)
}

func (r *Router) handleFetchRIDs(_ contact.RouterID, body []byte, respond func([]byte, bool)) {
	if _, err := messages.ParseFetchRIDs(body); err != nil {
		respond([]byte(messages.StatusBadFrame), true)
		return
	}
	resp := &messages.RIDsResponse{}
	for _, id := range r.db.KnownIDs() {
		resp.RIDs = append(resp.RIDs, id.Bytes())
	}
	respond(resp.Encode(), false)
}

func (r *Router) handleFetchBootstrapRCs(from contact.RouterID, body []byte, respond func([]byte, bool)) {
	m, err := messages.ParseBootstrapFetch(body)
	if err != nil {
		respond([]byte(messages.StatusBadFrame), true)
		return
	}
	if len(m.Local) != 0 {
		if rc, err := contact.ParseWithOptions(m.Local, contact.ParseOptions{}); err == nil {
			r.AcceptContact(from, rc)
		}
	}

	quantity := m.Quantity
	if quantity <= 0 || quantity > 64 {
		quantity = 64
	}

	// Our own contact counts against the quota, and the requester has
	// no use for its own contact or ours coming back in the sample.
	resp := &messages.RCsResponse{}
	if r.selfRC != nil {
		if blob, err := r.selfRC.Serialize(); err == nil {
			resp.RCs = append(resp.RCs, blob)
			quantity--
		}
	}
	exclude := func(rc *contact.RouterContact) bool {
		id := rc.RouterID()
		return id == from || id == r.localID
	}
	for _, rc := range r.db.RandomContacts(quantity, exclude) {
		blob, err := rc.Serialize()
		if err != nil {
			continue
		}
		resp.RCs = append(resp.RCs, blob)
	}
	respond(resp.Encode(), false)
}

func (r *Router) handleLatency(_ contact.RouterID, body []byte, respond func([]byte)) {
	if _, err := messages.ParseLatencyProbe(body); err != nil {
		respond(messages.EncodeStatus(messages.StatusBadFrame))
		return
	}
	respond(body)
}

// handlePathTransfer hands a payload to another path terminating at
// this pivot, addressed by that path's pivot rx.
func (r *Router) handlePathTransfer(_ contact.RouterID, body []byte, respond func([]byte)) {
	m, err := messages.ParsePathTransfer(body)
	if err != nil {
		respond(messages.EncodeStatus(messages.StatusBadFrame))
		return
	}
	dest := r.ctx.GetTransitHop(path.HopID(m.DestRX))
	if dest == nil || !dest.IsTerminal(r.localID) {
		respond(messages.EncodeStatus(messages.StatusNotFound))
		return
	}
	frame := dest.WrapBackward(&messages.OnionFrame{
		Nonce:   m.Nonce,
		Payload: m.Payload,
	})
	r.lm.SendData(dest.Downstream, frame.Encode())
	respond(messages.EncodeStatus(messages.StatusOK))
}

func (r *Router) handleFindName(_ contact.RouterID, body []byte, respond func([]byte)) {
	m, err := messages.ParseFindName(body)
	if err != nil {
		respond(messages.EncodeStatus(messages.StatusBadFrame))
		return
	}
	r.mu.Lock()
	value, ok := r.names[m.Name]
	r.mu.Unlock()
	if !ok {
		respond(messages.EncodeStatus(messages.StatusNotFound))
		return
	}
	respond((&messages.NameResponse{Result: value}).Encode())
}

func (r *Router) handleFindIntro(_ contact.RouterID, body []byte, respond func([]byte)) {
	m, err := messages.ParseFindIntro(body)
	if err != nil {
		respond(messages.EncodeStatus(messages.StatusBadFrame))
		return
	}
	r.mu.Lock()
	e, ok := r.intros[m.Location]
	r.mu.Unlock()
	if !ok || time.Now().After(e.expiry) {
		respond(messages.EncodeStatus(messages.StatusNotFound))
		return
	}
	respond((&messages.IntroResponse{Intro: e.blob}).Encode())
}

func (r *Router) handlePublishIntro(_ contact.RouterID, body []byte, respond func([]byte)) {
	m, err := messages.ParsePublishIntro(body)
	if err != nil || len(m.Intro) == 0 {
		respond(messages.EncodeStatus(messages.StatusBadFrame))
		return
	}
	ttl := time.Duration(m.TTL) * time.Second
	if ttl <= 0 || ttl > path.DefaultLifetime {
		ttl = path.DefaultLifetime
	}
	r.mu.Lock()
	r.intros[m.Location] = &introEntry{blob: m.Intro, expiry: time.Now().Add(ttl)}
	r.mu.Unlock()
	respond(messages.EncodeStatus(messages.StatusOK))
}

func (r *Router) handleObtainExit(_ contact.RouterID, body []byte, respond func([]byte)) {
	m, err := messages.ParseObtainExit(body)
	if err != nil {
		respond(messages.EncodeStatus(messages.StatusBadFrame))
		return
	}
	if !m.VerifySig() {
		respond(messages.EncodeStatus(messages.StatusBadSignature))
		return
	}
	r.mu.Lock()
	r.exits[string(m.TxID)] = &exitEntry{
		pubKey: m.PubKey,
		expiry: time.Now().Add(path.DefaultLifetime),
	}
	r.mu.Unlock()
	respond(messages.EncodeStatus(messages.StatusOK))
}

func (r *Router) handleUpdateExit(_ contact.RouterID, body []byte, respond func([]byte)) {
	m, err := messages.ParseUpdateExit(body)
	if err != nil {
		respond(messages.EncodeStatus(messages.StatusBadFrame))
		return
	}
	r.mu.Lock()
	e, ok := r.exits[string(m.TxID)]
	if ok {
		e.expiry = time.Now().Add(path.DefaultLifetime)
	}
	r.mu.Unlock()
	if !ok {
		respond(messages.EncodeStatus(messages.StatusNoExit))
		return
	}
	respond(messages.EncodeStatus(messages.StatusOK))
}

func (r *Router) handleCloseExit(_ contact.RouterID, body []byte, respond func([]byte)) {
	m, err := messages.ParseCloseExit(body)
	if err != nil {
		respond(messages.EncodeStatus(messages.StatusBadFrame))
		return
	}
	r.mu.Lock()
	_, ok := r.exits[string(m.TxID)]
	delete(r.exits, string(m.TxID))
	r.mu.Unlock()
	if !ok {
		respond(messages.EncodeStatus(messages.StatusNoExit))
		return
	}
	respond(messages.EncodeStatus(messages.StatusOK))
}
