// path.go - Onion routed paths, originator side.
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
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/nyxnet/nyxnet/core/contact"
	"github.com/nyxnet/nyxnet/core/crypto"
	"github.com/nyxnet/nyxnet/link"
	"github.com/nyxnet/nyxnet/messages"
)

var (
	// ErrNotReady is returned when a path is used before it is
	// established.
	ErrNotReady = errors.New("path: not ready")

	// ErrExpired is returned when a path is used past its expiry.
	ErrExpired = errors.New("path: expired")

	// ErrLinkFailed is returned when the first hop cannot be reached.
	ErrLinkFailed = errors.New("path: link failed")

	// ErrTooShort is returned when a path is constructed over fewer
	// than two relays.
	ErrTooShort = errors.New("path: need at least two hops")
)

// Status is the path lifecycle state.
type Status int

const (
	// Building: the build request is being constructed or submitted.
	Building Status = iota
	// AwaitingAck: the build request is in flight.
	AwaitingAck
	// Established: the build reply arrived and the path is usable.
	Established
	// Failed: the build timed out or was rejected.
	Failed
	// Expired: the path lived out its lifetime.
	Expired
)

func (s Status) String() string {
	switch s {
	case Building:
		return "building"
	case AwaitingAck:
		return "awaiting-ack"
	case Established:
		return "established"
	case Failed:
		return "failed"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Router is the narrow view of the router a path needs: its identity,
// the link manager's send operations, and event loop scheduling.
type Router interface {
	LocalID() contact.RouterID
	SendControl(remote contact.RouterID, endpoint string, body []byte, onReply link.ReplyFunc) bool
	SendData(remote contact.RouterID, body []byte) bool
	CallSoon(f func())
	CallLater(d time.Duration, f func()) *time.Timer
}

// Intro is the published addressing record of a path: peers reach it by
// handing frames tagged with the pivot's rx to the pivot relay.
type Intro struct {
	PivotRID contact.RouterID
	PivotRX  HopID
	Expiry   time.Time
}

// Path is an onion routed circuit owned by this node.  It is identified
// to the local registry by its upstream rxid (hop zero's rx).
type Path struct {
	r   Router
	log *logging.Logger

	hops  []*Hop
	intro Intro

	// buildReq holds the sealed per-hop build records between
	// construction and a successful build; the ephemeral key material
	// behind them is already gone.
	buildReq *messages.BuildRequest

	mu           sync.Mutex
	status       Status
	buildStarted time.Time
	expiresAt    time.Time
	lastRecv     time.Time
	latency      time.Duration

	recvDgram func([]byte)
	linked    bool

	nextCtl  uint64
	inflight map[uint64]link.ReplyFunc
}

// NewPath allocates a path over the given relays, derives per-hop
// session keys from fresh ephemeral keypairs, and prepares the sealed
// build records.  Nothing is sent until Build.
func NewPath(r Router, rcs []*contact.RouterContact, logBackend logBackendT, lifetime time.Duration) (*Path, error) {
	if len(rcs) < 2 {
		return nil, ErrTooShort
	}
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}

	p := &Path{
		r:        r,
		status:   Building,
		inflight: make(map[uint64]link.ReplyFunc),
	}

	n := len(rcs)
	hops := make([]*Hop, n)
	for i, rc := range rcs {
		hops[i] = &Hop{
			RC:       rc,
			RX:       NewHopID(),
			Lifetime: lifetime,
		}
	}
	for i := 0; i < n-1; i++ {
		hops[i].Upstream = rcs[i+1].RouterID()
	}
	// The pivot's tx loops back onto its own rx, marking the end of
	// the inbound chain; its upstream is itself for the same reason.
	hops[n-1].Upstream = rcs[n-1].RouterID()
	for i := 0; i < n-1; i++ {
		hops[i].TX = hops[i+1].RX
	}
	hops[n-1].TX = hops[n-1].RX
	p.hops = hops

	req := &messages.BuildRequest{Records: make([]messages.BuildRecord, n)}
	for i, h := range hops {
		encPub, err := h.RC.EncryptionPublicKey()
		if err != nil {
			return nil, err
		}
		ephPub, ephPriv, err := crypto.GenerateDHKeypair()
		if err != nil {
			return nil, err
		}
		nonce := crypto.NewNonce()
		h.Key = crypto.DH(ephPriv, encPub, nonce)
		h.NonceXOR = crypto.NonceXOR(&h.Key)
		ephPriv.Reset()

		rec := messages.BuildRecord{
			EphemeralKey: ephPub.Bytes(),
			Nonce:        nonce,
			RX:           h.RX,
		}
		rec.SealRecord(&messages.BuildRecordPlain{
			TX:       h.TX,
			Upstream: h.Upstream.Bytes(),
			Lifetime: lifetime.Milliseconds(),
		}, &h.Key)
		req.Records[i] = rec
	}
	p.buildReq = req

	p.intro = Intro{
		PivotRID: hops[n-1].RC.RouterID(),
		PivotRX:  hops[n-1].RX,
	}
	p.log = logBackend.GetLogger(fmt.Sprintf("path:%v", p.UpstreamRXID()))

	return p, nil
}

// logBackendT keeps the core/log dependency narrow for tests.
type logBackendT interface {
	GetLogger(module string) *logging.Logger
}

// Hops returns the hop configurations, first hop first.
func (p *Path) Hops() []*Hop { return p.hops }

// UpstreamRID returns the identity of the first hop.
func (p *Path) UpstreamRID() contact.RouterID { return p.hops[0].RC.RouterID() }

// UpstreamRXID returns hop zero's rx, the path's registry key.
func (p *Path) UpstreamRXID() HopID { return p.hops[0].RX }

// UpstreamTXID returns hop zero's tx.
func (p *Path) UpstreamTXID() HopID { return p.hops[0].TX }

// PivotRID returns the identity of the terminal relay.
func (p *Path) PivotRID() contact.RouterID { return p.hops[len(p.hops)-1].RC.RouterID() }

// PivotRXID returns the pivot's rx, the identifier peers address this
// path by.
func (p *Path) PivotRXID() HopID { return p.hops[len(p.hops)-1].RX }

// Intro returns the path's published addressing record.
func (p *Path) Intro() Intro {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intro
}

// Status returns the lifecycle state.
func (p *Path) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// IsEstablished reports whether the build reply arrived.
func (p *Path) IsEstablished() bool { return p.Status() == Established }

// IsExpired returns true iff the path is past its expiry at now.
func (p *Path) IsExpired(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isExpiredLocked(now)
}

func (p *Path) isExpiredLocked(now time.Time) bool {
	if p.status == Expired || p.status == Failed {
		return p.status == Expired
	}
	return !p.expiresAt.IsZero() && now.After(p.expiresAt)
}

// IsReady reports whether the path is established and not expired.
func (p *Path) IsReady(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status == Established && !p.isExpiredLocked(now)
}

// Latency returns the last measured round trip, zero before the first
// probe completes.
func (p *Path) Latency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency
}

// LastActivity returns when the path last saw traffic from the network.
func (p *Path) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRecv
}

func (p *Path) markActive() {
	p.mu.Lock()
	if now := time.Now(); now.After(p.lastRecv) {
		p.lastRecv = now
	}
	p.mu.Unlock()
}

// Equal compares two paths hop by hop.
func (p *Path) Equal(other *Path) bool {
	if len(p.hops) != len(other.hops) {
		return false
	}
	for i := range p.hops {
		if !p.hops[i].Equal(other.hops[i]) {
			return false
		}
	}
	return true
}

func (p *Path) String() string {
	return fmt.Sprintf("path TX=%v RX=%v", p.UpstreamTXID(), p.UpstreamRXID())
}

// HopsString renders the relay chain for logging.
func (p *Path) HopsString() string {
	parts := make([]string, 0, len(p.hops))
	for _, h := range p.hops {
		parts = append(parts, h.RC.RouterID().String())
	}
	return strings.Join(parts, " -> ")
}

// makePathMessage wraps an inner payload in one onion layer per hop,
// innermost (pivot) first, and returns the encoded outer frame for the
// first hop.
func (p *Path) makePathMessage(inner []byte) []byte {
	nonce := crypto.NewNonce()
	for i := len(p.hops) - 1; i >= 0; i-- {
		h := p.hops[i]
		nonce = crypto.OnionStep(inner, &h.Key, nonce, h.NonceXOR)
	}
	frame := &messages.OnionFrame{
		HopID:   [messages.HopIDSize]byte(p.UpstreamRXID()),
		Nonce:   nonce,
		Payload: inner,
	}
	return frame.Encode()
}

// peelResponse strips the response onion in place, hop zero's layer
// first, and returns the plaintext.
func (p *Path) peelResponse(frame *messages.OnionFrame) []byte {
	nonce := frame.Nonce
	for _, h := range p.hops {
		nonce = crypto.OnionPeel(frame.Payload, &h.Key, nonce, h.NonceXOR)
	}
	return frame.Payload
}

// registerInflight records an in-flight control request so Drop can
// cancel it.  The returned resolve function claims the right to invoke
// the callback; it returns nil if the request was already cancelled.
func (p *Path) registerInflight(onReply link.ReplyFunc) (id uint64, resolve func() link.ReplyFunc) {
	p.mu.Lock()
	p.nextCtl++
	id = p.nextCtl
	p.inflight[id] = onReply
	p.mu.Unlock()

	resolve = func() link.ReplyFunc {
		p.mu.Lock()
		fn, ok := p.inflight[id]
		delete(p.inflight, id)
		p.mu.Unlock()
		if !ok {
			return nil
		}
		return fn
	}
	return
}

// SendPathControl sends a control request to the pivot along the path.
// onReply observes exactly one of: the pivot's response, a timeout, or a
// cancellation if the path is dropped first.
func (p *Path) SendPathControl(endpoint string, body []byte, onReply link.ReplyFunc) error {
	now := time.Now()
	p.mu.Lock()
	switch {
	case p.isExpiredLocked(now):
		p.mu.Unlock()
		return ErrExpired
	case p.status != Established:
		p.mu.Unlock()
		return ErrNotReady
	}
	p.mu.Unlock()

	inner := messages.EncodeControl(endpoint, body)
	outer := p.makePathMessage(inner)

	_, resolve := p.registerInflight(onReply)
	ok := p.r.SendControl(p.UpstreamRID(), link.CmdPathControl, outer, func(r link.Reply) {
		fn := resolve()
		if fn == nil {
			return
		}
		if r.Err != nil {
			fn(r)
			return
		}
		frame, err := messages.ParseOnionFrame(r.Body)
		if err != nil {
			fn(link.Reply{Err: err})
			return
		}
		p.markActive()
		fn(link.Reply{Body: p.peelResponse(frame)})
	})
	if !ok {
		if fn := resolve(); fn != nil {
			p.r.CallSoon(func() { fn(link.Reply{Err: link.ErrNoLink}) })
		}
		return ErrLinkFailed
	}
	return nil
}

// SendPathData sends a datagram to the pivot along the path.
func (p *Path) SendPathData(body []byte) error {
	now := time.Now()
	if p.IsExpired(now) {
		return ErrExpired
	}
	if !p.IsReady(now) {
		return ErrNotReady
	}

	inner := messages.EncodeData(body, p.r.LocalID().Bytes())
	outer := p.makePathMessage(inner)
	if !p.r.SendData(p.UpstreamRID(), outer) {
		return ErrLinkFailed
	}
	return nil
}

// LinkSession attaches the datagram receive hook of a session endpoint.
func (p *Path) LinkSession(onDgram func([]byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recvDgram = onDgram
	p.linked = true
}

// UnlinkSession detaches the session hook.  Returns false if no session
// was linked.
func (p *Path) UnlinkSession() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.linked {
		return false
	}
	p.linked = false
	p.recvDgram = nil
	return true
}

// HandleInbound processes a datagram frame addressed to this path:
// the response onion is peeled and the inner payload dispatched.
func (p *Path) HandleInbound(frame *messages.OnionFrame) {
	plain := p.peelResponse(frame)
	inner, err := messages.ParseInner(plain)
	if err != nil {
		p.log.Debugf("Dropping inbound frame: %v", err)
		return
	}
	p.markActive()
	switch inner.Tag {
	case messages.TagData:
		p.recvDataMessage(inner.Body)
	default:
		p.log.Debugf("Dropping inbound frame with tag '%v'", inner.Tag)
	}
}

func (p *Path) recvDataMessage(b []byte) {
	p.mu.Lock()
	cb := p.recvDgram
	p.mu.Unlock()
	if cb == nil {
		p.log.Warningf("No session hook to receive datagram")
		return
	}
	cb(b)
}

// Drop cancels every in-flight control request with a cancelled marker
// and makes the path unusable.  Safe to call more than once.
func (p *Path) Drop() {
	p.mu.Lock()
	cancelled := p.inflight
	p.inflight = make(map[uint64]link.ReplyFunc)
	if p.status != Expired {
		p.status = Failed
	}
	p.recvDgram = nil
	p.linked = false
	p.mu.Unlock()

	for _, fn := range cancelled {
		fn := fn
		p.r.CallSoon(func() { fn(link.Reply{Err: link.ErrCancelled}) })
	}
}

// expire transitions to Expired and cancels anything in flight.
func (p *Path) expire() {
	p.mu.Lock()
	p.status = Expired
	p.mu.Unlock()
	p.Drop()
}

// Rebuild constructs a new path over the same relay sequence with fresh
// hop identifiers and session keys.
func (p *Path) Rebuild(logBackend logBackendT) (*Path, error) {
	rcs := make([]*contact.RouterContact, len(p.hops))
	for i, h := range p.hops {
		rcs[i] = h.RC
	}
	return NewPath(p.r, rcs, logBackend, p.hops[0].Lifetime)
}
