// manager.go - Link manager: connection tables and message routing.
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

// Package link maintains the set of open secure transport connections
// between routers and routes control and data messages by router
// identity.
package link

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/nyxnet/nyxnet/core/contact"
	nyxlog "github.com/nyxnet/nyxnet/core/log"
	"github.com/nyxnet/nyxnet/core/worker"
	"github.com/nyxnet/nyxnet/internal/instrument"
)

const (
	connectTimeout = 10 * time.Second

	relayKeepAlive   = 10 * time.Second
	relayIdleTimeout = 2 * time.Minute

	clientIdleTimeout = 30 * time.Second

	sweepInterval = 30 * time.Second

	// recentClientTTL matches the path lifetime, so a client stays
	// recognised for as long as any path it built can live.
	recentClientTTL = 20 * time.Minute
)

// NodeDB is the narrow view of the node database the link manager needs.
type NodeDB interface {
	GetContact(id contact.RouterID) *contact.RouterContact
	RandomContacts(n int, exclude func(*contact.RouterContact) bool) []*contact.RouterContact
}

// Caller delivers closures onto the event loop thread, in submission
// order, from any thread.
type Caller interface {
	CallSoon(func())
}

// Handler services one named control command.  Handlers run on the event
// loop; respond must be invoked at most once.
type Handler func(from contact.RouterID, body []byte, respond func(body []byte, isError bool))

// DatagramFunc consumes inbound link datagrams on the event loop.
type DatagramFunc func(from contact.RouterID, fromRelay bool, payload []byte)

// pendingMessage is a message submitted while the connection to its peer
// was still being established.
type pendingMessage struct {
	isControl bool
	endpoint  string
	body      []byte
	onReply   ReplyFunc
}

// dialAttempt tracks one in-flight outbound connection, accumulating the
// open/close callbacks of every ConnectTo call made while it is pending.
type dialAttempt struct {
	onOpen  []func(*Conn)
	onClose []func(error)
}

// Config is the link manager configuration.
type Config struct {
	LogBackend *nyxlog.Backend
	Caller     Caller
	DB         NodeDB

	// Identity is the node's long term signing key; the TLS certificate
	// is derived from it.
	Identity *ed25519.PrivateKey

	// Address is the listen address, empty for client-only nodes.
	Address string

	// IsRelay selects the relay ALPN and long lived keep-alives on
	// outbound connections.
	IsRelay bool
}

// Manager owns every link connection and routes messages by router
// identity.
type Manager struct {
	worker.Worker

	log        *logging.Logger
	logBackend *nyxlog.Backend
	caller     Caller
	db         NodeDB

	localID contact.RouterID
	isRelay bool
	cert    tls.Certificate

	listener *quic.Listener

	mu                  sync.Mutex
	serviceConns        map[contact.RouterID]*Conn
	clientConns         map[contact.RouterID]*Conn
	pendingConns        map[contact.RouterID]*dialAttempt
	pendingMsgs         map[contact.RouterID][]*pendingMessage
	persisting          map[contact.RouterID]time.Time
	pendingVerification map[contact.RouterID]*contact.RouterContact
	recentClients       map[contact.RouterID]time.Time
	handlers            map[string]Handler
	dgramFn             DatagramFunc
}

// New creates a link manager and, for relays, starts the listener.
func New(cfg *Config) (*Manager, error) {
	m := &Manager{
		log:                 cfg.LogBackend.GetLogger("link"),
		logBackend:          cfg.LogBackend,
		caller:              cfg.Caller,
		db:                  cfg.DB,
		isRelay:             cfg.IsRelay,
		serviceConns:        make(map[contact.RouterID]*Conn),
		clientConns:         make(map[contact.RouterID]*Conn),
		pendingConns:        make(map[contact.RouterID]*dialAttempt),
		pendingMsgs:         make(map[contact.RouterID][]*pendingMessage),
		persisting:          make(map[contact.RouterID]time.Time),
		pendingVerification: make(map[contact.RouterID]*contact.RouterContact),
		recentClients:       make(map[contact.RouterID]time.Time),
		handlers:            make(map[string]Handler),
	}

	var err error
	m.localID, err = contact.RouterIDFromBytes(cfg.Identity.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}
	m.cert, err = selfSignedCert(cfg.Identity)
	if err != nil {
		return nil, err
	}

	if cfg.Address != "" {
		m.listener, err = quic.ListenAddr(cfg.Address, m.serverTLSConfig(), m.quicConfig(true))
		if err != nil {
			return nil, fmt.Errorf("link: listen on %v: %w", cfg.Address, err)
		}
		m.log.Noticef("Listening on %v", m.listener.Addr())
		m.Go(m.acceptWorker)
	}
	m.Go(m.sweepWorker)

	return m, nil
}

// LocalID returns the node's own router identity.
func (m *Manager) LocalID() contact.RouterID { return m.localID }

// Addr returns the listener address, or the empty string for client-only
// nodes.
func (m *Manager) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// RegisterHandler installs the handler for a named control command.
// Registration happens before any connection exists and is not
// synchronized against dispatch.
func (m *Manager) RegisterHandler(name string, h Handler) {
	m.handlers[name] = h
}

// OnDatagram installs the inbound datagram hook.
func (m *Manager) OnDatagram(fn DatagramFunc) {
	m.dgramFn = fn
}

func (m *Manager) quicConfig(relayPeer bool) *quic.Config {
	cfg := &quic.Config{
		EnableDatagrams:      true,
		HandshakeIdleTimeout: connectTimeout,
		MaxIdleTimeout:       clientIdleTimeout,
	}
	if relayPeer {
		cfg.KeepAlivePeriod = relayKeepAlive
		cfg.MaxIdleTimeout = relayIdleTimeout
	}
	return cfg
}

// Halt tears down the listener and every connection.
func (m *Manager) Halt() {
	if m.listener != nil {
		_ = m.listener.Close()
	}

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
		c.Close()
	}
	m.Worker.Halt()
}

func (m *Manager) findConnLocked(rid contact.RouterID) *Conn {
	if c, ok := m.serviceConns[rid]; ok {
		return c
	}
	if c, ok := m.clientConns[rid]; ok {
		return c
	}
	return nil
}

// SendControl delivers a request on the control stream to remote,
// invoking onReply with the response or a timeout/cancellation marker.
// If no connection exists the message is queued and establishment is
// initiated.  The return is false only when a hard invariant fails.
func (m *Manager) SendControl(remote contact.RouterID, endpoint string, body []byte, onReply ReplyFunc) bool {
	if remote == m.localID {
		m.log.Warningf("Refusing to send '%v' to self", endpoint)
		return false
	}

	m.mu.Lock()
	if c := m.findConnLocked(remote); c != nil {
		m.mu.Unlock()
		// A write failure cancels the pending reply inside
		// sendRequest; the callback still fires exactly once.
		if err := c.sendRequest(endpoint, body, onReply); err != nil {
			m.log.Debugf("Control '%v' to %v failed: %v", endpoint, remote, err)
		}
		return true
	}
	m.pendingMsgs[remote] = append(m.pendingMsgs[remote], &pendingMessage{
		isControl: true,
		endpoint:  endpoint,
		body:      body,
		onReply:   onReply,
	})
	m.ensureDialLocked(remote)
	m.mu.Unlock()
	return true
}

// SendData is a best effort datagram send.  Messages to peers with a
// connection mid-establishment are queued like control messages.
func (m *Manager) SendData(remote contact.RouterID, b []byte) bool {
	if remote == m.localID {
		return false
	}

	m.mu.Lock()
	if c := m.findConnLocked(remote); c != nil {
		m.mu.Unlock()
		if err := c.sendDatagram(b); err != nil {
			m.log.Debugf("Datagram to %v dropped: %v", remote, err)
			return false
		}
		return true
	}
	m.pendingMsgs[remote] = append(m.pendingMsgs[remote], &pendingMessage{body: b})
	m.ensureDialLocked(remote)
	m.mu.Unlock()
	return true
}

// ensureDialLocked starts establishment toward rid unless an attempt is
// already in flight.  Called with m.mu held.
func (m *Manager) ensureDialLocked(rid contact.RouterID) {
	if _, ok := m.pendingConns[rid]; ok {
		return
	}
	rc := m.pendingVerification[rid]
	if rc == nil {
		rc = m.db.GetContact(rid)
	}
	if rc == nil {
		m.pendingConns[rid] = &dialAttempt{}
		go m.finishDialFailure(rid, ErrRouterNotFound)
		return
	}
	m.pendingConns[rid] = &dialAttempt{}
	m.pendingVerification[rid] = rc
	m.startDial(rc)
}

func (m *Manager) startDial(rc *contact.RouterContact) {
	if rc.IsExpired(time.Now()) {
		go m.finishDialFailure(rc.RouterID(), contact.ErrExpired)
		return
	}
	m.Go(func() { m.dial(rc) })
}

// ConnectTo is idempotent: a second call while an attempt is in flight
// attaches the callbacks but does not dial twice.
func (m *Manager) ConnectTo(rc *contact.RouterContact, onOpen func(*Conn), onClose func(error)) {
	rid := rc.RouterID()
	if rid == m.localID {
		if onClose != nil {
			m.caller.CallSoon(func() { onClose(ErrInvalidRouter) })
		}
		return
	}

	m.mu.Lock()
	if c := m.findConnLocked(rid); c != nil {
		m.mu.Unlock()
		if onOpen != nil {
			m.caller.CallSoon(func() { onOpen(c) })
		}
		return
	}
	if att, ok := m.pendingConns[rid]; ok {
		if onOpen != nil {
			att.onOpen = append(att.onOpen, onOpen)
		}
		if onClose != nil {
			att.onClose = append(att.onClose, onClose)
		}
		m.mu.Unlock()
		return
	}
	att := &dialAttempt{}
	if onOpen != nil {
		att.onOpen = append(att.onOpen, onOpen)
	}
	if onClose != nil {
		att.onClose = append(att.onClose, onClose)
	}
	m.pendingConns[rid] = att
	m.pendingVerification[rid] = rc
	m.startDial(rc)
	m.mu.Unlock()
}

// ConnectToRID resolves rid through the node database and dials it.
func (m *Manager) ConnectToRID(rid contact.RouterID, onOpen func(*Conn), onClose func(error)) {
	rc := m.db.GetContact(rid)
	if rc == nil {
		if onClose != nil {
			m.caller.CallSoon(func() { onClose(ErrRouterNotFound) })
		}
		return
	}
	m.ConnectTo(rc, onOpen, onClose)
}

func (m *Manager) dial(rc *contact.RouterContact) {
	rid := rc.RouterID()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	qc, err := quic.DialAddr(ctx, rc.Address, m.clientTLSConfig(rid), m.quicConfig(m.isRelay))
	if err != nil {
		m.finishDialFailure(rid, classifyDialError(err))
		return
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err == nil {
		// The prologue makes the stream visible to the acceptor even
		// when the first application message is a datagram.
		_, err = stream.Write(prologue)
	}
	if err != nil {
		_ = qc.CloseWithError(0, "")
		m.finishDialFailure(rid, ErrNoLink)
		return
	}

	c := newConn(m, qc, stream, rid, true, false)
	m.finishDialSuccess(c)
}

func classifyDialError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case strings.Contains(err.Error(), errRIDMismatch.Error()):
		return contact.ErrBadSignature
	default:
		var idleErr *quic.IdleTimeoutError
		if errors.As(err, &idleErr) {
			return ErrTimeout
		}
		return fmt.Errorf("%w: %v", ErrNoLink, err)
	}
}

func (m *Manager) finishDialSuccess(c *Conn) {
	rid := c.rid

	m.mu.Lock()
	att := m.pendingConns[rid]
	delete(m.pendingConns, rid)
	delete(m.pendingVerification, rid)
	msgs := m.pendingMsgs[rid]
	delete(m.pendingMsgs, rid)
	m.serviceConns[rid] = c
	m.mu.Unlock()

	instrument.ConnectionEstablished(false)
	m.log.Debugf("Connection to %v established", rid)
	c.start()

	// Queued messages drain in arrival order before the open callbacks
	// run.
	m.drainQueued(c, msgs)
	if att != nil {
		for _, fn := range att.onOpen {
			fn := fn
			m.caller.CallSoon(func() { fn(c) })
		}
	}
}

func (m *Manager) drainQueued(c *Conn, msgs []*pendingMessage) {
	for _, msg := range msgs {
		if msg.isControl {
			if err := c.sendRequest(msg.endpoint, msg.body, msg.onReply); err != nil {
				m.log.Debugf("Queued control '%v' to %v failed: %v", msg.endpoint, c.rid, err)
			}
		} else if err := c.sendDatagram(msg.body); err != nil {
			m.log.Debugf("Queued datagram to %v dropped: %v", c.rid, err)
		}
	}
}

func (m *Manager) finishDialFailure(rid contact.RouterID, reason error) {
	m.mu.Lock()
	att := m.pendingConns[rid]
	delete(m.pendingConns, rid)
	delete(m.pendingVerification, rid)
	msgs := m.pendingMsgs[rid]
	delete(m.pendingMsgs, rid)
	m.mu.Unlock()

	m.log.Debugf("Connection to %v failed: %v", rid, reason)
	for _, msg := range msgs {
		if msg.isControl {
			m.failReply(msg.onReply, reason)
		}
	}
	if att != nil {
		for _, fn := range att.onClose {
			fn := fn
			m.caller.CallSoon(func() { fn(reason) })
		}
	}
}

func (m *Manager) failReply(fn ReplyFunc, reason error) {
	if fn == nil {
		return
	}
	m.caller.CallSoon(func() { fn(Reply{Err: reason}) })
}

func (m *Manager) acceptWorker() {
	for {
		qc, err := m.listener.Accept(context.Background())
		if err != nil {
			return
		}
		m.Go(func() { m.onInbound(qc) })
	}
}

func (m *Manager) onInbound(qc *quic.Conn) {
	cs := qc.ConnectionState().TLS
	if len(cs.PeerCertificates) == 0 {
		_ = qc.CloseWithError(0, "no client certificate")
		return
	}
	rid, err := peerIdentity(cs.PeerCertificates[0].Raw)
	if err != nil || rid == m.localID {
		_ = qc.CloseWithError(0, "bad peer identity")
		return
	}
	isRelayPeer := cs.NegotiatedProtocol == alpnRelay

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "no control stream")
		return
	}
	_ = stream.SetReadDeadline(time.Now().Add(connectTimeout))
	version := make([]byte, len(prologue))
	if _, err := io.ReadFull(stream, version); err != nil || version[0] != prologue[0] {
		_ = qc.CloseWithError(0, "bad prologue")
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	c := newConn(m, qc, stream, rid, isRelayPeer, true)

	m.mu.Lock()
	if old := m.findConnLocked(rid); old != nil {
		// The peer reconnected before the stale state noticed; the new
		// connection wins.
		m.mu.Unlock()
		old.Close()
		m.mu.Lock()
	}
	if isRelayPeer {
		m.serviceConns[rid] = c
	} else {
		m.clientConns[rid] = c
		m.recentClients[rid] = time.Now()
	}
	msgs := m.pendingMsgs[rid]
	delete(m.pendingMsgs, rid)
	att := m.pendingConns[rid]
	delete(m.pendingConns, rid)
	delete(m.pendingVerification, rid)
	m.mu.Unlock()

	instrument.ConnectionEstablished(true)
	m.log.Debugf("Accepted connection from %v (relay=%v)", rid, isRelayPeer)
	c.start()

	m.drainQueued(c, msgs)
	if att != nil {
		for _, fn := range att.onOpen {
			fn := fn
			m.caller.CallSoon(func() { fn(c) })
		}
	}
}

func (m *Manager) onConnClosed(c *Conn, reason error) {
	m.mu.Lock()
	if cur, ok := m.serviceConns[c.rid]; ok && cur == c {
		delete(m.serviceConns, c.rid)
	}
	if cur, ok := m.clientConns[c.rid]; ok && cur == c {
		delete(m.clientConns, c.rid)
	}
	m.mu.Unlock()
	m.log.Debugf("Connection to %v closed: %v", c.rid, reason)
}

// CloseConn tears down any live or pending connection to rid.
func (m *Manager) CloseConn(rid contact.RouterID) {
	m.mu.Lock()
	c := m.findConnLocked(rid)
	_, dialing := m.pendingConns[rid]
	m.mu.Unlock()

	if c != nil {
		c.Close()
	}
	if dialing {
		m.finishDialFailure(rid, ErrLinkClosed)
	}
}

// dispatch routes one inbound control request to its registered handler
// on the event loop.  A handler that panics produces an error response on
// the same stream.
func (m *Manager) dispatch(c *Conn, rec *streamRecord) {
	h, ok := m.handlers[rec.Endpoint]
	if !ok {
		m.log.Debugf("No handler for command '%v' from %v", rec.Endpoint, c.rid)
		c.respond(rec.ID, []byte("unknown command"), true)
		return
	}

	var respondOnce sync.Once
	respond := func(body []byte, isError bool) {
		respondOnce.Do(func() { c.respond(rec.ID, body, isError) })
	}

	m.caller.CallSoon(func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Errorf("Handler '%v' panicked: %v", rec.Endpoint, r)
				respond([]byte("internal error"), true)
			}
		}()
		h(c.rid, rec.Body, respond)
	})
}

func (m *Manager) handleDatagram(c *Conn, payload []byte) {
	if m.dgramFn == nil {
		return
	}
	from, fromRelay := c.rid, c.isRelayPeer
	m.caller.CallSoon(func() { m.dgramFn(from, fromRelay, payload) })
}

// sweepWorker ages out persist deadlines and the recent client set.
func (m *Manager) sweepWorker() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.HaltCh():
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for rid, deadline := range m.persisting {
				if now.After(deadline) {
					delete(m.persisting, rid)
				}
			}
			for rid, seen := range m.recentClients {
				if now.Sub(seen) > recentClientTTL {
					delete(m.recentClients, rid)
				}
			}
			m.mu.Unlock()
		}
	}
}
