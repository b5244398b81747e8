// router.go - The router: glue between link manager, paths, and context.
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

// Package router assembles the onion routing core: it owns the event
// loop, the link manager, the path context, and the node database, and
// wires inbound frames to the right one.
package router

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"gopkg.in/op/go-logging.v1"

	"github.com/nyxnet/nyxnet/core/contact"
	"github.com/nyxnet/nyxnet/core/crypto"
	nyxlog "github.com/nyxnet/nyxnet/core/log"
	"github.com/nyxnet/nyxnet/core/worker"
	"github.com/nyxnet/nyxnet/link"
	"github.com/nyxnet/nyxnet/nodedb"
	"github.com/nyxnet/nyxnet/path"
)

const (
	identityKeyFile   = "identity.key"
	encryptionKeyFile = "encryption.key"
	selfContactFile   = "self.rc"

	tickInterval  = 5 * time.Second
	pruneInterval = time.Minute
)

// Config carries everything a Router needs at construction.
type Config struct {
	LogBackend *nyxlog.Backend

	// DataDir holds the long term keys and the node database; empty
	// runs with ephemeral keys and an in-memory database.
	DataDir string

	// Address is the link listen address.  Empty makes a client-only
	// node that originates paths but accepts nothing.
	Address string

	// AllowTransit opens the transit gate, accepting build requests as
	// an intermediate relay.
	AllowTransit bool
}

// Router is one participant in the overlay, client or relay.
type Router struct {
	worker.Worker

	log       *nyxlog.Backend
	l         *logging.Logger
	cfg       *Config
	loop      *Loop
	cryptoWrk *cryptoWorker
	identity  *ed25519.PrivateKey
	encPriv   nike.PrivateKey
	encPub    nike.PublicKey
	db        *nodedb.DB
	lm        *link.Manager
	ctx       *path.Context
	selfRC    *contact.RouterContact
	localID   contact.RouterID

	mu            sync.Mutex
	inner         map[string]InnerHandler
	exits         map[string]*exitEntry
	intros        map[[32]byte]*introEntry
	names         map[string][]byte
	endpointHooks []*Endpoint
}

type exitEntry struct {
	pubKey []byte
	expiry time.Time
}

type introEntry struct {
	blob   []byte
	expiry time.Time
}

// InnerHandler services one named path control endpoint at a pivot.
// respond must be invoked exactly once with the response body.
type InnerHandler func(from contact.RouterID, body []byte, respond func([]byte))

// New assembles and starts a router.
func New(cfg *Config) (*Router, error) {
	r := &Router{
		log:    cfg.LogBackend,
		l:      cfg.LogBackend.GetLogger("router"),
		cfg:    cfg,
		loop:   NewLoop(),
		inner:  make(map[string]InnerHandler),
		exits:  make(map[string]*exitEntry),
		intros: make(map[[32]byte]*introEntry),
		names:  make(map[string][]byte),
	}
	r.cryptoWrk = newCryptoWorker()

	if err := r.initKeys(); err != nil {
		return nil, err
	}
	var err error
	r.localID, err = contact.RouterIDFromBytes(r.identity.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}

	r.db, err = nodedb.Open(cfg.DataDir, cfg.LogBackend)
	if err != nil {
		return nil, err
	}

	r.lm, err = link.New(&link.Config{
		LogBackend: cfg.LogBackend,
		Caller:     r.loop,
		DB:         r.db,
		Identity:   r.identity,
		Address:    cfg.Address,
		IsRelay:    cfg.Address != "",
	})
	if err != nil {
		r.db.Close()
		return nil, err
	}

	r.ctx = path.NewContext(r.localID, cfg.LogBackend)
	if cfg.AllowTransit {
		r.ctx.AllowTransit()
	}

	if cfg.Address != "" {
		// The RC advertises the bound address, which may differ from
		// the configured one when the port was left to the kernel.
		r.selfRC, err = contact.New(r.identity, r.encPub, r.lm.Addr())
		if err != nil {
			r.lm.Halt()
			r.db.Close()
			return nil, err
		}
		if cfg.DataDir != "" {
			if err := r.selfRC.ToFile(filepath.Join(cfg.DataDir, selfContactFile)); err != nil {
				r.l.Warningf("Failed to write self contact: %v", err)
			}
		}
	}

	r.registerLinkHandlers()
	r.registerInnerHandlers()
	r.lm.OnDatagram(r.handleOnionDatagram)

	r.Go(r.tickWorker)

	r.l.Noticef("Router %v up (relay=%v transit=%v)", r.localID, cfg.Address != "", cfg.AllowTransit)
	return r, nil
}

func (r *Router) initKeys() error {
	if r.cfg.DataDir == "" {
		var err error
		r.identity, _, err = ed25519.NewKeypair(rand.Reader)
		if err != nil {
			return err
		}
		r.encPub, r.encPriv, err = crypto.GenerateDHKeypair()
		return err
	}

	idPath := filepath.Join(r.cfg.DataDir, identityKeyFile)
	if blob, err := os.ReadFile(idPath); err == nil {
		r.identity = ed25519.NewEmptyPrivateKey()
		if err := r.identity.FromBytes(blob); err != nil {
			return fmt.Errorf("router: identity key: %w", err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		sk, _, err := ed25519.NewKeypair(rand.Reader)
		if err != nil {
			return err
		}
		r.identity = sk
		if err := os.WriteFile(idPath, sk.Bytes(), 0600); err != nil {
			return err
		}
	} else {
		return err
	}

	encPath := filepath.Join(r.cfg.DataDir, encryptionKeyFile)
	if blob, err := os.ReadFile(encPath); err == nil {
		sk, err := crypto.DHScheme.UnmarshalBinaryPrivateKey(blob)
		if err != nil {
			return fmt.Errorf("router: encryption key: %w", err)
		}
		r.encPriv = sk
		r.encPub = crypto.DHScheme.DerivePublicKey(sk)
	} else if errors.Is(err, os.ErrNotExist) {
		pub, sk, err := crypto.GenerateDHKeypair()
		if err != nil {
			return err
		}
		r.encPub, r.encPriv = pub, sk
		if err := os.WriteFile(encPath, sk.Bytes(), 0600); err != nil {
			return err
		}
	} else {
		return err
	}
	return nil
}

// Shutdown halts every component, cancelling whatever is in flight.
func (r *Router) Shutdown() {
	r.Worker.Halt()
	r.lm.Halt()
	r.cryptoWrk.Halt()
	r.loop.Halt()
	r.db.Close()
}

// LocalID returns this node's router identity.
func (r *Router) LocalID() contact.RouterID { return r.localID }

// SelfContact returns the signed contact advertising this relay, nil
// for client-only nodes.
func (r *Router) SelfContact() *contact.RouterContact { return r.selfRC }

// NodeDB exposes the node database.
func (r *Router) NodeDB() *nodedb.DB { return r.db }

// LinkManager exposes the link manager.
func (r *Router) LinkManager() *link.Manager { return r.lm }

// PathContext exposes the path registry.
func (r *Router) PathContext() *path.Context { return r.ctx }

// SendControl implements path.Router.
func (r *Router) SendControl(remote contact.RouterID, endpoint string, body []byte, onReply link.ReplyFunc) bool {
	return r.lm.SendControl(remote, endpoint, body, onReply)
}

// SendData implements path.Router.
func (r *Router) SendData(remote contact.RouterID, body []byte) bool {
	return r.lm.SendData(remote, body)
}

// CallSoon implements path.Router.
func (r *Router) CallSoon(f func()) { r.loop.CallSoon(f) }

// CallLater implements path.Router.
func (r *Router) CallLater(d time.Duration, f func()) *time.Timer {
	return r.loop.CallLater(d, f)
}

// RegisterInnerHandler installs (or replaces) the handler for a named
// path control endpoint served when this node is a pivot.
func (r *Router) RegisterInnerHandler(name string, h InnerHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inner[name] = h
}

// SetName publishes a resolvable name on this relay.
func (r *Router) SetName(name string, value []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[name] = value
}

// BuildPath allocates a path over the given relays, registers it, and
// submits the build.  onDone observes the built path or the failure; a
// failed path is removed from the registry before onDone runs.
func (r *Router) BuildPath(rcs []*contact.RouterContact, lifetime time.Duration, onDone func(*path.Path, error)) {
	p, err := path.NewPath(r, rcs, r.log, lifetime)
	if err != nil {
		if onDone != nil {
			r.CallSoon(func() { onDone(nil, err) })
		}
		return
	}
	if err := r.ctx.AddPath(p); err != nil {
		if onDone != nil {
			r.CallSoon(func() { onDone(nil, err) })
		}
		return
	}
	p.Build(func(err error) {
		if err != nil {
			r.ctx.DropPath(p)
			if onDone != nil {
				onDone(nil, err)
			}
			return
		}
		r.scheduleLatencyProbe(p)
		r.notifyPathBuilt(p)
		if onDone != nil {
			onDone(p, nil)
		}
	})
}

// BuildRandomPath picks n random relays from the node database and
// builds over them.
func (r *Router) BuildRandomPath(n int, lifetime time.Duration, onDone func(*path.Path, error)) {
	rcs := r.db.RandomContacts(n, func(rc *contact.RouterContact) bool {
		return rc.RouterID() == r.localID
	})
	if len(rcs) < n {
		if onDone != nil {
			r.CallSoon(func() { onDone(nil, link.ErrRouterNotFound) })
		}
		return
	}
	r.BuildPath(rcs, lifetime, onDone)
}

// scheduleLatencyProbe keeps a liveness probe running for as long as the
// path stays ready.
func (r *Router) scheduleLatencyProbe(p *path.Path) {
	r.CallLater(path.LatencyInterval, func() {
		if !p.IsReady(time.Now()) {
			return
		}
		if err := p.SendLatencyProbe(nil); err != nil {
			return
		}
		r.scheduleLatencyProbe(p)
	})
}

// AcceptContact validates and stores a contact learned from the network,
// gossiping it onward when it is new.
func (r *Router) AcceptContact(from contact.RouterID, rc *contact.RouterContact) bool {
	stored, err := r.db.PutContact(rc)
	if err != nil {
		r.l.Warningf("Failed to store contact %v: %v", rc.RouterID(), err)
		return false
	}
	if stored {
		r.lm.GossipRC(from, rc)
	}
	return stored
}

func (r *Router) tickWorker() {
	tick := time.NewTicker(tickInterval)
	prune := time.NewTicker(pruneInterval)
	defer tick.Stop()
	defer prune.Stop()
	for {
		select {
		case <-r.HaltCh():
			return
		case now := <-tick.C:
			r.loop.CallSoon(func() { r.ctx.Tick(now) })
			r.expireState(now)
		case <-prune.C:
			r.db.Prune()
		}
	}
}

// expireState ages out exit grants and published intros.
func (r *Router) expireState(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.exits {
		if now.After(e.expiry) {
			delete(r.exits, id)
		}
	}
	for loc, e := range r.intros {
		if now.After(e.expiry) {
			delete(r.intros, loc)
		}
	}
}
