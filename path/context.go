// context.go - Registry of local paths and transit hops.
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
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/nyxnet/nyxnet/core/contact"
	nyxlog "github.com/nyxnet/nyxnet/core/log"
)

var (
	// ErrDuplicatePath is returned when a path with the same upstream
	// rxid is already registered.
	ErrDuplicatePath = errors.New("path: duplicate upstream rxid")

	// ErrDuplicateTransit is returned when either hop identifier of a
	// transit hop is already registered.
	ErrDuplicateTransit = errors.New("path: duplicate transit hop id")
)

// Context is the process wide registry keyed by hop identifier: local
// paths indexed by their upstream rxid, and transit hops indexed by both
// of their identifiers.  The mutex exists for insertions and removals
// arriving off the event loop thread; everything else runs on it.
type Context struct {
	mu sync.Mutex

	log     *logging.Logger
	localID contact.RouterID

	paths   map[HopID]*Path
	transit map[HopID]*TransitHop

	// numTransit counts distinct hops; a pivot self-loop hop occupies
	// a single transit slot, so the map length is not the hop count.
	numTransit int

	allowTransit bool
}

// NewContext creates an empty registry for the given local identity.
func NewContext(localID contact.RouterID, logBackend *nyxlog.Backend) *Context {
	return &Context{
		log:     logBackend.GetLogger("pathctx"),
		localID: localID,
		paths:   make(map[HopID]*Path),
		transit: make(map[HopID]*TransitHop),
	}
}

// AllowTransit opens the gate for accepting build requests as an
// intermediate relay.  The gate only ever opens.
func (c *Context) AllowTransit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowTransit = true
}

// IsTransitAllowed reports whether this node accepts transit hops.
func (c *Context) IsTransitAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowTransit
}

// AddPath registers a local path under its upstream rxid.
func (c *Context) AddPath(p *Path) error {
	id := p.UpstreamRXID()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.paths[id]; ok {
		return ErrDuplicatePath
	}
	c.paths[id] = p
	return nil
}

// DropPath removes a path and cancels everything in flight on it.
func (c *Context) DropPath(p *Path) {
	c.mu.Lock()
	delete(c.paths, p.UpstreamRXID())
	c.mu.Unlock()
	p.Drop()
}

// DropPaths removes a batch of paths.
func (c *Context) DropPaths(ps []*Path) {
	for _, p := range ps {
		c.DropPath(p)
	}
}

// GetPath returns the local path registered under id, or nil.
func (c *Context) GetPath(id HopID) *Path {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paths[id]
}

// GetPathForTransit returns the local path matching either identifier of
// a transit hop, or nil.
func (c *Context) GetPathForTransit(t *TransitHop) *Path {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.paths[t.RX]; ok {
		return p
	}
	return c.paths[t.TX]
}

// PutTransitHop registers a transit hop under both of its identifiers.
func (c *Context) PutTransitHop(t *TransitHop) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.transit[t.RX]; ok {
		return ErrDuplicateTransit
	}
	if _, ok := c.transit[t.TX]; ok {
		return ErrDuplicateTransit
	}
	c.transit[t.RX] = t
	c.transit[t.TX] = t
	c.numTransit++
	return nil
}

// HasTransitHop reports whether either identifier of t is registered.
func (c *Context) HasTransitHop(t *TransitHop) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, rx := c.transit[t.RX]
	_, tx := c.transit[t.TX]
	return rx || tx
}

// GetTransitHop returns the transit hop registered under either
// direction's identifier, or nil.
func (c *Context) GetTransitHop(id HopID) *TransitHop {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transit[id]
}

// NumPaths returns the number of registered local paths.
func (c *Context) NumPaths() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.paths)
}

// NumTransitHops returns the number of registered transit hops.
func (c *Context) NumTransitHops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numTransit
}

// Tick ages out expired transit hops and expired paths.  Dropped paths
// have their in-flight requests cancelled.
func (c *Context) Tick(now time.Time) {
	c.mu.Lock()
	stale := make(map[*TransitHop]bool)
	for _, t := range c.transit {
		if t.IsExpired(now) {
			stale[t] = true
		}
	}
	for t := range stale {
		delete(c.transit, t.RX)
		delete(c.transit, t.TX)
		c.numTransit--
	}
	var expired []*Path
	for id, p := range c.paths {
		if p.IsExpired(now) {
			delete(c.paths, id)
			expired = append(expired, p)
		}
	}
	c.mu.Unlock()

	for _, p := range expired {
		c.log.Debugf("Expiring %v", p)
		p.expire()
	}
}
