// endpoint.go - Local endpoint variants.
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
	"fmt"

	"github.com/nyxnet/nyxnet/core/contact"
	"github.com/nyxnet/nyxnet/path"
)

// EndpointKind is the closed set of local endpoint variants.
type EndpointKind int

const (
	// ServiceEndpoint terminates hidden service sessions.
	ServiceEndpoint EndpointKind = iota
	// ExitEndpoint forwards session traffic out of the overlay.
	ExitEndpoint
	// EmbeddedEndpoint hands traffic to an in-process consumer.
	EmbeddedEndpoint
	// TunEndpoint hands traffic to the platform VPN glue.
	TunEndpoint
)

func (k EndpointKind) String() string {
	switch k {
	case ServiceEndpoint:
		return "service"
	case ExitEndpoint:
		return "exit"
	case EmbeddedEndpoint:
		return "embedded"
	case TunEndpoint:
		return "tun"
	default:
		return "unknown"
	}
}

// Endpoint is one local traffic terminator.  The capability set is
// fixed: receive session datagrams, observe path builds.
type Endpoint struct {
	Kind EndpointKind

	// Name distinguishes endpoints of the same kind in logs.
	Name string

	// AcceptDataMessage receives session datagrams that terminate at
	// this node.  The session tag inside body is the endpoint's to
	// interpret.
	AcceptDataMessage func(sender contact.RouterID, body []byte)

	// OnPathBuilt observes every successful local path build.
	OnPathBuilt func(*path.Path)
}

// Describe renders the endpoint for status output.
func (e *Endpoint) Describe() string {
	return fmt.Sprintf("%s:%s", e.Kind, e.Name)
}

// AttachEndpoint registers a local endpoint.
func (r *Router) AttachEndpoint(e *Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpointHooks = append(r.endpointHooks, e)
}

func (r *Router) deliverEndpointData(sender contact.RouterID, body []byte) bool {
	r.mu.Lock()
	hooks := make([]*Endpoint, len(r.endpointHooks))
	copy(hooks, r.endpointHooks)
	r.mu.Unlock()

	delivered := false
	for _, e := range hooks {
		if e.AcceptDataMessage != nil {
			e.AcceptDataMessage(sender, body)
			delivered = true
		}
	}
	return delivered
}

func (r *Router) notifyPathBuilt(p *path.Path) {
	r.mu.Lock()
	hooks := make([]*Endpoint, len(r.endpointHooks))
	copy(hooks, r.endpointHooks)
	r.mu.Unlock()

	for _, e := range hooks {
		if e.OnPathBuilt != nil {
			e.OnPathBuilt(p)
		}
	}
}
