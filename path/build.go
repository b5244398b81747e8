// build.go - Path build submission and control wrappers.
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
	"fmt"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/nyxnet/nyxnet/core/contact"
	"github.com/nyxnet/nyxnet/link"
	"github.com/nyxnet/nyxnet/messages"
)

// Inner control endpoints served by a pivot.
const (
	EndpointPing         = "ping"
	EndpointLatency      = "path_latency"
	EndpointTransfer     = "path_transfer"
	EndpointFindName     = "find_name"
	EndpointFindIntro    = "find_intro"
	EndpointPublishIntro = "publish_intro"
	EndpointObtainExit   = "obtain_exit"
	EndpointUpdateExit   = "update_exit"
	EndpointCloseExit    = "close_exit"
)

// Build submits the onion nested build request to the first hop.  Every
// relay RC is checked for expiry first; a stale hop fails the build
// before any frame leaves this node.  onDone observes exactly one
// outcome.
func (p *Path) Build(onDone func(error)) {
	done := makeOnce(onDone)

	now := time.Now()
	for _, h := range p.hops {
		if h.RC.IsExpired(now) {
			p.fail()
			p.r.CallSoon(func() { done(contact.ErrExpired) })
			return
		}
	}

	p.mu.Lock()
	if p.status != Building {
		p.mu.Unlock()
		p.r.CallSoon(func() { done(fmt.Errorf("path: build from state %v", p.status)) })
		return
	}
	p.buildStarted = now
	req := p.buildReq
	p.mu.Unlock()

	p.log.Debugf("Building over %v", p.HopsString())

	// The per-hop reply timeout chain usually trips first; this timer
	// is the originator's overall bound.
	timeout := p.r.CallLater(BuildTimeout, func() {
		p.fail()
		done(link.ErrTimeout)
	})

	ok := p.r.SendControl(p.UpstreamRID(), link.CmdPathBuild, req.Encode(), func(r link.Reply) {
		timeout.Stop()
		switch {
		case r.Err != nil:
			p.fail()
			done(r.Err)
		case !messages.IsStatusOK(r.Body):
			status := "rejected"
			if s, err := messages.ParseStatus(r.Body); err == nil {
				status = s.Status
			}
			p.fail()
			done(fmt.Errorf("path: build %v", status))
		default:
			p.setEstablished()
			done(nil)
		}
	})
	if !ok {
		timeout.Stop()
		p.fail()
		p.r.CallSoon(func() { done(link.ErrNoLink) })
		return
	}

	p.mu.Lock()
	if p.status == Building {
		p.status = AwaitingAck
	}
	p.mu.Unlock()
}

func (p *Path) fail() {
	p.mu.Lock()
	if p.status == Building || p.status == AwaitingAck {
		p.status = Failed
	}
	p.mu.Unlock()
}

func (p *Path) setEstablished() {
	p.mu.Lock()
	if p.status != AwaitingAck && p.status != Building {
		p.mu.Unlock()
		return
	}
	p.status = Established
	p.expiresAt = p.buildStarted.Add(p.hops[0].Lifetime)
	p.intro.Expiry = p.expiresAt
	p.lastRecv = time.Now()
	p.buildReq = nil
	p.mu.Unlock()
	p.log.Infof("Established over %v", p.HopsString())
}

func makeOnce(fn func(error)) func(error) {
	if fn == nil {
		return func(error) {}
	}
	var once sync.Once
	return func(err error) { once.Do(func() { fn(err) }) }
}

// ObtainExit asks the pivot to grant exit service for the signing key.
func (p *Path) ObtainExit(sk *ed25519.PrivateKey, flag uint64, txID []byte, onReply link.ReplyFunc) error {
	return p.SendPathControl(EndpointObtainExit, messages.SignAndEncodeObtainExit(sk, flag, txID), onReply)
}

// UpdateExit refreshes an exit grant.
func (p *Path) UpdateExit(sk *ed25519.PrivateKey, txID []byte, onReply link.ReplyFunc) error {
	return p.SendPathControl(EndpointUpdateExit, messages.SignAndEncodeUpdateExit(sk, txID), onReply)
}

// CloseExit relinquishes an exit grant.
func (p *Path) CloseExit(sk *ed25519.PrivateKey, txID []byte, onReply link.ReplyFunc) error {
	return p.SendPathControl(EndpointCloseExit, messages.SignAndEncodeCloseExit(sk, txID), onReply)
}

// ResolveONS resolves a human readable name at the pivot.
func (p *Path) ResolveONS(name string, onReply link.ReplyFunc) error {
	return p.SendPathControl(EndpointFindName, (&messages.FindName{Name: name}).Encode(), onReply)
}

// FindIntro looks up a published introduction.
func (p *Path) FindIntro(location [32]byte, relayed bool, order uint64, onReply link.ReplyFunc) error {
	m := &messages.FindIntro{Location: location, Order: order, Relayed: relayed}
	return p.SendPathControl(EndpointFindIntro, m.Encode(), onReply)
}

// PublishIntro stores an introduction blob at the pivot.
func (p *Path) PublishIntro(location [32]byte, intro []byte, ttl time.Duration, onReply link.ReplyFunc) error {
	m := &messages.PublishIntro{Location: location, Intro: intro, TTL: int64(ttl.Seconds())}
	return p.SendPathControl(EndpointPublishIntro, m.Encode(), onReply)
}

// SendLatencyProbe measures the round trip to the pivot.  The measured
// latency is recorded on the path and handed to onDone.
func (p *Path) SendLatencyProbe(onDone func(time.Duration, error)) error {
	probe := &messages.LatencyProbe{
		ID:     nextProbeID(),
		SentAt: time.Now().UnixMilli(),
	}
	return p.SendPathControl(EndpointLatency, probe.Encode(), func(r link.Reply) {
		if r.Err != nil {
			if onDone != nil {
				onDone(0, r.Err)
			}
			return
		}
		echo, err := messages.ParseLatencyProbe(r.Body)
		if err != nil || echo.ID != probe.ID {
			if onDone != nil {
				onDone(0, messages.ErrMalformed)
			}
			return
		}
		rtt := time.Duration(time.Now().UnixMilli()-echo.SentAt) * time.Millisecond
		p.mu.Lock()
		p.latency = rtt
		p.mu.Unlock()
		if onDone != nil {
			onDone(rtt, nil)
		}
	})
}

var (
	probeMu sync.Mutex
	probeID uint64
)

func nextProbeID() uint64 {
	probeMu.Lock()
	defer probeMu.Unlock()
	probeID++
	return probeID
}
