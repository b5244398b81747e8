// loop.go - The event loop.
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

	"github.com/nyxnet/nyxnet/core/worker"
)

const loopBacklog = 1024

// Loop is the single threaded event loop every piece of path, link
// manager, and context state is driven from.  CallSoon is safe from any
// thread and preserves submission order.
type Loop struct {
	worker.Worker

	ch chan func()
}

// NewLoop creates and starts an event loop.
func NewLoop() *Loop {
	l := &Loop{
		ch: make(chan func(), loopBacklog),
	}
	l.Go(l.run)
	return l
}

func (l *Loop) run() {
	for {
		select {
		case <-l.HaltCh():
			return
		case f := <-l.ch:
			f()
		}
	}
}

// CallSoon schedules f on the loop thread.  Closures submitted from the
// same thread execute in submission order.
func (l *Loop) CallSoon(f func()) {
	select {
	case l.ch <- f:
	case <-l.HaltCh():
	}
}

// CallLater schedules f on the loop thread after the delay.  The
// returned timer cancels the call if stopped in time.
func (l *Loop) CallLater(d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(d, func() { l.CallSoon(f) })
}
