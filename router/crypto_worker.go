// crypto_worker.go - CPU heavy crypto offload pool.
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
	"runtime"

	"github.com/nyxnet/nyxnet/core/worker"
)

// cryptoWorker runs key derivations and signature checks off the event
// loop.  Results re-enter the loop via CallSoon, never directly.
type cryptoWorker struct {
	worker.Worker

	jobs chan func()
}

func newCryptoWorker() *cryptoWorker {
	w := &cryptoWorker{
		jobs: make(chan func(), loopBacklog),
	}
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		w.Go(w.run)
	}
	return w
}

func (w *cryptoWorker) run() {
	for {
		select {
		case <-w.HaltCh():
			return
		case f := <-w.jobs:
			f()
		}
	}
}

// submit queues one job; it blocks rather than dropping work when the
// pool is saturated.
func (w *cryptoWorker) submit(f func()) {
	select {
	case w.jobs <- f:
	case <-w.HaltCh():
	}
}
