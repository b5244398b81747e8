// instrument.go - Prometheus instrumentation hooks.
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

// Package instrument centralizes the process metrics.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyxnet_frames_dropped_total",
			Help: "Number of onion frames dropped",
		},
		[]string{"reason"},
	)
	framesRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nyxnet_frames_relayed_total",
			Help: "Number of onion frames relayed through transit hops",
		},
	)
	pathsBuilt = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nyxnet_paths_built_total",
			Help: "Number of transit hops installed from build requests",
		},
	)
	connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nyxnet_connections_total",
			Help: "Number of link connections established",
		},
		[]string{"direction"},
	)
	datagramsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nyxnet_datagrams_sent_total",
			Help: "Number of link datagrams sent",
		},
	)
	datagramsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nyxnet_datagrams_received_total",
			Help: "Number of link datagrams received",
		},
	)
)

// FrameDropped counts one dropped frame with a taxonomy reason.
func FrameDropped(reason string) {
	framesDropped.With(prometheus.Labels{"reason": reason}).Inc()
}

// FrameRelayed counts one frame forwarded as a transit hop.
func FrameRelayed() {
	framesRelayed.Inc()
}

// TransitHopInstalled counts one accepted build request.
func TransitHopInstalled() {
	pathsBuilt.Inc()
}

// ConnectionEstablished counts one link connection by direction.
func ConnectionEstablished(inbound bool) {
	direction := "outbound"
	if inbound {
		direction = "inbound"
	}
	connections.With(prometheus.Labels{"direction": direction}).Inc()
}

// DatagramsSent counts one sent link datagram.
func DatagramsSent() {
	datagramsSent.Inc()
}

// DatagramsReceived counts one received link datagram.
func DatagramsReceived() {
	datagramsReceived.Inc()
}

// Handler exposes the metrics endpoint for the daemon's HTTP listener.
func Handler() http.Handler {
	return promhttp.Handler()
}

func init() {
	prometheus.MustRegister(framesDropped)
	prometheus.MustRegister(framesRelayed)
	prometheus.MustRegister(pathsBuilt)
	prometheus.MustRegister(connections)
	prometheus.MustRegister(datagramsSent)
	prometheus.MustRegister(datagramsReceived)
}
