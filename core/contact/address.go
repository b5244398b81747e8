// address.go - Contact address policy checks.
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

package contact

import (
	"fmt"
	"net"
)

// CheckAddress rejects contact addresses that advertise a non-routable
// (bogon) IP.  Hostnames pass unchecked, resolution happens at dial time.
func CheckAddress(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: address '%v': %v", ErrMalformed, address, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	if IsBogon(ip) {
		return fmt.Errorf("%w: '%v'", ErrBogon, address)
	}
	return nil
}

// IsBogon returns true iff the IP sits in a non-routable range.
func IsBogon(ip net.IP) bool {
	switch {
	case ip.IsUnspecified(), ip.IsLoopback(), ip.IsMulticast():
		return true
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return true
	case ip.IsPrivate():
		return true
	}
	return false
}
