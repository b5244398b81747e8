// status.go - Status response s11n and generic codec helpers.
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

package messages

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Canonical status strings.
const (
	StatusOK            = "OK"
	StatusError         = "ERROR"
	StatusTimeout       = "TIMEOUT"
	StatusBadFrame      = "BAD_FRAME"
	StatusNotFound      = "NOT_FOUND"
	StatusNoTransit     = "NO_TRANSIT"
	StatusBadPathID     = "BAD_PATH_ID"
	StatusBadCrypto     = "BAD_CRYPTO"
	StatusNoExit        = "NO_EXIT"
	StatusBadSignature  = "BAD_SIGNATURE"
	StatusUnknownMethod = "UNKNOWN_METHOD"
)

// Status is the generic command reply body.
type Status struct {
	Status string `cbor:"STATUS"`
}

// EncodeStatus builds a status reply body.
func EncodeStatus(s string) []byte {
	return mustEncode(&Status{Status: s})
}

// ParseStatus decodes a status reply body.
func ParseStatus(b []byte) (*Status, error) {
	return parse[Status](b, "status")
}

// IsStatusOK reports whether a reply body is a successful status.
func IsStatusOK(b []byte) bool {
	s, err := ParseStatus(b)
	return err == nil && s.Status == StatusOK
}

func mustEncode(v interface{}) []byte {
	b, err := ccbor.Marshal(v)
	if err != nil {
		panic("messages: encode: " + err.Error())
	}
	return b
}

func parse[T any](b []byte, what string) (*T, error) {
	v := new(T)
	if err := cbor.Unmarshal(b, v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, what, err)
	}
	return v, nil
}
