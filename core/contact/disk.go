// disk.go - Router contact disk I/O.
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
	"io"
	"os"
)

// FromFile reads a serialized contact from disk.  Bootstrap contacts are
// parsed with the expiry check relaxed.  The read is hard-capped at
// MaxContactSize to bound pathological inputs.
func FromFile(path string, opts ParseOptions) (*RouterContact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b, err := io.ReadAll(io.LimitReader(f, MaxContactSize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > MaxContactSize {
		return nil, fmt.Errorf("%w: '%v' exceeds %d bytes", ErrMalformed, path, MaxContactSize)
	}
	return ParseWithOptions(b, opts)
}

// ToFile writes the canonical serialized contact bytes, nothing else.
func (rc *RouterContact) ToFile(path string) error {
	b, err := rc.Serialize()
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0600)
}
