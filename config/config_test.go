// config_test.go - Configuration tests.
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

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`
[Node]
Address = "0.0.0.0:35520"
AllowTransit = true
`))
	require.NoError(err)
	require.Equal("NOTICE", cfg.Logging.Level)
	require.Equal(16, cfg.Bootstrap.Quantity)
	require.True(cfg.Node.AllowTransit)
}

func TestLoadFull(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`
[Node]
DataDir = "/var/lib/nyxnet"
Address = "192.0.2.1:35520"
AllowTransit = true

[Logging]
File = "/var/log/nyxnetd.log"
Level = "DEBUG"

[Bootstrap]
Contacts = ["/var/lib/nyxnet/seed.rc"]
Quantity = 32

[Metrics]
Address = "127.0.0.1:9100"
`))
	require.NoError(err)
	require.Equal("/var/lib/nyxnet", cfg.Node.DataDir)
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(32, cfg.Bootstrap.Quantity)
	require.Equal("127.0.0.1:9100", cfg.Metrics.Address)
}

func TestLoadRejects(t *testing.T) {
	require := require.New(t)

	// Transit without a listener.
	_, err := Load([]byte(`
[Node]
AllowTransit = true
`))
	require.Error(err)

	// Relative data dir.
	_, err = Load([]byte(`
[Node]
DataDir = "relative/dir"
`))
	require.Error(err)

	// Bad log level.
	_, err = Load([]byte(`
[Logging]
Level = "LOUD"
`))
	require.Error(err)

	// Unknown keys are typos, not extensions.
	_, err = Load([]byte(`
[Node]
Adress = "0.0.0.0:35520"
`))
	require.Error(err)
}
