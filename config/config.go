// config.go - Daemon configuration.
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

// Package config parses and validates the daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const defaultLogLevel = "NOTICE"

// Node is the node section.
type Node struct {
	// DataDir holds the long term keys and node database.
	DataDir string

	// Address is the link listen address; empty for a client-only
	// node.
	Address string

	// AllowTransit accepts build requests as an intermediate relay.
	AllowTransit bool
}

func (c *Node) validate() error {
	if c.DataDir != "" && !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("config: Node.DataDir '%v' is not an absolute path", c.DataDir)
	}
	if c.AllowTransit && c.Address == "" {
		return errors.New("config: Node.AllowTransit requires Node.Address")
	}
	return nil
}

// Logging is the logging section.
type Logging struct {
	// Disable suppresses all output.
	Disable bool

	// File logs to a file instead of stdout.
	File string

	// Level is one of ERROR, WARNING, NOTICE, INFO, DEBUG.
	Level string
}

func (c *Logging) validate() error {
	switch strings.ToUpper(c.Level) {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
		return nil
	default:
		return fmt.Errorf("config: Logging.Level '%v' is invalid", c.Level)
	}
}

// Bootstrap is the bootstrap section.
type Bootstrap struct {
	// Contacts are files holding serialized bootstrap contacts.
	Contacts []string

	// Quantity is how many contacts to request when seeding.
	Quantity int
}

// Metrics is the metrics section.
type Metrics struct {
	// Address exposes the Prometheus endpoint; empty disables it.
	Address string
}

// Config is the top level configuration.
type Config struct {
	Node      Node
	Logging   Logging
	Bootstrap Bootstrap
	Metrics   Metrics
}

// FixupAndValidate applies defaults and checks the configuration for
// errors.
func (c *Config) FixupAndValidate() error {
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Bootstrap.Quantity <= 0 {
		c.Bootstrap.Quantity = 16
	}
	if err := c.Node.validate(); err != nil {
		return err
	}
	return c.Logging.validate()
}

// Load parses and validates a configuration from bytes.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates a configuration file.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
