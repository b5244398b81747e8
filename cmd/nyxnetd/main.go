// main.go - Nyxnet daemon.
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

package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nyxnet/nyxnet/config"
	"github.com/nyxnet/nyxnet/core/contact"
	nyxlog "github.com/nyxnet/nyxnet/core/log"
	"github.com/nyxnet/nyxnet/internal/instrument"
	"github.com/nyxnet/nyxnet/router"
)

func main() {
	var configFile string

	cmd := &cobra.Command{
		Use:          "nyxnetd",
		Short:        "Nyxnet onion overlay router",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "f", "nyxnetd.toml", "configuration file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	logBackend, err := nyxlog.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %v", err)
	}
	log := logBackend.GetLogger("main")

	r, err := router.New(&router.Config{
		LogBackend:   logBackend,
		DataDir:      cfg.Node.DataDir,
		Address:      cfg.Node.Address,
		AllowTransit: cfg.Node.AllowTransit,
	})
	if err != nil {
		return fmt.Errorf("failed to start router: %v", err)
	}
	defer r.Shutdown()

	for _, f := range cfg.Bootstrap.Contacts {
		seed, err := r.NodeDB().LoadBootstrap(f)
		if err != nil {
			log.Warningf("Skipping bootstrap contact %v: %v", f, err)
			continue
		}
		if seed.RouterID() == r.LocalID() {
			continue
		}
		r.LinkManager().FetchBootstrapRCs(seed, r.SelfContact(), cfg.Bootstrap.Quantity,
			func(rcs []*contact.RouterContact, err error) {
				if err != nil {
					log.Warningf("Bootstrap fetch via %v failed: %v", seed.RouterID(), err)
					return
				}
				for _, rc := range rcs {
					r.AcceptContact(seed.RouterID(), rc)
				}
				log.Noticef("Bootstrapped %d contacts via %v", len(rcs), seed.RouterID())
			})
	}

	if cfg.Metrics.Address != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", instrument.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Address, mux); err != nil {
				log.Errorf("Metrics listener failed: %v", err)
			}
		}()
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	for {
		select {
		case <-haltCh:
			log.Notice("Terminating gracefully.")
			return nil
		case <-rotateCh:
			if err := logBackend.Rotate(); err != nil {
				log.Errorf("Failed to rotate log: %v", err)
			}
		}
	}
}
