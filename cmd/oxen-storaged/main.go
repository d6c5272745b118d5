// main.go - Storage server daemon entry point.
// Copyright (C) 2021  The Oxen Project.
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
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oxen-io/oxen-storage-server/config"
	"github.com/oxen-io/oxen-storage-server/server"
)

func main() {
	cfgFile := flag.String("f", "storage.toml", "Path to the server config file.")
	flag.Parse()

	cfg, err := config.LoadFile(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config file '%v': %v\n", *cfgFile, err)
		os.Exit(-1)
	}

	// Setup the signal handling.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	// Start up the server.
	svr, err := server.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to spawn server instance: %v\n", err)
		os.Exit(-1)
	}
	defer svr.Shutdown()

	// Halt the server gracefully on SIGINT/SIGTERM, rotate logs on
	// SIGHUP.
	go func() {
		for {
			switch <-ch {
			case os.Interrupt, syscall.SIGTERM:
				svr.Shutdown()
				return
			case syscall.SIGHUP:
				svr.RotateLog()
			}
		}
	}()

	// Wait for the server to explode or be terminated.
	svr.Wait()
}
