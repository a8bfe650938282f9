// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command cvmnoded runs the CVM/L2 node: reputation, access control, the
// contract-execution engine and its storage layer, the cross-chain trust
// bridge, and the sequencer/consensus stack for the permissionless L2.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

// appVersion is bumped on release; this node has no release history yet.
const appVersion = "0.1.0"

func version() string {
	return appVersion
}

func cvmnodedMain() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	initLogRotator(filepath.Join(cfg.LogDir, "cvmnoded.log"))
	defer logRotator.Close()

	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return err
	}

	log.Infof("cvmnoded version %s starting", version())

	n, err := newNode(cfg)
	if err != nil {
		return fmt.Errorf("constructing node: %w", err)
	}
	defer func() {
		if err := n.Close(); err != nil {
			log.Errorf("closing node: %v", err)
		}
	}()

	n.Start(cfg.Listen)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	if cfg.DashboardListen != "" && n.dashboard != nil {
		srv := &http.Server{Addr: cfg.DashboardListen, Handler: n.dashboard.Mux()}
		go func() {
			log.Infof("dashboard listening on %s", cfg.DashboardListen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("dashboard server: %v", err)
			}
		}()
		defer srv.Close()
	}

	<-interrupt
	log.Infof("received interrupt, shutting down")
	return nil
}

func main() {
	if err := cvmnodedMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
