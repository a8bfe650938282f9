// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"

	"github.com/cascoin/cvmnode/internal/accesscontrol"
	"github.com/cascoin/cvmnode/internal/behaviormetrics"
	"github.com/cascoin/cvmnode/internal/bridge"
	"github.com/cascoin/cvmnode/internal/collusion"
	"github.com/cascoin/cvmnode/internal/consensus"
	"github.com/cascoin/cvmnode/internal/cvm"
	"github.com/cascoin/cvmnode/internal/cvmstorage"
	"github.com/cascoin/cvmnode/internal/dashboard"
	"github.com/cascoin/cvmnode/internal/eclipse"
	"github.com/cascoin/cvmnode/internal/election"
	"github.com/cascoin/cvmnode/internal/encmempool"
	"github.com/cascoin/cvmnode/internal/feecalc"
	"github.com/cascoin/cvmnode/internal/kvstore"
	"github.com/cascoin/cvmnode/internal/reputation"
	"github.com/cascoin/cvmnode/internal/sequencer"
	"github.com/cascoin/cvmnode/internal/trustgraph"
)

// logWriter implements io.Writer so that outputs can be written to
// both standard output and a rotating log file.
type logWriter struct {
	rotator *rotator.Rotator
}

func (w logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	return w.rotator.Write(p)
}

var (
	logRotator *rotator.Rotator

	backendLog = slog.NewBackend(io.Discard)

	log = backendLog.Logger("MAIN")

	subsystemLoggers = make(map[string]slog.Logger)
)

func initLogRotator(logFile string) {
	logDir, _ := filepath.Split(logFile)
	if logDir == "" {
		logDir = "."
	}
	if err := os.MkdirAll(logDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log rotator: %v\n", err)
		os.Exit(1)
	}
	logRotator = r
	backendLog = slog.NewBackend(logWriter{rotator: r})
	bindSubsystemLoggers()
}

// bindSubsystemLoggers constructs one named logger per subsystem and
// wires it into that package via its UseLogger hook, following the
// base-chain daemon's one-backend-many-subsystems convention.
func bindSubsystemLoggers() {
	subsystemLoggers = map[string]slog.Logger{
		"MAIN": backendLog.Logger("MAIN"),
		"KVST": backendLog.Logger("KVST"),
		"TRGH": backendLog.Logger("TRGH"),
		"BHMT": backendLog.Logger("BHMT"),
		"REPU": backendLog.Logger("REPU"),
		"ECLP": backendLog.Logger("ECLP"),
		"ACAU": backendLog.Logger("ACAU"),
		"CVM ": backendLog.Logger("CVM "),
		"CVMS": backendLog.Logger("CVMS"),
		"FEEC": backendLog.Logger("FEEC"),
		"BRDG": backendLog.Logger("BRDG"),
		"SEQR": backendLog.Logger("SEQR"),
		"ELEC": backendLog.Logger("ELEC"),
		"CNSN": backendLog.Logger("CNSN"),
		"EMPL": backendLog.Logger("EMPL"),
		"COLL": backendLog.Logger("COLL"),
		"DASH": backendLog.Logger("DASH"),
	}

	log = subsystemLoggers["MAIN"]
	kvstore.UseLogger(subsystemLoggers["KVST"])
	trustgraph.UseLogger(subsystemLoggers["TRGH"])
	behaviormetrics.UseLogger(subsystemLoggers["BHMT"])
	reputation.UseLogger(subsystemLoggers["REPU"])
	eclipse.UseLogger(subsystemLoggers["ECLP"])
	accesscontrol.UseLogger(subsystemLoggers["ACAU"])
	cvm.UseLogger(subsystemLoggers["CVM "])
	cvmstorage.UseLogger(subsystemLoggers["CVMS"])
	feecalc.UseLogger(subsystemLoggers["FEEC"])
	bridge.UseLogger(subsystemLoggers["BRDG"])
	sequencer.UseLogger(subsystemLoggers["SEQR"])
	election.UseLogger(subsystemLoggers["ELEC"])
	consensus.UseLogger(subsystemLoggers["CNSN"])
	encmempool.UseLogger(subsystemLoggers["EMPL"])
	collusion.UseLogger(subsystemLoggers["COLL"])
	dashboard.UseLogger(subsystemLoggers["DASH"])
}

// setLogLevels sets the logging level for every registered subsystem.
func setLogLevels(levelStr string) error {
	level, ok := slog.LevelFromString(levelStr)
	if !ok {
		return fmt.Errorf("unknown debug level %q", levelStr)
	}
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
	return nil
}
