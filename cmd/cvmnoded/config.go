// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	flags "github.com/jessevdk/go-flags"

	"github.com/cascoin/cvmnode/sampleconfig"
)

const (
	defaultConfigFilename  = "cvmnoded.conf"
	defaultDataDirname     = "data"
	defaultLogDirname      = "logs"
	defaultLogLevel        = "info"
	defaultL2ChainID       = 1
	defaultDashboardListen = "127.0.0.1:8332"
)

// config defines the command-line and INI-file options this daemon
// accepts, following the base-chain daemon's go-flags struct-tag
// convention.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store the KV-store and other persistent data"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical}"`

	L2ChainID       uint64  `long:"l2chainid" description:"L2 chain identifier this node sequences and votes for"`
	SeqKeyFile      string  `long:"seqkeyfile" description:"PEM-encoded secp256k1 key file for signing sequencer messages; unset runs in observer-only mode"`
	Listen          string  `long:"listen" description:"Endpoint this node advertises in its own SEQANNOUNCE; the daemon opens no listener on it"`
	DashboardListen string  `long:"dashboardlisten" description:"Bind address for the operator dashboard HTTP/SSE/websocket surface; empty disables it"`
	MetricsListen   string  `long:"metricslisten" description:"Metrics bind address; parsed but unused, the daemon serves no metrics endpoint"`
	ConsensusThresh float64 `long:"consensusthreshold" description:"Weighted acceptance threshold for L2 block finalization, must exceed 0.5"`
}

// defaultHomeDir returns the directory this daemon stores its data
// under by default. The teacher's dcrutil copy in this tree does not
// carry its usual AppDataDir helper, so this is a small stdlib-only
// fallback rather than an invented dependency.
func defaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".", ".cvmnoded")
	}
	return filepath.Join(home, ".cvmnoded")
}

func defaultConfig() config {
	homeDir := defaultHomeDir()
	return config{
		ConfigFile:      filepath.Join(homeDir, defaultConfigFilename),
		DataDir:         filepath.Join(homeDir, defaultDataDirname),
		LogDir:          filepath.Join(homeDir, defaultLogDirname),
		DebugLevel:      defaultLogLevel,
		L2ChainID:       defaultL2ChainID,
		DashboardListen: defaultDashboardListen,
		ConsensusThresh: 2.0 / 3.0,
	}
}

// preCfg is parsed first, using only the subset of flags needed to
// locate the config file and handle --version, mirroring the
// base-chain daemon's two-pass parse.
type preCfg struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store the KV-store and other persistent data"`
}

// loadConfig parses command-line and configuration-file options into a
// config, creating the data directory and writing a fresh sample
// config file on first run.
func loadConfig() (*config, []string, error) {
	defaults := defaultConfig()
	pre := preCfg{ConfigFile: defaults.ConfigFile, DataDir: defaults.DataDir}

	preParser := flags.NewParser(&pre, flags.Default|flags.IgnoreUnknown)
	if _, err := preParser.Parse(); err != nil {
		var flagsErr *flags.Error
		if asFlagsErr(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, nil, err
		}
		return nil, nil, err
	}

	if pre.ShowVersion {
		fmt.Printf("cvmnoded version %s\n", version())
		os.Exit(0)
	}

	if pre.DataDir != "" {
		defaults.DataDir = pre.DataDir
	}
	if pre.ConfigFile != "" {
		defaults.ConfigFile = pre.ConfigFile
	}

	if err := os.MkdirAll(filepath.Dir(defaults.ConfigFile), 0700); err != nil {
		return nil, nil, fmt.Errorf("creating config directory: %w", err)
	}
	if _, err := os.Stat(defaults.ConfigFile); os.IsNotExist(err) {
		if werr := os.WriteFile(defaults.ConfigFile, []byte(sampleconfig.Cvmnoded()), 0600); werr != nil {
			return nil, nil, fmt.Errorf("writing sample config: %w", werr)
		}
	}

	cfg := defaults
	parser := flags.NewParser(&cfg, flags.Default)
	iniParser := flags.NewIniParser(parser)
	if err := iniParser.ParseFile(defaults.ConfigFile); err != nil {
		if !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	remaining, err := parser.Parse()
	if err != nil {
		var flagsErr *flags.Error
		if asFlagsErr(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, nil, err
		}
		return nil, nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	cfg.DebugLevel = strings.ToLower(cfg.DebugLevel)
	if cfg.ConsensusThresh <= 0.5 {
		return nil, nil, fmt.Errorf("consensusthreshold must exceed 0.5, got %v", cfg.ConsensusThresh)
	}

	return &cfg, remaining, nil
}

func asFlagsErr(err error, target **flags.Error) bool {
	fe, ok := err.(*flags.Error)
	if !ok {
		return false
	}
	*target = fe
	return true
}
