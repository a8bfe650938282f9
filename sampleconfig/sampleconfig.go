// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sampleconfig embeds the commented example configuration file
// written to a fresh data directory on first run.
package sampleconfig

import (
	_ "embed"
)

// sampleCvmnodedConf is a string containing the commented example
// config for cvmnoded.
//
//go:embed sample-cvmnoded.conf
var sampleCvmnodedConf string

// Cvmnoded returns a string containing the commented example config
// for cvmnoded.
func Cvmnoded() string {
	return sampleCvmnodedConf
}
