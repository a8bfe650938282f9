// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/term"
)

// loadSeqKey reads a PEM-encoded secp256k1 private key from path. A
// legacy encrypted PEM block (one carrying a DEK-Info header) prompts
// for its passphrase on the controlling terminal rather than accepting
// one on the command line, the same way the base-chain wallet avoids
// putting a key passphrase in argv or a config file.
func loadSeqKey(path string) (*secp256k1.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sequencer key file: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	der := block.Bytes
	if x509.IsEncryptedPEMBlock(block) {
		pass, err := promptSeqKeyPassphrase()
		if err != nil {
			return nil, fmt.Errorf("reading key passphrase: %w", err)
		}
		der, err = x509.DecryptPEMBlock(block, pass)
		if err != nil {
			return nil, fmt.Errorf("decrypting sequencer key: %w", err)
		}
	}

	if len(der) != 32 {
		return nil, fmt.Errorf("sequencer key must decode to a 32-byte scalar, got %d bytes", len(der))
	}
	return secp256k1.PrivKeyFromBytes(der), nil
}

func promptSeqKeyPassphrase() ([]byte, error) {
	fmt.Fprint(os.Stderr, "Enter passphrase for sequencer key: ")
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return pass, nil
}
