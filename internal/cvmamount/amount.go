// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cvmamount defines the primitive identifiers shared by every
// component of the node: addresses, hashes, and the CAS monetary unit.
package cvmamount

import (
	"encoding/hex"
	"errors"
	"math"
	"strconv"

	"github.com/decred/base58"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// AddrSize is the width in bytes of an Addr (160-bit hash of a public key).
const AddrSize = 20

// Addr is a 160-bit identifier derived from a public key.
type Addr [AddrSize]byte

// AddrFromPubKey derives an Addr from a compressed secp256k1 public key by
// taking the first 20 bytes of its chainhash.HashB digest, matching the
// base chain's pubkey-hash convention.
func AddrFromPubKey(pub *secp256k1.PublicKey) Addr {
	h := chainhash.HashB(pub.SerializeCompressed())
	var a Addr
	copy(a[:], h[:AddrSize])
	return a
}

// String returns the hex encoding of the address.
func (a Addr) String() string {
	return hex.EncodeToString(a[:])
}

// IsZero reports whether the address is the all-zero sentinel.
func (a Addr) IsZero() bool {
	return a == Addr{}
}

// Less reports whether a sorts before b in byte order, used by every
// deterministic ordering in the spec (backup lists, tie-breaks).
func (a Addr) Less(b Addr) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// netPrefix is the single-byte version prefix used for base58check address
// encoding. It is not tied to any particular chaincfg network parameter set
// since address encoding is a thin convenience on top of the raw Addr used
// internally by every component.
const netPrefix = 0x1c

// EncodeAddr returns the base58check human-readable form of addr.
func EncodeAddr(addr Addr) string {
	return base58.CheckEncode(addr[:], netPrefix)
}

// DecodeAddr parses the base58check human-readable form produced by
// EncodeAddr.
func DecodeAddr(s string) (Addr, error) {
	decoded, ver, err := base58.CheckDecode(s)
	if err != nil {
		return Addr{}, err
	}
	if ver != netPrefix {
		return Addr{}, errors.New("cvmamount: address version mismatch")
	}
	if len(decoded) != AddrSize {
		return Addr{}, errors.New("cvmamount: address length mismatch")
	}
	var a Addr
	copy(a[:], decoded)
	return a, nil
}

// Hash256 is a 256-bit cryptographic digest, aliasing the base chain's hash
// type so that chainhash-based helpers (hashing, merkle roots) work
// unmodified.
type Hash256 = chainhash.Hash

// Height is an L1 or L2 block height.
type Height int32

// Timestamp is seconds since the Unix epoch unless a field is documented as
// milliseconds.
type Timestamp int64

// AmountUnit is the exponent of the decadic multiple used to convert an
// Amount (satoshis) to a quantity of whole coins.
type AmountUnit int

// Recognized amount units.
const (
	AmountMegaCoin  AmountUnit = 6
	AmountKiloCoin  AmountUnit = 3
	AmountCoin      AmountUnit = 0
	AmountMilliCoin AmountUnit = -3
	AmountMicroCoin AmountUnit = -6
	AmountSatoshi   AmountUnit = -8
)

// String returns the SI-prefixed unit name, or "Satoshi" for the base unit.
func (u AmountUnit) String() string {
	switch u {
	case AmountMegaCoin:
		return "MCAS"
	case AmountKiloCoin:
		return "kCAS"
	case AmountCoin:
		return "CAS"
	case AmountMilliCoin:
		return "mCAS"
	case AmountMicroCoin:
		return "uCAS"
	case AmountSatoshi:
		return "Satoshi"
	default:
		return "1e" + strconv.FormatInt(int64(u), 10) + " CAS"
	}
}

// SatoshisPerCoin is the number of Amount units in a single CAS.
const SatoshisPerCoin = 1e8

// Amount represents a signed count of satoshis, the base monetary unit.
type Amount int64

func round(f float64) Amount {
	if f < 0 {
		return Amount(f - 0.5)
	}
	return Amount(f + 0.5)
}

// NewAmount converts a floating point quantity of CAS into satoshis.
func NewAmount(f float64) (Amount, error) {
	switch {
	case math.IsNaN(f), math.IsInf(f, 1), math.IsInf(f, -1):
		return 0, errors.New("cvmamount: invalid amount")
	}
	return round(f * SatoshisPerCoin), nil
}

// ToUnit converts the amount to a floating point value in the given unit.
func (a Amount) ToUnit(u AmountUnit) float64 {
	return float64(a) / math.Pow10(int(u+8))
}

// ToCAS is equivalent to ToUnit(AmountCoin).
func (a Amount) ToCAS() float64 {
	return a.ToUnit(AmountCoin)
}

// Format renders the amount in the given unit with a trailing unit label.
func (a Amount) Format(u AmountUnit) string {
	return strconv.FormatFloat(a.ToUnit(u), 'f', -int(u+8), 64) + " " + u.String()
}

// String is equivalent to Format(AmountCoin).
func (a Amount) String() string {
	return a.Format(AmountCoin)
}

// MulF64 multiplies the amount by a floating point factor, rounding to the
// nearest satoshi.
func (a Amount) MulF64(f float64) Amount {
	return round(float64(a) * f)
}
