// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cvmamount

import (
	"math"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func TestNewAmount(t *testing.T) {
	tests := []struct {
		name        string
		amount      float64
		expected    Amount
		shouldError bool
	}{
		{"one coin", 1.0, Amount(SatoshisPerCoin), false},
		{"half coin", 0.5, Amount(SatoshisPerCoin / 2), false},
		{"zero", 0.0, 0, false},
		{"negative", -1.0, Amount(-SatoshisPerCoin), false},
		{"NaN", math.NaN(), 0, true},
		{"positive infinity", math.Inf(1), 0, true},
		{"negative infinity", math.Inf(-1), 0, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result, err := NewAmount(test.amount)
			if test.shouldError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if result != test.expected {
				t.Errorf("expected %d, got %d", test.expected, result)
			}
		})
	}
}

func TestAmountToUnit(t *testing.T) {
	a := Amount(SatoshisPerCoin)
	tests := []struct {
		unit     AmountUnit
		expected float64
	}{
		{AmountCoin, 1.0},
		{AmountMilliCoin, 1000.0},
		{AmountMicroCoin, 1000000.0},
		{AmountSatoshi, SatoshisPerCoin},
	}
	for _, test := range tests {
		if got := a.ToUnit(test.unit); got != test.expected {
			t.Errorf("ToUnit(%v) = %f, want %f", test.unit, got, test.expected)
		}
	}
}

func TestAmountString(t *testing.T) {
	a := Amount(150000000)
	if got, want := a.String(), "1.5 CAS"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestAmountMulF64(t *testing.T) {
	a := Amount(SatoshisPerCoin)
	if got, want := a.MulF64(0.5), Amount(SatoshisPerCoin/2); got != want {
		t.Errorf("MulF64(0.5) = %d, want %d", got, want)
	}
}

func TestAddrZeroAndLess(t *testing.T) {
	var zero Addr
	if !zero.IsZero() {
		t.Error("zero Addr should report IsZero")
	}

	var a, b Addr
	a[0], b[0] = 1, 2
	if !a.Less(b) {
		t.Error("expected a < b")
	}
	if b.Less(a) {
		t.Error("expected b not less than a")
	}
	if a.Less(a) {
		t.Error("an address should not be less than itself")
	}
}

func TestAddrFromPubKeyDeterministic(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	pub := key.PubKey()

	a1 := AddrFromPubKey(pub)
	a2 := AddrFromPubKey(pub)
	if a1 != a2 {
		t.Error("AddrFromPubKey should be deterministic for the same key")
	}
	if a1.IsZero() {
		t.Error("derived address should not be zero")
	}
}

func TestAddrEncodeDecodeRoundTrip(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	addr := AddrFromPubKey(key.PubKey())

	encoded := EncodeAddr(addr)
	decoded, err := DecodeAddr(encoded)
	if err != nil {
		t.Fatalf("DecodeAddr failed: %v", err)
	}
	if decoded != addr {
		t.Errorf("round trip mismatch: got %s, want %s", decoded, addr)
	}
}

func TestDecodeAddrRejectsBadInput(t *testing.T) {
	if _, err := DecodeAddr("not-a-valid-address"); err == nil {
		t.Error("expected error decoding garbage input")
	}
}
