// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sequencer

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/cascoin/cvmnode/internal/cvmamount"
)

func signedAnnounce(t *testing.T, key *secp256k1.PrivateKey, chainID uint64, now cvmamount.Timestamp) AnnounceMsg {
	t.Helper()
	pub := key.PubKey()
	var addr cvmamount.Addr
	copy(addr[:], pub.SerializeCompressed())
	msg := AnnounceMsg{
		Addr:      addr,
		Stake:     cvmamount.Amount(MinEligibleStake),
		HatScore:  MinEligibleHatScore,
		Timestamp: now,
		L2ChainID: chainID,
	}
	msg.Sign(key)
	return msg
}

func TestProcessAnnounceAndEligibility(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	stakeQuery := func(cvmamount.Addr) cvmamount.Amount { return cvmamount.Amount(MinEligibleStake) }
	hatQuery := func(cvmamount.Addr) int16 { return MinEligibleHatScore }
	r := New(1, stakeQuery, hatQuery)

	msg := signedAnnounce(t, key, 1, 1000)
	if err := r.ProcessAnnounce(msg, 1000, key.PubKey()); err != nil {
		t.Fatalf("ProcessAnnounce failed: %v", err)
	}

	for i := 0; i < MinAttestationsForVerification; i++ {
		r.ProcessAttestation(Attestation{SeqAddr: msg.Addr, AttesterAddr: cvmamount.Addr{byte(i + 1)}})
	}

	if !r.VerifyEligibility(msg.Addr) {
		t.Error("expected sequencer meeting all thresholds to be eligible")
	}

	eligible := r.GetEligible(1000)
	if len(eligible) != 1 {
		t.Fatalf("len(GetEligible) = %d, want 1", len(eligible))
	}
}

func TestProcessAnnounceRejectsBadSignature(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	other, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	r := New(1, nil, nil)
	msg := signedAnnounce(t, key, 1, 1000)
	if err := r.ProcessAnnounce(msg, 1000, other.PubKey()); err == nil {
		t.Error("expected an error for a signature that does not match the announced pubkey")
	}
}

func TestProcessAnnounceRejectsExpired(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	r := New(1, nil, nil)
	msg := signedAnnounce(t, key, 1, 0)
	if err := r.ProcessAnnounce(msg, AnnouncementExpirySeconds+1000, key.PubKey()); err == nil {
		t.Error("expected an error for an expired announcement")
	}
}

func TestProcessAnnounceRejectsChainIDMismatch(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	r := New(1, nil, nil)
	msg := signedAnnounce(t, key, 2, 1000)
	if err := r.ProcessAnnounce(msg, 1000, key.PubKey()); err == nil {
		t.Error("expected an error for a mismatched chain ID")
	}
}

func TestVerifyEligibilityFailsBelowThresholds(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	stakeQuery := func(cvmamount.Addr) cvmamount.Amount { return 0 }
	hatQuery := func(cvmamount.Addr) int16 { return 0 }
	r := New(1, stakeQuery, hatQuery)

	msg := signedAnnounce(t, key, 1, 1000)
	if err := r.ProcessAnnounce(msg, 1000, key.PubKey()); err != nil {
		t.Fatalf("ProcessAnnounce failed: %v", err)
	}
	if r.VerifyEligibility(msg.Addr) {
		t.Error("expected ineligibility with zero stake and zero HAT score")
	}
}

func TestWeightFormula(t *testing.T) {
	info := Info{VerifiedHatScore: 10, VerifiedStake: cvmamount.Amount(4 * cvmamount.SatoshisPerCoin)}
	// sqrt(4) = 2 exactly, so ceil(sqrt(4)) = 2.
	if got := info.Weight(); got != 20 {
		t.Errorf("Weight() = %d, want 20", got)
	}
}

func TestUpdateMetrics(t *testing.T) {
	r := New(1, nil, nil)
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	msg := signedAnnounce(t, key, 1, 1000)
	if err := r.ProcessAnnounce(msg, 1000, key.PubKey()); err != nil {
		t.Fatalf("ProcessAnnounce failed: %v", err)
	}
	r.UpdateMetrics(msg.Addr, true)
	r.UpdateMetrics(msg.Addr, false)

	info, ok := r.Get(msg.Addr)
	if !ok {
		t.Fatal("expected sequencer to be registered")
	}
	if info.BlocksProduced != 1 || info.BlocksMissed != 1 {
		t.Errorf("BlocksProduced=%d BlocksMissed=%d, want 1,1", info.BlocksProduced, info.BlocksMissed)
	}
}
