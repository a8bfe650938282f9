// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package reputation

import (
	"testing"

	"github.com/cascoin/cvmnode/internal/cvmamount"
)

func equalWeight(addr cvmamount.Addr) float64 { return 1.0 }

func testValidators(n int) []cvmamount.Addr {
	out := make([]cvmamount.Addr, n)
	for i := range out {
		out[i][0] = byte(i + 1)
	}
	return out
}

func TestOpenSessionRejectsDuplicate(t *testing.T) {
	c := NewConsensus(equalWeight)
	validators := testValidators(3)
	var txHash cvmamount.Hash256
	txHash[0] = 1

	if _, err := c.OpenSession(txHash, cvmamount.Addr{}, 100, validators, 1000); err != nil {
		t.Fatalf("first OpenSession failed: %v", err)
	}
	if _, err := c.OpenSession(txHash, cvmamount.Addr{}, 100, validators, 1000); err == nil {
		t.Error("expected error opening a duplicate session")
	}
}

func TestSubmitAcceptsByTwoThirdsWeight(t *testing.T) {
	c := NewConsensus(equalWeight)
	validators := testValidators(3)
	var txHash cvmamount.Hash256
	txHash[0] = 1
	if _, err := c.OpenSession(txHash, cvmamount.Addr{}, 100, validators, 1000); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	for _, v := range validators[:2] {
		s, err := c.Submit(txHash, ValidationResponse{Validator: v, Vote: VoteAccept}, 10)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		_ = s
	}

	s, err := c.Submit(txHash, ValidationResponse{Validator: validators[2], Vote: VoteAccept}, 10)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if s.State != StateDecided || s.Outcome != OutcomeAccept {
		t.Errorf("state=%v outcome=%v, want Decided/Accept", s.State, s.Outcome)
	}
}

func TestSubmitRejectsByOverOneThirdWeight(t *testing.T) {
	c := NewConsensus(equalWeight)
	validators := testValidators(3)
	var txHash cvmamount.Hash256
	txHash[0] = 2
	if _, err := c.OpenSession(txHash, cvmamount.Addr{}, 100, validators, 1000); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	s, err := c.Submit(txHash, ValidationResponse{Validator: validators[0], Vote: VoteReject}, 10)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	// 1/3 of total weight exactly does not exceed the threshold yet.
	if s.State != StateOpen {
		t.Fatalf("expected still open after exactly 1/3 reject weight, got %v", s.State)
	}

	s, err = c.Submit(txHash, ValidationResponse{Validator: validators[1], Vote: VoteReject}, 10)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if s.State != StateDecided || s.Outcome != OutcomeReject {
		t.Errorf("state=%v outcome=%v, want Decided/Reject", s.State, s.Outcome)
	}
}

func TestSubmitRejectsDuplicateResponse(t *testing.T) {
	c := NewConsensus(equalWeight)
	validators := testValidators(2)
	var txHash cvmamount.Hash256
	txHash[0] = 3
	if _, err := c.OpenSession(txHash, cvmamount.Addr{}, 100, validators, 1000); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if _, err := c.Submit(txHash, ValidationResponse{Validator: validators[0], Vote: VoteAccept}, 10); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := c.Submit(txHash, ValidationResponse{Validator: validators[0], Vote: VoteReject}, 10); err == nil {
		t.Error("expected error on duplicate validator response")
	}
}

func TestExpireIfOverdueCreditsMissedResponses(t *testing.T) {
	c := NewConsensus(equalWeight)
	var missed []cvmamount.Addr
	c.MissedResponses = func(addr cvmamount.Addr) { missed = append(missed, addr) }

	validators := testValidators(3)
	var txHash cvmamount.Hash256
	txHash[0] = 4
	if _, err := c.OpenSession(txHash, cvmamount.Addr{}, 100, validators, 100); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if _, err := c.Submit(txHash, ValidationResponse{Validator: validators[0], Vote: VoteAccept}, 50); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	s, err := c.ExpireIfOverdue(txHash, 200)
	if err != nil {
		t.Fatalf("ExpireIfOverdue failed: %v", err)
	}
	if s.State != StateDecided || s.Outcome != OutcomeTimeoutReject {
		t.Errorf("state=%v outcome=%v, want Decided/TimeoutReject", s.State, s.Outcome)
	}
	if len(missed) != 2 {
		t.Errorf("expected 2 missed responses credited, got %d", len(missed))
	}
}

func TestRecordFraudOnLargeDivergence(t *testing.T) {
	c := NewConsensus(equalWeight)
	validators := testValidators(3)
	var txHash cvmamount.Hash256
	txHash[0] = 5
	if _, err := c.OpenSession(txHash, cvmamount.Addr{}, 100, validators, 1000); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	for i, v := range validators[:2] {
		resp := ValidationResponse{Validator: v, Vote: VoteReject, CalculatedScore: int16(100 + (i+1)*1000)}
		if _, err := c.Submit(txHash, resp, 10); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	records := c.FraudRecords()
	if len(records) != 1 {
		t.Fatalf("expected 1 fraud record, got %d", len(records))
	}
	if records[0].Sender != (cvmamount.Addr{}) {
		t.Errorf("unexpected sender on fraud record")
	}
}

func TestDistributeSlashConservesTotal(t *testing.T) {
	voters := map[cvmamount.Addr]cvmamount.Amount{}
	a, b := cvmamount.Addr{1}, cvmamount.Addr{2}
	voters[a] = 300
	voters[b] = 700

	params := RewardParams{ChallengerBountyBP: 1000, VoterPoolBP: 4000}
	slashedBond := cvmamount.Amount(1_000_000)
	challengerBond := cvmamount.Amount(50_000)

	dist := DistributeSlash(slashedBond, challengerBond, voters, params)

	var voterTotal cvmamount.Amount
	for _, v := range dist.VoterRewards {
		voterTotal += v
	}
	total := dist.ChallengerReturn + dist.ChallengerBounty + voterTotal + dist.Burn
	want := slashedBond + challengerBond
	if total != want {
		t.Errorf("distribution total = %d, want %d", total, want)
	}
	if dist.ChallengerReturn != challengerBond {
		t.Errorf("ChallengerReturn = %d, want %d", dist.ChallengerReturn, challengerBond)
	}
}

func TestDistributeSlashNoVoters(t *testing.T) {
	params := RewardParams{ChallengerBountyBP: 1000, VoterPoolBP: 4000}
	dist := DistributeSlash(1_000_000, 50_000, nil, params)
	if len(dist.VoterRewards) != 0 {
		t.Errorf("expected no voter rewards, got %d", len(dist.VoterRewards))
	}
	// The unclaimed voter-pool share (40% of 1,000,000 = 400,000) goes to
	// the challenger, not to burn.
	if want := cvmamount.Amount(100_000 + 400_000); dist.ChallengerBounty != want {
		t.Errorf("ChallengerBounty = %d, want %d", dist.ChallengerBounty, want)
	}
	// The remaining 50% of the slashed bond is burned.
	if dist.Burn != 500_000 {
		t.Errorf("Burn = %d, want 500000", dist.Burn)
	}
	total := dist.ChallengerReturn + dist.ChallengerBounty + dist.Burn
	if total != 1_050_000 {
		t.Errorf("distribution total = %d, want %d", total, 1_050_000)
	}
}
