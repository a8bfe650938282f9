// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package p2pmsg

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"

	"github.com/cascoin/cvmnode/internal/cvmamount"
)

func TestSeqAnnounceRoundTrip(t *testing.T) {
	want := SeqAnnounce{
		Addr:            cvmamount.Addr{1},
		Stake:           cvmamount.Amount(500),
		HatScore:        75,
		L1Height:        1000,
		Sig:             []byte{1, 2, 3},
		Timestamp:       1234,
		Endpoint:        "tcp://127.0.0.1:9000",
		PeerCount:       5,
		L2ChainID:       1,
		ProtocolVersion: 1,
	}
	var buf bytes.Buffer
	if err := want.Encode(&buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeSeqAnnounce(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\ngot:  %s\nwant: %s", spew.Sdump(got), spew.Sdump(want))
	}
}

func TestSeqAttestRoundTrip(t *testing.T) {
	want := SeqAttest{
		SeqAddr:      cvmamount.Addr{1},
		AttesterAddr: cvmamount.Addr{2},
		HatScore:     80,
		Stake:        cvmamount.Amount(600),
		L1Height:     2000,
		Timestamp:    5678,
		Sig:          []byte{4, 5, 6},
	}
	var buf bytes.Buffer
	if err := want.Encode(&buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeSeqAttest(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestL2ProposalRoundTrip(t *testing.T) {
	want := L2Proposal{
		Number:    42,
		Parent:    cvmamount.Hash256{1},
		StateRoot: cvmamount.Hash256{2},
		TxRoot:    cvmamount.Hash256{3},
		TxHashes:  []cvmamount.Hash256{{4}, {5}},
		Proposer:  cvmamount.Addr{6},
		Timestamp: 999,
		Sig:       []byte{7, 8},
		ChainID:   1,
		GasLimit:  1_000_000,
		GasUsed:   500_000,
		Slot:      10,
	}
	var buf bytes.Buffer
	if err := want.Encode(&buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeL2Proposal(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Number != want.Number || len(got.TxHashes) != len(want.TxHashes) {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
	for i := range want.TxHashes {
		if got.TxHashes[i] != want.TxHashes[i] {
			t.Errorf("TxHashes[%d] = %v, want %v", i, got.TxHashes[i], want.TxHashes[i])
		}
	}
	if got.Proposer != want.Proposer || got.Slot != want.Slot {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestL2ProposalRejectsOversizedTxHashCount(t *testing.T) {
	var buf bytes.Buffer
	if err := writeUint64(&buf, 42); err != nil { // Number
		t.Fatalf("writeUint64 failed: %v", err)
	}
	if err := writeHash(&buf, cvmamount.Hash256{}); err != nil { // Parent
		t.Fatalf("writeHash failed: %v", err)
	}
	if err := writeHash(&buf, cvmamount.Hash256{}); err != nil { // StateRoot
		t.Fatalf("writeHash failed: %v", err)
	}
	if err := writeHash(&buf, cvmamount.Hash256{}); err != nil { // TxRoot
		t.Fatalf("writeHash failed: %v", err)
	}
	if err := writeUint64(&buf, MaxPayloadLen+1); err != nil { // bogus tx hash count
		t.Fatalf("writeUint64 failed: %v", err)
	}
	if _, err := DecodeL2Proposal(&buf); err == nil {
		t.Error("expected an error for a tx hash count exceeding the limit")
	}
}

func TestL2VoteRoundTrip(t *testing.T) {
	want := L2Vote{
		BlockHash:    cvmamount.Hash256{1},
		Voter:        cvmamount.Addr{2},
		Vote:         1,
		RejectReason: "",
		Sig:          []byte{3, 4},
		Timestamp:    111,
		Slot:         7,
	}
	var buf bytes.Buffer
	if err := want.Encode(&buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeL2Vote(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.BlockHash != want.BlockHash || got.Voter != want.Voter || got.Vote != want.Vote || got.Slot != want.Slot {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestLeaderClaimRoundTrip(t *testing.T) {
	want := LeaderClaim{
		Claimant:         cvmamount.Addr{1},
		Slot:             3,
		FailoverPosition: 1,
		Timestamp:        222,
		PreviousLeader:   cvmamount.Addr{2},
		Reason:           "timeout",
		Sig:              []byte{5, 6, 7},
	}
	var buf bytes.Buffer
	if err := want.Encode(&buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeLeaderClaim(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestEncTxRoundTrip(t *testing.T) {
	want := EncTx{
		Ciphertext:    []byte("ciphertext"),
		Commitment:    cvmamount.Hash256{1},
		Sender:        cvmamount.Addr{2},
		Nonce:         9,
		MaxFee:        cvmamount.Amount(100),
		SubmitTime:    333,
		EncNonce:      []byte("nonce"),
		SchemeVersion: 1,
		ChainID:       1,
		Sig:           []byte{1, 2},
		TargetBlock:   500,
		ExpiryTime:    400,
	}
	var buf bytes.Buffer
	if err := want.Encode(&buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeEncTx(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(got.Ciphertext) != string(want.Ciphertext) || got.Commitment != want.Commitment || got.TargetBlock != want.TargetBlock {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestDecShareRoundTrip(t *testing.T) {
	want := DecShare{
		SeqAddr:    cvmamount.Addr{1},
		Share:      []byte{1, 2, 3},
		ShareIndex: 2,
		Sig:        []byte{4, 5},
		Timestamp:  444,
		TxHash:     cvmamount.Hash256{9},
	}
	var buf bytes.Buffer
	if err := want.Encode(&buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeDecShare(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.SeqAddr != want.SeqAddr || got.ShareIndex != want.ShareIndex || got.TxHash != want.TxHash {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestContractStateRequestRoundTrip(t *testing.T) {
	want := ContractStateRequest{Type: ReqChunk, Contract: cvmamount.Addr{1}, Position: 7}
	var buf bytes.Buffer
	if err := want.Encode(&buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeContractStateRequest(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestContractStateResponseRoundTrip(t *testing.T) {
	want := ContractStateResponse{
		Type:       ReqStateProof,
		Contract:   cvmamount.Addr{1},
		Position:   0,
		Chunk:      []byte("chunk-data"),
		StateProof: cvmamount.Hash256{3},
	}
	var buf bytes.Buffer
	if err := want.Encode(&buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeContractStateResponse(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Type != want.Type || string(got.Chunk) != string(want.Chunk) || got.StateProof != want.StateProof {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}
