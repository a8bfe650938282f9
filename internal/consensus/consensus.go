// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package consensus implements SequencerConsensus: L2 block-proposal
// voting, weighted 2/3 finalization, and timeout-driven failover
// triggering.
package consensus

import (
	"sync"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/decred/slog"

	"github.com/cascoin/cvmnode/internal/cvmamount"
	"github.com/cascoin/cvmnode/internal/nodeerr"
)

var log = slog.Disabled

// UseLogger sets the logging backend used by the package.
func UseLogger(logger slog.Logger) { log = logger }

// Limits named in §4.13.
const (
	MaxVotesPerBlock   = 1000
	MaxFinalizedBlocks = 100
)

// DefaultThreshold is the default 2/3 acceptance threshold.
const DefaultThreshold = 2.0 / 3.0

// DefaultRejectThreshold is the default reject threshold above which
// consensus is declared unreachable.
const DefaultRejectThreshold = 1.0 / 3.0

// Vote is the ACCEPT/REJECT/ABSTAIN enum named in §6.
type Vote uint8

// The vote values, matching the §6 wire encoding.
const (
	VoteAccept  Vote = 1
	VoteReject  Vote = 2
	VoteAbstain Vote = 3
)

// Proposal is the L2BlockProposal a leader broadcasts.
type Proposal struct {
	Number           uint64
	Parent           cvmamount.Hash256
	StateRoot        cvmamount.Hash256
	TxRoot           cvmamount.Hash256
	TxHashes         []cvmamount.Hash256
	Proposer         cvmamount.Addr
	Timestamp        cvmamount.Timestamp
	Sig              []byte
	ChainID          uint64
	GasLimit         uint64
	GasUsed          uint64
	Slot             uint64
}

// Hash returns the proposal's block hash.
func (p Proposal) Hash() cvmamount.Hash256 {
	buf := make([]byte, 0, 128)
	buf = appendUint64(buf, p.Number)
	buf = append(buf, p.Parent[:]...)
	buf = append(buf, p.StateRoot[:]...)
	buf = append(buf, p.TxRoot[:]...)
	buf = append(buf, p.Proposer[:]...)
	buf = appendUint64(buf, uint64(p.Timestamp))
	buf = appendUint64(buf, p.ChainID)
	buf = appendUint64(buf, p.GasLimit)
	buf = appendUint64(buf, p.GasUsed)
	buf = appendUint64(buf, p.Slot)
	return chainhash.HashH(buf)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return append(buf, b[:]...)
}

// Sign signs p's hash with key.
func (p *Proposal) Sign(key *secp256k1.PrivateKey) {
	h := p.Hash()
	sig := ecdsa.Sign(key, h[:])
	p.Sig = sig.Serialize()
}

// VerifySignature verifies p's Sig against pubkey.
func (p Proposal) VerifySignature(pubkey *secp256k1.PublicKey) bool {
	if len(p.Sig) == 0 {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(p.Sig)
	if err != nil {
		return false
	}
	h := p.Hash()
	return sig.Verify(h[:], pubkey)
}

// ValidateStructure checks the basic shape invariants named in §3's
// L2Block and original_source's ValidateStructure.
func (p Proposal) ValidateStructure(now cvmamount.Timestamp) error {
	var zero cvmamount.Hash256
	if p.Number > 0 && p.Parent == zero {
		return nodeerr.Validation("missing_parent_hash", "non-genesis proposal has no parent hash")
	}
	if p.Timestamp > now+60 {
		return nodeerr.Validation("proposal_future_timestamp", "proposal timestamp too far in the future")
	}
	if p.GasUsed > p.GasLimit {
		return nodeerr.Validation("gas_used_exceeds_limit", "proposal gas used exceeds gas limit")
	}
	if p.Proposer.IsZero() {
		return nodeerr.Validation("missing_proposer", "proposal has no proposer address")
	}
	return nil
}

// VoteMsg is the signed SequencerVote wire payload.
type VoteMsg struct {
	BlockHash    cvmamount.Hash256
	Voter        cvmamount.Addr
	Vote         Vote
	RejectReason string
	Sig          []byte
	Timestamp    cvmamount.Timestamp
	Slot         uint64
}

// SigningHash returns the hash VoteMsg signatures cover.
func (v VoteMsg) SigningHash() cvmamount.Hash256 {
	buf := make([]byte, 0, 64+len(v.RejectReason))
	buf = append(buf, v.BlockHash[:]...)
	buf = append(buf, v.Voter[:]...)
	buf = append(buf, byte(v.Vote))
	buf = append(buf, v.RejectReason...)
	buf = appendUint64(buf, uint64(v.Timestamp))
	buf = appendUint64(buf, v.Slot)
	return chainhash.HashH(buf)
}

// Sign signs v's SigningHash with key.
func (v *VoteMsg) Sign(key *secp256k1.PrivateKey) {
	h := v.SigningHash()
	sig := ecdsa.Sign(key, h[:])
	v.Sig = sig.Serialize()
}

// VerifySignature verifies v's Sig against pubkey.
func (v VoteMsg) VerifySignature(pubkey *secp256k1.PublicKey) bool {
	if len(v.Sig) == 0 {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(v.Sig)
	if err != nil {
		return false
	}
	h := v.SigningHash()
	return sig.Verify(h[:], pubkey)
}

// Result is the §6 ConsensusResult: the current weighted tally for a
// block hash.
type Result struct {
	BlockHash            cvmamount.Hash256
	ConsensusReached      bool
	ConsensusFailed       bool
	TotalVoters          uint32
	AcceptVotes          uint32
	RejectVotes          uint32
	AbstainVotes         uint32
	WeightedAcceptPercent float64
	WeightedRejectPercent float64
	Timestamp            cvmamount.Timestamp
}

// WeightQuery resolves an address's current voting weight.
type WeightQuery func(addr cvmamount.Addr) float64

// EligibleWeightQuery returns the total weight of every currently
// eligible voter (the denominator of acceptPct/rejectPct).
type EligibleWeightQuery func() float64

// round is the in-flight voting state for one proposal.
type round struct {
	proposal Proposal
	hash     cvmamount.Hash256
	votes    map[cvmamount.Addr]VoteMsg
}

// Consensus is the node's sequencer block-consensus engine.
type Consensus struct {
	mu sync.Mutex

	chainID   uint64
	threshold float64
	reject    float64

	current *round
	finalized map[cvmamount.Hash256]Proposal
	finalizedOrder []cvmamount.Hash256
	failed    map[cvmamount.Hash256]string

	weight         WeightQuery
	eligibleWeight EligibleWeightQuery

	onFinalized func(Proposal, Result)
	onFailed    func(cvmamount.Hash256, string)
}

// New constructs a Consensus engine for chainID.
func New(chainID uint64, weight WeightQuery, eligibleWeight EligibleWeightQuery) *Consensus {
	return &Consensus{
		chainID:        chainID,
		threshold:      DefaultThreshold,
		reject:         DefaultRejectThreshold,
		finalized:      make(map[cvmamount.Hash256]Proposal),
		failed:         make(map[cvmamount.Hash256]string),
		weight:         weight,
		eligibleWeight: eligibleWeight,
	}
}

// SetThreshold overrides the default 2/3 acceptance threshold. Must be
// > 0.5 per §4.13's invariant.
func (c *Consensus) SetThreshold(threshold float64) error {
	if threshold <= 0.5 {
		return nodeerr.Validation("threshold_too_low", "consensus threshold must exceed 0.5")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threshold = threshold
	return nil
}

// OnFinalized registers the callback invoked when a block finalizes.
func (c *Consensus) OnFinalized(fn func(Proposal, Result)) { c.onFinalized = fn }

// OnFailed registers the callback invoked when consensus fails.
func (c *Consensus) OnFailed(fn func(cvmamount.Hash256, string)) { c.onFailed = fn }

// Propose records a new leader proposal as the current round.
func (c *Consensus) Propose(p Proposal, now cvmamount.Timestamp) error {
	if p.ChainID != c.chainID {
		return nodeerr.Validation("chain_id_mismatch", "proposal is for a different L2 chain")
	}
	if err := p.ValidateStructure(now); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = &round{proposal: p, hash: p.Hash(), votes: make(map[cvmamount.Addr]VoteMsg)}
	return nil
}

// ProcessVote validates and records vote, rejecting duplicates per
// voter and stale or unknown proposals, then recomputes the tally.
func (c *Consensus) ProcessVote(vote VoteMsg) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.hash != vote.BlockHash {
		return Result{}, nodeerr.Consensus("stale_proposal", "vote is for an unknown or stale proposal")
	}
	if _, ok := c.current.votes[vote.Voter]; ok {
		return Result{}, nodeerr.Consensus("duplicate_vote", "voter already voted on this block")
	}
	if len(c.current.votes) >= MaxVotesPerBlock {
		return Result{}, nodeerr.Resource("vote_capacity_exceeded", "maximum votes per block reached")
	}

	c.current.votes[vote.Voter] = vote
	result := c.tallyLocked(vote.Timestamp)

	if result.ConsensusReached {
		c.finalizeLocked(result)
	} else if result.ConsensusFailed {
		c.failLocked("reject threshold exceeded")
	}
	return result, nil
}

func (c *Consensus) tallyLocked(ts cvmamount.Timestamp) Result {
	r := Result{BlockHash: c.current.hash, Timestamp: ts}

	var acceptWeight, rejectWeight, abstainWeight float64
	for addr, v := range c.current.votes {
		w := 1.0
		if c.weight != nil {
			w = c.weight(addr)
		}
		switch v.Vote {
		case VoteAccept:
			r.AcceptVotes++
			acceptWeight += w
		case VoteReject:
			r.RejectVotes++
			rejectWeight += w
		default:
			r.AbstainVotes++
			abstainWeight += w
		}
	}
	r.TotalVoters = uint32(len(c.current.votes))

	total := acceptWeight + rejectWeight + abstainWeight
	if c.eligibleWeight != nil {
		if ew := c.eligibleWeight(); ew > 0 {
			total = ew
		}
	}
	if total > 0 {
		r.WeightedAcceptPercent = acceptWeight / total
		r.WeightedRejectPercent = rejectWeight / total
	}

	if r.WeightedAcceptPercent >= c.threshold {
		r.ConsensusReached = true
	} else if r.WeightedRejectPercent > c.reject {
		r.ConsensusFailed = true
	}
	return r
}

func (c *Consensus) finalizeLocked(r Result) {
	p := c.current.proposal
	hash := c.current.hash
	if _, already := c.finalized[hash]; !already {
		c.finalized[hash] = p
		c.finalizedOrder = append(c.finalizedOrder, hash)
		if len(c.finalizedOrder) > MaxFinalizedBlocks {
			evict := c.finalizedOrder[0]
			c.finalizedOrder = c.finalizedOrder[1:]
			delete(c.finalized, evict)
		}
		log.Infof("finalized L2 block %d (%s), accept %.2f%%", p.Number, hash, r.WeightedAcceptPercent*100)
	}
	c.current = nil
	if c.onFinalized != nil {
		c.onFinalized(p, r)
	}
}

func (c *Consensus) failLocked(reason string) {
	if c.current == nil {
		return
	}
	hash := c.current.hash
	c.failed[hash] = reason
	log.Warnf("consensus failed for proposal %s: %s", hash, reason)
	c.current = nil
	if c.onFailed != nil {
		c.onFailed(hash, reason)
	}
}

// ExpireVoteTimeout fails the current round for timeout, invoking
// OnFailed which the supervisor wires to §4.12's handle_timeout.
func (c *Consensus) ExpireVoteTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLocked("vote timeout")
}

// IsFinalized reports whether hash has been finalized; finalization is
// terminal per §5's ordering guarantees.
func (c *Consensus) IsFinalized(hash cvmamount.Hash256) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.finalized[hash]
	return ok
}

// FinalizedProposal returns the finalized proposal for hash, if any.
func (c *Consensus) FinalizedProposal(hash cvmamount.Hash256) (Proposal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.finalized[hash]
	return p, ok
}

// RecentBlocks returns up to limit of the most recently finalized
// proposals, newest first, for operator visibility (the dashboard's
// /l2/blocks endpoint).
func (c *Consensus) RecentBlocks(limit int) []Proposal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 || limit > len(c.finalizedOrder) {
		limit = len(c.finalizedOrder)
	}
	out := make([]Proposal, 0, limit)
	for i := len(c.finalizedOrder) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, c.finalized[c.finalizedOrder[i]])
	}
	return out
}
