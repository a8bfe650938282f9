// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package election implements LeaderElection: deterministic
// weighted-random leader selection per slot, an ordered backup/failover
// list, and the signed leadership-claim protocol.
package election

import (
	"math/big"
	"sort"
	"sync"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/decred/slog"

	"github.com/cascoin/cvmnode/internal/cvmamount"
	"github.com/cascoin/cvmnode/internal/sequencer"
)

var log = slog.Disabled

// UseLogger sets the logging backend used by the package.
func UseLogger(logger slog.Logger) { log = logger }

// electionSeedDomain tags the slot-seed hash so it cannot collide with a
// hash computed for any other purpose in this node.
const electionSeedDomain = "CVMNODE_L2_ELECTION_SEED_V1"

// BlocksPerSlot is the default slot width in L2 blocks.
const BlocksPerSlot = 10

// MaxBackupSequencers caps the ordered failover list.
const MaxBackupSequencers = 16

// GenerateSeed derives the deterministic, pre-L1-block-unpredictable
// slot seed named in §4.12.
func GenerateSeed(slot uint64, l1BlockHash cvmamount.Hash256, chainID uint64) cvmamount.Hash256 {
	buf := make([]byte, 0, 8+32+8+len(electionSeedDomain))
	buf = appendUint64(buf, slot)
	buf = append(buf, l1BlockHash[:]...)
	buf = appendUint64(buf, chainID)
	buf = append(buf, electionSeedDomain...)
	return chainhash.HashH(buf)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return append(buf, b[:]...)
}

// Result is the outcome of electing a leader for one slot.
type Result struct {
	Slot            uint64
	Seed            cvmamount.Hash256
	LeaderAddr      cvmamount.Addr
	BackupAddrs     []cvmamount.Addr
	ValidUntilBlock uint64
	IsValid         bool
}

// WeightedRandomSelect picks a leader from eligible using seed mod
// totalWeight (or seed mod len(eligible) if every weight is zero),
// matching original_source's arith_uint256 division exactly via
// math/big.
func WeightedRandomSelect(eligible []sequencer.Info, seed cvmamount.Hash256) cvmamount.Addr {
	if len(eligible) == 0 {
		return cvmamount.Addr{}
	}
	if len(eligible) == 1 {
		return eligible[0].Addr
	}

	seedNum := new(big.Int).SetBytes(seed[:])

	var totalWeight uint64
	for _, s := range eligible {
		totalWeight += s.Weight()
	}

	if totalWeight == 0 {
		idx := new(big.Int).Mod(seedNum, big.NewInt(int64(len(eligible)))).Uint64()
		return eligible[idx].Addr
	}

	r := new(big.Int).Mod(seedNum, new(big.Int).SetUint64(totalWeight)).Uint64()
	var cumulative uint64
	for _, s := range eligible {
		cumulative += s.Weight()
		if r < cumulative {
			return s.Addr
		}
	}
	return eligible[len(eligible)-1].Addr
}

// ElectLeader runs the full §4.12 election for one slot: pick the
// leader, then build the backup list sorted by (weight desc, addr asc).
func ElectLeader(slot uint64, eligible []sequencer.Info, seed cvmamount.Hash256) Result {
	result := Result{Slot: slot, Seed: seed}
	if len(eligible) == 0 {
		return result
	}

	result.ValidUntilBlock = (slot + 1) * BlocksPerSlot
	result.IsValid = true

	if len(eligible) == 1 {
		result.LeaderAddr = eligible[0].Addr
		return result
	}

	result.LeaderAddr = WeightedRandomSelect(eligible, seed)

	sorted := append([]sequencer.Info(nil), eligible...)
	sort.Slice(sorted, func(i, j int) bool {
		wi, wj := sorted[i].Weight(), sorted[j].Weight()
		if wi != wj {
			return wi > wj
		}
		return sorted[i].Addr.Less(sorted[j].Addr)
	})

	for _, s := range sorted {
		if s.Addr == result.LeaderAddr {
			continue
		}
		result.BackupAddrs = append(result.BackupAddrs, s.Addr)
		if len(result.BackupAddrs) >= MaxBackupSequencers {
			break
		}
	}
	return result
}

// Claim is the signed LEADERCLAIM wire payload.
type Claim struct {
	ClaimantAddr     cvmamount.Addr
	Slot             uint64
	FailoverPosition uint32
	Timestamp        cvmamount.Timestamp
	PreviousLeader   cvmamount.Addr
	Reason           string
	Sig              []byte
}

// SigningHash returns the hash Claim signatures cover.
func (c Claim) SigningHash() cvmamount.Hash256 {
	buf := make([]byte, 0, 96+len(c.Reason))
	buf = append(buf, c.ClaimantAddr[:]...)
	buf = appendUint64(buf, c.Slot)
	buf = appendUint64(buf, uint64(c.FailoverPosition))
	buf = appendUint64(buf, uint64(c.Timestamp))
	buf = append(buf, c.PreviousLeader[:]...)
	buf = append(buf, c.Reason...)
	return chainhash.HashH(buf)
}

// Sign signs c's SigningHash with key.
func (c *Claim) Sign(key *secp256k1.PrivateKey) {
	h := c.SigningHash()
	sig := ecdsa.Sign(key, h[:])
	c.Sig = sig.Serialize()
}

// VerifySignature verifies c's Sig against pubkey.
func (c Claim) VerifySignature(pubkey *secp256k1.PublicKey) bool {
	if len(c.Sig) == 0 {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(c.Sig)
	if err != nil {
		return false
	}
	h := c.SigningHash()
	return sig.Verify(h[:], pubkey)
}

// ReputationQuery resolves an address's current reputation, used to
// break leadership-claim conflicts.
type ReputationQuery func(addr cvmamount.Addr) int16

// PubkeyQuery resolves an address's known public key for claim
// signature verification.
type PubkeyQuery func(addr cvmamount.Addr) (*secp256k1.PublicKey, bool)

// Election is the node's per-slot election state machine.
type Election struct {
	mu sync.Mutex

	chainID uint64

	currentHeight   uint64
	current         Result
	originalLeader  cvmamount.Addr
	failoverPos     uint32
	pendingClaims   []Claim

	reputation ReputationQuery
	pubkey     PubkeyQuery

	onLeaderChange func(Result)
}

// New constructs an Election for chainID.
func New(chainID uint64, reputation ReputationQuery, pubkey PubkeyQuery, onLeaderChange func(Result)) *Election {
	return &Election{
		chainID:        chainID,
		reputation:     reputation,
		pubkey:         pubkey,
		onLeaderChange: onLeaderChange,
	}
}

func slotForBlock(height uint64) uint64 { return height / BlocksPerSlot }

// UpdateHeight advances the tracked L1-equivalent block height. On a
// slot change, and on the first call for a fresh Election, it resets
// failover state and re-elects using the new seed over eligible.
func (e *Election) UpdateHeight(height uint64, l1BlockHash cvmamount.Hash256, eligible []sequencer.Info) {
	e.mu.Lock()
	defer e.mu.Unlock()

	oldSlot := slotForBlock(e.currentHeight)
	newSlot := slotForBlock(height)
	e.currentHeight = height
	if newSlot == oldSlot && e.current.Seed != (cvmamount.Hash256{}) {
		return
	}

	e.failoverPos = 0
	e.pendingClaims = nil

	seed := GenerateSeed(newSlot, l1BlockHash, e.chainID)
	e.current = ElectLeader(newSlot, eligible, seed)
	e.originalLeader = e.current.LeaderAddr
	e.notify()
}

func (e *Election) notify() {
	if e.onLeaderChange != nil {
		e.onLeaderChange(e.current)
	}
}

// HandleTimeout advances the failover position for slot, promoting the
// next backup. Must be called with the current election's slot.
func (e *Election) HandleTimeout(slot uint64) (previousLeader cvmamount.Addr, advanced bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current.Slot != slot || !e.current.IsValid {
		return cvmamount.Addr{}, false
	}

	if int(e.failoverPos) >= len(e.current.BackupAddrs) {
		e.current.IsValid = false
		return cvmamount.Addr{}, false
	}

	previousLeader = e.current.LeaderAddr
	e.current.LeaderAddr = e.current.BackupAddrs[e.failoverPos]
	e.failoverPos++
	log.Infof("slot %d: leader %s timed out, promoting %s (failover position %d)",
		slot, previousLeader, e.current.LeaderAddr, e.failoverPos)
	e.notify()
	return previousLeader, true
}

// FailoverPosition returns addr's fixed position in the election's
// original ordering (0 for the originally elected leader, 1-based index
// into the backup list), or -1 if addr is not part of the election.
// This position never changes as HandleTimeout promotes backups to
// leader; it is the identity a valid leadership claim for that position
// must carry, independent of who currently holds the leader slot.
func (e *Election) FailoverPosition(addr cvmamount.Addr) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failoverPositionLocked(addr)
}

func (e *Election) failoverPositionLocked(addr cvmamount.Addr) int {
	if addr == e.originalLeader {
		return 0
	}
	for i, a := range e.current.BackupAddrs {
		if a == addr {
			return i + 1
		}
	}
	return -1
}

// validateClaimLocked checks claim against the current election state:
// matching slot, claimant's own fixed failover position matching the
// one it claims, that position at most one past the current failover
// position, timestamp not too far in the future, and signature valid if
// a pubkey is known.
func (e *Election) validateClaimLocked(claim Claim, now cvmamount.Timestamp) bool {
	if claim.Slot != e.current.Slot {
		return false
	}
	position := e.failoverPositionLocked(claim.ClaimantAddr)
	if position < 0 {
		return false
	}
	if claim.FailoverPosition != uint32(position) {
		return false
	}
	if claim.FailoverPosition > e.failoverPos+1 {
		return false
	}
	if claim.Timestamp > now+60 {
		return false
	}
	if e.pubkey != nil {
		if pk, ok := e.pubkey(claim.ClaimantAddr); ok {
			if !claim.VerifySignature(pk) {
				return false
			}
		}
	}
	return true
}

// resolveConflicting applies the §4.12 tie-break order: lower
// failoverPosition, then higher reputation, then earlier timestamp,
// then lower address.
func (e *Election) resolveConflicting(claims []Claim) Claim {
	winner := claims[0]
	for _, challenger := range claims[1:] {
		if challenger.FailoverPosition != winner.FailoverPosition {
			if challenger.FailoverPosition < winner.FailoverPosition {
				winner = challenger
			}
			continue
		}
		wRep, cRep := int16(0), int16(0)
		if e.reputation != nil {
			wRep = e.reputation(winner.ClaimantAddr)
			cRep = e.reputation(challenger.ClaimantAddr)
		}
		if cRep != wRep {
			if cRep > wRep {
				winner = challenger
			}
			continue
		}
		if challenger.Timestamp != winner.Timestamp {
			if challenger.Timestamp < winner.Timestamp {
				winner = challenger
			}
			continue
		}
		if challenger.ClaimantAddr.Less(winner.ClaimantAddr) {
			winner = challenger
		}
	}
	return winner
}

// ProcessLeadershipClaim validates claim, resolves it against any other
// pending claim for the same slot, and if it wins, installs the
// claimant as leader.
func (e *Election) ProcessLeadershipClaim(claim Claim, now cvmamount.Timestamp) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.validateClaimLocked(claim, now) {
		return false
	}

	for _, existing := range e.pendingClaims {
		if existing.Slot == claim.Slot && existing.ClaimantAddr != claim.ClaimantAddr {
			winner := e.resolveConflicting([]Claim{existing, claim})
			if winner.ClaimantAddr != claim.ClaimantAddr {
				return false
			}
		}
	}

	e.pendingClaims = append(e.pendingClaims, claim)
	e.current.LeaderAddr = claim.ClaimantAddr
	e.notify()
	return true
}

// Current returns the election's current result.
func (e *Election) Current() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}
