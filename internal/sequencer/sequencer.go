// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sequencer implements SequencerDiscovery: signed P2P
// announcements, a local sequencer registry, distributed attestations,
// and eligibility verification for the L2 sequencer network.
package sequencer

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

// Limits named in §4.11.
const (
	MaxAttestationsPerSequencer = 100
	MaxSequencers               = 1000
	AnnouncementExpirySeconds   = 3600
	AnnouncementFutureSeconds   = 60
	MinAttestationsForVerification = 3
)

// AnnounceMsg is the SEQANNOUNCE wire payload.
type AnnounceMsg struct {
	Addr            cvmamount.Addr
	Stake           cvmamount.Amount
	HatScore        uint32
	L1Height        cvmamount.Height
	Sig             []byte
	Timestamp       cvmamount.Timestamp
	Endpoint        string
	PeerCount       uint32
	L2ChainID       uint64
	ProtocolVersion uint32
}

// SigningHash returns the hash AnnounceMsg signatures cover (every field
// except Sig).
func (m AnnounceMsg) SigningHash() cvmamount.Hash256 {
	buf := make([]byte, 0, 128+len(m.Endpoint))
	buf = append(buf, m.Addr[:]...)
	buf = appendUint64(buf, uint64(m.Stake))
	buf = appendUint64(buf, uint64(m.HatScore))
	buf = appendUint64(buf, uint64(m.L1Height))
	buf = appendUint64(buf, uint64(m.Timestamp))
	buf = append(buf, m.Endpoint...)
	buf = appendUint64(buf, uint64(m.PeerCount))
	buf = appendUint64(buf, m.L2ChainID)
	buf = appendUint64(buf, uint64(m.ProtocolVersion))
	return chainhash.HashH(buf)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return append(buf, b[:]...)
}

// Sign signs msg's SigningHash with key.
func (m *AnnounceMsg) Sign(key *secp256k1.PrivateKey) {
	h := m.SigningHash()
	sig := ecdsa.Sign(key, h[:])
	m.Sig = sig.Serialize()
}

// VerifySignature verifies msg's Sig against pubkey.
func (m AnnounceMsg) VerifySignature(pubkey *secp256k1.PublicKey) bool {
	if len(m.Sig) == 0 {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(m.Sig)
	if err != nil {
		return false
	}
	h := m.SigningHash()
	return sig.Verify(h[:], pubkey)
}

// Attestation is the SEQATTEST wire payload: another node vouching for
// a sequencer's self-reported properties.
type Attestation struct {
	SeqAddr      cvmamount.Addr
	AttesterAddr cvmamount.Addr
	HatScore     uint32
	Stake        cvmamount.Amount
	L1Height     cvmamount.Height
	Timestamp    cvmamount.Timestamp
	Sig          []byte
}

// SigningHash returns the hash Attestation signatures cover.
func (a Attestation) SigningHash() cvmamount.Hash256 {
	buf := make([]byte, 0, 96)
	buf = append(buf, a.SeqAddr[:]...)
	buf = append(buf, a.AttesterAddr[:]...)
	buf = appendUint64(buf, uint64(a.HatScore))
	buf = appendUint64(buf, uint64(a.Stake))
	buf = appendUint64(buf, uint64(a.L1Height))
	buf = appendUint64(buf, uint64(a.Timestamp))
	return chainhash.HashH(buf)
}

// Info is the node's view of a known sequencer.
type Info struct {
	Addr             cvmamount.Addr
	Pubkey           *secp256k1.PublicKey
	VerifiedStake    cvmamount.Amount
	VerifiedHatScore uint32
	PeerCount        uint32
	Endpoint         string
	LastAnnouncement cvmamount.Timestamp
	BlocksProduced   uint64
	BlocksMissed     uint64
	IsVerified       bool
	IsEligible       bool
	AttestationCount uint32
	L2ChainID        uint64
}

// Weight returns the leader-election weight named in §3:
// hatScore * ceil(sqrt(stake/1 CAS)), where a stake below 1 CAS counts
// as 1 rather than 0.
func (info Info) Weight() uint64 {
	stakeInCAS := uint64(info.VerifiedStake) / uint64(cvmamount.SatoshisPerCoin)
	sqrtStake := uint64(1)
	if stakeInCAS > 0 {
		sqrtStake = 1
		for sqrtStake*sqrtStake < stakeInCAS {
			sqrtStake++
		}
	}
	return uint64(info.VerifiedHatScore) * sqrtStake
}

// StakeQuery resolves an address's verified L1 stake. Injected so
// sequencer never imports a specific UTXO-view implementation.
type StakeQuery func(addr cvmamount.Addr) cvmamount.Amount

// HatScoreQuery resolves an address's verified HAT score.
type HatScoreQuery func(addr cvmamount.Addr) int16

// Eligibility thresholds, concrete defaults since spec.md leaves the
// literal numbers to implementers (only the referenced §4.5 conditions
// are specified qualitatively).
const (
	MinEligibleStake    = 100 * cvmamount.SatoshisPerCoin
	MinEligibleHatScore = 60
)

// Registry is the node's sequencer discovery and eligibility engine.
type Registry struct {
	mu sync.RWMutex

	chainID      uint64
	sequencers   map[cvmamount.Addr]*Info
	attestations map[cvmamount.Addr][]Attestation

	stakeQuery StakeQuery
	hatQuery   HatScoreQuery
}

// New constructs a Registry for chainID.
func New(chainID uint64, stakeQuery StakeQuery, hatQuery HatScoreQuery) *Registry {
	return &Registry{
		chainID:      chainID,
		sequencers:   make(map[cvmamount.Addr]*Info),
		attestations: make(map[cvmamount.Addr][]Attestation),
		stakeQuery:   stakeQuery,
		hatQuery:     hatQuery,
	}
}

// ProcessAnnounce validates msg and upserts the local registry entry for
// its address.
func (r *Registry) ProcessAnnounce(msg AnnounceMsg, now cvmamount.Timestamp, pubkey *secp256k1.PublicKey) error {
	if now > msg.Timestamp && now-msg.Timestamp > AnnouncementExpirySeconds {
		return nodeerr.Validation("announcement_expired", "sequencer announcement expired")
	}
	if msg.Timestamp > now+AnnouncementFutureSeconds {
		return nodeerr.Validation("announcement_future", "sequencer announcement timestamp too far in the future")
	}
	if msg.L2ChainID != r.chainID {
		return nodeerr.Validation("chain_id_mismatch", "announcement is for a different L2 chain")
	}
	if !msg.VerifySignature(pubkey) {
		return nodeerr.Validation("bad_signature", "announcement signature invalid")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.sequencers[msg.Addr]
	if !ok {
		if len(r.sequencers) >= MaxSequencers {
			return nodeerr.Resource("sequencer_registry_full", "sequencer registry at capacity")
		}
		info = &Info{Addr: msg.Addr, L2ChainID: msg.L2ChainID}
		r.sequencers[msg.Addr] = info
		log.Debugf("new sequencer announced: %s", msg.Addr)
	}
	info.Pubkey = pubkey
	info.VerifiedStake = msg.Stake
	info.VerifiedHatScore = msg.HatScore
	info.PeerCount = msg.PeerCount
	info.Endpoint = msg.Endpoint
	info.LastAnnouncement = msg.Timestamp
	return nil
}

// ProcessAttestation records an attestation from another node about a
// sequencer's claimed properties, capped at
// MaxAttestationsPerSequencer (oldest dropped first).
func (r *Registry) ProcessAttestation(att Attestation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.attestations[att.SeqAddr]
	if len(list) >= MaxAttestationsPerSequencer {
		list = list[1:]
	}
	r.attestations[att.SeqAddr] = append(list, att)

	if info, ok := r.sequencers[att.SeqAddr]; ok {
		info.AttestationCount++
	}
}

// VerifyEligibility checks §4.5's conditions for addr using the
// injected stake/HAT queries and the accumulated attestation count,
// setting IsVerified/IsEligible on the registry entry.
func (r *Registry) VerifyEligibility(addr cvmamount.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.sequencers[addr]
	if !ok {
		return false
	}

	stake := r.stakeQuery(addr)
	hat := r.hatQuery(addr)
	attestations := len(r.attestations[addr])

	info.VerifiedStake = stake
	info.VerifiedHatScore = uint32(hat)
	info.IsVerified = attestations >= MinAttestationsForVerification

	info.IsEligible = info.IsVerified &&
		stake >= MinEligibleStake &&
		hat >= MinEligibleHatScore
	return info.IsEligible
}

// GetEligible returns the isEligible ∧ announcement-not-expired
// snapshot named in §4.11.
func (r *Registry) GetEligible(now cvmamount.Timestamp) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Info
	for _, info := range r.sequencers {
		if !info.IsEligible {
			continue
		}
		if now-info.LastAnnouncement > AnnouncementExpirySeconds {
			continue
		}
		out = append(out, *info)
	}
	return out
}

// UpdateMetrics increments blocksProduced or blocksMissed for addr.
func (r *Registry) UpdateMetrics(addr cvmamount.Addr, producedBlock bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.sequencers[addr]
	if !ok {
		return
	}
	if producedBlock {
		info.BlocksProduced++
	} else {
		info.BlocksMissed++
	}
}

// All returns every known sequencer, eligible or not, for operator
// visibility (the dashboard's /l2/sequencers endpoint).
func (r *Registry) All() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.sequencers))
	for _, info := range r.sequencers {
		out = append(out, *info)
	}
	return out
}

// Get returns the registry entry for addr, if any.
func (r *Registry) Get(addr cvmamount.Addr) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.sequencers[addr]
	if !ok {
		return Info{}, false
	}
	return *info, true
}
