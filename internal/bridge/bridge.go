// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package bridge implements CrossChainBridge: signed trust attestations
// to and from other chains, weighted cross-chain reputation aggregation,
// and reorg invalidation of cached scores.
package bridge

import (
	"sync"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/slog"

	"github.com/cascoin/cvmnode/internal/cvmamount"
	"github.com/cascoin/cvmnode/internal/nodeerr"
)

var log = slog.Disabled

// UseLogger sets the logging backend used by the package.
func UseLogger(logger slog.Logger) { log = logger }

// MaxScoresPerAddr caps the cached ChainTrustScore entries per address, per
// §4.10.
const MaxScoresPerAddr = 20

// ChainInfo describes a supported remote chain.
type ChainInfo struct {
	ID               uint32
	Name             string
	Selector         [4]byte
	MinConfirmations uint32
	MaxAttestationAge cvmamount.Timestamp // seconds
	Weight           float64             // in [0,1]
}

// TrustAttestation is the score an address carries on one chain at the
// time it was signed.
type TrustAttestation struct {
	Addr      cvmamount.Addr
	Score     int16
	Height    cvmamount.Height
	Timestamp cvmamount.Timestamp
	ProofHash cvmamount.Hash256
	Sig       []byte
}

// ChainTrustScore is a cached, received attestation for one (addr,
// chain) pair.
type ChainTrustScore struct {
	ChainID   uint32
	Score     int16
	Height    cvmamount.Height
	ReceivedAt cvmamount.Timestamp
	ProofHash cvmamount.Hash256
}

// StateProof is the placeholder 4-tuple trust-state proof named in
// §4.10/§4.8: not a true Merkle-Patricia proof.
type StateProof struct {
	Addr      cvmamount.Addr
	Score     int16
	Height    cvmamount.Height
	StateRoot cvmamount.Hash256
}

// MakeStateProof fingerprints a (addr, score, height, stateRoot) tuple.
func MakeStateProof(addr cvmamount.Addr, score int16, height cvmamount.Height, stateRoot cvmamount.Hash256) cvmamount.Hash256 {
	buf := make([]byte, 0, 20+2+4+32)
	buf = append(buf, addr[:]...)
	buf = append(buf, byte(score), byte(score>>8))
	buf = append(buf, byte(height), byte(height>>8), byte(height>>16), byte(height>>24))
	buf = append(buf, stateRoot[:]...)
	return chainhash.HashH(buf)
}

// VerifyStateProof recomputes the fingerprint and compares.
func VerifyStateProof(p StateProof, fingerprint cvmamount.Hash256) bool {
	return MakeStateProof(p.Addr, p.Score, p.Height, p.StateRoot) == fingerprint
}

// SignatureVerifier validates a TrustAttestation's signature against the
// declared address. Injected so bridge never imports a specific key
// scheme directly.
type SignatureVerifier func(att TrustAttestation) bool

// addrCache is a per-address cache of received scores, bounded at
// MaxScoresPerAddr by evicting the lowest-height entry when full.
type addrCache struct {
	byChain map[uint32]ChainTrustScore
}

func newAddrCache() *addrCache {
	return &addrCache{byChain: make(map[uint32]ChainTrustScore)}
}

func (c *addrCache) get(chainID uint32) (ChainTrustScore, bool) {
	s, ok := c.byChain[chainID]
	return s, ok
}

func (c *addrCache) put(chainID uint32, score ChainTrustScore) {
	if _, exists := c.byChain[chainID]; !exists && len(c.byChain) >= MaxScoresPerAddr {
		var evictChain uint32
		var evictHeight cvmamount.Height
		first := true
		for id, s := range c.byChain {
			if first || s.Height < evictHeight {
				evictChain, evictHeight, first = id, s.Height, false
			}
		}
		delete(c.byChain, evictChain)
	}
	c.byChain[chainID] = score
}

func (c *addrCache) delete(chainID uint32) {
	delete(c.byChain, chainID)
}

// Bridge is the node's cross-chain attestation store and aggregator.
type Bridge struct {
	mu sync.RWMutex

	chains map[uint32]ChainInfo
	scores map[cvmamount.Addr]*addrCache
	verify SignatureVerifier
}

// New constructs a Bridge. verify may be nil to accept every attestation
// structurally (useful for tests); production callers must supply a
// real verifier.
func New(verify SignatureVerifier) *Bridge {
	return &Bridge{
		chains: make(map[uint32]ChainInfo),
		scores: make(map[cvmamount.Addr]*addrCache),
		verify: verify,
	}
}

// RegisterChain adds or updates a supported chain's configuration.
func (b *Bridge) RegisterChain(info ChainInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chains[info.ID] = info
}

// SendAttestation validates att's score range and timestamp window
// against dstChainId's configuration, then records it locally. Dispatch
// to the actual cross-chain transport is an external collaborator; this
// call only performs the local bookkeeping half.
func (b *Bridge) SendAttestation(dstChainID uint32, now cvmamount.Timestamp, att TrustAttestation) error {
	b.mu.RLock()
	info, ok := b.chains[dstChainID]
	b.mu.RUnlock()
	if !ok {
		return nodeerr.Validation("unknown_chain", "destination chain is not registered")
	}
	if att.Score < -100 || att.Score > 100 {
		return nodeerr.Validation("score_out_of_range", "attestation score out of range")
	}
	if now-att.Timestamp > info.MaxAttestationAge || att.Timestamp > now {
		return nodeerr.Validation("attestation_timestamp_invalid", "attestation timestamp outside allowed window")
	}
	return b.upsert(dstChainID, att)
}

// ReceiveAttestation validates the structure and signature of an
// attestation received from srcChainId and upserts it into the cache.
func (b *Bridge) ReceiveAttestation(srcChainID uint32, now cvmamount.Timestamp, att TrustAttestation) error {
	b.mu.RLock()
	info, ok := b.chains[srcChainID]
	b.mu.RUnlock()
	if !ok {
		return nodeerr.Validation("unknown_chain", "source chain is not registered")
	}
	if att.Score < -100 || att.Score > 100 {
		return nodeerr.Validation("score_out_of_range", "attestation score out of range")
	}
	if now-att.Timestamp > info.MaxAttestationAge || att.Timestamp > now {
		return nodeerr.Validation("attestation_timestamp_invalid", "attestation timestamp outside allowed window")
	}
	if b.verify != nil && !b.verify(att) {
		return nodeerr.Validation("bad_signature", "attestation signature invalid")
	}
	return b.upsert(srcChainID, att)
}

func (b *Bridge) upsert(chainID uint32, att TrustAttestation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cache, ok := b.scores[att.Addr]
	if !ok {
		cache = newAddrCache()
		b.scores[att.Addr] = cache
	}
	if existing, ok := cache.get(chainID); ok && existing.Height > att.Height {
		return nil // newer-wins: a stale attestation is silently dropped
	}
	cache.put(chainID, ChainTrustScore{
		ChainID:    chainID,
		Score:      att.Score,
		Height:     att.Height,
		ReceivedAt: att.Timestamp,
		ProofHash:  att.ProofHash,
	})
	return nil
}

// Aggregate computes the weighted mean cross-chain trust score for addr:
// each chain's configured weight is further scaled by
// max(0.5, 1 - ageHours/48).
func (b *Bridge) Aggregate(addr cvmamount.Addr, now cvmamount.Timestamp) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cache, ok := b.scores[addr]
	if !ok {
		return 0, false
	}

	var weightedSum, totalWeight float64
	for chainID, info := range b.chains {
		score, ok := cache.get(chainID)
		if !ok {
			continue
		}
		ageHours := float64(now-score.ReceivedAt) / 3600.0
		decay := 1.0 - ageHours/48.0
		if decay < 0.5 {
			decay = 0.5
		}
		w := info.Weight * decay
		weightedSum += float64(score.Score) * w
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0, false
	}
	return weightedSum / totalWeight, true
}

// HandleChainReorg drops every cached score on chainId whose ProofHash
// matches one of invalidatedBlocks.
func (b *Bridge) HandleChainReorg(chainID uint32, invalidatedBlocks []cvmamount.Hash256) {
	b.mu.Lock()
	defer b.mu.Unlock()

	invalid := make(map[cvmamount.Hash256]struct{}, len(invalidatedBlocks))
	for _, h := range invalidatedBlocks {
		invalid[h] = struct{}{}
	}
	dropped := 0
	for _, cache := range b.scores {
		score, ok := cache.get(chainID)
		if !ok {
			continue
		}
		if _, bad := invalid[score.ProofHash]; bad {
			cache.delete(chainID)
			dropped++
		}
	}
	if dropped > 0 {
		log.Infof("dropped %d cached trust scores for chain %d after reorg", dropped, chainID)
	}
}
