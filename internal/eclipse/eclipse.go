// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package eclipse implements EclipseSybilProtection: validator eligibility
// and validator-set diversity checks, plus coordinated-timing attack
// detection.
package eclipse

import (
	"sort"
	"sync"

	"github.com/decred/slog"

	"github.com/cascoin/cvmnode/internal/cvmamount"
)

var log = slog.Disabled

// UseLogger sets the logging backend used by the package.
func UseLogger(logger slog.Logger) { log = logger }

// Eligibility thresholds (§4.5).
const (
	MinHistoryBlocks    = 2000
	MinValidations      = 50
	MinValidationAcc    = 0.85
	MinStakeAgeBlocks   = 1000
	MinStakeSources     = 3
)

// ValidatorHistory is the raw bookkeeping EclipseSybilProtection
// evaluates eligibility from. The supervisor updates it as blocks and
// validations are observed; this package only reads it.
type ValidatorHistory struct {
	FirstSeenHeight   cvmamount.Height
	Validations       int
	CorrectValidations int
	StakeAgeBlocks    int
	StakeSourceCount  int
	MissedResponses   int

	Subnet16    string // dotted /16 prefix, e.g. "203.0"
	PeerSet     map[cvmamount.Addr]bool
	WalletGroup string // empty if the address has no known wallet-cluster group
	HasWoTEdge  bool
}

// Protection is the node-level diversity/eligibility checker. It is
// constructed once and injected wherever sequencer/validator set
// decisions are made; it holds no back-reference to the components that
// feed it history.
type Protection struct {
	mu      sync.RWMutex
	history map[cvmamount.Addr]*ValidatorHistory
}

// New returns an empty Protection.
func New() *Protection {
	return &Protection{history: make(map[cvmamount.Addr]*ValidatorHistory)}
}

// Track registers or replaces the tracked history for addr.
func (p *Protection) Track(addr cvmamount.Addr, h *ValidatorHistory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history[addr] = h
}

// RecordMissedResponse credits addr with one missed HAT response,
// consumed by reputation.Consensus.MissedResponses.
func (p *Protection) RecordMissedResponse(addr cvmamount.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.history[addr]; ok {
		h.MissedResponses++
	}
}

// IsEligible reports whether addr satisfies every §4.5 eligibility
// condition at the given current height.
func (p *Protection) IsEligible(addr cvmamount.Addr, currentHeight cvmamount.Height) bool {
	p.mu.RLock()
	h, ok := p.history[addr]
	p.mu.RUnlock()
	if !ok {
		return false
	}

	if int64(currentHeight)-int64(h.FirstSeenHeight) < MinHistoryBlocks {
		return false
	}
	if h.Validations < MinValidations {
		return false
	}
	if h.Validations > 0 {
		acc := float64(h.CorrectValidations) / float64(h.Validations)
		if acc < MinValidationAcc {
			return false
		}
	}
	if h.StakeAgeBlocks < MinStakeAgeBlocks {
		return false
	}
	if h.StakeSourceCount < MinStakeSources {
		return false
	}
	return true
}

// Member is one participant of a candidate validator set, with its stake
// used for concentration checks.
type Member struct {
	Addr  cvmamount.Addr
	Stake cvmamount.Amount
}

// DiversityReport explains which diversity conditions, if any, failed.
type DiversityReport struct {
	Diverse             bool
	SubnetConcentrated  bool
	PeerOverlapExcess   bool
	WalletConcentrated  bool
	InsufficientNoWoT   bool
}

// IsDiverse evaluates the §4.5 validator-set diversity conditions: no
// /16 subnet holds more than 50% of members, no pair of members has peer
// overlap exceeding 50%, no wallet cluster holds more than 20% of stake,
// and at least 40% of members must lack any WoT edge.
func (p *Protection) IsDiverse(members []Member) DiversityReport {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var report DiversityReport
	report.Diverse = true
	n := len(members)
	if n == 0 {
		return report
	}

	subnetCounts := make(map[string]int)
	walletStake := make(map[string]int64)
	var totalStake int64
	noWoTCount := 0

	for _, m := range members {
		h := p.history[m.Addr]
		if h == nil {
			continue
		}
		subnetCounts[h.Subnet16]++
		if h.WalletGroup != "" {
			walletStake[h.WalletGroup] += int64(m.Stake)
		}
		totalStake += int64(m.Stake)
		if !h.HasWoTEdge {
			noWoTCount++
		}
	}

	for _, count := range subnetCounts {
		if float64(count)/float64(n) > 0.5 {
			report.SubnetConcentrated = true
		}
	}

	for i := 0; i < len(members); i++ {
		hi := p.history[members[i].Addr]
		if hi == nil {
			continue
		}
		for j := i + 1; j < len(members); j++ {
			hj := p.history[members[j].Addr]
			if hj == nil || len(hi.PeerSet) == 0 {
				continue
			}
			overlap := 0
			for peer := range hi.PeerSet {
				if hj.PeerSet[peer] {
					overlap++
				}
			}
			ratio := float64(overlap) / float64(len(hi.PeerSet))
			if ratio > 0.5 {
				report.PeerOverlapExcess = true
			}
		}
	}

	if totalStake > 0 {
		for _, stake := range walletStake {
			if float64(stake)/float64(totalStake) > 0.2 {
				report.WalletConcentrated = true
			}
		}
	}

	if float64(noWoTCount)/float64(n) < 0.4 {
		report.InsufficientNoWoT = true
	}

	report.Diverse = !report.SubnetConcentrated && !report.PeerOverlapExcess &&
		!report.WalletConcentrated && !report.InsufficientNoWoT
	return report
}

// ResponseTiming is one validator's response timestamp (in milliseconds)
// for a single HAT task, used by coordinated-attack detection.
type ResponseTiming struct {
	Validator cvmamount.Addr
	TsMillis  int64
}

// CoordinationFlag reports a detected coordinated-response cluster.
type CoordinationFlag struct {
	Flagged    bool
	ClusterSize int
	Confidence float64
}

const coordinationWindowMillis = 1000
const coordinationMinCluster = 5

// DetectCoordination finds the largest cluster of response timestamps
// within a 1000ms window; flags it when the cluster has at least 5
// validators, with confidence = 0.6*(clusterSize/5) + 0.4*(1-span/1000),
// capped at 1.0.
func DetectCoordination(timings []ResponseTiming) CoordinationFlag {
	if len(timings) < coordinationMinCluster {
		return CoordinationFlag{}
	}
	ts := make([]int64, len(timings))
	for i, t := range timings {
		ts[i] = t.TsMillis
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })

	bestSize := 0
	bestSpan := int64(0)
	left := 0
	for right := 0; right < len(ts); right++ {
		for ts[right]-ts[left] > coordinationWindowMillis {
			left++
		}
		size := right - left + 1
		if size > bestSize {
			bestSize = size
			bestSpan = ts[right] - ts[left]
		}
	}

	if bestSize < coordinationMinCluster {
		return CoordinationFlag{}
	}
	confidence := 0.6*(float64(bestSize)/float64(coordinationMinCluster)) +
		0.4*(1-float64(bestSpan)/float64(coordinationWindowMillis))
	if confidence > 1.0 {
		confidence = 1.0
	}
	return CoordinationFlag{Flagged: true, ClusterSize: bestSize, Confidence: confidence}
}
