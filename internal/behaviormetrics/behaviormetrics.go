// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package behaviormetrics derives per-address behavior sub-scores
// (diversity, volume, pattern, fraud) from trade history and combines
// them into a final reputation figure.
package behaviormetrics

import (
	"math"
	"sync"

	"github.com/decred/slog"

	"github.com/cascoin/cvmnode/internal/cvmamount"
)

var log = slog.Disabled

// UseLogger sets the logging backend used by the package.
func UseLogger(logger slog.Logger) { log = logger }

// RetentionPolicy bounds how much trade history a Metrics record keeps.
const RetentionPolicy = 10000

// Trade is one recorded interaction with a counterparty.
type Trade struct {
	Partner   cvmamount.Addr
	Volume    cvmamount.Amount
	Ts        cvmamount.Timestamp
	Success   bool
	Disputed  bool
}

// FraudEvent records a single confirmed fraud finding against an address.
type FraudEvent struct {
	Ts          cvmamount.Timestamp
	BlockHeight cvmamount.Height
}

// Metrics is the per-address behavior record.
type Metrics struct {
	mu sync.Mutex

	Addr        cvmamount.Addr
	FirstSeen   cvmamount.Timestamp
	Trades      []Trade
	Total       int
	Successful  int
	Disputed    int
	Volume      cvmamount.Amount
	Partners    map[cvmamount.Addr]bool
	Fraud       []FraudEvent
}

// NewMetrics returns an empty record for addr first seen at ts.
func NewMetrics(addr cvmamount.Addr, ts cvmamount.Timestamp) *Metrics {
	return &Metrics{
		Addr:      addr,
		FirstSeen: ts,
		Partners:  make(map[cvmamount.Addr]bool),
	}
}

// RecordTrade appends a trade to the history, trimming to RetentionPolicy,
// and updates the running counters.
func (m *Metrics) RecordTrade(t Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Trades = append(m.Trades, t)
	if len(m.Trades) > RetentionPolicy {
		m.Trades = m.Trades[len(m.Trades)-RetentionPolicy:]
	}
	m.Total++
	if t.Success {
		m.Successful++
	}
	if t.Disputed {
		m.Disputed++
	}
	m.Volume += t.Volume
	m.Partners[t.Partner] = true
}

// RecordFraud appends a confirmed fraud event.
func (m *Metrics) RecordFraud(ev FraudEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fraud = append(m.Fraud, ev)
}

// Diversity returns min(1, partners / sqrt(totalTrades)).
func (m *Metrics) Diversity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Total == 0 {
		return 0
	}
	d := float64(len(m.Partners)) / math.Sqrt(float64(m.Total))
	return math.Min(1, d)
}

// VolumeScore returns min(1, log10(volumeCAS+1)/6).
func (m *Metrics) VolumeScore() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	vol := m.Volume.ToCAS()
	return math.Min(1, math.Log10(vol+1)/6)
}

// Pattern computes the coefficient-of-variation penalty over inter-trade
// intervals for addresses with at least 10 trades; CV < 0.5 => 0.5
// penalty, otherwise 1.0 (no penalty).
func (m *Metrics) Pattern() float64 {
	m.mu.Lock()
	trades := append([]Trade(nil), m.Trades...)
	m.mu.Unlock()

	if len(trades) < 10 {
		return 1.0
	}
	intervals := make([]float64, 0, len(trades)-1)
	for i := 1; i < len(trades); i++ {
		intervals = append(intervals, float64(trades[i].Ts-trades[i-1].Ts))
	}
	mean := 0.0
	for _, iv := range intervals {
		mean += iv
	}
	mean /= float64(len(intervals))
	if mean == 0 {
		return 0.5
	}
	var variance float64
	for _, iv := range intervals {
		d := iv - mean
		variance += d * d
	}
	variance /= float64(len(intervals))
	cv := math.Sqrt(variance) / mean
	if cv < 0.5 {
		return 0.5
	}
	return 1.0
}

const fraudDecayHalfLifeBlocks = 10000

// Fraud computes the fraud sub-score: per first fraud event 0.7, second
// 0.5, third/fourth 0.3, five or more 0.0, all adjusted by a recovery
// decay factor capped at 2.0.
func (m *Metrics) Fraud(currentHeight cvmamount.Height) float64 {
	m.mu.Lock()
	events := append([]FraudEvent(nil), m.Fraud...)
	m.mu.Unlock()

	n := len(events)
	if n == 0 {
		return 1.0
	}

	var base float64
	switch {
	case n == 1:
		base = 0.7
	case n == 2:
		base = 0.5
	case n == 3, n == 4:
		base = 0.3
	default:
		return 0.0
	}

	last := events[n-1]
	blocksSince := int64(currentHeight) - int64(last.BlockHeight)
	if blocksSince < 0 {
		blocksSince = 0
	}
	decay := 1 + (float64(blocksSince)/fraudDecayHalfLifeBlocks)*0.1
	if decay > 2.0 {
		decay = 2.0
	}
	score := base * decay
	if score > 1.0 {
		score = 1.0
	}
	return score
}

const accountAgeCapSeconds = 2 * 365 * 24 * 3600 // 2 years

// Base computes the weighted base score in [0, 100]: success rate (40%),
// account age up to 2 years (20%), volume sub-score (15%), activity decay
// with a 90-day half-life (15%), social proof (10%), all multiplied by
// (1 - disputeRate).
func (m *Metrics) Base(now cvmamount.Timestamp) float64 {
	m.mu.Lock()
	total, successful, disputed := m.Total, m.Successful, m.Disputed
	firstSeen := m.FirstSeen
	partners := len(m.Partners)
	var lastTradeTs cvmamount.Timestamp
	if len(m.Trades) > 0 {
		lastTradeTs = m.Trades[len(m.Trades)-1].Ts
	}
	m.mu.Unlock()

	if total == 0 {
		return 0
	}

	successRate := float64(successful) / float64(total)
	disputeRate := float64(disputed) / float64(total)

	age := float64(now - firstSeen)
	if age < 0 {
		age = 0
	}
	ageScore := math.Min(1, age/accountAgeCapSeconds)

	volumeScore := m.VolumeScore()

	const activityHalfLifeSeconds = 90 * 24 * 3600
	sinceLastTrade := float64(now - lastTradeTs)
	if sinceLastTrade < 0 {
		sinceLastTrade = 0
	}
	activityScore := math.Exp(-math.Ln2 * sinceLastTrade / activityHalfLifeSeconds)

	socialProof := math.Min(float64(partners)/100.0, 1.0)

	weighted := successRate*40 + ageScore*20 + volumeScore*15 + activityScore*15 + socialProof*10
	return weighted * (1 - disputeRate)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FinalReputation computes clamp(base*diversity*volume*pattern*fraud, 0, 100).
func (m *Metrics) FinalReputation(now cvmamount.Timestamp, currentHeight cvmamount.Height) float64 {
	base := m.Base(now)
	diversity := m.Diversity()
	volume := m.VolumeScore()
	pattern := m.Pattern()
	fraud := m.Fraud(currentHeight)
	return clamp(base*diversity*volume*pattern*fraud, 0, 100)
}
