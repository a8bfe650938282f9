// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package behaviormetrics

import (
	"testing"

	"github.com/cascoin/cvmnode/internal/cvmamount"
)

func TestNewMetricsIsEmpty(t *testing.T) {
	addr := cvmamount.Addr{1}
	m := NewMetrics(addr, 1000)
	if m.Addr != addr {
		t.Errorf("Addr = %v, want %v", m.Addr, addr)
	}
	if m.Base(2000) != 0 {
		t.Error("Base should be 0 with no trades")
	}
	if m.Diversity() != 0 {
		t.Error("Diversity should be 0 with no trades")
	}
}

func TestRecordTradeUpdatesCounters(t *testing.T) {
	m := NewMetrics(cvmamount.Addr{1}, 1000)
	partner := cvmamount.Addr{2}

	m.RecordTrade(Trade{Partner: partner, Volume: cvmamount.Amount(cvmamount.SatoshisPerCoin), Ts: 1000, Success: true})
	m.RecordTrade(Trade{Partner: partner, Volume: cvmamount.Amount(cvmamount.SatoshisPerCoin), Ts: 1100, Success: false, Disputed: true})

	if m.Total != 2 {
		t.Errorf("Total = %d, want 2", m.Total)
	}
	if m.Successful != 1 {
		t.Errorf("Successful = %d, want 1", m.Successful)
	}
	if m.Disputed != 1 {
		t.Errorf("Disputed = %d, want 1", m.Disputed)
	}
	if !m.Partners[partner] {
		t.Error("expected partner to be recorded")
	}
}

func TestRecordTradeTrimsToRetentionPolicy(t *testing.T) {
	m := NewMetrics(cvmamount.Addr{1}, 0)
	for i := 0; i < RetentionPolicy+10; i++ {
		m.RecordTrade(Trade{Partner: cvmamount.Addr{2}, Ts: cvmamount.Timestamp(i)})
	}
	if len(m.Trades) != RetentionPolicy {
		t.Errorf("len(Trades) = %d, want %d", len(m.Trades), RetentionPolicy)
	}
	if m.Total != RetentionPolicy+10 {
		t.Errorf("Total should keep counting past the retention trim, got %d", m.Total)
	}
}

func TestDiversityCapsAtOne(t *testing.T) {
	m := NewMetrics(cvmamount.Addr{1}, 0)
	// A single trade with a single partner: diversity = 1/sqrt(1) = 1.
	m.RecordTrade(Trade{Partner: cvmamount.Addr{2}, Ts: 0})
	if got := m.Diversity(); got != 1 {
		t.Errorf("Diversity() = %f, want 1", got)
	}
}

func TestPatternRequiresTenTrades(t *testing.T) {
	m := NewMetrics(cvmamount.Addr{1}, 0)
	for i := 0; i < 5; i++ {
		m.RecordTrade(Trade{Partner: cvmamount.Addr{2}, Ts: cvmamount.Timestamp(i * 100)})
	}
	if got := m.Pattern(); got != 1.0 {
		t.Errorf("Pattern() with < 10 trades = %f, want 1.0 (no penalty)", got)
	}
}

func TestFraudScoreByEventCount(t *testing.T) {
	tests := []struct {
		name   string
		events int
		want   float64
	}{
		{"no fraud", 0, 1.0},
		{"first", 1, 0.7},
		{"second", 2, 0.5},
		{"third", 3, 0.3},
		{"fifth", 5, 0.0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := NewMetrics(cvmamount.Addr{1}, 0)
			for i := 0; i < test.events; i++ {
				m.RecordFraud(FraudEvent{Ts: 0, BlockHeight: 0})
			}
			// At block height 0 with no elapsed blocks, decay is 1.0.
			if got := m.Fraud(0); got != test.want {
				t.Errorf("Fraud() with %d events = %f, want %f", test.events, got, test.want)
			}
		})
	}
}

func TestFinalReputationClampedToRange(t *testing.T) {
	m := NewMetrics(cvmamount.Addr{1}, 0)
	for i := 0; i < 20; i++ {
		m.RecordTrade(Trade{
			Partner: cvmamount.Addr{byte(i + 1)},
			Volume:  cvmamount.Amount(cvmamount.SatoshisPerCoin),
			Ts:      cvmamount.Timestamp(i * 1000),
			Success: true,
		})
	}
	rep := m.FinalReputation(cvmamount.Timestamp(20*1000), 100)
	if rep < 0 || rep > 100 {
		t.Errorf("FinalReputation() = %f, want value in [0,100]", rep)
	}
}
