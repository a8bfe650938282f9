// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package collusion

import (
	"testing"

	"github.com/cascoin/cvmnode/internal/cvmamount"
)

func TestAnalyzeTimingCorrelationBelowSampleFloor(t *testing.T) {
	d := New(1, nil, nil, nil, nil)
	seq1, seq2 := cvmamount.Addr{1}, cvmamount.Addr{2}
	for i := 0; i < MinSamplesForCorrelation-1; i++ {
		block := cvmamount.Hash256{byte(i)}
		d.RecordAction(Action{SequencerAddr: seq1, Timestamp: cvmamount.Timestamp(i * 100), BlockHash: block})
		d.RecordAction(Action{SequencerAddr: seq2, Timestamp: cvmamount.Timestamp(i*100 + 5), BlockHash: block})
	}
	stats := d.AnalyzeTimingCorrelation(seq1, seq2)
	if stats.SampleCount >= MinSamplesForCorrelation {
		t.Fatalf("test setup error: SampleCount = %d", stats.SampleCount)
	}
	if stats.CorrelationScore != 0 {
		t.Errorf("CorrelationScore = %f, want 0 below the sample floor", stats.CorrelationScore)
	}
}

func TestAnalyzeTimingCorrelationFixedLagScoresHigh(t *testing.T) {
	d := New(1, nil, nil, nil, nil)
	seq1, seq2 := cvmamount.Addr{1}, cvmamount.Addr{2}
	for i := 0; i < MinSamplesForCorrelation+5; i++ {
		block := cvmamount.Hash256{byte(i)}
		d.RecordAction(Action{SequencerAddr: seq1, Timestamp: cvmamount.Timestamp(i * 1000), BlockHash: block})
		d.RecordAction(Action{SequencerAddr: seq2, Timestamp: cvmamount.Timestamp(i*1000 + 50), BlockHash: block})
	}
	stats := d.AnalyzeTimingCorrelation(seq1, seq2)
	if stats.CorrelationScore < 0.9 {
		t.Errorf("CorrelationScore = %f, want close to 1 for a constant lag", stats.CorrelationScore)
	}
}

func TestAnalyzeVotingPatternAlwaysAgreeing(t *testing.T) {
	d := New(1, nil, nil, nil, nil)
	seq1, seq2 := cvmamount.Addr{1}, cvmamount.Addr{2}
	for i := 0; i < MinSamplesForCorrelation; i++ {
		block := cvmamount.Hash256{byte(i)}
		d.RecordVote(block, seq1, VoteAccept)
		d.RecordVote(block, seq2, VoteAccept)
	}
	stats := d.AnalyzeVotingPattern(seq1, seq2)
	if stats.CorrelationScore != 1 {
		t.Errorf("CorrelationScore = %f, want 1 for always-matching votes", stats.CorrelationScore)
	}
}

func TestCalculateStakeConcentration(t *testing.T) {
	cluster := map[cvmamount.Addr]cvmamount.Addr{
		{1}: {1},
		{2}: {1}, // shares addr1's cluster
		{3}: {3},
	}
	clusterOf := clusterFunc(cluster)
	stakes := map[cvmamount.Addr]cvmamount.Amount{
		{1}: 50,
		{2}: 30,
		{3}: 20,
	}
	stakeQuery := func(addr cvmamount.Addr) cvmamount.Amount { return stakes[addr] }
	sequencersQuery := func() []cvmamount.Addr { return []cvmamount.Addr{{1}, {2}, {3}} }

	d := New(1, clusterOf, stakeQuery, sequencersQuery, nil)
	got := d.CalculateStakeConcentration(cvmamount.Addr{1})
	want := 0.8 // (50+30)/100
	if got != want {
		t.Errorf("CalculateStakeConcentration = %f, want %f", got, want)
	}
}

type clusterFunc map[cvmamount.Addr]cvmamount.Addr

func (c clusterFunc) ClusterOf(addr cvmamount.Addr) cvmamount.Addr {
	if v, ok := c[addr]; ok {
		return v
	}
	return addr
}

func TestAnalyzeSequencerPairNoFindingWhenClean(t *testing.T) {
	d := New(1, nil, nil, nil, nil)
	result := d.AnalyzeSequencerPair(cvmamount.Addr{1}, cvmamount.Addr{2}, 0)
	if result.IsCollusionDetected() {
		t.Error("expected no finding for two sequencers with no recorded activity")
	}
}

func TestAnalyzeSequencerPairFlagsWalletCluster(t *testing.T) {
	cluster := map[cvmamount.Addr]cvmamount.Addr{
		{1}: {1},
		{2}: {1},
	}
	d := New(1, clusterFunc(cluster), nil, nil, nil)
	result := d.AnalyzeSequencerPair(cvmamount.Addr{1}, cvmamount.Addr{2}, 0)
	if !result.IsCollusionDetected() {
		t.Fatal("expected shared wallet cluster to be flagged")
	}
	if result.Type != TypeWalletCluster {
		t.Errorf("Type = %v, want TypeWalletCluster", result.Type)
	}
	if result.Description == "" {
		t.Error("expected a non-empty Description for a flagged finding")
	}
}

func TestGetSlashingAmountScalesWithSeverity(t *testing.T) {
	low := GetSlashingAmount(TypeWalletCluster, SeverityLow)
	critical := GetSlashingAmount(TypeWalletCluster, SeverityCritical)
	if critical <= low {
		t.Errorf("critical amount %d should exceed low amount %d", critical, low)
	}
	combined := GetSlashingAmount(TypeCombined, SeverityCritical)
	if combined <= critical {
		t.Error("TypeCombined should scale above a single-type critical finding")
	}
}

func TestSubmitWhistleblowerReportRejectsNoBond(t *testing.T) {
	d := New(1, nil, nil, nil, nil)
	report := WhistleblowerReport{
		ReporterAddr:      cvmamount.Addr{1},
		AccusedSequencers: []cvmamount.Addr{{2}},
	}
	if _, err := d.SubmitWhistleblowerReport(report); err == nil {
		t.Error("expected an error for a report with no bond")
	}
}

func TestSubmitAndValidateWhistleblowerReport(t *testing.T) {
	cluster := map[cvmamount.Addr]cvmamount.Addr{
		{1}: {1},
		{2}: {1},
	}
	d := New(1, clusterFunc(cluster), nil, nil, nil)
	report := WhistleblowerReport{
		ReporterAddr:      cvmamount.Addr{9},
		AccusedSequencers: []cvmamount.Addr{{1}, {2}},
		BondAmount:        cvmamount.Amount(cvmamount.SatoshisPerCoin),
	}
	id, err := d.SubmitWhistleblowerReport(report)
	if err != nil {
		t.Fatalf("SubmitWhistleblowerReport failed: %v", err)
	}
	if _, err := d.SubmitWhistleblowerReport(report); err == nil {
		t.Error("expected duplicate report submission to fail")
	}

	valid, err := d.ValidateWhistleblowerReport(id, 0)
	if err != nil {
		t.Fatalf("ValidateWhistleblowerReport failed: %v", err)
	}
	if !valid {
		t.Fatal("expected the shared-cluster accusation to validate")
	}

	reward, err := d.ProcessWhistleblowerReward(id, 1000)
	if err != nil {
		t.Fatalf("ProcessWhistleblowerReward failed: %v", err)
	}
	if reward != 100 {
		t.Errorf("reward = %d, want 100 (10%% of 1000)", reward)
	}
	if _, err := d.ProcessWhistleblowerReward(id, 1000); err == nil {
		t.Error("expected a second reward payout to fail")
	}
}

func TestRecentAlertsNewestFirst(t *testing.T) {
	cluster := map[cvmamount.Addr]cvmamount.Addr{
		{1}: {1},
		{2}: {1},
		{3}: {3},
	}
	d := New(1, clusterFunc(cluster), nil, nil, nil)
	d.AnalyzeSequencerPair(cvmamount.Addr{1}, cvmamount.Addr{2}, 1)
	d.AnalyzeSequencerPair(cvmamount.Addr{1}, cvmamount.Addr{2}, 2)

	alerts := d.RecentAlerts(1)
	if len(alerts) != 1 {
		t.Fatalf("len(alerts) = %d, want 1", len(alerts))
	}
	if alerts[0].DetectionTimestamp != 2 {
		t.Errorf("DetectionTimestamp = %d, want 2 (newest first)", alerts[0].DetectionTimestamp)
	}
}
