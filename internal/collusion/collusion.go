// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package collusion implements CollusionDetector: timing and
// voting-pattern correlation across sequencer pairs, wallet-cluster
// and stake-concentration indicators, severity-scaled slashing, and
// the whistleblower bond/payout protocol.
package collusion

import (
	"math"
	"sync"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/slog"

	"github.com/cascoin/cvmnode/internal/cvmamount"
	"github.com/cascoin/cvmnode/internal/nodeerr"
)

var log = slog.Disabled

// UseLogger sets the logging backend used by the package.
func UseLogger(logger slog.Logger) { log = logger }

// Limits named in §4.15.
const (
	MaxActionsPerSequencer    = 1000
	MaxVotingRecords          = 10000
	MinSamplesForCorrelation  = 10
)

// Default thresholds and percentages named in §4.15.
const (
	DefaultTimingCorrelationThreshold = 0.8
	DefaultVotingCorrelationThreshold = 0.9
	DefaultStakeConcentrationLimit    = 0.2
	WhistleblowerRewardPercent        = 0.1
)

// Vote mirrors the vote values used by the consensus package without
// importing it, since collusion only needs to compare agreement, not
// interpret outcomes.
type Vote uint8

// Recognized votes, matching consensus.Vote's numbering.
const (
	VoteAccept  Vote = 1
	VoteReject  Vote = 2
	VoteAbstain Vote = 3
)

// Type classifies the kind of collusion a detection result reports.
type Type int

// Recognized collusion types.
const (
	TypeNone Type = iota
	TypeTimingCorrelation
	TypeVotingPattern
	TypeWalletCluster
	TypeStakeConcentration
	TypeCombined
)

// Severity classifies how strong the evidence for a detection is.
type Severity int

// Recognized severities.
const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Action is one recorded sequencer action used for timing analysis.
type Action struct {
	SequencerAddr  cvmamount.Addr
	Timestamp      cvmamount.Timestamp // milliseconds
	BlockHash      cvmamount.Hash256
	VoteCast       Vote
	IsBlockProposal bool
	Slot           uint64
}

// TimingStats summarizes how correlated two sequencers' action
// timestamps are.
type TimingStats struct {
	Seq1, Seq2      cvmamount.Addr
	SampleCount     int
	AvgTimeDelta    float64
	StdDevTimeDelta float64
	CorrelationScore float64 // 0..1, higher is more suspicious
	LastUpdated     cvmamount.Timestamp
}

// VotingStats summarizes how often two sequencers cast the same vote.
type VotingStats struct {
	Seq1, Seq2       cvmamount.Addr
	TotalVotesCounted uint32
	MatchingVotes     uint32
	OpposingVotes     uint32
	CorrelationScore  float64 // -1..1
	LastUpdated       cvmamount.Timestamp
}

func (s *VotingStats) updateCorrelation() {
	if s.TotalVotesCounted == 0 {
		s.CorrelationScore = 0
		return
	}
	s.CorrelationScore = float64(int32(s.MatchingVotes)-int32(s.OpposingVotes)) / float64(s.TotalVotesCounted)
}

// DetectionResult is the outcome of analyzing a sequencer pair or
// group for collusion.
type DetectionResult struct {
	Type               Type
	Severity           Severity
	InvolvedSequencers []cvmamount.Addr
	ConfidenceScore    float64
	Description        string
	DetectionTimestamp cvmamount.Timestamp
	EvidenceHash       cvmamount.Hash256

	TimingCorrelation   float64
	VotingCorrelation   float64
	SameWalletCluster   bool
	StakeConcentration  float64
}

// IsCollusionDetected reports whether r represents an actual finding.
func (r DetectionResult) IsCollusionDetected() bool { return r.Type != TypeNone }

// WhistleblowerReport is a bonded accusation of collusion.
type WhistleblowerReport struct {
	ReporterAddr      cvmamount.Addr
	AccusedSequencers []cvmamount.Addr
	AccusedType       Type
	Evidence          string
	EvidenceHash      cvmamount.Hash256
	ReportTimestamp   cvmamount.Timestamp
	Signature         []byte
	BondAmount        cvmamount.Amount
	IsValidated       bool
	IsRewarded        bool
}

// SigningHash returns the hash a report's signature covers.
func (r WhistleblowerReport) SigningHash() cvmamount.Hash256 {
	buf := make([]byte, 0, 20+20*len(r.AccusedSequencers)+1+32+8)
	buf = append(buf, r.ReporterAddr[:]...)
	for _, a := range r.AccusedSequencers {
		buf = append(buf, a[:]...)
	}
	buf = append(buf, byte(r.AccusedType))
	buf = append(buf, r.EvidenceHash[:]...)
	buf = appendUint64(buf, uint64(r.ReportTimestamp))
	return chainhash.HashH(buf)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return append(buf, b[:]...)
}

// ClusterMembership resolves wallet-cluster grouping for an address.
// Modeled as an injected interface because clustering heuristics are
// explicitly out of scope; the default implementation treats every
// address as its own singleton cluster.
type ClusterMembership interface {
	ClusterOf(addr cvmamount.Addr) cvmamount.Addr
}

// NoClustering is the trivial ClusterMembership: every address is its
// own cluster.
type NoClustering struct{}

// ClusterOf implements ClusterMembership.
func (NoClustering) ClusterOf(addr cvmamount.Addr) cvmamount.Addr { return addr }

// StakeQuery resolves an address's verified stake, used for
// concentration analysis.
type StakeQuery func(addr cvmamount.Addr) cvmamount.Amount

// SequencerSetQuery returns every currently known sequencer address.
type SequencerSetQuery func() []cvmamount.Addr

// SlashFunc applies a slash penalty to addr for (type, severity);
// injected so collusion never depends on a specific slashing ledger.
type SlashFunc func(addr cvmamount.Addr, amount cvmamount.Amount, reason string) error

// AlertCallback is notified whenever RunFullDetection or
// AnalyzeSequencerPair finds collusion.
type AlertCallback func(DetectionResult)

// Detector runs the full §4.15 collusion detection pipeline for one
// L2 chain.
type Detector struct {
	mu sync.Mutex

	chainID uint64

	actions       map[cvmamount.Addr][]Action
	votingRecords map[cvmamount.Hash256]map[cvmamount.Addr]Vote
	reports       map[cvmamount.Hash256]WhistleblowerReport

	cluster ClusterMembership
	stake   StakeQuery
	sequencers SequencerSetQuery
	slash   SlashFunc

	timingThreshold  float64
	votingThreshold  float64
	stakeLimit       float64

	alertCallbacks []AlertCallback
	alertHistory   []DetectionResult
}

// MaxAlertHistory bounds the in-memory detection history kept for
// operator visibility (the dashboard's /l2/api/alerts endpoint).
const MaxAlertHistory = 500

// New constructs a Detector for chainID. cluster may be nil, in which
// case NoClustering is used.
func New(chainID uint64, cluster ClusterMembership, stake StakeQuery, sequencers SequencerSetQuery, slash SlashFunc) *Detector {
	if cluster == nil {
		cluster = NoClustering{}
	}
	return &Detector{
		chainID:         chainID,
		actions:         make(map[cvmamount.Addr][]Action),
		votingRecords:   make(map[cvmamount.Hash256]map[cvmamount.Addr]Vote),
		reports:         make(map[cvmamount.Hash256]WhistleblowerReport),
		cluster:         cluster,
		stake:           stake,
		sequencers:      sequencers,
		slash:           slash,
		timingThreshold: DefaultTimingCorrelationThreshold,
		votingThreshold: DefaultVotingCorrelationThreshold,
		stakeLimit:      DefaultStakeConcentrationLimit,
	}
}

// SetTimingCorrelationThreshold overrides the default 0.8 threshold.
func (d *Detector) SetTimingCorrelationThreshold(t float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timingThreshold = t
}

// SetVotingCorrelationThreshold overrides the default 0.9 threshold.
func (d *Detector) SetVotingCorrelationThreshold(t float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.votingThreshold = t
}

// SetStakeConcentrationLimit overrides the default 0.2 limit.
func (d *Detector) SetStakeConcentrationLimit(limit float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stakeLimit = limit
}

// OnAlert registers a callback invoked whenever a detection finds
// collusion.
func (d *Detector) OnAlert(cb AlertCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alertCallbacks = append(d.alertCallbacks, cb)
}

// RecordAction appends a sequencer action for timing analysis, capped
// at MaxActionsPerSequencer (oldest dropped first).
func (d *Detector) RecordAction(a Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.actions[a.SequencerAddr]
	if len(list) >= MaxActionsPerSequencer {
		list = list[1:]
	}
	d.actions[a.SequencerAddr] = append(list, a)
}

// RecordVote appends a vote to the per-block voting record. The total
// number of tracked blocks is capped at MaxVotingRecords by dropping
// an arbitrary block's record when full (map iteration order is
// unspecified, which is acceptable since eviction is only a capacity
// bound, not an ordering guarantee).
func (d *Detector) RecordVote(blockHash cvmamount.Hash256, voter cvmamount.Addr, vote Vote) {
	d.mu.Lock()
	defer d.mu.Unlock()
	record, ok := d.votingRecords[blockHash]
	if !ok {
		if len(d.votingRecords) >= MaxVotingRecords {
			for k := range d.votingRecords {
				delete(d.votingRecords, k)
				break
			}
		}
		record = make(map[cvmamount.Addr]Vote)
		d.votingRecords[blockHash] = record
	}
	record[voter] = vote
}

// AnalyzeTimingCorrelation computes the timing correlation between
// seq1 and seq2 from their recorded action timestamps. Correlation is
// derived from how tightly the pairwise time deltas cluster: a low
// relative standard deviation (the two sequencers always act a
// near-constant number of milliseconds apart) scores close to 1.
func (d *Detector) AnalyzeTimingCorrelation(seq1, seq2 cvmamount.Addr) TimingStats {
	d.mu.Lock()
	a1 := append([]Action(nil), d.actions[seq1]...)
	a2 := append([]Action(nil), d.actions[seq2]...)
	d.mu.Unlock()

	stats := TimingStats{Seq1: seq1, Seq2: seq2}

	byBlock2 := make(map[cvmamount.Hash256]Action, len(a2))
	for _, a := range a2 {
		byBlock2[a.BlockHash] = a
	}

	var deltas []float64
	for _, a := range a1 {
		if other, ok := byBlock2[a.BlockHash]; ok {
			deltas = append(deltas, math.Abs(float64(a.Timestamp-other.Timestamp)))
		}
	}
	stats.SampleCount = len(deltas)
	if len(deltas) < MinSamplesForCorrelation {
		return stats
	}

	var sum float64
	for _, dlt := range deltas {
		sum += dlt
	}
	mean := sum / float64(len(deltas))

	var variance float64
	for _, dlt := range deltas {
		variance += (dlt - mean) * (dlt - mean)
	}
	variance /= float64(len(deltas))
	stdDev := math.Sqrt(variance)

	stats.AvgTimeDelta = mean
	stats.StdDevTimeDelta = stdDev

	// Tight clustering relative to the mean delta indicates a fixed,
	// coordinated lag between the two sequencers' actions.
	if mean == 0 {
		stats.CorrelationScore = 1.0
	} else {
		ratio := stdDev / mean
		score := 1.0 - ratio
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		stats.CorrelationScore = score
	}
	return stats
}

// DetectTimingCorrelation returns every tracked sequencer pair whose
// timing correlation exceeds the configured threshold.
func (d *Detector) DetectTimingCorrelation() [][2]cvmamount.Addr {
	d.mu.Lock()
	addrs := make([]cvmamount.Addr, 0, len(d.actions))
	for a := range d.actions {
		addrs = append(addrs, a)
	}
	threshold := d.timingThreshold
	d.mu.Unlock()

	var flagged [][2]cvmamount.Addr
	for i := 0; i < len(addrs); i++ {
		for j := i + 1; j < len(addrs); j++ {
			stats := d.AnalyzeTimingCorrelation(addrs[i], addrs[j])
			if stats.SampleCount >= MinSamplesForCorrelation && stats.CorrelationScore >= threshold {
				flagged = append(flagged, [2]cvmamount.Addr{addrs[i], addrs[j]})
			}
		}
	}
	return flagged
}

// AnalyzeVotingPattern computes how often seq1 and seq2 cast the same
// vote across every tracked block they both voted on.
func (d *Detector) AnalyzeVotingPattern(seq1, seq2 cvmamount.Addr) VotingStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := VotingStats{Seq1: seq1, Seq2: seq2}
	for _, record := range d.votingRecords {
		v1, ok1 := record[seq1]
		v2, ok2 := record[seq2]
		if !ok1 || !ok2 {
			continue
		}
		stats.TotalVotesCounted++
		if v1 == v2 {
			stats.MatchingVotes++
		} else {
			stats.OpposingVotes++
		}
	}
	stats.updateCorrelation()
	return stats
}

// DetectVotingPatternCollusion returns every tracked sequencer pair
// whose voting correlation exceeds the configured threshold.
func (d *Detector) DetectVotingPatternCollusion() [][2]cvmamount.Addr {
	d.mu.Lock()
	seen := make(map[cvmamount.Addr]struct{})
	for _, record := range d.votingRecords {
		for addr := range record {
			seen[addr] = struct{}{}
		}
	}
	addrs := make([]cvmamount.Addr, 0, len(seen))
	for a := range seen {
		addrs = append(addrs, a)
	}
	threshold := d.votingThreshold
	d.mu.Unlock()

	var flagged [][2]cvmamount.Addr
	for i := 0; i < len(addrs); i++ {
		for j := i + 1; j < len(addrs); j++ {
			stats := d.AnalyzeVotingPattern(addrs[i], addrs[j])
			if stats.TotalVotesCounted >= MinSamplesForCorrelation && stats.CorrelationScore >= threshold {
				flagged = append(flagged, [2]cvmamount.Addr{addrs[i], addrs[j]})
			}
		}
	}
	return flagged
}

// AreInSameWalletCluster reports whether seq1 and seq2 resolve to the
// same cluster under the injected ClusterMembership.
func (d *Detector) AreInSameWalletCluster(seq1, seq2 cvmamount.Addr) bool {
	return d.cluster.ClusterOf(seq1) == d.cluster.ClusterOf(seq2)
}

// CalculateStakeConcentration returns the fraction of total sequencer
// stake controlled by sequencer's wallet cluster.
func (d *Detector) CalculateStakeConcentration(sequencer cvmamount.Addr) float64 {
	if d.stake == nil || d.sequencers == nil {
		return 0
	}
	all := d.sequencers()
	cluster := d.cluster.ClusterOf(sequencer)

	var clusterStake, totalStake cvmamount.Amount
	for _, addr := range all {
		s := d.stake(addr)
		totalStake += s
		if d.cluster.ClusterOf(addr) == cluster {
			clusterStake += s
		}
	}
	if totalStake == 0 {
		return 0
	}
	return float64(clusterStake) / float64(totalStake)
}

// ExceedsStakeConcentrationLimit reports whether sequencer's cluster
// controls more than the configured stake concentration limit.
func (d *Detector) ExceedsStakeConcentrationLimit(sequencer cvmamount.Addr) bool {
	d.mu.Lock()
	limit := d.stakeLimit
	d.mu.Unlock()
	return d.CalculateStakeConcentration(sequencer) > limit
}

// determineSeverity scales severity with the count of simultaneous
// indicators, per §4.15.
func determineSeverity(timingCorr, votingCorr float64, sameCluster bool, stakeConc, timingThreshold, votingThreshold, stakeLimit float64) Severity {
	indicators := 0
	if timingCorr >= timingThreshold {
		indicators++
	}
	if votingCorr >= votingThreshold {
		indicators++
	}
	if sameCluster {
		indicators++
	}
	if stakeConc > stakeLimit {
		indicators++
	}
	switch indicators {
	case 0:
		return SeverityLow
	case 1:
		return SeverityLow
	case 2:
		return SeverityMedium
	case 3:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

func classifyType(timingFlag, votingFlag, clusterFlag, stakeFlag bool) Type {
	count := 0
	var only Type
	if timingFlag {
		count++
		only = TypeTimingCorrelation
	}
	if votingFlag {
		count++
		only = TypeVotingPattern
	}
	if clusterFlag {
		count++
		only = TypeWalletCluster
	}
	if stakeFlag {
		count++
		only = TypeStakeConcentration
	}
	switch count {
	case 0:
		return TypeNone
	case 1:
		return only
	default:
		return TypeCombined
	}
}

// AnalyzeSequencerPair runs every detection method against seq1/seq2
// and returns the combined result, notifying alert callbacks if
// collusion is found.
func (d *Detector) AnalyzeSequencerPair(seq1, seq2 cvmamount.Addr, now cvmamount.Timestamp) DetectionResult {
	timing := d.AnalyzeTimingCorrelation(seq1, seq2)
	voting := d.AnalyzeVotingPattern(seq1, seq2)
	sameCluster := d.AreInSameWalletCluster(seq1, seq2)
	stakeConc := d.CalculateStakeConcentration(seq1)

	d.mu.Lock()
	timingThreshold, votingThreshold, stakeLimit := d.timingThreshold, d.votingThreshold, d.stakeLimit
	d.mu.Unlock()

	timingFlag := timing.SampleCount >= MinSamplesForCorrelation && timing.CorrelationScore >= timingThreshold
	votingFlag := voting.TotalVotesCounted >= MinSamplesForCorrelation && voting.CorrelationScore >= votingThreshold
	stakeFlag := stakeConc > stakeLimit

	result := DetectionResult{
		Type:               classifyType(timingFlag, votingFlag, sameCluster, stakeFlag),
		InvolvedSequencers: []cvmamount.Addr{seq1, seq2},
		DetectionTimestamp: now,
		TimingCorrelation:  timing.CorrelationScore,
		VotingCorrelation:  voting.CorrelationScore,
		SameWalletCluster:  sameCluster,
		StakeConcentration: stakeConc,
	}
	if result.Type == TypeNone {
		return result
	}
	result.Severity = determineSeverity(timing.CorrelationScore, voting.CorrelationScore, sameCluster, stakeConc, timingThreshold, votingThreshold, stakeLimit)
	result.ConfidenceScore = confidenceScore(result.Severity)
	result.Description = describeFindings(timingFlag, votingFlag, sameCluster, stakeFlag)
	result.EvidenceHash = evidenceHash(result)
	d.notifyAlerts(result)
	return result
}

// describeFindings renders a short human-readable summary of which
// signals fired, for dashboard and alert-log display.
func describeFindings(timingFlag, votingFlag, sameCluster, stakeFlag bool) string {
	var parts []string
	if timingFlag {
		parts = append(parts, "correlated action timing")
	}
	if votingFlag {
		parts = append(parts, "correlated voting pattern")
	}
	if sameCluster {
		parts = append(parts, "shared wallet cluster")
	}
	if stakeFlag {
		parts = append(parts, "excess stake concentration")
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

func confidenceScore(sev Severity) float64 {
	switch sev {
	case SeverityLow:
		return 0.25
	case SeverityMedium:
		return 0.5
	case SeverityHigh:
		return 0.75
	default:
		return 1.0
	}
}

func evidenceHash(r DetectionResult) cvmamount.Hash256 {
	buf := make([]byte, 0, 20*len(r.InvolvedSequencers)+16)
	for _, a := range r.InvolvedSequencers {
		buf = append(buf, a[:]...)
	}
	buf = append(buf, byte(r.Type), byte(r.Severity))
	buf = appendUint64(buf, uint64(r.DetectionTimestamp))
	return chainhash.HashH(buf)
}

func (d *Detector) notifyAlerts(r DetectionResult) {
	log.Warnf("collusion detected: type=%d severity=%d sequencers=%v", r.Type, r.Severity, r.InvolvedSequencers)
	d.mu.Lock()
	d.alertHistory = append(d.alertHistory, r)
	if len(d.alertHistory) > MaxAlertHistory {
		d.alertHistory = d.alertHistory[len(d.alertHistory)-MaxAlertHistory:]
	}
	callbacks := append([]AlertCallback(nil), d.alertCallbacks...)
	d.mu.Unlock()
	for _, cb := range callbacks {
		cb(r)
	}
}

// RecentAlerts returns up to limit of the most recently raised
// detections, newest first.
func (d *Detector) RecentAlerts(limit int) []DetectionResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.alertHistory)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]DetectionResult, limit)
	for i := 0; i < limit; i++ {
		out[i] = d.alertHistory[n-1-i]
	}
	return out
}

// RunFullDetection analyzes every currently known sequencer pair and
// returns every resulting collusion finding.
func (d *Detector) RunFullDetection(now cvmamount.Timestamp) []DetectionResult {
	var addrs []cvmamount.Addr
	if d.sequencers != nil {
		addrs = d.sequencers()
	}
	var results []DetectionResult
	for i := 0; i < len(addrs); i++ {
		for j := i + 1; j < len(addrs); j++ {
			r := d.AnalyzeSequencerPair(addrs[i], addrs[j], now)
			if r.IsCollusionDetected() {
				results = append(results, r)
			}
		}
	}
	return results
}

// slashBase is the base slash amount before severity scaling, a
// concrete default since spec.md leaves the literal amount to
// implementers.
const slashBase = 10 * cvmamount.SatoshisPerCoin

// GetSlashingAmount returns the slash amount for (type, severity): the
// base amount scaled by severity, multiplied by a further 1.5 when the
// type is TypeCombined.
func GetSlashingAmount(t Type, sev Severity) cvmamount.Amount {
	mult := 1.0
	switch sev {
	case SeverityLow:
		mult = 0.25
	case SeverityMedium:
		mult = 0.5
	case SeverityHigh:
		mult = 1.0
	case SeverityCritical:
		mult = 2.0
	}
	if t == TypeCombined {
		mult *= 1.5
	}
	return cvmamount.Amount(float64(slashBase) * mult)
}

// SlashColludingSequencers applies GetSlashingAmount's penalty to
// every sequencer named in result via the injected SlashFunc.
func (d *Detector) SlashColludingSequencers(result DetectionResult) error {
	if d.slash == nil {
		return nodeerr.Fatal("no_slash_func", "collusion detector has no slashing function configured")
	}
	amount := GetSlashingAmount(result.Type, result.Severity)
	for _, addr := range result.InvolvedSequencers {
		if err := d.slash(addr, amount, "collusion"); err != nil {
			return err
		}
	}
	return nil
}

// SubmitWhistleblowerReport records report, keyed by its signing hash.
// The caller is responsible for having escrowed BondAmount externally;
// this call only performs bookkeeping.
func (d *Detector) SubmitWhistleblowerReport(report WhistleblowerReport) (cvmamount.Hash256, error) {
	if len(report.AccusedSequencers) == 0 {
		return cvmamount.Hash256{}, nodeerr.Validation("no_accused", "whistleblower report names no accused sequencers")
	}
	if report.BondAmount <= 0 {
		return cvmamount.Hash256{}, nodeerr.Validation("no_bond", "whistleblower report has no bond")
	}
	id := report.SigningHash()

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.reports[id]; exists {
		return cvmamount.Hash256{}, nodeerr.Validation("duplicate_report", "whistleblower report already submitted")
	}
	d.reports[id] = report
	return id, nil
}

// ValidateWhistleblowerReport marks reportID validated if
// AnalyzeSequencerPair independently confirms the accused sequencers'
// collusion (requires exactly two accused addresses).
func (d *Detector) ValidateWhistleblowerReport(reportID cvmamount.Hash256, now cvmamount.Timestamp) (bool, error) {
	d.mu.Lock()
	report, ok := d.reports[reportID]
	d.mu.Unlock()
	if !ok {
		return false, nodeerr.Validation("unknown_report", "no whistleblower report with this id")
	}
	if len(report.AccusedSequencers) != 2 {
		return false, nodeerr.Validation("unsupported_accusation_shape", "validation only supports two-party accusations")
	}

	result := d.AnalyzeSequencerPair(report.AccusedSequencers[0], report.AccusedSequencers[1], now)
	valid := result.IsCollusionDetected()

	d.mu.Lock()
	report.IsValidated = valid
	d.reports[reportID] = report
	d.mu.Unlock()
	return valid, nil
}

// PendingReports returns every report not yet validated.
func (d *Detector) PendingReports() []WhistleblowerReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []WhistleblowerReport
	for _, r := range d.reports {
		if !r.IsValidated {
			out = append(out, r)
		}
	}
	return out
}

// ProcessWhistleblowerReward pays WhistleblowerRewardPercent of
// slashAmount to reportID's reporter, marking the report rewarded.
// Caller performs the actual fund transfer; this returns the amount
// owed.
func (d *Detector) ProcessWhistleblowerReward(reportID cvmamount.Hash256, slashAmount cvmamount.Amount) (cvmamount.Amount, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	report, ok := d.reports[reportID]
	if !ok {
		return 0, nodeerr.Validation("unknown_report", "no whistleblower report with this id")
	}
	if !report.IsValidated {
		return 0, nodeerr.Policy("not_validated", "whistleblower report has not been validated")
	}
	if report.IsRewarded {
		return 0, nodeerr.Validation("already_rewarded", "whistleblower report already paid out")
	}
	report.IsRewarded = true
	d.reports[reportID] = report
	return slashAmount.MulF64(WhistleblowerRewardPercent), nil
}

// Clear empties all tracked state.
func (d *Detector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = make(map[cvmamount.Addr][]Action)
	d.votingRecords = make(map[cvmamount.Hash256]map[cvmamount.Addr]Vote)
	d.reports = make(map[cvmamount.Hash256]WhistleblowerReport)
}
