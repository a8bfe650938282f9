// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package reputation

import (
	"math/bits"
	"sync"

	"github.com/cascoin/cvmnode/internal/cvmamount"
	"github.com/cascoin/cvmnode/internal/nodeerr"
)

// Vote is a validator's stance on a HAT session's self-reported score.
type Vote int

// The three possible validator votes.
const (
	VoteAccept Vote = iota + 1
	VoteReject
	VoteAbstain
)

// ValidationResponse is one validator's independent assessment.
type ValidationResponse struct {
	Validator       cvmamount.Addr
	Vote            Vote
	Confidence      float64
	HasWoT          bool
	CalculatedScore int16
	ReportedScore   int16
	ResponseTime    cvmamount.Timestamp
}

// SessionState is the lifecycle stage of a HATSession.
type SessionState int

// The four states a HATSession passes through.
const (
	StateOpen SessionState = iota
	StateDecided
	StateDisputed
	StateResolved
)

// DecisionOutcome records why a session left the Open state.
type DecisionOutcome int

// Possible decision outcomes.
const (
	OutcomeNone DecisionOutcome = iota
	OutcomeAccept
	OutcomeReject
	OutcomeTimeoutReject
)

// FraudRecord is created when a validator's calculated score diverges
// from the self-reported score beyond tolerance in a rejected session.
type FraudRecord struct {
	TxHash       cvmamount.Hash256
	Sender       cvmamount.Addr
	Reported     int16
	Calculated   int16
	DecidedAt    cvmamount.Timestamp
}

// ScoreTolerance is the maximum allowed divergence between a reported and
// calculated score before a FraudRecord is raised.
const ScoreTolerance = 500 // out of the [-10000,10000] scale

// HATSession tracks one self-reported-score challenge.
type HATSession struct {
	TxHash     cvmamount.Hash256
	Sender     cvmamount.Addr
	Reported   int16
	Validators []cvmamount.Addr
	Deadline   cvmamount.Timestamp
	Responses  map[cvmamount.Addr]ValidationResponse
	State      SessionState
	Outcome    DecisionOutcome
}

// ValidatorWeight reports a validator's consensus weight, computed as
// hatScore * sqrt(stake) by the caller supplying it (EclipseSybilProtection
// / SequencerDiscovery own that computation; HATConsensus only consumes
// weights, it does not compute them, avoiding a cyclic dependency).
type ValidatorWeight func(addr cvmamount.Addr) float64

// Consensus runs HAT sessions to decision. It holds no reference back to
// the validator-eligibility component; weights and missed-response
// bookkeeping are supplied/consumed through narrow interfaces.
type Consensus struct {
	mu       sync.Mutex
	sessions map[cvmamount.Hash256]*HATSession
	weight   ValidatorWeight
	fraud    []FraudRecord

	// MissedResponses credits a validator with a timeout miss; injected
	// so EclipseSybilProtection's eligibility accuracy tracking can be
	// updated without HATConsensus importing that package.
	MissedResponses func(addr cvmamount.Addr)
}

// NewConsensus constructs a Consensus using weight to resolve validator
// weights.
func NewConsensus(weight ValidatorWeight) *Consensus {
	return &Consensus{sessions: make(map[cvmamount.Hash256]*HATSession), weight: weight}
}

// OpenSession starts a new HAT challenge for txHash, selecting the given
// validator set (the caller resolves the slot-seeded eligible set per
// §4.5) and setting an absolute deadline.
func (c *Consensus) OpenSession(txHash cvmamount.Hash256, sender cvmamount.Addr, reported int16, validators []cvmamount.Addr, deadline cvmamount.Timestamp) (*HATSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.sessions[txHash]; exists {
		return nil, nodeerr.Validation("hat_session_exists", "a session already exists for this tx")
	}
	s := &HATSession{
		TxHash:     txHash,
		Sender:     sender,
		Reported:   reported,
		Validators: validators,
		Deadline:   deadline,
		Responses:  make(map[cvmamount.Addr]ValidationResponse),
		State:      StateOpen,
	}
	c.sessions[txHash] = s
	return s, nil
}

func (c *Consensus) totalEligibleWeight(s *HATSession) float64 {
	var total float64
	for _, v := range s.Validators {
		total += c.weight(v)
	}
	return total
}

func (c *Consensus) tally(s *HATSession) (acceptW, rejectW, abstainW, totalW float64) {
	totalW = c.totalEligibleWeight(s)
	for _, r := range s.Responses {
		w := c.weight(r.Validator)
		switch r.Vote {
		case VoteAccept:
			acceptW += w
		case VoteReject:
			rejectW += w
		case VoteAbstain:
			abstainW += w
		}
	}
	return
}

// Submit records a validator's response and re-evaluates the decision
// condition: >= 2/3 weighted accept decides accept; > 1/3 weighted
// reject decides reject; deadline reached decides timeout-reject.
func (c *Consensus) Submit(txHash cvmamount.Hash256, resp ValidationResponse, now cvmamount.Timestamp) (*HATSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[txHash]
	if !ok {
		return nil, nodeerr.Validation("hat_session_missing", "no such session")
	}
	if s.State != StateOpen {
		return s, nil
	}
	if _, dup := s.Responses[resp.Validator]; dup {
		return nil, nodeerr.Consensus("hat_duplicate_response", "validator already responded")
	}
	s.Responses[resp.Validator] = resp

	c.evaluate(s, now)
	return s, nil
}

// ExpireIfOverdue drives a still-open session to Decided(timeout=reject)
// if its deadline has passed, crediting non-responders with a missed
// response.
func (c *Consensus) ExpireIfOverdue(txHash cvmamount.Hash256, now cvmamount.Timestamp) (*HATSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[txHash]
	if !ok {
		return nil, nodeerr.Validation("hat_session_missing", "no such session")
	}
	c.evaluate(s, now)
	return s, nil
}

func (c *Consensus) evaluate(s *HATSession, now cvmamount.Timestamp) {
	acceptW, rejectW, _, totalW := c.tally(s)
	if totalW > 0 && acceptW/totalW >= 2.0/3.0 {
		s.State = StateDecided
		s.Outcome = OutcomeAccept
		return
	}
	if totalW > 0 && rejectW/totalW > 1.0/3.0 {
		s.State = StateDecided
		s.Outcome = OutcomeReject
		c.recordFraudIfNeeded(s, now)
		return
	}
	if now >= s.Deadline {
		s.State = StateDecided
		s.Outcome = OutcomeTimeoutReject
		if c.MissedResponses != nil {
			for _, v := range s.Validators {
				if _, responded := s.Responses[v]; !responded {
					c.MissedResponses(v)
				}
			}
		}
		c.recordFraudIfNeeded(s, now)
	}
}

func (c *Consensus) recordFraudIfNeeded(s *HATSession, now cvmamount.Timestamp) {
	for _, r := range s.Responses {
		diff := int32(r.CalculatedScore) - int32(s.Reported)
		if diff < 0 {
			diff = -diff
		}
		if diff > ScoreTolerance {
			c.fraud = append(c.fraud, FraudRecord{
				TxHash:     s.TxHash,
				Sender:     s.Sender,
				Reported:   s.Reported,
				Calculated: r.CalculatedScore,
				DecidedAt:  now,
			})
			return
		}
	}
}

// FraudRecords returns a copy of all recorded fraud findings.
func (c *Consensus) FraudRecords() []FraudRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]FraudRecord, len(c.fraud))
	copy(out, c.fraud)
	return out
}

// --- Reward distribution (§4.4 slash outcome) ---

// BasisPoints is a fraction expressed in 1/10000ths, avoiding floating
// point in reward math.
type BasisPoints uint32

// FullBasisPoints represents 100%.
const FullBasisPoints BasisPoints = 10000

// mulDiv computes (a * bp) / FullBasisPoints using a 128-bit intermediate
// product so large bond amounts never overflow the int64 multiply, per
// the platform-neutral 128-bit helper named in Design Notes §9.
func mulDiv(a int64, bp BasisPoints) int64 {
	hi, lo := bits.Mul64(uint64(a), uint64(bp))
	q, _ := bits.Div64(hi, lo, uint64(FullBasisPoints))
	return int64(q)
}

// RewardParams configures the percentage split of a slashed bond.
type RewardParams struct {
	ChallengerBountyBP BasisPoints // on top of 100% bond return
	VoterPoolBP        BasisPoints
	WrongAccusedBP     BasisPoints // paid on a failed challenge
}

// SlashDistribution is the exact accounting of a slashed bond.
type SlashDistribution struct {
	ChallengerReturn cvmamount.Amount
	ChallengerBounty cvmamount.Amount
	VoterRewards     map[cvmamount.Addr]cvmamount.Amount
	Burn             cvmamount.Amount
}

// DistributeSlash splits a slashed bond among the challenger (bond
// return + bounty), winning-side DAO voters (pro rata to stake), and
// burn. Bounty, voter rewards and burn together equal slashedBond
// exactly, so with the returned challengerBond every component sums to
// slashedBond + challengerBond; rounding dust is folded into the burn
// amount.
func DistributeSlash(slashedBond, challengerBond cvmamount.Amount, winningVoters map[cvmamount.Addr]cvmamount.Amount, params RewardParams) SlashDistribution {
	dist := SlashDistribution{
		ChallengerReturn: challengerBond,
		VoterRewards:     make(map[cvmamount.Addr]cvmamount.Amount, len(winningVoters)),
	}
	dist.ChallengerBounty = cvmamount.Amount(mulDiv(int64(slashedBond), params.ChallengerBountyBP))

	pool := cvmamount.Amount(mulDiv(int64(slashedBond), params.VoterPoolBP))
	var totalStake int64
	for _, stake := range winningVoters {
		totalStake += int64(stake)
	}
	var distributed cvmamount.Amount
	if totalStake > 0 {
		for _, addr := range sortedAddrs(winningVoters) {
			stake := int64(winningVoters[addr])
			hi, lo := bits.Mul64(uint64(pool), uint64(stake))
			q, _ := bits.Div64(hi, lo, uint64(totalStake))
			share := cvmamount.Amount(q)
			dist.VoterRewards[addr] = share
			distributed += share
		}
	} else {
		// No voters on the winning side: the voter-pool share has no one
		// to pay, so it goes to the challenger instead of sitting unclaimed.
		dist.ChallengerBounty += pool
	}

	// slashedBond is the pool being distributed; challengerBond was
	// posted separately by the challenger and is only returned, not
	// drawn from the slashed amount. Whatever the slashed amount does
	// not cover in bounty + voter rewards goes to burn, so the identity
	// challengerReturn + challengerBounty + sum(voterReward) + burn ==
	// slashedBond + challengerBond holds exactly.
	spent := int64(dist.ChallengerBounty) + int64(distributed)
	dist.Burn = slashedBond - cvmamount.Amount(spent)
	return dist
}

func sortedAddrs(m map[cvmamount.Addr]cvmamount.Amount) []cvmamount.Addr {
	addrs := make([]cvmamount.Addr, 0, len(m))
	for a := range m {
		addrs = append(addrs, a)
	}
	for i := 1; i < len(addrs); i++ {
		for j := i; j > 0 && addrs[j].Less(addrs[j-1]); j-- {
			addrs[j], addrs[j-1] = addrs[j-1], addrs[j]
		}
	}
	return addrs
}

// FailedChallengeDistribution splits a forfeited challenger bond: a
// configured percentage to the wrongly accused voter, the remainder
// burned.
func FailedChallengeDistribution(challengerBond cvmamount.Amount, params RewardParams) (toAccused, burn cvmamount.Amount) {
	toAccused = cvmamount.Amount(mulDiv(int64(challengerBond), params.WrongAccusedBP))
	burn = challengerBond - toAccused
	return
}
