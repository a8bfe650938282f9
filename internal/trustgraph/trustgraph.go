// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package trustgraph implements the bonded directed trust edge graph and
// the bonded-vote/dispute machinery layered on top of it.
package trustgraph

import (
	"bytes"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/decred/slog"

	"github.com/cascoin/cvmnode/internal/cvmamount"
	"github.com/cascoin/cvmnode/internal/kvstore"
	"github.com/cascoin/cvmnode/internal/nodeerr"
)

var log = slog.Disabled

// UseLogger sets the logging backend used by the package.
func UseLogger(logger slog.Logger) { log = logger }

// Bond parameters. minBond and perPoint are satoshi amounts; required
// bond for a weight w is minBond + perPoint*|w|.
const (
	MinBond          = cvmamount.Amount(5_000_000)  // 0.05 CAS
	PerPointBond     = cvmamount.Amount(1_000_000)   // 0.01 CAS
	minTrustPathWeight = 10
)

// RequiredBond returns the minimum bond for a trust edge or vote of the
// given weight.
func RequiredBond(weight int16) cvmamount.Amount {
	if weight < 0 {
		weight = -weight
	}
	return MinBond + PerPointBond*cvmamount.Amount(weight)
}

// TrustEdge is a bonded directed trust relationship between two addresses.
type TrustEdge struct {
	From    cvmamount.Addr
	To      cvmamount.Addr
	Weight  int16 // [-100, 100]
	Bond    cvmamount.Amount
	BondTx  cvmamount.Hash256
	Ts      cvmamount.Timestamp
	Slashed bool
	Reason  string
}

// BondedVote is a bonded reputation vote cast by one address on another.
type BondedVote struct {
	Voter   cvmamount.Addr
	Target  cvmamount.Addr
	Value   int16 // [-100, 100]
	Bond    cvmamount.Amount
	BondTx  cvmamount.Hash256
	Slashed bool
	SlashTx cvmamount.Hash256
}

// DAODispute challenges a previously cast bonded vote.
type DAODispute struct {
	ID             cvmamount.Hash256
	OriginalVoteTx cvmamount.Hash256
	Challenger     cvmamount.Addr
	ChallengeBond  cvmamount.Amount
	DAOVotes       map[cvmamount.Addr]bool // true = slash
	DAOStakes      map[cvmamount.Addr]cvmamount.Amount
	Resolved       bool
	SlashDecision  bool
	ResolvedTime   cvmamount.Timestamp
}

// Key prefixes, per spec §6.
var (
	prefixTrust      = []byte("trust_")
	prefixTrustIn    = []byte("trust_in_")
	prefixVote       = []byte("vote_")
	prefixVotesByTgt = []byte("votes_")
	prefixDispute    = []byte("dispute_")
)

func edgeKey(from, to cvmamount.Addr) []byte {
	return append(append(append([]byte{}, prefixTrust...), from[:]...), to[:]...)
}

func edgeInKey(from, to cvmamount.Addr) []byte {
	return append(append(append([]byte{}, prefixTrustIn...), to[:]...), from[:]...)
}

func voteKey(bondTx cvmamount.Hash256) []byte {
	return append(append([]byte{}, prefixVote...), bondTx[:]...)
}

func votesByTargetKey(target cvmamount.Addr, bondTx cvmamount.Hash256) []byte {
	return append(append(append([]byte{}, prefixVotesByTgt...), target[:]...), bondTx[:]...)
}

// DAOMember describes a DAO participant eligible to vote on a dispute.
type DAOMember struct {
	Addr  cvmamount.Addr
	Stake cvmamount.Amount
}

// Graph is the handle the node supervisor injects into every caller that
// needs trust-graph reads or writes. It owns no global state: it is
// constructed once at node init with a Store handle.
type Graph struct {
	mu    sync.RWMutex
	store *kvstore.Store

	// daoMembers is the configured set of addresses allowed to vote on
	// disputes, injected at construction rather than discovered globally.
	daoMembers map[cvmamount.Addr]cvmamount.Amount
	minDAOVotes int
}

// New constructs a Graph over store with the given DAO membership and
// minimum-votes-to-resolve threshold.
func New(store *kvstore.Store, daoMembers []DAOMember, minDAOVotes int) *Graph {
	m := make(map[cvmamount.Addr]cvmamount.Amount, len(daoMembers))
	for _, d := range daoMembers {
		m[d.Addr] = d.Stake
	}
	return &Graph{store: store, daoMembers: m, minDAOVotes: minDAOVotes}
}

func encodeEdge(e TrustEdge) []byte {
	var buf bytes.Buffer
	buf.Write(e.From[:])
	buf.Write(e.To[:])
	binary.Write(&buf, binary.LittleEndian, e.Weight)
	binary.Write(&buf, binary.LittleEndian, int64(e.Bond))
	buf.Write(e.BondTx[:])
	binary.Write(&buf, binary.LittleEndian, int64(e.Ts))
	if e.Slashed {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	reason := []byte(e.Reason)
	binary.Write(&buf, binary.LittleEndian, uint32(len(reason)))
	buf.Write(reason)
	return buf.Bytes()
}

func decodeEdge(b []byte) (TrustEdge, error) {
	var e TrustEdge
	r := bytes.NewReader(b)
	if _, err := r.Read(e.From[:]); err != nil {
		return e, err
	}
	if _, err := r.Read(e.To[:]); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.Weight); err != nil {
		return e, err
	}
	var bond int64
	if err := binary.Read(r, binary.LittleEndian, &bond); err != nil {
		return e, err
	}
	e.Bond = cvmamount.Amount(bond)
	if _, err := r.Read(e.BondTx[:]); err != nil {
		return e, err
	}
	var ts int64
	if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
		return e, err
	}
	e.Ts = cvmamount.Timestamp(ts)
	slashed, err := r.ReadByte()
	if err != nil {
		return e, err
	}
	e.Slashed = slashed != 0
	var rl uint32
	if err := binary.Read(r, binary.LittleEndian, &rl); err != nil {
		return e, err
	}
	reason := make([]byte, rl)
	if rl > 0 {
		if _, err := r.Read(reason); err != nil {
			return e, err
		}
	}
	e.Reason = string(reason)
	return e, nil
}

// AddEdge validates and stores a trust edge, writing the forward and
// inverse index keys atomically. A second call for the same (from, to)
// pair overwrites the prior edge.
func (g *Graph) AddEdge(e TrustEdge) error {
	if e.Weight < -100 || e.Weight > 100 {
		return nodeerr.Validation("trust_weight_range", "trust edge weight out of range")
	}
	if e.Bond < RequiredBond(e.Weight) {
		return nodeerr.Validation("trust_bond_insufficient", "bond below required amount")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	raw := encodeEdge(e)
	b := g.store.NewBatch()
	b.Put(edgeKey(e.From, e.To), raw)
	b.Put(edgeInKey(e.From, e.To), raw)
	return g.store.Commit(b, true)
}

// GetOutgoing returns the non-slashed edges originating at from.
func (g *Graph) GetOutgoing(from cvmamount.Addr) ([]TrustEdge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	prefix := append(append([]byte{}, prefixTrust...), from[:]...)
	return g.scanEdges(prefix)
}

// GetIncoming returns the non-slashed edges terminating at to.
func (g *Graph) GetIncoming(to cvmamount.Addr) ([]TrustEdge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	prefix := append(append([]byte{}, prefixTrustIn...), to[:]...)
	return g.scanEdges(prefix)
}

func (g *Graph) scanEdges(prefix []byte) ([]TrustEdge, error) {
	entries, err := g.store.ScanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	edges := make([]TrustEdge, 0, len(entries))
	for _, ent := range entries {
		e, err := decodeEdge(ent.Val)
		if err != nil {
			log.Warnf("trustgraph: skipping corrupt edge at key %x: %v", ent.Key, err)
			continue
		}
		if e.Slashed {
			continue
		}
		edges = append(edges, e)
	}
	return edges, nil
}

// path is an internal DFS accumulator: the sequence of hops taken and the
// running product of weight/100 across them.
type path struct {
	to     cvmamount.Addr
	weight float64
}

// FindTrustPaths performs a DFS from `from` toward `to`, pruning at
// exhausted depth, slashed edges (already excluded by GetOutgoing), and
// edges with weight below the minimum trust-path threshold. Returns paths
// sorted descending by product weight.
func (g *Graph) FindTrustPaths(from, to cvmamount.Addr, maxDepth int) ([]float64, error) {
	visited := map[cvmamount.Addr]bool{from: true}
	var results []float64

	var dfs func(cur cvmamount.Addr, depth int, acc float64) error
	dfs = func(cur cvmamount.Addr, depth int, acc float64) error {
		if depth >= maxDepth {
			return nil
		}
		edges, err := g.GetOutgoing(cur)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if e.Weight < minTrustPathWeight {
				continue
			}
			if visited[e.To] {
				continue
			}
			next := acc * (float64(e.Weight) / 100.0)
			if e.To == to {
				results = append(results, next)
				continue
			}
			visited[e.To] = true
			if err := dfs(e.To, depth+1, next); err != nil {
				return err
			}
			delete(visited, e.To)
		}
		return nil
	}
	if err := dfs(from, 0, 1.0); err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(results)))
	return results, nil
}

// VotesOnTarget returns the non-slashed bonded votes cast on target.
func (g *Graph) VotesOnTarget(target cvmamount.Addr) ([]BondedVote, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	prefix := append(append([]byte{}, prefixVotesByTgt...), target[:]...)
	entries, err := g.store.ScanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	var votes []BondedVote
	for _, ent := range entries {
		v, err := decodeVote(ent.Val)
		if err != nil {
			log.Warnf("trustgraph: skipping corrupt vote at key %x: %v", ent.Key, err)
			continue
		}
		if v.Slashed {
			continue
		}
		votes = append(votes, v)
	}
	return votes, nil
}

// WeightedReputation computes the §4.2 weighted reputation of target as
// seen by viewer. If viewer == target it returns the mean of non-slashed
// incoming-edge weights; otherwise it sums vote.value*pathWeight over
// every path produced by FindTrustPaths and every non-slashed vote on
// target, normalized by the sum of path weights, falling back to the
// unweighted mean of votes when no path exists.
func (g *Graph) WeightedReputation(viewer, target cvmamount.Addr, maxDepth int) (float64, error) {
	if viewer == target {
		incoming, err := g.GetIncoming(target)
		if err != nil {
			return 0, err
		}
		if len(incoming) == 0 {
			return 0, nil
		}
		var sum float64
		for _, e := range incoming {
			sum += float64(e.Weight)
		}
		return sum / float64(len(incoming)), nil
	}

	paths, err := g.FindTrustPaths(viewer, target, maxDepth)
	if err != nil {
		return 0, err
	}
	votes, err := g.VotesOnTarget(target)
	if err != nil {
		return 0, err
	}
	if len(paths) == 0 || len(votes) == 0 {
		if len(votes) == 0 {
			return 0, nil
		}
		var sum float64
		for _, v := range votes {
			sum += float64(v.Value)
		}
		return sum / float64(len(votes)), nil
	}

	var numerator, denominator float64
	for _, pw := range paths {
		for _, v := range votes {
			numerator += float64(v.Value) * pw
			denominator += pw
		}
	}
	if denominator == 0 {
		return 0, nil
	}
	return numerator / denominator, nil
}

func encodeVote(v BondedVote) []byte {
	var buf bytes.Buffer
	buf.Write(v.Voter[:])
	buf.Write(v.Target[:])
	binary.Write(&buf, binary.LittleEndian, v.Value)
	binary.Write(&buf, binary.LittleEndian, int64(v.Bond))
	buf.Write(v.BondTx[:])
	if v.Slashed {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(v.SlashTx[:])
	return buf.Bytes()
}

func decodeVote(b []byte) (BondedVote, error) {
	var v BondedVote
	r := bytes.NewReader(b)
	if _, err := r.Read(v.Voter[:]); err != nil {
		return v, err
	}
	if _, err := r.Read(v.Target[:]); err != nil {
		return v, err
	}
	if err := binary.Read(r, binary.LittleEndian, &v.Value); err != nil {
		return v, err
	}
	var bond int64
	if err := binary.Read(r, binary.LittleEndian, &bond); err != nil {
		return v, err
	}
	v.Bond = cvmamount.Amount(bond)
	if _, err := r.Read(v.BondTx[:]); err != nil {
		return v, err
	}
	slashed, err := r.ReadByte()
	if err != nil {
		return v, err
	}
	v.Slashed = slashed != 0
	if _, err := r.Read(v.SlashTx[:]); err != nil {
		return v, err
	}
	return v, nil
}

// AddVote validates and stores a bonded vote.
func (g *Graph) AddVote(v BondedVote) error {
	if v.Value < -100 || v.Value > 100 {
		return nodeerr.Validation("vote_value_range", "vote value out of range")
	}
	if v.Bond < RequiredBond(v.Value) {
		return nodeerr.Validation("vote_bond_insufficient", "bond below required amount")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	raw := encodeVote(v)
	b := g.store.NewBatch()
	b.Put(voteKey(v.BondTx), raw)
	b.Put(votesByTargetKey(v.Target, v.BondTx), raw)
	return g.store.Commit(b, true)
}

// SlashVote marks the vote identified by voteTx as slashed. Idempotent.
func (g *Graph) SlashVote(voteTx, slashTx cvmamount.Hash256) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	raw, err := g.store.Get(voteKey(voteTx))
	if err != nil {
		if kvstore.IsNotFound(err) {
			return nodeerr.Validation("vote_not_found", "no such vote")
		}
		return err
	}
	v, err := decodeVote(raw)
	if err != nil {
		return nodeerr.Corruption("vote_decode", "corrupt vote record", err)
	}
	v.Slashed = true
	v.SlashTx = slashTx
	newRaw := encodeVote(v)

	b := g.store.NewBatch()
	b.Put(voteKey(voteTx), newRaw)
	b.Put(votesByTargetKey(v.Target, voteTx), newRaw)
	return g.store.Commit(b, true)
}

// CreateDispute opens a dispute against an existing bonded vote.
func (g *Graph) CreateDispute(id cvmamount.Hash256, originalVoteTx cvmamount.Hash256, challenger cvmamount.Addr, bond cvmamount.Amount) (*DAODispute, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.store.Get(voteKey(originalVoteTx)); err != nil {
		if kvstore.IsNotFound(err) {
			return nil, nodeerr.Validation("dispute_vote_missing", "original vote not found")
		}
		return nil, err
	}

	d := &DAODispute{
		ID:             id,
		OriginalVoteTx: originalVoteTx,
		Challenger:     challenger,
		ChallengeBond:  bond,
		DAOVotes:       make(map[cvmamount.Addr]bool),
		DAOStakes:      make(map[cvmamount.Addr]cvmamount.Amount),
	}
	if err := g.putDispute(d); err != nil {
		return nil, err
	}
	return d, nil
}

func disputeKey(id cvmamount.Hash256) []byte {
	return append(append([]byte{}, prefixDispute...), id[:]...)
}

func (g *Graph) putDispute(d *DAODispute) error {
	raw := encodeDispute(d)
	b := g.store.NewBatch()
	b.Put(disputeKey(d.ID), raw)
	return g.store.Commit(b, true)
}

func (g *Graph) getDispute(id cvmamount.Hash256) (*DAODispute, error) {
	raw, err := g.store.Get(disputeKey(id))
	if err != nil {
		return nil, err
	}
	return decodeDispute(raw)
}

// VoteOnDispute records a DAO member's slash/keep vote. Only configured
// DAO members may vote; the dispute must not already be resolved.
func (g *Graph) VoteOnDispute(id cvmamount.Hash256, voter cvmamount.Addr, slash bool) error {
	stake, ok := g.daoMembers[voter]
	if !ok {
		return nodeerr.Policy("dispute_not_dao_member", "voter is not a designated DAO member")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	d, err := g.getDispute(id)
	if err != nil {
		if kvstore.IsNotFound(err) {
			return nodeerr.Validation("dispute_not_found", "no such dispute")
		}
		return err
	}
	if d.Resolved {
		return nodeerr.Consensus("dispute_resolved", "dispute already resolved")
	}
	d.DAOVotes[voter] = slash
	d.DAOStakes[voter] = stake
	return g.putDispute(d)
}

// ResolveDispute resolves a dispute once at least minDAOVotes have been
// cast, with the outcome being the sign of the stake-weighted sum of
// slash/keep votes. On a slash decision it invokes SlashVote on the
// original bonded vote.
func (g *Graph) ResolveDispute(id cvmamount.Hash256, now cvmamount.Timestamp) (*DAODispute, error) {
	g.mu.Lock()
	d, err := g.getDispute(id)
	if err != nil {
		g.mu.Unlock()
		if kvstore.IsNotFound(err) {
			return nil, nodeerr.Validation("dispute_not_found", "no such dispute")
		}
		return nil, err
	}
	if d.Resolved {
		g.mu.Unlock()
		return d, nil
	}
	if len(d.DAOVotes) < g.minDAOVotes {
		g.mu.Unlock()
		return nil, nodeerr.Policy("dispute_insufficient_votes", "not enough DAO votes cast")
	}

	var slashStake, keepStake int64
	for voter, slash := range d.DAOVotes {
		stake := int64(d.DAOStakes[voter])
		if slash {
			slashStake += stake
		} else {
			keepStake += stake
		}
	}
	d.Resolved = true
	d.SlashDecision = slashStake > keepStake
	d.ResolvedTime = now
	if err := g.putDispute(d); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	g.mu.Unlock()

	if d.SlashDecision {
		if err := g.SlashVote(d.OriginalVoteTx, d.ID); err != nil {
			return d, err
		}
	}
	return d, nil
}

func encodeDispute(d *DAODispute) []byte {
	var buf bytes.Buffer
	buf.Write(d.ID[:])
	buf.Write(d.OriginalVoteTx[:])
	buf.Write(d.Challenger[:])
	binary.Write(&buf, binary.LittleEndian, int64(d.ChallengeBond))
	binary.Write(&buf, binary.LittleEndian, uint32(len(d.DAOVotes)))
	// Deterministic order for round-trip equality.
	addrs := make([]cvmamount.Addr, 0, len(d.DAOVotes))
	for a := range d.DAOVotes {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
	for _, a := range addrs {
		buf.Write(a[:])
		if d.DAOVotes[a] {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		binary.Write(&buf, binary.LittleEndian, int64(d.DAOStakes[a]))
	}
	if d.Resolved {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	if d.SlashDecision {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	binary.Write(&buf, binary.LittleEndian, int64(d.ResolvedTime))
	return buf.Bytes()
}

func decodeDispute(b []byte) (*DAODispute, error) {
	d := &DAODispute{DAOVotes: make(map[cvmamount.Addr]bool), DAOStakes: make(map[cvmamount.Addr]cvmamount.Amount)}
	r := bytes.NewReader(b)
	if _, err := r.Read(d.ID[:]); err != nil {
		return nil, err
	}
	if _, err := r.Read(d.OriginalVoteTx[:]); err != nil {
		return nil, err
	}
	if _, err := r.Read(d.Challenger[:]); err != nil {
		return nil, err
	}
	var bond int64
	if err := binary.Read(r, binary.LittleEndian, &bond); err != nil {
		return nil, err
	}
	d.ChallengeBond = cvmamount.Amount(bond)
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		var a cvmamount.Addr
		if _, err := r.Read(a[:]); err != nil {
			return nil, err
		}
		slashByte, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		var stake int64
		if err := binary.Read(r, binary.LittleEndian, &stake); err != nil {
			return nil, err
		}
		d.DAOVotes[a] = slashByte != 0
		d.DAOStakes[a] = cvmamount.Amount(stake)
	}
	resolvedByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	d.Resolved = resolvedByte != 0
	slashDecByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	d.SlashDecision = slashDecByte != 0
	var rt int64
	if err := binary.Read(r, binary.LittleEndian, &rt); err != nil {
		return nil, err
	}
	d.ResolvedTime = cvmamount.Timestamp(rt)
	return d, nil
}
