// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package collusion

import (
	"sync"

	"github.com/cascoin/cvmnode/internal/cvmamount"
	"github.com/cascoin/cvmnode/internal/nodeerr"
)

// Reorg limits and defaults named in §4.15/§19.
const (
	DefaultL1FinalityDepth = 6
	MaxReorgDepth          = 100
	MinAnchorInterval      = 10
	MaxTxLogSize           = 100000
)

// L1BlockInfo is one tracked L1 block.
type L1BlockInfo struct {
	BlockNumber   uint64
	BlockHash     cvmamount.Hash256
	PrevBlockHash cvmamount.Hash256
	Timestamp     cvmamount.Timestamp
	Confirmations uint32
}

// AnchorPoint is a point where L2 state was anchored to an L1 block.
type AnchorPoint struct {
	L1BlockNumber uint64
	L1BlockHash   cvmamount.Hash256
	L2BlockNumber uint64
	L2StateRoot   cvmamount.Hash256
	BatchHash     cvmamount.Hash256
	Timestamp     cvmamount.Timestamp
	IsFinalized   bool
}

// TxLogEntry records an L2 transaction for replay after a reorg.
type TxLogEntry struct {
	TxHash       cvmamount.Hash256
	TxData       []byte
	L2BlockNumber uint64
	L1AnchorBlock uint64
	Timestamp     cvmamount.Timestamp
	WasSuccessful bool
	GasUsed       uint64
}

// ReorgDetection reports whether processing a new L1 tip found a
// reorg, and if so, how deep.
type ReorgDetection struct {
	ReorgDetected bool
	ReorgDepth    uint32
	ForkPoint     uint64
	ForkPointHash cvmamount.Hash256
	OldTip        L1BlockInfo
	NewTip        L1BlockInfo
}

// ReorgRecovery is the outcome of replaying L2 state after a detected
// reorg.
type ReorgRecovery struct {
	Success              bool
	NewStateRoot         cvmamount.Hash256
	NewL2BlockNumber     uint64
	TransactionsReplayed int
	TransactionsFailed   int
	AffectedTransactions []cvmamount.Hash256
	Error                string
}

// ReplayFunc re-executes an L2 transaction during reorg recovery,
// returning whether it succeeded. Injected so ReorgMonitor never
// imports the execution engine directly.
type ReplayFunc func(entry TxLogEntry) bool

// ReorgNotification is delivered to every registered callback after a
// reorg is fully handled.
type ReorgNotification struct {
	Detection ReorgDetection
	Recovery  ReorgRecovery
}

// ReorgCallback receives reorg notifications.
type ReorgCallback func(ReorgNotification)

// ReorgMonitor tracks the L1 chain tip, L2 anchor points, and an L2
// transaction log, detecting L1 reorgs and driving L2 state recovery.
type ReorgMonitor struct {
	mu sync.Mutex

	chainID        uint64
	finalityDepth  uint32

	l1History   map[uint64]L1BlockInfo
	currentTip  L1BlockInfo
	anchors     map[uint64]AnchorPoint
	txLogs      map[cvmamount.Hash256]TxLogEntry
	txLogsByL2Block map[uint64][]cvmamount.Hash256

	replay      ReplayFunc
	callbacks   []ReorgCallback
}

// NewReorgMonitor constructs a ReorgMonitor for chainID. replay may be
// nil, in which case ReplayTransactions reports every entry as failed.
func NewReorgMonitor(chainID uint64, finalityDepth uint32, replay ReplayFunc) *ReorgMonitor {
	if finalityDepth == 0 {
		finalityDepth = DefaultL1FinalityDepth
	}
	return &ReorgMonitor{
		chainID:         chainID,
		finalityDepth:   finalityDepth,
		l1History:       make(map[uint64]L1BlockInfo),
		anchors:         make(map[uint64]AnchorPoint),
		txLogs:          make(map[cvmamount.Hash256]TxLogEntry),
		txLogsByL2Block: make(map[uint64][]cvmamount.Hash256),
		replay:          replay,
	}
}

// ProcessL1Block records a new L1 block and checks it against the
// currently tracked tip for a reorg.
func (m *ReorgMonitor) ProcessL1Block(info L1BlockInfo) ReorgDetection {
	m.mu.Lock()
	m.l1History[info.BlockNumber] = info
	oldTip := m.currentTip
	m.mu.Unlock()

	return m.CheckForReorg(oldTip, info)
}

// CheckForReorg compares oldTip to newTip, finding the fork point and
// updating the tracked tip if newTip extends a different chain.
func (m *ReorgMonitor) CheckForReorg(oldTip, newTip L1BlockInfo) ReorgDetection {
	m.mu.Lock()
	defer m.mu.Unlock()

	if oldTip.BlockNumber == 0 && oldTip.BlockHash.IsEqual(&cvmamount.Hash256{}) {
		m.currentTip = newTip
		return ReorgDetection{}
	}
	if newTip.PrevBlockHash == oldTip.BlockHash && newTip.BlockNumber == oldTip.BlockNumber+1 {
		m.currentTip = newTip
		return ReorgDetection{}
	}
	if newTip.BlockHash == oldTip.BlockHash {
		return ReorgDetection{}
	}

	fork := m.findForkPointLocked(oldTip, newTip)
	depth := uint32(0)
	if oldTip.BlockNumber > fork {
		depth = uint32(oldTip.BlockNumber - fork)
	}

	m.currentTip = newTip

	forkHash := cvmamount.Hash256{}
	if b, ok := m.l1History[fork]; ok {
		forkHash = b.BlockHash
	}

	return ReorgDetection{
		ReorgDetected: true,
		ReorgDepth:    depth,
		ForkPoint:     fork,
		ForkPointHash: forkHash,
		OldTip:        oldTip,
		NewTip:        newTip,
	}
}

// findForkPointLocked walks the tracked L1 history backward from the
// lower of oldTip's and newTip's block numbers and returns the highest
// recorded block number that is below newTip's, or 0 when none is
// recorded. Only recorded block numbers are consulted: no hashes of
// the new chain are compared.
func (m *ReorgMonitor) findForkPointLocked(oldTip, newTip L1BlockInfo) uint64 {
	start := oldTip.BlockNumber
	if newTip.BlockNumber < start {
		start = newTip.BlockNumber
	}
	for n := start; n > 0; n-- {
		known, ok := m.l1History[n]
		if !ok {
			continue
		}
		if n == newTip.BlockNumber && known.BlockHash == newTip.BlockHash {
			continue
		}
		if n < newTip.BlockNumber {
			return n
		}
	}
	return 0
}

// CurrentL1Tip returns the monitor's currently tracked L1 tip.
func (m *ReorgMonitor) CurrentL1Tip() L1BlockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTip
}

// GetL1Block returns the recorded block at blockNumber, if any.
func (m *ReorgMonitor) GetL1Block(blockNumber uint64) (L1BlockInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.l1History[blockNumber]
	return b, ok
}

// AddAnchorPoint records a new L2-on-L1 anchor.
func (m *ReorgMonitor) AddAnchorPoint(anchor AnchorPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anchors[anchor.L1BlockNumber] = anchor
}

// UpdateAnchorFinalization marks the anchor at l1BlockNumber finalized
// once confirmations reaches the configured finality depth.
func (m *ReorgMonitor) UpdateAnchorFinalization(l1BlockNumber uint64, confirmations uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.anchors[l1BlockNumber]
	if !ok {
		return
	}
	if confirmations >= m.finalityDepth {
		a.IsFinalized = true
		m.anchors[l1BlockNumber] = a
	}
}

// IsAnchorFinalized reports whether the anchor at l1BlockNumber is
// marked finalized.
func (m *ReorgMonitor) IsAnchorFinalized(l1BlockNumber uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.anchors[l1BlockNumber]
	return ok && a.IsFinalized
}

// GetLastValidAnchor returns the most recent finalized anchor strictly
// before beforeL1Block.
func (m *ReorgMonitor) GetLastValidAnchor(beforeL1Block uint64) (AnchorPoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best AnchorPoint
	found := false
	for n, a := range m.anchors {
		if n >= beforeL1Block || !a.IsFinalized {
			continue
		}
		if !found || n > best.L1BlockNumber {
			best, found = a, true
		}
	}
	return best, found
}

// RevertToLastValidAnchor finds the last finalized anchor before
// forkPoint and reports it as the rewind target. Applying the rewind
// to actual L2 state is the caller's responsibility (via
// state-manager collaborators outside this package).
func (m *ReorgMonitor) RevertToLastValidAnchor(forkPoint uint64) (AnchorPoint, error) {
	anchor, ok := m.GetLastValidAnchor(forkPoint)
	if !ok {
		return AnchorPoint{}, nodeerr.Corruption("no_valid_anchor", "no finalized anchor before fork point", nil)
	}
	return anchor, nil
}

// LogTransaction records entry for potential replay, capped at
// MaxTxLogSize entries (oldest-by-L2-block dropped first when full).
func (m *ReorgMonitor) LogTransaction(entry TxLogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.txLogs[entry.TxHash]; !exists && len(m.txLogs) >= MaxTxLogSize {
		var oldestBlock uint64
		var oldestHash cvmamount.Hash256
		first := true
		for h, e := range m.txLogs {
			if first || e.L2BlockNumber < oldestBlock {
				oldestBlock, oldestHash, first = e.L2BlockNumber, h, false
			}
		}
		if !first {
			m.removeTxLogLocked(oldestHash)
		}
	}

	m.txLogs[entry.TxHash] = entry
	m.txLogsByL2Block[entry.L2BlockNumber] = append(m.txLogsByL2Block[entry.L2BlockNumber], entry.TxHash)
}

func (m *ReorgMonitor) removeTxLogLocked(txHash cvmamount.Hash256) {
	entry, ok := m.txLogs[txHash]
	if !ok {
		return
	}
	delete(m.txLogs, txHash)
	list := m.txLogsByL2Block[entry.L2BlockNumber]
	for i, h := range list {
		if h == txHash {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.txLogsByL2Block, entry.L2BlockNumber)
	} else {
		m.txLogsByL2Block[entry.L2BlockNumber] = list
	}
}

// GetTransactionLog returns the logged entry for txHash, if any.
func (m *ReorgMonitor) GetTransactionLog(txHash cvmamount.Hash256) (TxLogEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.txLogs[txHash]
	return e, ok
}

// GetTransactionsForReplay returns every logged transaction at or
// after fromL2Block, in L2 block order.
func (m *ReorgMonitor) GetTransactionsForReplay(fromL2Block uint64) []TxLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var blocks []uint64
	for b := range m.txLogsByL2Block {
		if b >= fromL2Block {
			blocks = append(blocks, b)
		}
	}
	sortUint64s(blocks)

	var out []TxLogEntry
	for _, b := range blocks {
		for _, h := range m.txLogsByL2Block[b] {
			out = append(out, m.txLogs[h])
		}
	}
	return out
}

func sortUint64s(xs []uint64) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

// PruneTransactionLogs removes every logged transaction before
// beforeL2Block, returning the number pruned.
func (m *ReorgMonitor) PruneTransactionLogs(beforeL2Block uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for h, e := range m.txLogs {
		if e.L2BlockNumber < beforeL2Block {
			m.removeTxLogLocked(h)
			n++
		}
	}
	return n
}

// ReplayTransactions re-executes every logged transaction in
// [fromL2Block, toL2Block] via the injected ReplayFunc, returning
// (succeeded, failed) counts.
func (m *ReorgMonitor) ReplayTransactions(fromL2Block, toL2Block uint64) (succeeded, failed int) {
	entries := m.GetTransactionsForReplay(fromL2Block)
	for _, e := range entries {
		if e.L2BlockNumber > toL2Block {
			continue
		}
		ok := m.replay != nil && m.replay(e)
		if ok {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// OnReorg registers a callback invoked after HandleReorg completes.
func (m *ReorgMonitor) OnReorg(cb ReorgCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// HandleReorg runs the full recovery process named in §4.15: revert to
// the last finalized anchor before the fork point, replay every
// logged transaction from that anchor's L2 block forward, and notify
// callbacks with the affected transaction hashes.
func (m *ReorgMonitor) HandleReorg(detection ReorgDetection) ReorgRecovery {
	if !detection.ReorgDetected {
		return ReorgRecovery{Success: true}
	}

	log.Warnf("L1 reorg detected: depth=%d forkPoint=%d, reverting L2 state", detection.ReorgDepth, detection.ForkPoint)

	anchor, err := m.RevertToLastValidAnchor(detection.ForkPoint)
	if err != nil {
		recovery := ReorgRecovery{Success: false, Error: err.Error()}
		m.notify(detection, recovery)
		return recovery
	}

	entries := m.GetTransactionsForReplay(anchor.L2BlockNumber)
	affected := make([]cvmamount.Hash256, 0, len(entries))
	for _, e := range entries {
		affected = append(affected, e.TxHash)
	}

	succeeded, failed := m.ReplayTransactions(anchor.L2BlockNumber, ^uint64(0))

	recovery := ReorgRecovery{
		Success:              true,
		NewStateRoot:         anchor.L2StateRoot,
		NewL2BlockNumber:     anchor.L2BlockNumber,
		TransactionsReplayed: succeeded,
		TransactionsFailed:   failed,
		AffectedTransactions: affected,
	}
	m.notify(detection, recovery)
	return recovery
}

func (m *ReorgMonitor) notify(detection ReorgDetection, recovery ReorgRecovery) {
	m.mu.Lock()
	callbacks := append([]ReorgCallback(nil), m.callbacks...)
	m.mu.Unlock()
	n := ReorgNotification{Detection: detection, Recovery: recovery}
	for _, cb := range callbacks {
		cb(n)
	}
}

// GetAffectedTransactions returns every logged transaction hash at or
// after forkPoint's corresponding anchor (same set HandleReorg would
// report, without performing replay).
func (m *ReorgMonitor) GetAffectedTransactions(forkPoint uint64) []cvmamount.Hash256 {
	anchor, ok := m.GetLastValidAnchor(forkPoint)
	if !ok {
		return nil
	}
	entries := m.GetTransactionsForReplay(anchor.L2BlockNumber)
	out := make([]cvmamount.Hash256, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.TxHash)
	}
	return out
}

// Clear empties all tracked state.
func (m *ReorgMonitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.l1History = make(map[uint64]L1BlockInfo)
	m.currentTip = L1BlockInfo{}
	m.anchors = make(map[uint64]AnchorPoint)
	m.txLogs = make(map[cvmamount.Hash256]TxLogEntry)
	m.txLogsByL2Block = make(map[uint64][]cvmamount.Hash256)
}
