// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package encmempool implements EncryptedMempool: MEV-resistant
// submission of threshold-encrypted transactions, fee-tiered and
// reputation-rate-limited admission, deterministic shuffled block
// ordering, and threshold decryption from XOR-combined shares.
package encmempool

import (
	"sort"
	"sync"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/slog"

	"github.com/cascoin/cvmnode/internal/cvmamount"
	"github.com/cascoin/cvmnode/internal/nodeerr"
)

var log = slog.Disabled

// UseLogger sets the logging backend used by the package.
func UseLogger(logger slog.Logger) { log = logger }

// Pool limits named in §4.14.
const (
	MaxPoolSize       = 10000
	MaxSharesPerTx    = 100
	DecryptionThresholdNum = 2
	DecryptionThresholdDen = 3
)

// Rate limit defaults named in §4.14/§26.2.
const (
	DefaultRateLimit       = 100
	RateLimitWindowSeconds = 60
	HighReputationThreshold = 70
	HighReputationMultiplier = 5.0
)

// FeeTierDropFraction is the relative drop in maxFee that starts a new
// fee tier when sorting transactions for block inclusion.
const FeeTierDropFraction = 0.10

// EncryptedTx is an encrypted transaction wrapper: the payload and
// commitment hash are opaque until threshold decryption succeeds, but
// sender, nonce, fee, and timing fields stay visible for rate limiting,
// ordering, and expiry.
type EncryptedTx struct {
	EncryptedPayload  []byte
	CommitmentHash    cvmamount.Hash256
	Sender            cvmamount.Addr
	Nonce             uint64
	MaxFee            cvmamount.Amount
	SubmissionTime    cvmamount.Timestamp
	EncryptionNonce   []byte
	SchemeVersion     uint8
	L2ChainID         uint64
	SenderSignature   []byte
	TargetBlock       uint64
	ExpiryTime        cvmamount.Timestamp
}

// Hash returns the content hash identifying this encrypted transaction
// in the pool and in decryption shares.
func (tx EncryptedTx) Hash() cvmamount.Hash256 {
	buf := make([]byte, 0, len(tx.EncryptedPayload)+32+20+8+8+8+len(tx.EncryptionNonce)+1+8)
	buf = append(buf, tx.EncryptedPayload...)
	buf = append(buf, tx.CommitmentHash[:]...)
	buf = append(buf, tx.Sender[:]...)
	buf = appendUint64(buf, tx.Nonce)
	buf = appendUint64(buf, uint64(tx.MaxFee))
	buf = appendUint64(buf, uint64(tx.SubmissionTime))
	buf = append(buf, tx.EncryptionNonce...)
	buf = append(buf, tx.SchemeVersion)
	buf = appendUint64(buf, tx.L2ChainID)
	return chainhash.HashH(buf)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return append(buf, b[:]...)
}

// SigningHash returns the hash the sender signature covers.
func (tx EncryptedTx) SigningHash() cvmamount.Hash256 {
	buf := make([]byte, 0, 32+20+8+8+8)
	buf = append(buf, tx.CommitmentHash[:]...)
	buf = append(buf, tx.Sender[:]...)
	buf = appendUint64(buf, tx.Nonce)
	buf = appendUint64(buf, uint64(tx.MaxFee))
	buf = appendUint64(buf, tx.L2ChainID)
	return chainhash.HashH(buf)
}

// ComputeCommitmentHash derives the ordering commitment from a
// plaintext transaction payload.
func ComputeCommitmentHash(plaintext []byte) cvmamount.Hash256 {
	return chainhash.HashH(plaintext)
}

// IsExpired reports whether tx's ExpiryTime has passed. A zero
// ExpiryTime never expires.
func (tx EncryptedTx) IsExpired(now cvmamount.Timestamp) bool {
	if tx.ExpiryTime == 0 {
		return false
	}
	return now > tx.ExpiryTime
}

// IsValidForBlock reports whether tx may be included in blockNumber. A
// zero TargetBlock accepts any block.
func (tx EncryptedTx) IsValidForBlock(blockNumber uint64) bool {
	if tx.TargetBlock == 0 {
		return true
	}
	return blockNumber >= tx.TargetBlock
}

// ValidateStructure checks the structural requirements of §4.14: a
// non-empty payload, a non-zero commitment hash, a non-zero sender, a
// non-empty encryption nonce, a supported scheme version, and a
// positive max fee.
func (tx EncryptedTx) ValidateStructure() error {
	if len(tx.EncryptedPayload) == 0 {
		return nodeerr.Validation("empty_payload", "encrypted transaction has no payload")
	}
	if tx.CommitmentHash.IsEqual(&cvmamount.Hash256{}) {
		return nodeerr.Validation("empty_commitment", "encrypted transaction has no commitment hash")
	}
	if tx.Sender.IsZero() {
		return nodeerr.Validation("empty_sender", "encrypted transaction has no sender address")
	}
	if len(tx.EncryptionNonce) == 0 {
		return nodeerr.Validation("empty_nonce", "encrypted transaction has no encryption nonce")
	}
	if tx.SchemeVersion == 0 || tx.SchemeVersion > 1 {
		return nodeerr.Validation("bad_scheme_version", "unsupported encryption scheme version")
	}
	if tx.MaxFee <= 0 {
		return nodeerr.Validation("bad_max_fee", "max fee must be positive")
	}
	return nil
}

// DecryptionShare is one sequencer's contribution toward recovering
// the plaintext of an encrypted transaction.
type DecryptionShare struct {
	SequencerAddr cvmamount.Addr
	Share         []byte
	ShareIndex    uint32
	Signature     []byte
	Timestamp     cvmamount.Timestamp
	TxHash        cvmamount.Hash256
}

// SigningHash returns the hash the share's signature covers.
func (s DecryptionShare) SigningHash() cvmamount.Hash256 {
	buf := make([]byte, 0, 20+len(s.Share)+4+8+32)
	buf = append(buf, s.SequencerAddr[:]...)
	buf = append(buf, s.Share...)
	buf = appendUint64(buf, uint64(s.ShareIndex))
	buf = appendUint64(buf, uint64(s.Timestamp))
	buf = append(buf, s.TxHash[:]...)
	return chainhash.HashH(buf)
}

// rateLimitInfo tracks the sliding submission window for one address.
type rateLimitInfo struct {
	txCount             uint32
	windowStart         cvmamount.Timestamp
	maxTxPerWindow      uint32
	windowDuration      cvmamount.Timestamp
	lastTxTime          cvmamount.Timestamp
	reputationMultiplier float64
}

func newRateLimitInfo() *rateLimitInfo {
	return &rateLimitInfo{
		maxTxPerWindow:       DefaultRateLimit,
		windowDuration:       RateLimitWindowSeconds,
		reputationMultiplier: 1.0,
	}
}

// canSubmit reports whether another submission is allowed at
// currentTime, per §26.2's window/multiplier rule.
func (r *rateLimitInfo) canSubmit(currentTime cvmamount.Timestamp) bool {
	if currentTime >= r.windowStart+r.windowDuration {
		return true
	}
	effectiveLimit := uint32(float64(r.maxTxPerWindow) * r.reputationMultiplier)
	return r.txCount < effectiveLimit
}

func (r *rateLimitInfo) recordSubmission(currentTime cvmamount.Timestamp) {
	if currentTime >= r.windowStart+r.windowDuration {
		r.windowStart = currentTime
		r.txCount = 0
	}
	r.txCount++
	r.lastTxTime = currentTime
}

// SignatureVerifier validates an EncryptedTx's sender signature.
// Injected so encmempool never imports a specific key scheme directly.
type SignatureVerifier func(tx EncryptedTx) bool

// Mempool is the node's encrypted transaction pool and threshold
// decryption coordinator for one L2 chain.
type Mempool struct {
	mu sync.Mutex

	chainID uint64
	verify  SignatureVerifier

	pool   map[cvmamount.Hash256]EncryptedTx
	shares map[cvmamount.Hash256][]DecryptionShare
	rates  map[cvmamount.Addr]*rateLimitInfo

	sequencerCount int
}

// New constructs a Mempool for chainID. verify may be nil to skip
// signature checks, useful for tests.
func New(chainID uint64, verify SignatureVerifier) *Mempool {
	return &Mempool{
		chainID: chainID,
		verify:  verify,
		pool:    make(map[cvmamount.Hash256]EncryptedTx),
		shares:  make(map[cvmamount.Hash256][]DecryptionShare),
		rates:   make(map[cvmamount.Addr]*rateLimitInfo),
	}
}

// SetSequencerCount records the current sequencer set size, used to
// compute the decryption threshold.
func (m *Mempool) SetSequencerCount(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequencerCount = count
}

// DecryptionThreshold returns ceil(sequencerCount*2/3).
func (m *Mempool) DecryptionThreshold() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decryptionThresholdLocked()
}

func (m *Mempool) decryptionThresholdLocked() int {
	n := m.sequencerCount * DecryptionThresholdNum
	return (n + DecryptionThresholdDen - 1) / DecryptionThresholdDen
}

// Submit validates and admits an encrypted transaction per §4.14:
// structure, chain id, expiry, rate limit, pool capacity, and
// duplicate hash.
func (m *Mempool) Submit(tx EncryptedTx, now cvmamount.Timestamp) error {
	if err := tx.ValidateStructure(); err != nil {
		return err
	}
	if tx.L2ChainID != m.chainID {
		return nodeerr.Validation("chain_id_mismatch", "encrypted transaction is for a different L2 chain")
	}
	if tx.IsExpired(now) {
		return nodeerr.Validation("expired", "encrypted transaction already expired")
	}
	if m.verify != nil && !m.verify(tx) {
		return nodeerr.Validation("bad_signature", "encrypted transaction signature invalid")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rl, ok := m.rates[tx.Sender]
	if !ok {
		rl = newRateLimitInfo()
		m.rates[tx.Sender] = rl
	}
	if !rl.canSubmit(now) {
		return nodeerr.Policy("rate_limited", "sender has exceeded the submission rate limit")
	}

	h := tx.Hash()
	if _, exists := m.pool[h]; exists {
		return nodeerr.Validation("duplicate_tx", "encrypted transaction already in pool")
	}
	if len(m.pool) >= MaxPoolSize {
		return nodeerr.Resource("pool_full", "encrypted mempool is at capacity")
	}

	rl.recordSubmission(now)
	m.pool[h] = tx
	return nil
}

// UpdateRateLimitForReputation scales addr's rate limit multiplier by
// HAT score, linearly from 1.0 at score 0 up to HighReputationMultiplier
// at HighReputationThreshold and above.
func (m *Mempool) UpdateRateLimitForReputation(addr cvmamount.Addr, hatScore int16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rl, ok := m.rates[addr]
	if !ok {
		rl = newRateLimitInfo()
		m.rates[addr] = rl
	}
	if hatScore >= HighReputationThreshold {
		rl.reputationMultiplier = HighReputationMultiplier
		return
	}
	if hatScore <= 0 {
		rl.reputationMultiplier = 1.0
		return
	}
	frac := float64(hatScore) / float64(HighReputationThreshold)
	rl.reputationMultiplier = 1.0 + frac*(HighReputationMultiplier-1.0)
}

// RateLimitInfo reports addr's current rate limit state.
type RateLimitInfo struct {
	TxCount              uint32
	WindowStart          cvmamount.Timestamp
	MaxTxPerWindow       uint32
	WindowDuration       cvmamount.Timestamp
	LastTxTime           cvmamount.Timestamp
	ReputationMultiplier float64
}

// GetRateLimitInfo returns addr's rate limit state, zero-valued if
// addr has never submitted.
func (m *Mempool) GetRateLimitInfo(addr cvmamount.Addr) RateLimitInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	rl, ok := m.rates[addr]
	if !ok {
		rl = newRateLimitInfo()
	}
	return RateLimitInfo{
		TxCount:              rl.txCount,
		WindowStart:          rl.windowStart,
		MaxTxPerWindow:       rl.maxTxPerWindow,
		WindowDuration:       rl.windowDuration,
		LastTxTime:           rl.lastTxTime,
		ReputationMultiplier: rl.reputationMultiplier,
	}
}

// ContributeDecryptionShare records share for txHash, rejecting a
// second share from the same sequencer and capping the list at
// MaxSharesPerTx.
func (m *Mempool) ContributeDecryptionShare(txHash cvmamount.Hash256, share DecryptionShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pool[txHash]; !ok {
		return nodeerr.Validation("unknown_tx", "no encrypted transaction with this hash")
	}
	existing := m.shares[txHash]
	for _, s := range existing {
		if s.SequencerAddr == share.SequencerAddr {
			return nodeerr.Validation("duplicate_share", "sequencer already contributed a share for this transaction")
		}
	}
	if len(existing) >= MaxSharesPerTx {
		return nodeerr.Resource("share_limit", "maximum decryption shares reached for this transaction")
	}
	m.shares[txHash] = append(existing, share)
	return nil
}

// ShareCount returns the number of decryption shares collected for
// txHash.
func (m *Mempool) ShareCount(txHash cvmamount.Hash256) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shares[txHash])
}

// CanDecrypt reports whether enough shares have been collected for
// txHash to attempt threshold decryption.
func (m *Mempool) CanDecrypt(txHash cvmamount.Hash256) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shares[txHash]) >= m.decryptionThresholdLocked()
}

// Decrypt combines the collected shares for txHash with CombineShares
// and verifies the result against the transaction's commitment hash,
// discarding the output on mismatch.
func (m *Mempool) Decrypt(txHash cvmamount.Hash256) ([]byte, error) {
	m.mu.Lock()
	tx, ok := m.pool[txHash]
	if !ok {
		m.mu.Unlock()
		return nil, nodeerr.Validation("unknown_tx", "no encrypted transaction with this hash")
	}
	threshold := m.decryptionThresholdLocked()
	shares := append([]DecryptionShare(nil), m.shares[txHash]...)
	m.mu.Unlock()

	if len(shares) < threshold {
		return nil, nodeerr.Transient("insufficient_shares", "not enough decryption shares collected yet", nil)
	}

	plaintext, err := CombineShares(shares, threshold, tx.EncryptedPayload, tx.EncryptionNonce)
	if err != nil {
		return nil, err
	}
	if ComputeCommitmentHash(plaintext) != tx.CommitmentHash {
		log.Warnf("decrypted plaintext for %s does not match its commitment hash", txHash)
		return nil, nodeerr.Corruption("commitment_mismatch", "decrypted plaintext does not match commitment hash", nil)
	}
	return plaintext, nil
}

// CombineShares recovers the XOR encryption key by XOR-ing together the
// Share bytes of the first threshold shares, then decrypts
// encryptedData. ShareIndex is not used: this is not polynomial
// (Shamir/Lagrange) interpolation. This mirrors a threshold XOR cipher: adequate to
// demonstrate the 2/3-of-sequencers gate, not a production AEAD.
func CombineShares(shares []DecryptionShare, threshold int, encryptedData, nonce []byte) ([]byte, error) {
	if len(shares) < threshold {
		return nil, nodeerr.Resource("insufficient_shares", "fewer shares supplied than the decryption threshold")
	}
	used := shares[:threshold]

	keyLen := 0
	for _, s := range used {
		if len(s.Share) > keyLen {
			keyLen = len(s.Share)
		}
	}
	key := make([]byte, keyLen)
	for _, s := range used {
		for i, b := range s.Share {
			key[i] ^= b
		}
	}
	return xorCrypt(encryptedData, key, nonce), nil
}

func xorCrypt(data, key, nonce []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		k := key[i%len(key)]
		if len(nonce) > 0 {
			k ^= nonce[i%len(nonce)]
		}
		out[i] = b ^ k
	}
	return out
}

// Encrypt encrypts a plaintext payload with key and nonce, the
// counterpart to the XOR scheme CombineShares reverses.
func Encrypt(plaintext, key, nonce []byte) []byte {
	return xorCrypt(plaintext, key, nonce)
}

// GetEncryptedTx returns the pooled transaction for txHash, if any.
func (m *Mempool) GetEncryptedTx(txHash cvmamount.Hash256) (EncryptedTx, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.pool[txHash]
	return tx, ok
}

// RemoveTransaction drops txHash and its collected shares from the
// pool.
func (m *Mempool) RemoveTransaction(txHash cvmamount.Hash256) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pool[txHash]; !ok {
		return false
	}
	delete(m.pool, txHash)
	delete(m.shares, txHash)
	return true
}

// PruneExpired removes every pooled transaction expired as of now,
// returning the number removed.
func (m *Mempool) PruneExpired(now cvmamount.Timestamp) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for h, tx := range m.pool {
		if tx.IsExpired(now) {
			delete(m.pool, h)
			delete(m.shares, h)
			n++
		}
	}
	return n
}

// PoolSize returns the number of transactions currently pooled.
func (m *Mempool) PoolSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool)
}

// Clear empties the pool, its shares, and rate limit state.
func (m *Mempool) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool = make(map[cvmamount.Hash256]EncryptedTx)
	m.shares = make(map[cvmamount.Hash256][]DecryptionShare)
	m.rates = make(map[cvmamount.Addr]*rateLimitInfo)
}

// blockEntry pairs a pooled transaction with its hash for sorting and
// gas accounting during block assembly. A flat per-tx gas estimate is
// used since the encrypted payload's real gas cost is unknown until
// decryption; callers needing exact accounting re-check after
// decrypting.
type blockEntry struct {
	hash cvmamount.Hash256
	tx   EncryptedTx
}

// estimatedGas is the gas charged per encrypted transaction during
// block assembly, standing in for the unknown post-decryption cost.
const estimatedGas = 21000

// GetTransactionsForBlock returns the pooled transactions eligible for
// blockNumber, ordered by fee descending and shuffled deterministically
// within each fee tier, accumulated until gasLimit is exhausted. A new
// tier starts whenever the next transaction's fee drops by more than
// FeeTierDropFraction relative to the tier's leading fee.
func (m *Mempool) GetTransactionsForBlock(blockNumber uint64, gasLimit uint64) []EncryptedTx {
	m.mu.Lock()
	entries := make([]blockEntry, 0, len(m.pool))
	for h, tx := range m.pool {
		entries = append(entries, blockEntry{hash: h, tx: tx})
	}
	m.mu.Unlock()

	filtered := make([]blockEntry, 0, len(entries))
	for _, e := range entries {
		if !e.tx.IsValidForBlock(blockNumber) {
			continue
		}
		filtered = append(filtered, e)
	}
	entries = filtered

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].tx.MaxFee != entries[j].tx.MaxFee {
			return entries[i].tx.MaxFee > entries[j].tx.MaxFee
		}
		return entries[i].hash.String() < entries[j].hash.String()
	})

	tiers := groupFeeTiers(entries)

	seed := blockSeed(blockNumber)
	var out []EncryptedTx
	var gasUsed uint64
	for _, tier := range tiers {
		shuffleTier(tier, seed)
		for _, e := range tier {
			if gasUsed+estimatedGas > gasLimit {
				return out
			}
			out = append(out, e.tx)
			gasUsed += estimatedGas
		}
	}
	return out
}

// groupFeeTiers splits fee-descending entries into tiers, starting a
// new tier whenever the next fee is more than FeeTierDropFraction
// lower than the current tier's leading fee.
func groupFeeTiers(entries []blockEntry) [][]blockEntry {
	if len(entries) == 0 {
		return nil
	}
	var tiers [][]blockEntry
	tierStart := 0
	tierLead := float64(entries[0].tx.MaxFee)
	for i := 1; i <= len(entries); i++ {
		if i == len(entries) {
			tiers = append(tiers, entries[tierStart:i])
			break
		}
		fee := float64(entries[i].tx.MaxFee)
		if tierLead > 0 && (tierLead-fee)/tierLead > FeeTierDropFraction {
			tiers = append(tiers, entries[tierStart:i])
			tierStart = i
			tierLead = fee
		}
	}
	return tiers
}

// blockSeed derives the deterministic shuffle seed for a block number.
func blockSeed(blockNumber uint64) cvmamount.Hash256 {
	buf := appendUint64(nil, blockNumber)
	return chainhash.HashH(buf)
}

// shuffleTier performs a deterministic Fisher-Yates shuffle over tier,
// driven by a byte stream expanded from seed.
func shuffleTier(tier []blockEntry, seed cvmamount.Hash256) {
	if len(tier) < 2 {
		return
	}
	stream := newSeedStream(seed)
	for i := len(tier) - 1; i > 0; i-- {
		j := int(stream.next() % uint64(i+1))
		tier[i], tier[j] = tier[j], tier[i]
	}
}

// seedStream expands a 256-bit seed into an arbitrarily long sequence
// of pseudo-random uint64 values by repeated rehashing.
type seedStream struct {
	state cvmamount.Hash256
	buf   []byte
}

func newSeedStream(seed cvmamount.Hash256) *seedStream {
	return &seedStream{state: seed}
}

func (s *seedStream) next() uint64 {
	if len(s.buf) < 8 {
		s.state = chainhash.HashH(s.state[:])
		s.buf = append([]byte(nil), s.state[:]...)
	}
	v := uint64(0)
	for i := 0; i < 8; i++ {
		v |= uint64(s.buf[i]) << (8 * i)
	}
	s.buf = s.buf[8:]
	return v
}
