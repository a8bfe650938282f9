// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cvmstorage implements EnhancedStorage: per-(contract,key)
// storage with reputation-weighted cost, per-contract quota, trust-tagged
// regions, staged atomic transactions, and placeholder storage proofs.
package cvmstorage

import (
	"sync"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/slog"

	"github.com/cascoin/cvmnode/internal/cvmamount"
	"github.com/cascoin/cvmnode/internal/kvstore"
	"github.com/cascoin/cvmnode/internal/nodeerr"
)

var log = slog.Disabled

// UseLogger sets the logging backend used by the package.
func UseLogger(logger slog.Logger) { log = logger }

// Base costs, per §4.8.
const (
	BaseReadCost  = 200
	BaseWriteCost = 5000
	ValueSize     = 32 // bytes per stored word
)

// CostMultiplier returns the reputation-weighted cost multiplier for a
// caller with the given reputation.
func CostMultiplier(reputation int16) float64 {
	switch {
	case reputation >= 80:
		return 0.1
	case reputation >= 60:
		return 0.5
	case reputation >= 40:
		return 1.0
	case reputation >= 20:
		return 1.5
	default:
		return 2.0
	}
}

// Quota returns the storage quota in bytes for a caller with the given
// reputation: base + rep*10000.
func Quota(base int64, reputation int16) int64 {
	return base + int64(reputation)*10000
}

// TrustContext carries the caller's reputation into every storage
// operation.
type TrustContext struct {
	Caller     cvmamount.Addr
	Reputation int16
}

// Region is a trust-tagged storage region requiring a minimum caller
// reputation to read or write.
type Region struct {
	MinReputation int16
}

const (
	storagePrefix = "cvmstore_"
	usagePrefix   = "cvmusage_"
)

func storageKey(contract cvmamount.Addr, key cvmamount.Hash256) []byte {
	k := append([]byte(storagePrefix), contract[:]...)
	return append(k, key[:]...)
}

func usageKey(contract cvmamount.Addr) []byte {
	return append([]byte(usagePrefix), contract[:]...)
}

// txn is a staged set of writes for an in-flight atomic operation.
type txn struct {
	writes map[cvmamount.Hash256]cvmamount.Hash256
}

// Storage is the node's contract storage backend, implementing
// cvm.StorageBackend.
type Storage struct {
	mu        sync.Mutex
	store     *kvstore.Store
	baseQuota int64
	regions   map[string]Region // "contract:regionId" -> region
	active    map[cvmamount.Addr]*txn
}

// New constructs a Storage over store with the given base quota (bytes,
// before the reputation-weighted addition).
func New(store *kvstore.Store, baseQuota int64) *Storage {
	return &Storage{
		store:     store,
		baseQuota: baseQuota,
		regions:   make(map[string]Region),
		active:    make(map[cvmamount.Addr]*txn),
	}
}

// DefineRegion tags contract:regionID with a minimum-reputation gate.
func (s *Storage) DefineRegion(contract cvmamount.Addr, regionID string, minRep int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions[contract.String()+":"+regionID] = Region{MinReputation: minRep}
}

func (s *Storage) regionGate(contract cvmamount.Addr, regionID string, tc TrustContext) error {
	if regionID == "" {
		return nil
	}
	r, ok := s.regions[contract.String()+":"+regionID]
	if !ok {
		return nil
	}
	if tc.Reputation < r.MinReputation {
		return nodeerr.Policy("region_reputation_denied", "caller reputation below region threshold")
	}
	return nil
}

// Load implements cvm.StorageBackend, returning the zero hash for unset
// keys. Staged writes within an active transaction for the same
// contract are visible first.
func (s *Storage) Load(contract cvmamount.Addr, key cvmamount.Hash256) (cvmamount.Hash256, error) {
	s.mu.Lock()
	if t, ok := s.active[contract]; ok {
		if v, ok := t.writes[key]; ok {
			s.mu.Unlock()
			return v, nil
		}
	}
	s.mu.Unlock()

	raw, err := s.store.Get(storageKey(contract, key))
	if err != nil {
		if kvstore.IsNotFound(err) {
			return cvmamount.Hash256{}, nil
		}
		return cvmamount.Hash256{}, err
	}
	var h cvmamount.Hash256
	copy(h[:], raw)
	return h, nil
}

// Store implements cvm.StorageBackend. Outside a transaction it writes
// directly; inside one opened with Begin, it stages the write. Both
// paths are quota-checked against the caller's reputation, a staged
// write counting the committed usage plus every write staged so far.
func (s *Storage) Store(contract cvmamount.Addr, key, value cvmamount.Hash256, callerReputation int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.active[contract]; ok {
		usage, err := s.usageLocked(contract)
		if err != nil {
			return err
		}
		staged := int64(len(t.writes))
		if _, restaged := t.writes[key]; !restaged {
			staged++
		}
		if usage+staged*ValueSize > Quota(s.baseQuota, callerReputation) {
			return nodeerr.Resource("storage_quota_exceeded", "contract storage quota exceeded")
		}
		t.writes[key] = value
		return nil
	}
	usage, err := s.usageLocked(contract)
	if err != nil {
		return err
	}
	quota := Quota(s.baseQuota, callerReputation)
	if usage+ValueSize > quota {
		return nodeerr.Resource("storage_quota_exceeded", "contract storage quota exceeded")
	}
	return s.writeDirectLocked(contract, key, value, usage)
}

func (s *Storage) usageLocked(contract cvmamount.Addr) (int64, error) {
	raw, err := s.store.Get(usageKey(contract))
	if err != nil {
		if kvstore.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	if len(raw) != 8 {
		return 0, nodeerr.Corruption("usage_decode", "corrupt usage counter", nil)
	}
	var u int64
	for i := 0; i < 8; i++ {
		u |= int64(raw[i]) << (8 * i)
	}
	return u, nil
}

// WriteWithQuota performs a region-gated write on behalf of a caller
// carrying an explicit TrustContext, for entry points outside the VM's
// SSTORE path (e.g. administrative or cross-contract writes into a
// trust-tagged region). It shares Store's quota accounting.
func (s *Storage) WriteWithQuota(contract cvmamount.Addr, key, value cvmamount.Hash256, tc TrustContext, regionID string) error {
	if err := s.regionGate(contract, regionID, tc); err != nil {
		return err
	}
	return s.Store(contract, key, value, tc.Reputation)
}

func (s *Storage) writeDirectLocked(contract cvmamount.Addr, key, value cvmamount.Hash256, usage int64) error {
	b := s.store.NewBatch()
	b.Put(storageKey(contract, key), value[:])
	newUsage := usage + ValueSize
	var ub [8]byte
	for i := 0; i < 8; i++ {
		ub[i] = byte(newUsage >> (8 * i))
	}
	b.Put(usageKey(contract), ub[:])
	return s.store.Commit(b, true)
}

// Begin opens a staged transaction for contract. Nested begins are
// rejected.
func (s *Storage) Begin(contract cvmamount.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[contract]; ok {
		return nodeerr.Validation("nested_transaction", "storage transaction already open")
	}
	s.active[contract] = &txn{writes: make(map[cvmamount.Hash256]cvmamount.Hash256)}
	return nil
}

// Commit applies every staged write for contract atomically.
func (s *Storage) Commit(contract cvmamount.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.active[contract]
	if !ok {
		return nodeerr.Validation("no_open_transaction", "no storage transaction open")
	}
	delete(s.active, contract)

	usage, err := s.usageLocked(contract)
	if err != nil {
		return err
	}
	b := s.store.NewBatch()
	for k, v := range t.writes {
		b.Put(storageKey(contract, k), v[:])
		usage += ValueSize
	}
	var ub [8]byte
	for i := 0; i < 8; i++ {
		ub[i] = byte(usage >> (8 * i))
	}
	b.Put(usageKey(contract), ub[:])
	return s.store.Commit(b, true)
}

// Rollback discards every staged write for contract.
func (s *Storage) Rollback(contract cvmamount.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, contract)
}

// Proof is the §4.8 placeholder storage proof: a 4-element fingerprint,
// not a real Merkle-Patricia proof. It is not sound against a byzantine
// prover.
type Proof struct {
	HContract     cvmamount.Hash256
	HKey          cvmamount.Hash256
	HValue        cvmamount.Hash256
	HContractKeyValue cvmamount.Hash256
}

// MakeProof builds the placeholder fingerprint for a (contract, key,
// value) triple.
func MakeProof(contract cvmamount.Addr, key, value cvmamount.Hash256) Proof {
	hc := chainhash.HashH(contract[:])
	hk := chainhash.HashH(key[:])
	hv := chainhash.HashH(value[:])
	combined := append(append(append([]byte{}, contract[:]...), key[:]...), value[:]...)
	hckv := chainhash.HashH(combined)
	return Proof{HContract: hc, HKey: hk, HValue: hv, HContractKeyValue: hckv}
}

// VerifyProof recomputes each element of p and reports whether they
// match contract/key/value.
func VerifyProof(p Proof, contract cvmamount.Addr, key, value cvmamount.Hash256) bool {
	recomputed := MakeProof(contract, key, value)
	return recomputed == p
}
