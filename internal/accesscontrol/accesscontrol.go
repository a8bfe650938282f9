// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package accesscontrol implements rate-limited, reputation-gated access
// decisions, an append-only audit log keyed by monotonic id, and an
// expiring blacklist.
package accesscontrol

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/decred/dcrd/lru"
	"github.com/decred/slog"

	"github.com/cascoin/cvmnode/internal/cvmamount"
	"github.com/cascoin/cvmnode/internal/kvstore"
	"github.com/cascoin/cvmnode/internal/nodeerr"
)

var log = slog.Disabled

// UseLogger sets the logging backend used by the package.
func UseLogger(logger slog.Logger) { log = logger }

// Decision is the outcome of a single access check.
type Decision int

// Possible decisions, in evaluation order.
const (
	Grant Decision = iota
	DenyBlacklisted
	DenyRateLimited
	DenyInsufficientReputation
)

func (d Decision) String() string {
	switch d {
	case Grant:
		return "grant"
	case DenyBlacklisted:
		return "deny_blacklisted"
	case DenyRateLimited:
		return "deny_rate_limited"
	case DenyInsufficientReputation:
		return "deny_insufficient_reputation"
	default:
		return "unknown"
	}
}

// AuditEntry is one append-only access-control audit record.
type AuditEntry struct {
	ID                uint64
	OpType            string
	Decision          Decision
	Requester         cvmamount.Addr
	Target            cvmamount.Addr
	OperationName     string
	RequiredRep       int16
	ActualRep         int16
	Timestamp         cvmamount.Timestamp
	BlockHeight       cvmamount.Height
	TxHash            cvmamount.Hash256
}

const (
	auditPrefix    = "Q" // access-audit by id, per §6 reserved prefixes
	blacklistPrefix = "K"
	auditIDKey     = "Qnextid"
)

func auditKey(id uint64) []byte {
	k := make([]byte, 0, len(auditPrefix)+8)
	k = append(k, auditPrefix...)
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], id)
	return append(k, idBuf[:]...)
}

func blacklistKey(addr cvmamount.Addr) []byte {
	return append([]byte(blacklistPrefix), addr[:]...)
}

// RateLimit configures the sliding-window limit for one operation type.
type RateLimit struct {
	MaxOps int
	Window time.Duration
}

// BlacklistEntry is a denylisted address; Expiry <= 0 means permanent.
type BlacklistEntry struct {
	Reason string
	Expiry cvmamount.Timestamp
}

// Auditor is the node's access-control decision point and audit log.
type Auditor struct {
	mu          sync.Mutex
	store       *kvstore.Store
	nextID      uint64
	recent      *lru.Map[uint64, AuditEntry] // bounded in-memory window
	limits      map[string]RateLimit
	rateWindows map[string][]cvmamount.Timestamp // requester|op -> recent op timestamps
}

// New constructs an Auditor over store with the given per-operation rate
// limits. recentCap bounds the in-memory recent-entries window.
func New(store *kvstore.Store, limits map[string]RateLimit, recentCap uint32) (*Auditor, error) {
	a := &Auditor{
		store:       store,
		recent:      lru.NewMap[uint64, AuditEntry](recentCap),
		limits:      limits,
		rateWindows: make(map[string][]cvmamount.Timestamp),
	}
	raw, err := store.Get([]byte(auditIDKey))
	if err != nil {
		if !kvstore.IsNotFound(err) {
			return nil, err
		}
		a.nextID = 1
	} else {
		a.nextID = binary.BigEndian.Uint64(raw)
	}
	return a, nil
}

func rateKey(requester cvmamount.Addr, opType string) string {
	return requester.String() + "|" + opType
}

// checkRateLimit evaluates and updates the sliding window for
// (requester, opType), assuming the caller already holds a.mu.
func (a *Auditor) checkRateLimit(requester cvmamount.Addr, opType string, now cvmamount.Timestamp) bool {
	limit, ok := a.limits[opType]
	if !ok {
		return true
	}
	key := rateKey(requester, opType)
	windowStart := now - cvmamount.Timestamp(limit.Window/time.Second)
	existing := a.rateWindows[key]
	kept := existing[:0]
	for _, ts := range existing {
		if ts >= windowStart {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= limit.MaxOps {
		a.rateWindows[key] = kept
		return false
	}
	a.rateWindows[key] = append(kept, now)
	return true
}

// CheckAccess evaluates a request: blacklist, then rate limit, then
// reputation, appending an audit entry for every outcome.
func (a *Auditor) CheckAccess(requester, target cvmamount.Addr, opType, operationName string, requiredRep, actualRep int16, now cvmamount.Timestamp, height cvmamount.Height, txHash cvmamount.Hash256) (Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	decision := Grant

	if entry, blacklisted, err := a.isBlacklistedLocked(requester, now); err != nil {
		return 0, err
	} else if blacklisted {
		_ = entry
		decision = DenyBlacklisted
	}

	if decision == Grant && !a.checkRateLimit(requester, opType, now) {
		decision = DenyRateLimited
	}

	if decision == Grant && actualRep < requiredRep {
		decision = DenyInsufficientReputation
	}

	entry := AuditEntry{
		ID:            a.nextID,
		OpType:        opType,
		Decision:      decision,
		Requester:     requester,
		Target:        target,
		OperationName: operationName,
		RequiredRep:   requiredRep,
		ActualRep:     actualRep,
		Timestamp:     now,
		BlockHeight:   height,
		TxHash:        txHash,
	}
	if err := a.appendAuditLocked(entry); err != nil {
		return 0, err
	}
	return decision, nil
}

func (a *Auditor) appendAuditLocked(entry AuditEntry) error {
	b := a.store.NewBatch()
	b.Put(auditKey(entry.ID), encodeAudit(entry))
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], entry.ID+1)
	b.Put([]byte(auditIDKey), idBuf[:])
	if err := a.store.Commit(b, true); err != nil {
		return err
	}
	a.nextID = entry.ID + 1
	a.recent.Put(entry.ID, entry)
	return nil
}

// RecentEntries returns up to n of the most recently appended audit
// entries from the bounded in-memory window.
func (a *Auditor) RecentEntries(n int) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditEntry, 0, n)
	for i := a.nextID; i > 0 && len(out) < n; i-- {
		if e, ok := a.recent.Get(i - 1); ok {
			out = append(out, e)
		}
	}
	return out
}

func encodeAudit(e AuditEntry) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, e.ID)
	writeString(&buf, e.OpType)
	binary.Write(&buf, binary.LittleEndian, int32(e.Decision))
	buf.Write(e.Requester[:])
	buf.Write(e.Target[:])
	writeString(&buf, e.OperationName)
	binary.Write(&buf, binary.LittleEndian, e.RequiredRep)
	binary.Write(&buf, binary.LittleEndian, e.ActualRep)
	binary.Write(&buf, binary.LittleEndian, int64(e.Timestamp))
	binary.Write(&buf, binary.LittleEndian, int32(e.BlockHeight))
	buf.Write(e.TxHash[:])
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	b := []byte(s)
	binary.Write(buf, binary.LittleEndian, uint32(len(b)))
	buf.Write(b)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(b); err != nil {
			return "", err
		}
	}
	return string(b), nil
}

// --- Blacklist ---

// AddToBlacklist denylists addr durably. Idempotent.
func (a *Auditor) AddToBlacklist(addr cvmamount.Addr, reason string, expiry cvmamount.Timestamp) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var buf bytes.Buffer
	writeString(&buf, reason)
	binary.Write(&buf, binary.LittleEndian, int64(expiry))
	b := a.store.NewBatch()
	b.Put(blacklistKey(addr), buf.Bytes())
	log.Infof("blacklisted %s: %s", addr, reason)
	return a.store.Commit(b, true)
}

// RemoveFromBlacklist clears any blacklist entry for addr. Idempotent.
func (a *Auditor) RemoveFromBlacklist(addr cvmamount.Addr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.store.NewBatch()
	b.Del(blacklistKey(addr))
	return a.store.Commit(b, true)
}

func (a *Auditor) isBlacklistedLocked(addr cvmamount.Addr, now cvmamount.Timestamp) (*BlacklistEntry, bool, error) {
	raw, err := a.store.Get(blacklistKey(addr))
	if err != nil {
		if kvstore.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	r := bytes.NewReader(raw)
	reason, err := readString(r)
	if err != nil {
		return nil, false, nodeerr.Corruption("blacklist_decode", "corrupt blacklist entry", err)
	}
	var expiry int64
	if err := binary.Read(r, binary.LittleEndian, &expiry); err != nil {
		return nil, false, nodeerr.Corruption("blacklist_decode", "corrupt blacklist entry", err)
	}
	entry := &BlacklistEntry{Reason: reason, Expiry: cvmamount.Timestamp(expiry)}
	if entry.Expiry > 0 && now > entry.Expiry {
		// Self-cleaning lookup: evict the expired entry.
		b := a.store.NewBatch()
		b.Del(blacklistKey(addr))
		_ = a.store.Commit(b, false)
		return nil, false, nil
	}
	return entry, true, nil
}

// IsBlacklisted reports whether addr is currently denylisted, evicting
// the entry first if it has expired.
func (a *Auditor) IsBlacklisted(addr cvmamount.Addr, now cvmamount.Timestamp) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, blacklisted, err := a.isBlacklistedLocked(addr, now)
	return blacklisted, err
}
