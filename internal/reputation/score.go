// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package reputation stores the explicit component decomposition of each
// address's reputation score and runs HAT (Holistic Address Trust)
// validator consensus over self-reported scores.
package reputation

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/decred/slog"

	"github.com/cascoin/cvmnode/internal/cvmamount"
	"github.com/cascoin/cvmnode/internal/kvstore"
	"github.com/cascoin/cvmnode/internal/nodeerr"
)

var log = slog.Disabled

// UseLogger sets the logging backend used by the package.
func UseLogger(logger slog.Logger) { log = logger }

// Components is the explicit decomposition backing an aggregate score.
type Components struct {
	Behavior int16
	WoT      int16
	Economic int16
	Temporal int16
}

// Score is the stored reputation record for one address.
type Score struct {
	Value      int16 // [-10000, 10000]
	Components Components
}

// AuditEvent is emitted on every score change. A consumer (the node
// supervisor's audit sink) subscribes over a channel, per the
// no-back-reference design: ReputationSystem never calls into
// SecurityAudit directly.
type AuditEvent struct {
	Addr        cvmamount.Addr
	Old, New    int16
	Delta       int16
	Reason      string
	TriggerTx   cvmamount.Hash256
}

const scorePrefix = "repscore_"

func scoreKey(addr cvmamount.Addr) []byte {
	return append([]byte(scorePrefix), addr[:]...)
}

// System is the node's reputation store. AuditCh receives one AuditEvent
// per score mutation; the supervisor is responsible for draining it.
type System struct {
	mu      sync.RWMutex
	store   *kvstore.Store
	AuditCh chan AuditEvent
}

// New constructs a System over store. auditBuf sizes the audit channel;
// callers that do not drain it promptly should size it generously since
// sends here must never block inside a held lock for long.
func New(store *kvstore.Store, auditBuf int) *System {
	return &System{store: store, AuditCh: make(chan AuditEvent, auditBuf)}
}

func encodeScore(s Score) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, s.Value)
	binary.Write(&buf, binary.LittleEndian, s.Components.Behavior)
	binary.Write(&buf, binary.LittleEndian, s.Components.WoT)
	binary.Write(&buf, binary.LittleEndian, s.Components.Economic)
	binary.Write(&buf, binary.LittleEndian, s.Components.Temporal)
	return buf.Bytes()
}

func decodeScore(b []byte) (Score, error) {
	var s Score
	r := bytes.NewReader(b)
	for _, f := range []*int16{&s.Value, &s.Components.Behavior, &s.Components.WoT, &s.Components.Economic, &s.Components.Temporal} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return s, err
		}
	}
	return s, nil
}

// Get returns the stored score for addr, or the zero score if unset.
func (s *System) Get(addr cvmamount.Addr) (Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.store.Get(scoreKey(addr))
	if err != nil {
		if kvstore.IsNotFound(err) {
			return Score{}, nil
		}
		return Score{}, err
	}
	sc, err := decodeScore(raw)
	if err != nil {
		return Score{}, nodeerr.Corruption("score_decode", "corrupt reputation score", err)
	}
	return sc, nil
}

// aggregate combines the component decomposition into the score clamped
// to [-10000, 10000]. The weighting mirrors the four inputs named in
// spec.md's entity definition; behavior and WoT dominate since they are
// directly observable, economic and temporal are secondary modifiers.
func aggregate(c Components) int16 {
	v := int64(c.Behavior)*4 + int64(c.WoT)*4 + int64(c.Economic) + int64(c.Temporal)
	v /= 10
	if v > 10000 {
		v = 10000
	}
	if v < -10000 {
		v = -10000
	}
	return int16(v)
}

// Update rewrites the components for addr, recomputes the aggregate
// score, persists both in one atomic batch, and emits an AuditEvent
// carrying the triggering reason; the reason itself is not persisted.
func (s *System) Update(addr cvmamount.Addr, c Components, reason string, triggerTx cvmamount.Hash256) (Score, error) {
	s.mu.Lock()
	old, err := s.getLocked(addr)
	if err != nil {
		s.mu.Unlock()
		return Score{}, err
	}
	newScore := Score{Value: aggregate(c), Components: c}

	b := s.store.NewBatch()
	b.Put(scoreKey(addr), encodeScore(newScore))
	if err := s.store.Commit(b, true); err != nil {
		s.mu.Unlock()
		return Score{}, err
	}
	s.mu.Unlock()

	ev := AuditEvent{
		Addr:      addr,
		Old:       old.Value,
		New:       newScore.Value,
		Delta:     newScore.Value - old.Value,
		Reason:    reason,
		TriggerTx: triggerTx,
	}
	select {
	case s.AuditCh <- ev:
	default:
		log.Warnf("reputation: audit channel full, dropping event for %s", addr)
	}
	return newScore, nil
}

func (s *System) getLocked(addr cvmamount.Addr) (Score, error) {
	raw, err := s.store.Get(scoreKey(addr))
	if err != nil {
		if kvstore.IsNotFound(err) {
			return Score{}, nil
		}
		return Score{}, err
	}
	sc, err := decodeScore(raw)
	if err != nil {
		return Score{}, nodeerr.Corruption("score_decode", "corrupt reputation score", err)
	}
	return sc, nil
}
