// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package dashboard implements the operator-visible HTTP surface named
// in §6: JSON snapshot endpoints, a Server-Sent-Events stream, and an
// optional websocket push channel for dashboard clients that prefer a
// socket over SSE.
package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/cascoin/cvmnode/internal/cvmamount"
)

var log = slog.Disabled

// UseLogger sets the logging backend used by the package.
func UseLogger(logger slog.Logger) { log = logger }

// StatusSnapshot backs /l2/status.
type StatusSnapshot struct {
	ChainID         uint64 `json:"chainId"`
	CurrentBlock    uint64 `json:"currentBlock"`
	CurrentSlot     uint64 `json:"currentSlot"`
	SequencerCount  int    `json:"sequencerCount"`
	EligibleCount   int    `json:"eligibleCount"`
	MempoolSize     int    `json:"mempoolSize"`
	L1Height        uint64 `json:"l1Height"`
	Healthy         bool   `json:"healthy"`
}

// StatsSnapshot backs /l2/api/stats.
type StatsSnapshot struct {
	BlocksFinalized   uint64  `json:"blocksFinalized"`
	TxsProcessed      uint64  `json:"txsProcessed"`
	AvgBlockTimeSecs  float64 `json:"avgBlockTimeSecs"`
	ConsensusFailures uint64  `json:"consensusFailures"`
	DecryptionShares  uint64  `json:"decryptionShares"`
}

// WithdrawalsSnapshot backs /l2/api/withdrawals. This node's bridge
// models cross-chain trust attestation, not asset custody, so these
// figures come from whatever collaborator tracks burn-and-mint state;
// a nil source yields an all-zero snapshot rather than an error.
type WithdrawalsSnapshot struct {
	PendingCount int              `json:"pendingCount"`
	TotalCount   int              `json:"totalCount"`
	TVL          cvmamount.Amount `json:"tvl"`
}

// Event is one entry in the /l2/api/events feed and the SSE/websocket
// push streams.
type Event struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// StatusProvider supplies /l2/status.
type StatusProvider func() StatusSnapshot

// SequencerLister supplies /l2/sequencers.
type SequencerLister func() []interface{}

// BlockLister supplies /l2/blocks.
type BlockLister func(limit int) []interface{}

// StatsProvider supplies /l2/api/stats.
type StatsProvider func() StatsSnapshot

// AlertLister supplies /l2/api/alerts.
type AlertLister func(limit int) []interface{}

// WithdrawalsProvider supplies /l2/api/withdrawals. May be nil.
type WithdrawalsProvider func() WithdrawalsSnapshot

// Sources bundles every accessor the dashboard reads through. Each
// field is an injected function rather than a concrete package
// dependency, so dashboard never imports sequencer/consensus/bridge
// directly and stays wireable to test doubles.
type Sources struct {
	Status      StatusProvider
	Sequencers  SequencerLister
	Blocks      BlockLister
	Stats       StatsProvider
	Alerts      AlertLister
	Withdrawals WithdrawalsProvider
}

// Server is the dashboard's HTTP surface.
type Server struct {
	src Sources
	hub *Hub

	mu     sync.Mutex
	events []Event
}

// MaxEventHistory bounds the in-memory /l2/api/events ring buffer.
const MaxEventHistory = 1000

// NewServer constructs a dashboard Server reading through src.
func NewServer(src Sources) *Server {
	return &Server{
		src: src,
		hub: NewHub(),
	}
}

// Hub returns the server's websocket broadcast hub so callers can run
// it and wire Publish into it.
func (s *Server) Hub() *Hub { return s.hub }

// Publish appends ev to the event feed and fans it out to every
// connected SSE and websocket client.
func (s *Server) Publish(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	if len(s.events) > MaxEventHistory {
		s.events = s.events[len(s.events)-MaxEventHistory:]
	}
	s.mu.Unlock()

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Warnf("dashboard: failed to marshal event %s: %v", ev.Type, err)
		return
	}
	s.hub.Broadcast(payload)
}

func (s *Server) recentEvents(limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.events[n-1-i]
	}
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("dashboard: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Mux returns an http.Handler serving every endpoint named in §6.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/l2/status", s.handleStatus)
	mux.HandleFunc("/l2/sequencers", s.handleSequencers)
	mux.HandleFunc("/l2/blocks", s.handleBlocks)
	mux.HandleFunc("/l2/api/stats", s.handleStats)
	mux.HandleFunc("/l2/api/alerts", s.handleAlerts)
	mux.HandleFunc("/l2/api/withdrawals", s.handleWithdrawals)
	mux.HandleFunc("/l2/api/events", s.handleEvents)
	mux.HandleFunc("/l2/stream", s.handleStream)
	mux.HandleFunc("/l2/stream/ws", s.hub.Subscribe)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.src.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "status source not configured")
		return
	}
	writeJSON(w, s.src.Status())
}

func (s *Server) handleSequencers(w http.ResponseWriter, r *http.Request) {
	if s.src.Sequencers == nil {
		writeError(w, http.StatusServiceUnavailable, "sequencer source not configured")
		return
	}
	writeJSON(w, s.src.Sequencers())
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	if s.src.Blocks == nil {
		writeError(w, http.StatusServiceUnavailable, "block source not configured")
		return
	}
	writeJSON(w, s.src.Blocks(limitParam(r, 50)))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.src.Stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats source not configured")
		return
	}
	writeJSON(w, s.src.Stats())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.src.Alerts == nil {
		writeJSON(w, []interface{}{})
		return
	}
	writeJSON(w, s.src.Alerts(limitParam(r, 100)))
}

func (s *Server) handleWithdrawals(w http.ResponseWriter, r *http.Request) {
	if s.src.Withdrawals == nil {
		writeJSON(w, WithdrawalsSnapshot{})
		return
	}
	writeJSON(w, s.src.Withdrawals())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.recentEvents(limitParam(r, 200)))
}

// handleStream serves /l2/stream as Server-Sent Events, per §6.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan []byte, 32)
	id := s.hub.subscribeChan(ch)
	defer s.hub.unsubscribeChan(id)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for _, ev := range s.recentEvents(20) {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		writeSSE(w, payload)
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case payload, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, payload)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, payload []byte) {
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}

func limitParam(r *http.Request, def int) int {
	q := r.URL.Query().Get("limit")
	if q == "" {
		return def
	}
	n := 0
	for _, c := range q {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
		if n > 100000 {
			return def
		}
	}
	if n == 0 {
		return def
	}
	return n
}
