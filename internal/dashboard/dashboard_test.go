// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleStatusUnconfigured(t *testing.T) {
	s := NewServer(Sources{})
	req := httptest.NewRequest(http.MethodGet, "/l2/status", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleStatusReturnsSnapshot(t *testing.T) {
	want := StatusSnapshot{ChainID: 1, CurrentBlock: 10, Healthy: true}
	s := NewServer(Sources{Status: func() StatusSnapshot { return want }})
	req := httptest.NewRequest(http.MethodGet, "/l2/status", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got StatusSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got != want {
		t.Errorf("body = %+v, want %+v", got, want)
	}
}

func TestHandleAlertsDefaultsToEmptySlice(t *testing.T) {
	s := NewServer(Sources{})
	req := httptest.NewRequest(http.MethodGet, "/l2/api/alerts", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got []interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len(got) = %d, want 0", len(got))
	}
}

func TestHandleWithdrawalsDefaultsToZeroValue(t *testing.T) {
	s := NewServer(Sources{})
	req := httptest.NewRequest(http.MethodGet, "/l2/api/withdrawals", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	var got WithdrawalsSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got != (WithdrawalsSnapshot{}) {
		t.Errorf("got = %+v, want zero value", got)
	}
}

func TestPublishAppendsToEventHistory(t *testing.T) {
	s := NewServer(Sources{})
	s.Publish(Event{Type: "block", Timestamp: 1})
	s.Publish(Event{Type: "vote", Timestamp: 2})

	req := httptest.NewRequest(http.MethodGet, "/l2/api/events", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)

	var got []Event
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Type != "vote" {
		t.Errorf("got[0].Type = %q, want %q (newest first)", got[0].Type, "vote")
	}
}

func TestPublishTrimsEventHistory(t *testing.T) {
	s := NewServer(Sources{})
	for i := 0; i < MaxEventHistory+10; i++ {
		s.Publish(Event{Type: "block", Timestamp: int64(i)})
	}
	if len(s.events) != MaxEventHistory {
		t.Errorf("len(events) = %d, want %d", len(s.events), MaxEventHistory)
	}
}

func TestHandleBlocksRespectsLimitParam(t *testing.T) {
	var gotLimit int
	s := NewServer(Sources{Blocks: func(limit int) []interface{} {
		gotLimit = limit
		return nil
	}})
	req := httptest.NewRequest(http.MethodGet, "/l2/blocks?limit=7", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if gotLimit != 7 {
		t.Errorf("limit = %d, want 7", gotLimit)
	}
}

func TestLimitParamFallsBackOnInvalidInput(t *testing.T) {
	if got := limitParam(httptest.NewRequest(http.MethodGet, "/x?limit=abc", nil), 50); got != 50 {
		t.Errorf("limitParam(invalid) = %d, want 50", got)
	}
	if got := limitParam(httptest.NewRequest(http.MethodGet, "/x", nil), 50); got != 50 {
		t.Errorf("limitParam(missing) = %d, want 50", got)
	}
	if got := limitParam(httptest.NewRequest(http.MethodGet, "/x?limit=0", nil), 50); got != 50 {
		t.Errorf("limitParam(zero) = %d, want 50", got)
	}
}
