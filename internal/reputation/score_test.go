// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package reputation

import (
	"testing"

	"github.com/cascoin/cvmnode/internal/cvmamount"
	"github.com/cascoin/cvmnode/internal/kvstore"
)

func newTestSystem(t *testing.T) *System {
	t.Helper()
	store, err := kvstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, 16)
}

func TestGetUnknownAddrReturnsZeroScore(t *testing.T) {
	s := newTestSystem(t)
	var addr cvmamount.Addr
	score, err := s.Get(addr)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if score.Value != 0 {
		t.Errorf("expected zero score, got %d", score.Value)
	}
}

func TestUpdatePersistsAndAggregates(t *testing.T) {
	s := newTestSystem(t)
	var addr cvmamount.Addr
	addr[0] = 1

	c := Components{Behavior: 100, WoT: 100, Economic: 50, Temporal: 50}
	want := aggregate(c)

	score, err := s.Update(addr, c, "initial grant", cvmamount.Hash256{})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if score.Value != want {
		t.Errorf("Update returned %d, want %d", score.Value, want)
	}

	reread, err := s.Get(addr)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if reread.Value != want || reread.Components != c {
		t.Errorf("Get after Update = %+v, want value %d components %+v", reread, want, c)
	}
}

func TestAggregateClamps(t *testing.T) {
	tests := []struct {
		name string
		c    Components
		want int16
	}{
		{"clamp high", Components{Behavior: 10000, WoT: 10000, Economic: 10000, Temporal: 10000}, 10000},
		{"clamp low", Components{Behavior: -10000, WoT: -10000, Economic: -10000, Temporal: -10000}, -10000},
		{"zero", Components{}, 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := aggregate(test.c); got != test.want {
				t.Errorf("aggregate(%+v) = %d, want %d", test.c, got, test.want)
			}
		})
	}
}

func TestUpdateEmitsAuditEvent(t *testing.T) {
	s := newTestSystem(t)
	var addr cvmamount.Addr
	addr[0] = 2

	c := Components{Behavior: 100, WoT: 100}
	if _, err := s.Update(addr, c, "test reason", cvmamount.Hash256{}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	select {
	case ev := <-s.AuditCh:
		if ev.Addr != addr {
			t.Errorf("event addr = %v, want %v", ev.Addr, addr)
		}
		if ev.Reason != "test reason" {
			t.Errorf("event reason = %q, want %q", ev.Reason, "test reason")
		}
		if ev.Delta != ev.New-ev.Old {
			t.Errorf("delta %d != new(%d)-old(%d)", ev.Delta, ev.New, ev.Old)
		}
	default:
		t.Fatal("expected an audit event on AuditCh")
	}
}

func TestUpdateDropsEventWhenChannelFull(t *testing.T) {
	store, err := kvstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer store.Close()
	s := New(store, 1)

	var a, b cvmamount.Addr
	a[0], b[0] = 1, 2

	if _, err := s.Update(a, Components{Behavior: 10}, "fill", cvmamount.Hash256{}); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	// Channel now holds one event and is never drained; the second
	// update must not block.
	if _, err := s.Update(b, Components{Behavior: 20}, "overflow", cvmamount.Hash256{}); err != nil {
		t.Fatalf("second update failed: %v", err)
	}
}
