// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package accesscontrol

import (
	"testing"
	"time"

	"github.com/cascoin/cvmnode/internal/cvmamount"
	"github.com/cascoin/cvmnode/internal/kvstore"
)

func newTestAuditor(t *testing.T, limits map[string]RateLimit) *Auditor {
	t.Helper()
	store, err := kvstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	a, err := New(store, limits, 64)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a
}

func TestCheckAccessGrantsWithinLimits(t *testing.T) {
	a := newTestAuditor(t, map[string]RateLimit{"op": {MaxOps: 2, Window: time.Minute}})
	requester := cvmamount.Addr{1}

	decision, err := a.CheckAccess(requester, cvmamount.Addr{}, "op", "do_thing", 0, 100, 0, 0, cvmamount.Hash256{})
	if err != nil {
		t.Fatalf("CheckAccess failed: %v", err)
	}
	if decision != Grant {
		t.Errorf("decision = %v, want Grant", decision)
	}
}

func TestCheckAccessDeniesInsufficientReputation(t *testing.T) {
	a := newTestAuditor(t, nil)
	requester := cvmamount.Addr{1}

	decision, err := a.CheckAccess(requester, cvmamount.Addr{}, "op", "do_thing", 50, 10, 0, 0, cvmamount.Hash256{})
	if err != nil {
		t.Fatalf("CheckAccess failed: %v", err)
	}
	if decision != DenyInsufficientReputation {
		t.Errorf("decision = %v, want DenyInsufficientReputation", decision)
	}
}

func TestCheckAccessRateLimited(t *testing.T) {
	a := newTestAuditor(t, map[string]RateLimit{"op": {MaxOps: 1, Window: time.Minute}})
	requester := cvmamount.Addr{1}

	first, err := a.CheckAccess(requester, cvmamount.Addr{}, "op", "do_thing", 0, 100, 0, 0, cvmamount.Hash256{})
	if err != nil || first != Grant {
		t.Fatalf("first CheckAccess = %v, %v, want Grant", first, err)
	}
	second, err := a.CheckAccess(requester, cvmamount.Addr{}, "op", "do_thing", 0, 100, 10, 0, cvmamount.Hash256{})
	if err != nil {
		t.Fatalf("CheckAccess failed: %v", err)
	}
	if second != DenyRateLimited {
		t.Errorf("decision = %v, want DenyRateLimited", second)
	}
}

func TestCheckAccessRateLimitWindowSlides(t *testing.T) {
	a := newTestAuditor(t, map[string]RateLimit{"op": {MaxOps: 1, Window: 10 * time.Second}})
	requester := cvmamount.Addr{1}

	if decision, err := a.CheckAccess(requester, cvmamount.Addr{}, "op", "x", 0, 100, 0, 0, cvmamount.Hash256{}); err != nil || decision != Grant {
		t.Fatalf("first CheckAccess = %v, %v", decision, err)
	}
	if decision, err := a.CheckAccess(requester, cvmamount.Addr{}, "op", "x", 0, 100, 20, 0, cvmamount.Hash256{}); err != nil || decision != Grant {
		t.Fatalf("CheckAccess after window elapsed = %v, %v, want Grant", decision, err)
	}
}

func TestBlacklistDeniesAndExpires(t *testing.T) {
	a := newTestAuditor(t, nil)
	requester := cvmamount.Addr{1}

	if err := a.AddToBlacklist(requester, "bad actor", 100); err != nil {
		t.Fatalf("AddToBlacklist failed: %v", err)
	}

	blacklisted, err := a.IsBlacklisted(requester, 50)
	if err != nil {
		t.Fatalf("IsBlacklisted failed: %v", err)
	}
	if !blacklisted {
		t.Error("expected requester to be blacklisted before expiry")
	}

	expired, err := a.IsBlacklisted(requester, 200)
	if err != nil {
		t.Fatalf("IsBlacklisted failed: %v", err)
	}
	if expired {
		t.Error("expected blacklist entry to have expired")
	}
}

func TestBlacklistPermanentWhenExpiryZero(t *testing.T) {
	a := newTestAuditor(t, nil)
	requester := cvmamount.Addr{1}
	if err := a.AddToBlacklist(requester, "permanent", 0); err != nil {
		t.Fatalf("AddToBlacklist failed: %v", err)
	}
	blacklisted, err := a.IsBlacklisted(requester, 1<<40)
	if err != nil {
		t.Fatalf("IsBlacklisted failed: %v", err)
	}
	if !blacklisted {
		t.Error("expected permanent blacklist entry to never expire")
	}
}

func TestRemoveFromBlacklist(t *testing.T) {
	a := newTestAuditor(t, nil)
	requester := cvmamount.Addr{1}
	if err := a.AddToBlacklist(requester, "temp", 0); err != nil {
		t.Fatalf("AddToBlacklist failed: %v", err)
	}
	if err := a.RemoveFromBlacklist(requester); err != nil {
		t.Fatalf("RemoveFromBlacklist failed: %v", err)
	}
	blacklisted, err := a.IsBlacklisted(requester, 0)
	if err != nil {
		t.Fatalf("IsBlacklisted failed: %v", err)
	}
	if blacklisted {
		t.Error("expected blacklist entry to be removed")
	}
}

func TestCheckAccessChecksBlacklistFirst(t *testing.T) {
	a := newTestAuditor(t, nil)
	requester := cvmamount.Addr{1}
	if err := a.AddToBlacklist(requester, "bad", 0); err != nil {
		t.Fatalf("AddToBlacklist failed: %v", err)
	}
	decision, err := a.CheckAccess(requester, cvmamount.Addr{}, "op", "x", 0, 100, 0, 0, cvmamount.Hash256{})
	if err != nil {
		t.Fatalf("CheckAccess failed: %v", err)
	}
	if decision != DenyBlacklisted {
		t.Errorf("decision = %v, want DenyBlacklisted", decision)
	}
}

func TestRecentEntriesOrderedNewestFirst(t *testing.T) {
	a := newTestAuditor(t, nil)
	requester := cvmamount.Addr{1}
	for i := 0; i < 3; i++ {
		if _, err := a.CheckAccess(requester, cvmamount.Addr{}, "op", "x", 0, 100, cvmamount.Timestamp(i), 0, cvmamount.Hash256{}); err != nil {
			t.Fatalf("CheckAccess failed: %v", err)
		}
	}
	entries := a.RecentEntries(2)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID <= entries[1].ID {
		t.Errorf("expected newest-first order, got IDs %d then %d", entries[0].ID, entries[1].ID)
	}
}
