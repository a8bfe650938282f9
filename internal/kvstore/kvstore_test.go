// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package kvstore

import (
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDel(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put([]byte("k1"), []byte("v1"), false); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	v, err := s.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(v) != "v1" {
		t.Errorf("Get = %q, want %q", v, "v1")
	}

	if err := s.Del([]byte("k1"), false); err != nil {
		t.Fatalf("Del failed: %v", err)
	}
	if _, err := s.Get([]byte("k1")); !IsNotFound(err) {
		t.Errorf("expected IsNotFound after Del, got %v", err)
	}
}

func TestGetMissingKey(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get([]byte("missing"))
	if !IsNotFound(err) {
		t.Errorf("expected IsNotFound, got %v", err)
	}
}

func TestDelMissingKeyIsNotError(t *testing.T) {
	s := openTestStore(t)
	if err := s.Del([]byte("missing"), false); err != nil {
		t.Errorf("Del of missing key should not error, got %v", err)
	}
}

func TestScanPrefixOrdering(t *testing.T) {
	s := openTestStore(t)
	keys := []string{"p:b", "p:a", "p:c", "q:x"}
	for _, k := range keys {
		if err := s.Put([]byte(k), []byte("v"), false); err != nil {
			t.Fatalf("Put(%s) failed: %v", k, err)
		}
	}

	entries, err := s.ScanPrefix([]byte("p:"))
	if err != nil {
		t.Fatalf("ScanPrefix failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	want := []string{"p:a", "p:b", "p:c"}
	for i, e := range entries {
		if string(e.Key) != want[i] {
			t.Errorf("entry %d = %q, want %q", i, e.Key, want[i])
		}
	}
}

func TestBatchCommitIsAtomic(t *testing.T) {
	s := openTestStore(t)

	b := s.NewBatch()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	if err := s.Commit(b, false); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	for k, want := range map[string]string{"a": "1", "b": "2"} {
		v, err := s.Get([]byte(k))
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", k, err)
		}
		if string(v) != want {
			t.Errorf("Get(%s) = %q, want %q", k, v, want)
		}
	}
}

func TestBatchCommitDeletes(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put([]byte("a"), []byte("1"), false); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	b := s.NewBatch()
	b.Del([]byte("a"))
	if err := s.Commit(b, false); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, err := s.Get([]byte("a")); !IsNotFound(err) {
		t.Errorf("expected IsNotFound after batched delete, got %v", err)
	}
}

func TestCommitEmptyBatchIsNoop(t *testing.T) {
	s := openTestStore(t)
	if err := s.Commit(s.NewBatch(), false); err != nil {
		t.Errorf("committing an empty batch should not error, got %v", err)
	}
	if err := s.Commit(nil, false); err != nil {
		t.Errorf("committing a nil batch should not error, got %v", err)
	}
}
