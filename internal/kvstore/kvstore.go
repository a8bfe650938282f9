// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package kvstore implements the ordered byte-keyed store façade every
// other component persists through: get/put/del, prefix scan, and atomic
// batch commit, backed by goleveldb.
package kvstore

import (
	"errors"

	"github.com/decred/slog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = leveldb.ErrNotFound

var log = slog.Disabled

// UseLogger sets the logging backend used by the package.
func UseLogger(logger slog.Logger) { log = logger }

// Store is a handle to the backing database. It owns persistent bytes
// exclusively; every subsystem keeps its own in-memory caches on top.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if necessary) a goleveldb database at dir.
func Open(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key, nil)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Put writes key/val. Invariant-critical writes pass sync=true so the
// commit is durable (fsync-equivalent) before returning.
func (s *Store) Put(key, val []byte, sync bool) error {
	wo := &opt.WriteOptions{Sync: sync}
	return s.db.Put(key, val, wo)
}

// Del removes key. A missing key is not an error.
func (s *Store) Del(key []byte, sync bool) error {
	wo := &opt.WriteOptions{Sync: sync}
	return s.db.Delete(key, wo)
}

// Entry is one key/value pair yielded by a prefix scan.
type Entry struct {
	Key []byte
	Val []byte
}

// ScanPrefix returns every entry whose key starts with prefix, in
// ascending byte order, which goleveldb already guarantees for its
// underlying sorted table.
func (s *Store) ScanPrefix(prefix []byte) ([]Entry, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var entries []Entry
	for iter.Next() {
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		v := make([]byte, len(iter.Value()))
		copy(v, iter.Value())
		entries = append(entries, Entry{Key: k, Val: v})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Batch accumulates a set of writes applied atomically by Commit.
type Batch struct {
	b *leveldb.Batch
}

// NewBatch returns an empty batch.
func (s *Store) NewBatch() *Batch {
	return &Batch{b: new(leveldb.Batch)}
}

// Put stages a write in the batch.
func (b *Batch) Put(key, val []byte) { b.b.Put(key, val) }

// Del stages a delete in the batch.
func (b *Batch) Del(key []byte) { b.b.Delete(key) }

// Commit applies every staged write atomically. sync requests a durable
// commit, required for invariant-critical state (bond registration, audit
// entries, anchors).
func (s *Store) Commit(b *Batch, sync bool) error {
	if b == nil || b.b.Len() == 0 {
		return nil
	}
	wo := &opt.WriteOptions{Sync: sync}
	return s.db.Write(b.b, wo)
}

// IsNotFound reports whether err indicates a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, leveldb.ErrNotFound)
}
