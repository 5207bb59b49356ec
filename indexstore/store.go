// Copyright 2024 The gquery Authors
// This file is part of the gquery library.
//
// The gquery library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The gquery library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the gquery library. If not, see <http://www.gnu.org/licenses/>.

// Package indexstore is the pluggable key-value facade the graph layout's
// persisted indexes sit behind: vertex/edge/property rows are out of
// scope here, but whatever backs them erases through this facade, so GC
// handlers and the layout share one storage abstraction regardless of
// which engine a deployment picked.
package indexstore

import (
	"errors"
	"os"

	"github.com/dgraph-io/badger"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/gquery/gquery/log"
)

func leveldbPrefixRange(prefix []byte) *util.Range { return util.BytesPrefix(prefix) }

// Type selects the backing engine.
type Type int

const (
	LevelDB Type = iota
	Badger
	Memory
)

var ErrNotFound = errors.New("indexstore: key not found")

// Batch buffers writes for one atomic commit.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Write() error
}

// Store is the key-value surface every backend implements.
type Store interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	NewBatch() Batch
	NewIterator(prefix []byte) Iterator
	Close() error
}

// Iterator walks keys sharing a prefix in ascending order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
}

// Config selects and sizes the backend.
type Config struct {
	Dir            string
	DBType         Type
	CacheSize      int // LevelDB block cache, bytes
	Handles        int // LevelDB open file handles
	EnableCaching  bool
	ReadCacheBytes int // fastcache size when EnableCaching is set
}

// Open constructs a Store for cfg.DBType, optionally wrapped in a
// read-through fastcache layer.
func Open(cfg Config) (Store, error) {
	var s Store
	var err error
	switch cfg.DBType {
	case LevelDB:
		s, err = newLevelDBStore(cfg)
	case Badger:
		s, err = newBadgerStore(cfg)
	case Memory:
		s = newMemStore()
	default:
		log.NewModuleLogger(log.IndexStore).Warn("unset indexstore backend, defaulting to LevelDB")
		s, err = newLevelDBStore(cfg)
	}
	if err != nil {
		return nil, err
	}
	if cfg.EnableCaching {
		s = newCachedStore(s, cfg.ReadCacheBytes)
	}
	return s, nil
}

type levelDBStore struct{ db *leveldb.DB }

func newLevelDBStore(cfg Config) (Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	opts := &opt.Options{
		OpenFilesCacheCapacity: cfg.Handles,
		BlockCacheCapacity:     cfg.CacheSize,
	}
	db, err := leveldb.OpenFile(cfg.Dir, opts)
	if err != nil {
		return nil, err
	}
	return &levelDBStore{db: db}, nil
}

func (s *levelDBStore) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *levelDBStore) Has(key []byte) (bool, error) { return s.db.Has(key, nil) }
func (s *levelDBStore) Put(key, value []byte) error  { return s.db.Put(key, value, nil) }
func (s *levelDBStore) Delete(key []byte) error       { return s.db.Delete(key, nil) }
func (s *levelDBStore) Close() error                  { return s.db.Close() }

func (s *levelDBStore) NewBatch() Batch {
	return &levelDBBatch{db: s.db, batch: new(leveldb.Batch)}
}

type levelDBBatch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
}

func (b *levelDBBatch) Put(key, value []byte) error { b.batch.Put(key, value); return nil }
func (b *levelDBBatch) Delete(key []byte) error      { b.batch.Delete(key); return nil }
func (b *levelDBBatch) Write() error                 { return b.db.Write(b.batch, nil) }

type levelDBIterator struct {
	it     interface {
		Next() bool
		Key() []byte
		Value() []byte
		Release()
	}
}

func (s *levelDBStore) NewIterator(prefix []byte) Iterator {
	rng := leveldbPrefixRange(prefix)
	return &levelDBIterator{it: s.db.NewIterator(rng, nil)}
}

func (i *levelDBIterator) Next() bool    { return i.it.Next() }
func (i *levelDBIterator) Key() []byte   { return i.it.Key() }
func (i *levelDBIterator) Value() []byte { return i.it.Value() }
func (i *levelDBIterator) Release()      { i.it.Release() }

type badgerStore struct{ db *badger.DB }

func newBadgerStore(cfg Config) (Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions
	opts.Dir = cfg.Dir
	opts.ValueDir = cfg.Dir
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

func (s *badgerStore) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (s *badgerStore) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (s *badgerStore) Put(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error { return txn.Set(key, value) })
}

func (s *badgerStore) Delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error { return txn.Delete(key) })
}

func (s *badgerStore) Close() error { return s.db.Close() }

func (s *badgerStore) NewBatch() Batch { return &badgerBatch{db: s.db, wb: s.db.NewWriteBatch()} }

type badgerBatch struct {
	db *badger.DB
	wb *badger.WriteBatch
}

func (b *badgerBatch) Put(key, value []byte) error { return b.wb.Set(key, value, 0) }
func (b *badgerBatch) Delete(key []byte) error      { return b.wb.Delete(key) }
func (b *badgerBatch) Write() error                 { return b.wb.Flush() }

type badgerIterator struct {
	txn    *badger.Txn
	it     *badger.Iterator
	prefix []byte
	first  bool
}

func (s *badgerStore) NewIterator(prefix []byte) Iterator {
	txn := s.db.NewTransaction(false)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	it.Seek(prefix)
	return &badgerIterator{txn: txn, it: it, prefix: prefix, first: true}
}

func (i *badgerIterator) Next() bool {
	if !i.first {
		i.it.Next()
	}
	i.first = false
	return i.it.ValidForPrefix(i.prefix)
}

func (i *badgerIterator) Key() []byte { return i.it.Item().KeyCopy(nil) }
func (i *badgerIterator) Value() []byte {
	v, _ := i.it.Item().ValueCopy(nil)
	return v
}
func (i *badgerIterator) Release() { i.it.Close(); i.txn.Discard() }
