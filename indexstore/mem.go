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

package indexstore

import (
	"bytes"
	"sort"
	"sync"
)

// memStore is an in-process Store used by tests and by single-process
// development clusters that want no disk dependency at all.
type memStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newMemStore() Store { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *memStore) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *memStore) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[string(key)] = v
	return nil
}

func (m *memStore) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *memStore) Close() error { return nil }

type memOp struct {
	key     []byte
	value   []byte
	deleted bool
}

type memBatch struct {
	store *memStore
	ops   []memOp
}

func (m *memStore) NewBatch() Batch { return &memBatch{store: m} }

func (b *memBatch) Put(key, value []byte) error {
	b.ops = append(b.ops, memOp{key: key, value: value})
	return nil
}

func (b *memBatch) Delete(key []byte) error {
	b.ops = append(b.ops, memOp{key: key, deleted: true})
	return nil
}

func (b *memBatch) Write() error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for _, op := range b.ops {
		if op.deleted {
			delete(b.store.data, string(op.key))
			continue
		}
		v := make([]byte, len(op.value))
		copy(v, op.value)
		b.store.data[string(op.key)] = v
	}
	return nil
}

type memIterator struct {
	keys []string
	vals [][]byte
	pos  int
}

func (m *memStore) NewIterator(prefix []byte) Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = m.data[k]
	}
	return &memIterator{keys: keys, vals: vals, pos: -1}
}

func (it *memIterator) Next() bool {
	it.pos++
	return it.pos < len(it.keys)
}
func (it *memIterator) Key() []byte   { return []byte(it.keys[it.pos]) }
func (it *memIterator) Value() []byte { return it.vals[it.pos] }
func (it *memIterator) Release()      {}
