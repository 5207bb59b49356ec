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
	"encoding/binary"
	"sync"
)

// Row key prefixes. The cell/version layout within a row is out of
// scope; KVIndex only needs to know how to find a row and, for topology
// rows, how to pull the edge ids back out of it before dropping it.
const (
	prefixVertex   = "v:"
	prefixOutEdge  = "oe:"
	prefixInEdge   = "ie:"
	prefixVProp    = "vp:"
	prefixTopo     = "topo:"
	prefixEProp    = "ep:"
)

// KVIndex implements core/gc's Index interface over a Store, giving the
// garbage collector a concrete erase/defrag target without depending on
// the real graph layout.
type KVIndex struct {
	store Store

	// rowLocks serializes an erase against a concurrent add-edge touching
	// the same vertex id's topology row, per the "writer lock on the
	// corresponding map" requirement GC handlers rely on.
	mu       sync.Mutex
	rowLocks map[uint64]*sync.Mutex
}

func NewKVIndex(store Store) *KVIndex {
	return &KVIndex{store: store, rowLocks: make(map[uint64]*sync.Mutex)}
}

func (x *KVIndex) lockFor(id uint64) *sync.Mutex {
	x.mu.Lock()
	defer x.mu.Unlock()
	l, ok := x.rowLocks[id]
	if !ok {
		l = new(sync.Mutex)
		x.rowLocks[id] = l
	}
	return l
}

func key(prefix string, id uint64) []byte {
	b := make([]byte, len(prefix)+8)
	copy(b, prefix)
	binary.BigEndian.PutUint64(b[len(prefix):], id)
	return b
}

func (x *KVIndex) EraseVertex(id uint64) error {
	l := x.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return x.store.Delete(key(prefixVertex, id))
}

func (x *KVIndex) EraseOutEdge(id uint64) error {
	l := x.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return x.store.Delete(key(prefixOutEdge, id))
}

func (x *KVIndex) EraseInEdge(id uint64) error {
	l := x.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return x.store.Delete(key(prefixInEdge, id))
}

func (x *KVIndex) GCPropertyRow(vertexID uint64) error {
	l := x.lockFor(vertexID)
	l.Lock()
	defer l.Unlock()
	return x.store.Delete(key(prefixVProp, vertexID))
}

// DefragPropertyRow rewrites a row in place. The cell compaction itself
// is the layout's concern; here it is a read-modify-write no-op, which is
// enough to exercise the same lock discipline a real compaction would use.
func (x *KVIndex) DefragPropertyRow(vertexID uint64) error {
	l := x.lockFor(vertexID)
	l.Lock()
	defer l.Unlock()
	v, err := x.store.Get(key(prefixVProp, vertexID))
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return x.store.Put(key(prefixVProp, vertexID), v)
}

// GCTopologyRow drops vertexID's topology row and returns the edge ids it
// held, so the caller can fan those out to EraseOutE/EraseInE tasks.
func (x *KVIndex) GCTopologyRow(vertexID uint64) ([]uint64, error) {
	l := x.lockFor(vertexID)
	l.Lock()
	defer l.Unlock()
	k := key(prefixTopo, vertexID)
	v, err := x.store.Get(k)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids := decodeEdgeIDs(v)
	return ids, x.store.Delete(k)
}

func (x *KVIndex) DefragTopologyRow(vertexID uint64) error {
	l := x.lockFor(vertexID)
	l.Lock()
	defer l.Unlock()
	v, err := x.store.Get(key(prefixTopo, vertexID))
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return x.store.Put(key(prefixTopo, vertexID), v)
}

func (x *KVIndex) GCEdgePropertyRow(vertexID uint64) error {
	l := x.lockFor(vertexID)
	l.Lock()
	defer l.Unlock()
	return x.store.Delete(key(prefixEProp, vertexID))
}

func (x *KVIndex) DefragEdgePropertyRow(vertexID uint64) error {
	l := x.lockFor(vertexID)
	l.Lock()
	defer l.Unlock()
	v, err := x.store.Get(key(prefixEProp, vertexID))
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return x.store.Put(key(prefixEProp, vertexID), v)
}

func decodeEdgeIDs(v []byte) []uint64 {
	n := len(v) / 8
	ids := make([]uint64, n)
	for i := 0; i < n; i++ {
		ids[i] = binary.BigEndian.Uint64(v[i*8:])
	}
	return ids
}
