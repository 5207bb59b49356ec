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

package gc

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/gquery/gquery/log"
)

// Slab is the free-list MVCC nodes are returned to once their severed
// list is walked and unlinked, indexed by the consumer thread-id that
// freed them so the next allocation on that same thread is a local cache
// hit instead of a cross-thread bounce. Each shard is bounded so a burst
// of frees cannot grow the free list without limit — past capacity,
// freed nodes are simply dropped, same as running off the end of an LRU.
type Slab struct {
	shards []*lru.Cache
	logger *log.Logger
}

// NewSlab allocates one bounded LRU shard per thread, shardSize entries
// each.
func NewSlab(threadCount, shardSize int) *Slab {
	s := &Slab{
		shards: make([]*lru.Cache, threadCount),
		logger: log.NewModuleLogger(log.GC),
	}
	for i := range s.shards {
		c, err := lru.New(shardSize)
		if err != nil {
			s.logger.Fatal("slab shard allocation failed", "thread", i, "err", err)
		}
		s.shards[i] = c
	}
	return s
}

// Free returns node to thread tid's shard, keyed by its own address so a
// later Alloc on the same thread can pop an arbitrary free node back out.
func (s *Slab) Free(tid int, node *MVCCNode) {
	s.shards[tid%len(s.shards)].Add(node, node)
}

// Alloc pops any one free node from thread tid's shard, or reports none
// available so the caller falls back to a fresh allocation.
func (s *Slab) Alloc(tid int) (*MVCCNode, bool) {
	shard := s.shards[tid%len(s.shards)]
	keys := shard.Keys()
	if len(keys) == 0 {
		return nil, false
	}
	key := keys[len(keys)-1]
	v, ok := shard.Peek(key)
	if !ok {
		return nil, false
	}
	shard.Remove(key)
	return v.(*MVCCNode), true
}

// MVCCNode is the reusable unit a VMVCCGC handler frees back to the slab
// allocator: a version-chain link, opaque to GC beyond its own linkage.
type MVCCNode struct {
	EndTime uint64
	Next    *MVCCNode
}
