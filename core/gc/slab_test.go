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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlabAllocReturnsFreedNode(t *testing.T) {
	s := NewSlab(2, 4)
	n := &MVCCNode{EndTime: 7}
	s.Free(0, n)

	got, ok := s.Alloc(0)
	assert.True(t, ok)
	assert.Same(t, n, got)

	_, ok = s.Alloc(0)
	assert.False(t, ok, "shard must be empty after its one node was allocated")
}

func TestSlabShardsByThreadID(t *testing.T) {
	s := NewSlab(2, 4)
	s.Free(0, &MVCCNode{EndTime: 1})

	_, ok := s.Alloc(1)
	assert.False(t, ok, "a node freed on thread 0 must not be visible to thread 1's shard")
}

func TestSlabDropsBeyondShardCapacity(t *testing.T) {
	s := NewSlab(1, 2)
	for i := 0; i < 5; i++ {
		s.Free(0, &MVCCNode{EndTime: uint64(i)})
	}
	count := 0
	for {
		if _, ok := s.Alloc(0); !ok {
			break
		}
		count++
	}
	assert.Equal(t, 2, count, "shard capacity bounds how many freed nodes survive a burst")
}
