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

package mailbox

import (
	"fmt"
	"sync"
)

// LocalCluster is a Cluster backed by in-process Rings, registered
// lazily per (nid, tid) pair. It is the single-host stand-in for a real
// verbs-backed RDMA fabric: every rank shares one address space, so a
// "one-sided write" is just a direct call into the destination's Ring.
type LocalCluster struct {
	self     uint32
	ringSize uint64

	mu       sync.Mutex
	rings    map[uint64]*Ring
	inboxes  map[uint32]chan []byte
}

func NewLocalCluster(self uint32, ringSize uint64) *LocalCluster {
	return &LocalCluster{
		self:     self,
		ringSize: ringSize,
		rings:    make(map[uint64]*Ring),
		inboxes:  make(map[uint32]chan []byte),
	}
}

func ringKey(nid, tid uint32) uint64 { return uint64(nid)<<32 | uint64(tid) }

func (c *LocalCluster) RingFor(dstNID, dstTID uint32) (*Ring, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := ringKey(dstNID, dstTID)
	r, ok := c.rings[k]
	if ok {
		return r, nil
	}
	r, err := NewRing(c.ringSize, nil)
	if err != nil {
		return nil, fmt.Errorf("mailbox: allocating ring for nid=%d tid=%d: %w", dstNID, dstTID, err)
	}
	c.rings[k] = r
	return r, nil
}

func (c *LocalCluster) NotificationInbox(dstNID uint32) (chan []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.inboxes[dstNID]
	if !ok {
		ch = make(chan []byte, 256)
		c.inboxes[dstNID] = ch
	}
	return ch, nil
}

func (c *LocalCluster) SelfNID() uint32 { return c.self }
