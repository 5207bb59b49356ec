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

// Package runningtrx implements the RunningTrxList and the MIN_BT gossip
// protocol: a doubly-linked list of in-flight begin-times ordered by
// insertion, plus the gossip loop that derives a global floor below which
// no transaction can still be reading.
package runningtrx

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/gquery/gquery/log"
)

type node struct {
	bt         uint64
	prev, next *node
}

// PeerPublisher advertises this worker's MIN_BT to every peer and lets the
// caller read every peer's last-advertised value, behind a single
// interface whatever the transport. The TCP-mode implementation in
// cmd/gquery sends nothing and reports 0 for every peer.
type PeerPublisher interface {
	Publish(minBT uint64)
	PeerMinBT(peer int) uint64
	PeerCount() int
	Rank() int
}

// List is a doubly-linked list of live begin-times in insertion order, plus
// a hash index for O(1) erasure.
type List struct {
	mu    sync.Mutex
	head  *node
	tail  *node
	index map[uint64]*node

	minBT       atomic.Uint64
	globalMinBT atomic.Uint64

	publisher PeerPublisher
	logger    *log.Logger
}

func New(publisher PeerPublisher) *List {
	return &List{
		index:     make(map[uint64]*node),
		publisher: publisher,
		logger:    log.NewModuleLogger(log.RunningTrx),
	}
}

// Insert appends bt to the tail, updating min_bt_ to bt when the list was
// empty. Begin-time uniqueness guarantees no duplicate bt ever appears.
func (l *List) Insert(bt uint64) {
	l.mu.Lock()
	n := &node{bt: bt, prev: l.tail}
	if l.tail != nil {
		l.tail.next = n
	}
	l.tail = n
	wasEmpty := l.head == nil
	if wasEmpty {
		l.head = n
	}
	l.index[bt] = n
	l.mu.Unlock()

	if wasEmpty {
		l.publishMinBT(bt)
	}
}

// Erase unlinks bt via the hash index; when the head changes, the new
// head's bt is published as this worker's MIN_BT.
func (l *List) Erase(bt uint64) {
	l.mu.Lock()
	n, ok := l.index[bt]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.index, bt)
	headChanged := l.head == n

	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	var newHeadBT uint64
	haveNewHead := l.head != nil
	if haveNewHead {
		newHeadBT = l.head.bt
	}
	l.mu.Unlock()

	if headChanged && haveNewHead {
		l.publishMinBT(newHeadBT)
	}
}

func (l *List) publishMinBT(bt uint64) {
	l.minBT.Store(bt)
	if l.publisher != nil {
		l.publisher.Publish(bt)
	}
}

// MinBT returns this worker's current minimum begin-time: the smallest
// begin-time among every transaction still running on this worker.
func (l *List) MinBT() uint64 {
	return l.minBT.Load()
}

// GlobalMinBT returns the last value computed by UpdateGlobalMinBT.
func (l *List) GlobalMinBT() uint64 {
	return l.globalMinBT.Load()
}

// UpdateGlobalMinBT is called by GC: read every peer's advertised min
// (including self), take the maximum — which is in fact the minimum
// begin-time across all workers, because every peer publishes a
// non-decreasing value — and store it into global_min_bt_.
func (l *List) UpdateGlobalMinBT() uint64 {
	if l.publisher == nil {
		v := l.minBT.Load()
		l.globalMinBT.Store(v)
		return v
	}
	max := l.minBT.Load()
	for peer := 0; peer < l.publisher.PeerCount(); peer++ {
		if peer == l.publisher.Rank() {
			continue
		}
		if v := l.publisher.PeerMinBT(peer); v > max {
			max = v
		}
	}
	l.globalMinBT.Store(max)
	return max
}

// Count returns the number of transactions currently resident in the
// list, for status reporting; it is not on any hot path.
func (l *List) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.index)
}

// RunMinBTListener is the dedicated MIN_BT listener thread: it calls
// UpdateGlobalMinBT on a fixed period until stop is closed, keeping
// GlobalMinBT fresh for the GC producer to read without making GC's own
// scan period respond to peer gossip latency.
func (l *List) RunMinBTListener(stop <-chan struct{}, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.UpdateGlobalMinBT()
		case <-stop:
			return
		}
	}
}

// TaggedWord is a cache-line layout for RDMA one-sided publication: the
// value is carried twice with a monotonic tag so readers detect torn
// writes by checking Value0==Value1 && Tag0+1==Tag1.
type TaggedWord struct {
	Value0, Tag0 uint64
	Value1, Tag1 uint64
}

// WriteTagged produces a torn-write-detectable encoding of value at tag.
func WriteTagged(value, tag uint64) TaggedWord {
	return TaggedWord{Value0: value, Tag0: tag, Value1: value, Tag1: tag + 1}
}

// ReadConsistent returns (value, ok); ok is false if the reader observed a
// torn write and should retry.
func (w TaggedWord) ReadConsistent() (uint64, bool) {
	if w.Value0 == w.Value1 && w.Tag0+1 == w.Tag1 {
		return w.Value0, true
	}
	return 0, false
}
