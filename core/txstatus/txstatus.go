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

// Package txstatus implements the transaction status table: a hashed,
// fixed-associativity open-addressing table mapping trx-id to
// {phase, commit-time}.
package txstatus

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/gquery/gquery/core/trx"
	"github.com/gquery/gquery/log"
	"github.com/gquery/gquery/metrics"
)

// Phase is the transaction's lifecycle phase. Legal transitions:
// PROCESSING->VALIDATING (with commit_time set atomically),
// VALIDATING->{COMMITTED,ABORT}, PROCESSING->ABORT. Phase values are
// ordered so a reader never observes regression: PROCESSING < VALIDATING
// < {COMMITTED, ABORT}.
type Phase uint32

const (
	Empty Phase = iota
	Processing
	Validating
	Committed
	Abort
)

// Associativity is the fixed per-bucket slot count A.
const Associativity = 8

// MainBucketFraction is the share of buckets in the main-bucket region;
// the rest is the indirect-overflow region.
const MainBucketFraction = 0.8

// ErrOutOfSpace is returned by Insert when the overflow region is
// exhausted; this is fatal for the caller to escalate, not retry.
type ErrOutOfSpace struct{}

func (ErrOutOfSpace) Error() string { return "transaction status table: overflow region exhausted" }

// slot is one associative-table entry. Phase and CommitTime are updated
// with single-word atomic stores so query_status/query_ct readers never
// take a lock.
type slot struct {
	trxID      atomic.Uint64
	phase      atomic.Uint32
	commitTime atomic.Uint64
	erased     atomic.Bool
}

func (s *slot) isEmpty() bool {
	// erased slots are reusable; the overflow chain terminator is
	// trx_id == 0 && !erased, so an erased-but-zeroed slot still reads
	// as occupied to chain walkers until it is fully reclaimed.
	return s.trxID.Load() == 0 && !s.erased.Load()
}

func (s *slot) isReusable() bool {
	return s.trxID.Load() == 0 || s.erased.Load()
}

// gcNode is one entry in a singly-linked GC erase list. Two such lists
// exist (readonly, non-readonly) keyed by bt / end-time respectively,
// since a read-only transaction has no commit-time to anchor erasure to.
type gcNode struct {
	ts   uint64
	trxs []trx.ID // one or more trx ids sharing ts, appended under the list's push lock
	next *gcNode
}

// Table is the transaction status table. mainBuckets holds the first
// MainBucketFraction of buckets; the remaining overflow region is handed
// out from a bump counter as home buckets fill.
type Table struct {
	associativity int
	mainBuckets   int
	slots         []slot // len == (mainBuckets + overflowBuckets) * associativity

	overflowNext  atomic.Uint64 // bump allocator over the overflow region
	overflowCount uint64

	roHead, roTail       *gcNode
	nonROHead, nonROTail *gcNode
	// gcMu serializes pushes and the erase walk against each other. The
	// original design keeps these lists lock-free on the walk side; this
	// port accepts one mutex covering both the (infrequent, per-scan-cycle)
	// erase walk and the (per-commit) push, trading strict lock-freedom for
	// a much simpler, still race-free Go implementation.
	gcMu sync.Mutex

	logger *log.Logger
}

func New(totalSlots int) *Table {
	buckets := totalSlots / Associativity
	if buckets < 1 {
		buckets = 1
	}
	main := int(float64(buckets) * MainBucketFraction)
	if main < 1 {
		main = 1
	}
	overflow := buckets - main
	if overflow < 1 {
		overflow = 1
	}
	t := &Table{
		associativity: Associativity,
		mainBuckets:   main,
		slots:         make([]slot, (main+overflow)*Associativity),
		overflowCount: uint64(overflow),
		logger:        log.NewModuleLogger(log.TxStatus),
	}
	return t
}

func (t *Table) hash(id trx.ID) uint64 {
	return id.HashKey() % uint64(t.mainBuckets)
}

// findSlot implements find_trx: probe the home bucket, and on a full
// bucket walk the overflow chain stored in the bucket's last slot.
func (t *Table) findSlot(id trx.ID) *slot {
	bucket := t.hash(id)
	for {
		base := bucket * uint64(t.associativity)
		for i := 0; i < t.associativity-1; i++ {
			s := &t.slots[base+uint64(i)]
			if trx.ID(s.trxID.Load()) == id && !s.erased.Load() {
				return s
			}
		}
		last := &t.slots[base+uint64(t.associativity-1)]
		chained := last.trxID.Load()
		if chained == 0 && !last.erased.Load() {
			return nil
		}
		if trx.ID(chained) == id && !last.erased.Load() {
			return last
		}
		bucket = chained
	}
}

func (t *Table) allocOverflowBucket() (uint64, bool) {
	n := t.overflowNext.Inc()
	if n > t.overflowCount {
		return 0, false
	}
	return uint64(t.mainBuckets) + n - 1, true
}

// Insert locates the home bucket, linearly probes within it, and walks /
// extends the overflow chain when the bucket is full, writing the slot
// into Processing. Readonly transactions are appended to the readonly GC
// list keyed by bt.
func (t *Table) Insert(id trx.ID, bt uint64, readOnly bool) error {
	bucket := t.hash(id)
	for {
		base := bucket * uint64(t.associativity)
		for i := 0; i < t.associativity-1; i++ {
			s := &t.slots[base+uint64(i)]
			if s.isReusable() {
				s.trxID.Store(uint64(id))
				s.commitTime.Store(0)
				s.erased.Store(false)
				s.phase.Store(uint32(Processing))
				metrics.TSTInsertCount.Inc(1)
				if readOnly {
					t.pushGC(&t.roHead, &t.roTail, bt, id)
				}
				return nil
			}
		}
		last := &t.slots[base+uint64(t.associativity-1)]
		chained := last.trxID.Load()
		if chained == 0 && !last.erased.Load() {
			nextBucket, ok := t.allocOverflowBucket()
			if !ok {
				metrics.TSTOutOfSpace.Inc(1)
				return ErrOutOfSpace{}
			}
			last.trxID.Store(nextBucket)
			bucket = nextBucket
			continue
		}
		bucket = chained
	}
}

// ModifyStatus applies a guarded phase transition. It fails silently
// (returns false) if the slot is missing — the caller (typically a
// remote status write from a different worker) must tolerate races with
// GC.
func (t *Table) ModifyStatus(id trx.ID, newPhase Phase) bool {
	s := t.findSlot(id)
	if s == nil {
		return false
	}
	return transition(s, newPhase)
}

// ModifyStatusWithCommitTime additionally sets commit_time atomically with
// the PROCESSING->VALIDATING transition.
func (t *Table) ModifyStatusWithCommitTime(id trx.ID, newPhase Phase, ct uint64) bool {
	s := t.findSlot(id)
	if s == nil {
		return false
	}
	s.commitTime.Store(ct)
	return transition(s, newPhase)
}

func transition(s *slot, newPhase Phase) bool {
	for {
		cur := Phase(s.phase.Load())
		if !legal(cur, newPhase) {
			return false
		}
		if s.phase.CAS(uint32(cur), uint32(newPhase)) {
			return true
		}
	}
}

func legal(from, to Phase) bool {
	switch from {
	case Processing:
		return to == Validating || to == Abort
	case Validating:
		return to == Committed || to == Abort
	default:
		return false
	}
}

// QueryStatus returns the slot's phase, or false if the trx-id is not
// resident — which is safe to treat as "committed and finalized, already
// reclaimed by GC".
func (t *Table) QueryStatus(id trx.ID) (Phase, bool) {
	s := t.findSlot(id)
	if s == nil {
		return Empty, false
	}
	return Phase(s.phase.Load()), true
}

// QueryCommitTime returns commit_time, readable only once the slot has
// reached Validating, Committed or Abort. A transaction aborted straight
// from Processing reads back 0.
func (t *Table) QueryCommitTime(id trx.ID) (uint64, bool) {
	s := t.findSlot(id)
	if s == nil {
		return 0, false
	}
	phase := Phase(s.phase.Load())
	if phase != Validating && phase != Committed && phase != Abort {
		return 0, false
	}
	return s.commitTime.Load(), true
}

// RecordNonReadOnly appends a finished non-readonly transaction to the
// non-readonly GC list keyed by its end-time.
func (t *Table) RecordNonReadOnly(id trx.ID, endTime uint64) {
	t.pushGC(&t.nonROHead, &t.nonROTail, endTime, id)
}

func (t *Table) pushGC(head, tail **gcNode, ts uint64, id trx.ID) {
	t.gcMu.Lock()
	defer t.gcMu.Unlock()
	if *tail != nil && (*tail).ts == ts {
		(*tail).trxs = append((*tail).trxs, id)
		return
	}
	n := &gcNode{ts: ts, trxs: []trx.ID{id}}
	if *head == nil {
		*head = n
		*tail = n
		return
	}
	(*tail).next = n
	*tail = n
}

// EraseViaMinBT walks both GC lists and erases head entries whose recorded
// timestamp is strictly less than globalMinBT, stopping once fewer than 3
// nodes remain in a list. Erased non-readonly trx-ids are returned so the
// caller can clean secondary indexes.
func (t *Table) EraseViaMinBT(globalMinBT uint64) []trx.ID {
	var erasedNonRO []trx.ID
	t.gcMu.Lock()
	defer t.gcMu.Unlock()

	erasedNonRO = append(erasedNonRO, t.drainList(&t.roHead, &t.roTail, globalMinBT, false)...)
	erasedNonRO = append(erasedNonRO, t.drainList(&t.nonROHead, &t.nonROTail, globalMinBT, true)...)
	return erasedNonRO
}

func (t *Table) drainList(head, tail **gcNode, globalMinBT uint64, nonRO bool) []trx.ID {
	var out []trx.ID
	count := listLen(*head)
	for *head != nil && count >= 3 && (*head).ts < globalMinBT {
		n := *head
		for _, id := range n.trxs {
			if s := t.findSlot(id); s != nil {
				s.erased.Store(true)
				metrics.TSTErased.Inc(1)
			}
			if nonRO {
				out = append(out, id)
			}
		}
		*head = n.next
		if *head == nil {
			*tail = nil
		}
		count--
	}
	return out
}

func listLen(n *gcNode) int {
	c := 0
	for n != nil {
		c++
		n = n.next
	}
	return c
}
