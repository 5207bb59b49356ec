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

// Package rct implements the recently-committed table: an ordered map
// ct -> trx_id used to validate serializability. A validating
// transaction must see every peer's commit activity in [bt, ct) before it
// may proceed.
package rct

import (
	"sync"

	"github.com/google/btree"

	"github.com/gquery/gquery/core/trx"
	"github.com/gquery/gquery/log"
	"github.com/gquery/gquery/metrics"
)

// entry is a btree item ordered by CommitTime.
type entry struct {
	CommitTime uint64
	TrxID      trx.ID
}

func (e *entry) Less(other btree.Item) bool {
	return e.CommitTime < other.(*entry).CommitTime
}

// Table is the ordered ct->trx_id map, guarded by a sync.RWMutex. A
// writer waiting on that mutex blocks new readers, and writers hold it
// only for a single btree insert or one Erase sweep.
type Table struct {
	mu   sync.RWMutex
	tree *btree.BTree

	logger *log.Logger
}

func New() *Table {
	return &Table{tree: btree.New(32), logger: log.NewModuleLogger(log.RCT)}
}

// Insert records a validating transaction's commit-time, so later
// validations can see it in their conflict window.
func (t *Table) Insert(ct uint64, id trx.ID) {
	t.mu.Lock()
	t.tree.ReplaceOrInsert(&entry{CommitTime: ct, TrxID: id})
	t.mu.Unlock()
	metrics.RCTInserted.Inc(1)
}

// Query returns every trx-id with a commit-time key such that bt <= key <
// ct: the upper bound is exclusive, since a transaction committing at
// exactly ct is the validating transaction's own prospective commit and
// cannot conflict with itself.
func (t *Table) Query(bt, ct uint64) []trx.ID {
	var out []trx.ID
	t.mu.RLock()
	t.tree.AscendRange(&entry{CommitTime: bt}, &entry{CommitTime: ct}, func(i btree.Item) bool {
		out = append(out, i.(*entry).TrxID)
		return true
	})
	t.mu.RUnlock()
	return out
}

// Erase removes all entries with ct < minBT, reclaiming space once no
// in-flight snapshot can still need them.
func (t *Table) Erase(minBT uint64) int {
	var toRemove []btree.Item
	t.mu.Lock()
	t.tree.AscendLessThan(&entry{CommitTime: minBT}, func(i btree.Item) bool {
		toRemove = append(toRemove, i)
		return true
	})
	for _, i := range toRemove {
		t.tree.Delete(i)
	}
	t.mu.Unlock()
	metrics.RCTErased.Inc(int64(len(toRemove)))
	return len(toRemove)
}

// Len reports the number of live entries, used by the debug/metrics server.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}

// Union merges RCT query results gathered from every peer into the set a
// parked validation needs, de-duplicating by id.
func Union(results [][]trx.ID) []trx.ID {
	seen := make(map[trx.ID]struct{})
	var out []trx.ID
	for _, r := range results {
		for _, id := range r {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}
