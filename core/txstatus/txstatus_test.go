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

package txstatus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gquery/gquery/core/trx"
)

func TestInsertAndQueryStatus(t *testing.T) {
	tbl := New(64)
	require.NoError(t, tbl.Insert(trx.ID(1), 10, false))

	phase, ok := tbl.QueryStatus(trx.ID(1))
	assert.True(t, ok)
	assert.Equal(t, Processing, phase)
}

func TestQueryStatusMissingIsFalse(t *testing.T) {
	tbl := New(64)
	_, ok := tbl.QueryStatus(trx.ID(404))
	assert.False(t, ok)
}

func TestLegalTransitions(t *testing.T) {
	tbl := New(64)
	require.NoError(t, tbl.Insert(trx.ID(1), 10, false))

	assert.True(t, tbl.ModifyStatusWithCommitTime(trx.ID(1), Validating, 99))
	phase, _ := tbl.QueryStatus(trx.ID(1))
	assert.Equal(t, Validating, phase)

	ct, ok := tbl.QueryCommitTime(trx.ID(1))
	assert.True(t, ok)
	assert.Equal(t, uint64(99), ct)

	assert.True(t, tbl.ModifyStatus(trx.ID(1), Committed))
	phase, _ = tbl.QueryStatus(trx.ID(1))
	assert.Equal(t, Committed, phase)
}

func TestIllegalTransitionRejected(t *testing.T) {
	tbl := New(64)
	require.NoError(t, tbl.Insert(trx.ID(1), 10, false))

	// Processing cannot jump straight to Committed.
	assert.False(t, tbl.ModifyStatus(trx.ID(1), Committed))
	phase, _ := tbl.QueryStatus(trx.ID(1))
	assert.Equal(t, Processing, phase)
}

func TestModifyStatusOnMissingSlotReturnsFalse(t *testing.T) {
	tbl := New(64)
	assert.False(t, tbl.ModifyStatus(trx.ID(123), Validating))
}

func TestQueryCommitTimeNotYetSet(t *testing.T) {
	tbl := New(64)
	require.NoError(t, tbl.Insert(trx.ID(1), 10, false))
	_, ok := tbl.QueryCommitTime(trx.ID(1))
	assert.False(t, ok, "commit time is unreadable before reaching Validating")
}

func TestEraseViaMinBTStopsBelowThreeResidentNodes(t *testing.T) {
	tbl := New(64)
	for i := uint64(1); i <= 2; i++ {
		require.NoError(t, tbl.Insert(trx.ID(i), i, true))
	}

	erased := tbl.EraseViaMinBT(1000)
	assert.Empty(t, erased, "fewer than 3 GC nodes must never drain, even with a generous horizon")
	_, ok := tbl.QueryStatus(trx.ID(1))
	assert.True(t, ok)
}

func TestEraseViaMinBTDrainsReadOnlyAndNonReadOnly(t *testing.T) {
	tbl := New(64)
	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, tbl.Insert(trx.ID(i), i, true))
	}
	for i := uint64(5); i <= 8; i++ {
		require.NoError(t, tbl.Insert(trx.ID(i), 0, false))
		tbl.RecordNonReadOnly(trx.ID(i), i)
	}

	erased := tbl.EraseViaMinBT(7)
	// non-readonly erasures are reported back for secondary-index cleanup;
	// readonly erasures are not, since they have no secondary index entry.
	assert.NotEmpty(t, erased)
	for _, id := range erased {
		assert.True(t, id >= 5, "only non-readonly ids are ever returned")
	}

	_, ok := tbl.QueryStatus(trx.ID(1))
	assert.False(t, ok, "erased readonly slot must read as absent")
}

func TestOutOfSpaceError(t *testing.T) {
	tbl := New(Associativity) // a single bucket pair: main=0(forced to 1)+overflow=1
	var lastErr error
	for i := uint64(1); i <= 200; i++ {
		if err := tbl.Insert(trx.ID(i), i, false); err != nil {
			lastErr = err
			break
		}
	}
	assert.Error(t, lastErr)
	assert.IsType(t, ErrOutOfSpace{}, lastErr)
}
