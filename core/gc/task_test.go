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
	"github.com/stretchr/testify/require"
)

func TestTypeString(t *testing.T) {
	assert.Equal(t, "erase_v", EraseV.String())
	assert.Equal(t, "eprow_defrag", EPRowListDefrag.String())
	assert.Equal(t, "unknown", Type(999).String())
}

func TestCreateDownstreamSynthesizesEmptyUpstream(t *testing.T) {
	d := NewDAG()
	ds := d.CreateDownstream(VPRowListDefrag, 42, 5)
	require.NotNil(t, ds)
	assert.Equal(t, Active, ds.Status)

	up, ok := d.tasks[id{typ: VPRowListGC, target: 42}]
	require.True(t, ok)
	assert.Equal(t, Empty, up.Status)
	assert.Contains(t, up.downstream, ds.ID)
}

func TestCreateDownstreamDroppedWhenUpstreamAlreadyRunning(t *testing.T) {
	d := NewDAG()
	d.CreateUpstream(VPRowListGC, 7, 3)

	ds := d.CreateDownstream(VPRowListDefrag, 7, 2)
	assert.Nil(t, ds)
	_, ok := d.tasks[id{typ: VPRowListDefrag, target: 7}]
	assert.False(t, ok)
}

func TestCreateDownstreamIdempotent(t *testing.T) {
	d := NewDAG()
	first := d.CreateDownstream(VPRowListDefrag, 1, 5)
	second := d.CreateDownstream(VPRowListDefrag, 1, 99)
	assert.Same(t, first, second)
	assert.Equal(t, 5, second.Cost, "re-discovering an already-queued task leaves its cost untouched")
}

func TestCreateUpstreamSubstantiatesEmptyPlaceholder(t *testing.T) {
	d := NewDAG()
	d.CreateDownstream(VPRowListDefrag, 1, 5)
	up := d.CreateUpstream(VPRowListGC, 1, 9)

	assert.Equal(t, Active, up.Status)
	assert.Equal(t, 9, up.Cost)
	assert.True(t, d.ShouldPush(9))
}

func TestCreateUpstreamInvalidatesActiveDownstream(t *testing.T) {
	d := NewDAG()
	// An Empty placeholder with an Active downstream already attached:
	// substantiating it invalidates that downstream, since the upstream
	// GC task supersedes a pending defrag on the same row.
	ds := d.CreateDownstream(VPRowListDefrag, 1, 5)
	up := d.CreateUpstream(VPRowListGC, 1, 9)

	assert.Equal(t, Invalid, ds.Status)
	assert.Empty(t, ds.upstream)
	assert.NotContains(t, up.downstream, ds.ID)
}

func TestCreateUpstreamBlocksOnPushedDownstream(t *testing.T) {
	d := NewDAG()
	ds := d.CreateDownstream(VPRowListDefrag, 1, 5)
	// Drain while the upstream is still an Empty placeholder: only the
	// downstream (Active) is eligible and becomes Pushed.
	pushed := d.DrainPushable()
	require.Len(t, pushed, 1)
	assert.Same(t, ds, pushed[0])

	// Substantiating the upstream now must block on the in-flight
	// downstream rather than invalidate it.
	up := d.CreateUpstream(VPRowListGC, 1, 20)
	assert.Equal(t, Blocked, up.Status)
	assert.False(t, d.ShouldPush(1))
}

func TestCompleteUnblocksUpstream(t *testing.T) {
	d := NewDAG()
	dsTask := d.CreateDownstream(VPRowListDefrag, 1, 5)
	d.DrainPushable() // downstream becomes Pushed while upstream is still Empty

	up := d.CreateUpstream(VPRowListGC, 1, 20)
	require.Equal(t, Blocked, up.Status)

	d.Complete(VPRowListDefrag, 1)
	assert.Equal(t, Active, up.Status)
	assert.Equal(t, 0, d.sumBlocked)
	_, stillThere := d.tasks[dsTask.ID]
	assert.False(t, stillThere)
}

func TestCompleteDropsEmptyUpstreamOnceOrphaned(t *testing.T) {
	d := NewDAG()
	ds := d.CreateDownstream(VPRowListDefrag, 1, 5)
	d.Complete(VPRowListDefrag, 1)

	_, ok := d.tasks[ds.ID]
	assert.False(t, ok)
	_, ok = d.tasks[id{typ: VPRowListGC, target: 1}]
	assert.False(t, ok, "the orphaned Empty placeholder must be dropped, not leaked")
}

func TestDrainPushableOnlyMovesActive(t *testing.T) {
	d := NewDAG()
	d.CreateUpstream(EraseV, 1, 10)
	d.CreateDownstream(VPRowListDefrag, 2, 5) // the downstream is Active; its synthesized upstream stays Empty

	out := d.DrainPushable()
	require.Len(t, out, 2)
	assert.ElementsMatch(t, []Type{EraseV, VPRowListDefrag}, []Type{out[0].ID.typ, out[1].ID.typ})
	assert.Equal(t, Pushed, out[0].Status)
	assert.Equal(t, Pushed, out[1].Status)
	assert.Equal(t, Empty, d.tasks[id{typ: VPRowListGC, target: 2}].Status)
	assert.Equal(t, 0, d.accumCost)
}

func TestShouldPushRespectsThreshold(t *testing.T) {
	d := NewDAG()
	assert.False(t, d.ShouldPush(1))
	d.CreateUpstream(EraseV, 1, 100)
	assert.True(t, d.ShouldPush(50))
	assert.False(t, d.ShouldPush(200))
}
