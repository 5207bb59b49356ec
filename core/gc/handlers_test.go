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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	erasedVertex, erasedOutE, erasedInE uint64
	gcTopoTarget                        uint64
	topoReturn                          []uint64
	topoErr                             error
}

func (f *fakeIndex) EraseVertex(id uint64) error       { f.erasedVertex = id; return nil }
func (f *fakeIndex) EraseOutEdge(id uint64) error      { f.erasedOutE = id; return nil }
func (f *fakeIndex) EraseInEdge(id uint64) error       { f.erasedInE = id; return nil }
func (f *fakeIndex) GCPropertyRow(id uint64) error     { return nil }
func (f *fakeIndex) DefragPropertyRow(id uint64) error { return nil }
func (f *fakeIndex) GCTopologyRow(id uint64) ([]uint64, error) {
	f.gcTopoTarget = id
	return f.topoReturn, f.topoErr
}
func (f *fakeIndex) DefragTopologyRow(id uint64) error   { return nil }
func (f *fakeIndex) GCEdgePropertyRow(id uint64) error   { return nil }
func (f *fakeIndex) DefragEdgePropertyRow(id uint64) error { return nil }

type fakeMVCC struct {
	freedVertex uint64
	freedTid    int
}

func (f *fakeMVCC) FreeChain(vertexID uint64, tid int, slab *Slab) {
	f.freedVertex = vertexID
	f.freedTid = tid
}

func TestDefaultHandlersEraseVDelegatesToIndex(t *testing.T) {
	idx := &fakeIndex{}
	handlers := NewDefaultHandlers(idx, &fakeMVCC{}, NewSlab(1, 16), func() int { return 0 })

	task := newTask(EraseV, 42, 1)
	_, err := handlers[EraseV].Handle(task)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), idx.erasedVertex)
}

func TestDefaultHandlersVMVCCGCUsesThreadIDAndSlab(t *testing.T) {
	mvcc := &fakeMVCC{}
	handlers := NewDefaultHandlers(&fakeIndex{}, mvcc, NewSlab(1, 16), func() int { return 3 })

	task := newTask(VMVCCGC, 9, 1)
	_, err := handlers[VMVCCGC].Handle(task)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), mvcc.freedVertex)
	assert.Equal(t, 3, mvcc.freedTid)
}

func TestDefaultHandlersTopoRowListGCReturnsEdgeIDs(t *testing.T) {
	idx := &fakeIndex{topoReturn: []uint64{1, 2, 3}}
	handlers := NewDefaultHandlers(idx, &fakeMVCC{}, NewSlab(1, 16), func() int { return 0 })

	task := newTask(TopoRowListGC, 5, 1)
	ids, err := handlers[TopoRowListGC].Handle(task)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, ids)
	assert.Equal(t, uint64(5), idx.gcTopoTarget)
}

func TestDefaultHandlersPropagatesIndexError(t *testing.T) {
	idx := &fakeIndex{topoErr: errors.New("boom")}
	handlers := NewDefaultHandlers(idx, &fakeMVCC{}, NewSlab(1, 16), func() int { return 0 })

	_, err := handlers[TopoRowListGC].Handle(newTask(TopoRowListGC, 1, 1))
	assert.Error(t, err)
}

func TestDefaultHandlersCoversEveryTaskType(t *testing.T) {
	handlers := NewDefaultHandlers(&fakeIndex{}, &fakeMVCC{}, NewSlab(1, 16), func() int { return 0 })
	for _, typ := range []Type{
		EraseV, EraseOutE, EraseInE, VMVCCGC, VPRowListGC, VPRowListDefrag,
		TopoRowListGC, TopoRowListDefrag, EPRowListGC, EPRowListDefrag,
	} {
		assert.Contains(t, handlers, typ)
	}
}
