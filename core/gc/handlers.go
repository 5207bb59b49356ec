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

// Index is the graph layout surface GC handlers erase and defragment.
// Erase calls are expected to take a writer lock on the corresponding
// map for their duration, so no concurrent add-edge operation can
// re-insert an id between the scanner's decision and the erasure.
type Index interface {
	EraseVertex(id uint64) error
	EraseOutEdge(id uint64) error
	EraseInEdge(id uint64) error
	GCPropertyRow(vertexID uint64) error
	DefragPropertyRow(vertexID uint64) error
	GCTopologyRow(vertexID uint64) (returnedEdgeIDs []uint64, err error)
	DefragTopologyRow(vertexID uint64) error
	GCEdgePropertyRow(vertexID uint64) error
	DefragEdgePropertyRow(vertexID uint64) error
}

// MVCCSource frees a vertex's severed MVCC version chain back to the
// slab allocator, indexed by the calling consumer thread.
type MVCCSource interface {
	FreeChain(vertexID uint64, tid int, slab *Slab)
}

// NewDefaultHandlers builds the Handler table every task Type dispatches
// to. threadID must return a stable, densely-packed id per calling
// goroutine (the consumer pool's worker index) so Slab shards stay
// thread-local.
func NewDefaultHandlers(index Index, mvcc MVCCSource, slab *Slab, threadID func() int) map[Type]Handler {
	return map[Type]Handler{
		EraseV: HandlerFunc(func(t *Task) ([]uint64, error) {
			return nil, index.EraseVertex(t.ID.target)
		}),
		EraseOutE: HandlerFunc(func(t *Task) ([]uint64, error) {
			return nil, index.EraseOutEdge(t.ID.target)
		}),
		EraseInE: HandlerFunc(func(t *Task) ([]uint64, error) {
			return nil, index.EraseInEdge(t.ID.target)
		}),
		VMVCCGC: HandlerFunc(func(t *Task) ([]uint64, error) {
			mvcc.FreeChain(t.ID.target, threadID(), slab)
			return nil, nil
		}),
		VPRowListGC: HandlerFunc(func(t *Task) ([]uint64, error) {
			return nil, index.GCPropertyRow(t.ID.target)
		}),
		VPRowListDefrag: HandlerFunc(func(t *Task) ([]uint64, error) {
			return nil, index.DefragPropertyRow(t.ID.target)
		}),
		TopoRowListGC: HandlerFunc(func(t *Task) ([]uint64, error) {
			return index.GCTopologyRow(t.ID.target)
		}),
		TopoRowListDefrag: HandlerFunc(func(t *Task) ([]uint64, error) {
			return nil, index.DefragTopologyRow(t.ID.target)
		}),
		EPRowListGC: HandlerFunc(func(t *Task) ([]uint64, error) {
			return nil, index.GCEdgePropertyRow(t.ID.target)
		}),
		EPRowListDefrag: HandlerFunc(func(t *Task) ([]uint64, error) {
			return nil, index.DefragEdgePropertyRow(t.ID.target)
		}),
	}
}
