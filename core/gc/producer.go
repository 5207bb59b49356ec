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
	"hash/fnv"
	"time"

	"github.com/steakknife/bloomfilter"

	"github.com/gquery/gquery/log"
	"github.com/gquery/gquery/metrics"
)

// VertexReclaim is a whole vertex the scanner found reclaimable: its
// MVCC-list head end-time is strictly less than GLOBAL_MIN_BT.
type VertexReclaim struct {
	VertexID uint64
	Cost     int
}

// RowFragment is a property or topology row whose invisible-cell count
// has crossed its type's defrag threshold.
type RowFragment struct {
	VertexID uint64
	Type     Type
	Cost     int
}

// EdgeReclaim is an edge id returned by a TopoRowListGC consumer for
// erasure from the adjacency maps.
type EdgeReclaim struct {
	EdgeID   uint64
	Outgoing bool
	Cost     int
}

// Thresholds is the per-task-type invisible-cell count above which the
// scanner emits a defragmentation task, read from configuration.
type Thresholds struct {
	VPRowList   int
	TopoRowList int
	EPRowList   int
}

// Layout is the graph storage surface the scanner walks. Its internals
// (vertex map, row layout) are out of scope here; whatever backs it only
// needs to answer these three questions once per scan pass.
type Layout interface {
	ReclaimableVertices(globalMinBT uint64) []VertexReclaim
	FragmentedRows(t Thresholds) []RowFragment
	DrainReturnedEdgeIDs() []EdgeReclaim
}

// MinBTSource supplies the cluster-wide horizon below which nothing is
// visible to any present or future transaction.
type MinBTSource interface {
	GlobalMinBT() uint64
}

// Producer is the GC scanner thread: it wakes on a fixed period, walks
// the layout, and turns what it finds into DAG tasks, which it then
// drains into the consumer pool once the accumulated cost crosses
// threshold.
type Producer struct {
	layout     Layout
	minbt      MinBTSource
	dag        *DAG
	thresholds Thresholds
	period     time.Duration
	costThresh int

	consumer *Consumer

	seen   *bloomfilter.Filter
	stop   chan struct{}
	logger *log.Logger
}

// NewProducer constructs a Producer. costThresh is the DAG-wide
// accumulated-cost trigger for pushing runnable tasks to the consumer.
func NewProducer(layout Layout, minbt MinBTSource, dag *DAG, consumer *Consumer, thresholds Thresholds, period time.Duration, costThresh int) *Producer {
	return &Producer{
		layout:     layout,
		minbt:      minbt,
		dag:        dag,
		thresholds: thresholds,
		period:     period,
		costThresh: costThresh,
		consumer:   consumer,
		stop:       make(chan struct{}),
		logger:     log.NewModuleLogger(log.GC),
	}
}

// Run loops forever (until Stop) sleeping period between scan passes.
// It never returns an error to its caller: the design treats a scanner
// failure as unrecoverable and routes it through logger.Fatal instead.
func (p *Producer) Run() {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.scanOnce()
		case <-p.stop:
			return
		}
	}
}

func (p *Producer) Stop() { close(p.stop) }

// scanOnce is one scanning pass: the seen filter resets every pass, since
// "already enqueued" only needs to hold for the duration of a single
// walk — the DAG itself (not the filter) is the source of truth across
// passes.
func (p *Producer) scanOnce() {
	filter, err := bloomfilter.NewOptimal(1<<20, 1e-4)
	if err != nil {
		p.logger.Fatal("bloom filter allocation failed", "err", err)
	}
	p.seen = filter

	globalMinBT := p.minbt.GlobalMinBT()

	for _, v := range p.layout.ReclaimableVertices(globalMinBT) {
		if p.alreadySeen(v.VertexID) {
			continue
		}
		p.dag.CreateUpstream(EraseV, v.VertexID, v.Cost)
		p.dag.CreateUpstream(VMVCCGC, v.VertexID, v.Cost)
		p.dag.CreateUpstream(VPRowListGC, v.VertexID, v.Cost)
		p.dag.CreateUpstream(TopoRowListGC, v.VertexID, v.Cost)
		metrics.GCVerticesReclaimed.Inc(1)
	}

	for _, r := range p.layout.FragmentedRows(p.thresholds) {
		if p.alreadySeen(r.VertexID) {
			continue
		}
		p.dag.CreateDownstream(r.Type, r.VertexID, r.Cost)
	}

	p.dispatchPushable()

	for _, e := range p.layout.DrainReturnedEdgeIDs() {
		typ := EraseOutE
		if !e.Outgoing {
			typ = EraseInE
		}
		p.dag.CreateUpstream(typ, e.EdgeID, e.Cost)
	}
	p.dispatchPushable()
}

func (p *Producer) dispatchPushable() {
	if !p.dag.ShouldPush(p.costThresh) {
		return
	}
	for _, t := range p.dag.DrainPushable() {
		p.consumer.Submit(t)
	}
}

func (p *Producer) alreadySeen(vertexID uint64) bool {
	h := fnv.New64a()
	var buf [8]byte
	putUint64(buf[:], vertexID)
	h.Write(buf[:])
	if p.seen.Contains(h) {
		return true
	}
	p.seen.Add(h)
	return false
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
