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

// Package gc runs on every worker (never on the master rank) and reclaims
// storage that GLOBAL_MIN_BT has made invisible to every present and
// future transaction: whole vertices, and the property/topology rows
// beneath them once their invisible-cell count crosses a threshold. A
// producer scans and builds a dependency DAG of reclaim/defrag tasks;
// a pool of consumers executes the DAG's runnable jobs.
package gc

import "sync"

// Type identifies what a Task reclaims or compacts.
type Type int

const (
	EraseV Type = iota
	EraseOutE
	EraseInE
	VMVCCGC
	VPRowListGC
	VPRowListDefrag
	TopoRowListGC
	TopoRowListDefrag
	EPRowListGC
	EPRowListDefrag
)

func (t Type) String() string {
	switch t {
	case EraseV:
		return "erase_v"
	case EraseOutE:
		return "erase_out_e"
	case EraseInE:
		return "erase_in_e"
	case VMVCCGC:
		return "vmvcc_gc"
	case VPRowListGC:
		return "vprow_gc"
	case VPRowListDefrag:
		return "vprow_defrag"
	case TopoRowListGC:
		return "toporow_gc"
	case TopoRowListDefrag:
		return "toporow_defrag"
	case EPRowListGC:
		return "eprow_gc"
	case EPRowListDefrag:
		return "eprow_defrag"
	default:
		return "unknown"
	}
}

// Status is a Task's place in the DAG's lifecycle.
type Status int

const (
	Active Status = iota
	Empty         // placeholder added as a parent before its real task exists
	Invalid       // superseded while already in flight; skipped, not run
	Blocked       // upstream waiting on its Pushed downstream tasks
	Pushed        // dispatched to a consumer
)

// id identifies a task by its type and the row/vertex it targets.
type id struct {
	typ    Type
	target uint64
}

// Task is one node of a dependency DAG: a reclaim or defrag unit with a
// cost, a status, and the neighbor sets that completion rules walk.
type Task struct {
	ID     id
	Cost   int
	Status Status

	upstream   map[id]*Task
	downstream map[id]*Task

	blockedCount int
}

func newTask(typ Type, target uint64, cost int) *Task {
	return &Task{
		ID:         id{typ: typ, target: target},
		Cost:       cost,
		Status:     Active,
		upstream:   make(map[id]*Task),
		downstream: make(map[id]*Task),
	}
}

// upstreamTypeFor reports the single upstream type a downstream task is
// attached under, on the same vertex id: VPRowListGC for
// VPRowListDefrag, and TopoRowListGC for both TopoRowListDefrag and
// EPRowListDefrag. Each downstream has only that one upstream;
// EPRowListGC does not gate EPRowListDefrag.
func upstreamTypeFor(downstream Type) (Type, bool) {
	switch downstream {
	case VPRowListDefrag:
		return VPRowListGC, true
	case TopoRowListDefrag:
		return TopoRowListGC, true
	case EPRowListDefrag:
		return TopoRowListGC, true
	default:
		return 0, false
	}
}

// DAG holds every in-flight task, keyed by id, guarded by a single mutex:
// the scanner and the consumer completion path both mutate it, but neither
// holds it for longer than a handful of map operations.
type DAG struct {
	mu    sync.Mutex
	tasks map[id]*Task

	// accumCost and sumBlocked track a DAG-wide push trigger: tasks push
	// once accumCost crosses the threshold and no task is waiting on a
	// blocked upstream.
	accumCost  int
	sumBlocked int
}

func NewDAG() *DAG {
	return &DAG{tasks: make(map[id]*Task)}
}

// CreateUpstream creates or substantiates the upstream task for typ/target.
// If an EMPTY placeholder already exists it is substantiated in place;
// every ACTIVE downstream is marked INVALID and detached, and any PUSHED
// downstream instead blocks the new upstream until that job finishes.
func (d *DAG) CreateUpstream(typ Type, target uint64, cost int) *Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := id{typ: typ, target: target}
	t, exists := d.tasks[key]
	if !exists {
		t = newTask(typ, target, cost)
		d.tasks[key] = t
	} else {
		t.Cost = cost
	}

	blocked := 0
	for dsKey, ds := range t.downstream {
		switch ds.Status {
		case Pushed:
			blocked++
		case Active, Blocked:
			ds.Status = Invalid
			delete(t.downstream, dsKey)
			delete(ds.upstream, key)
		}
	}
	if blocked > 0 {
		t.Status = Blocked
		t.blockedCount = blocked
		d.sumBlocked += blocked
	} else {
		t.Status = Active
		d.accumCost += t.Cost
	}
	return t
}

// CreateDownstream creates a downstream task of typ/target, attaching it
// under the upstream its type implies. An identical-id task already
// present is left untouched (the scanner re-discovered something already
// queued). A missing upstream gets a synthesized EMPTY placeholder so a
// later CreateUpstream call has something to substantiate.
func (d *DAG) CreateDownstream(typ Type, target uint64, cost int) *Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := id{typ: typ, target: target}
	if existing, ok := d.tasks[key]; ok {
		return existing
	}

	t := newTask(typ, target, cost)
	d.tasks[key] = t

	upType, ok := upstreamTypeFor(typ)
	if !ok {
		d.accumCost += cost
		return t
	}
	upKey := id{typ: upType, target: target}
	up, ok := d.tasks[upKey]
	if !ok {
		up = newTask(upType, target, 0)
		up.Status = Empty
		d.tasks[upKey] = up
	}
	if up.Status != Empty {
		// Upstream already substantiated and running: this downstream
		// task is dropped per the creation rule rather than attached.
		delete(d.tasks, key)
		return nil
	}
	up.downstream[key] = t
	t.upstream[upKey] = up
	d.accumCost += cost
	return t
}

// Complete detaches a finished PUSHED task from the DAG and unblocks any
// upstream whose blockedCount reaches zero, folding its cost into the
// DAG's accumulator so the next ShouldPush check can see it.
func (d *DAG) Complete(typ Type, target uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := id{typ: typ, target: target}
	t, ok := d.tasks[key]
	if !ok {
		return
	}
	delete(d.tasks, key)

	for upKey, up := range t.upstream {
		delete(up.downstream, key)
		if up.Status == Blocked {
			up.blockedCount--
			d.sumBlocked--
			if up.blockedCount == 0 {
				up.Status = Active
				d.accumCost += up.Cost
			}
		}
		if up.Status == Empty && len(up.downstream) == 0 {
			delete(d.tasks, upKey)
		}
	}
}

// ShouldPush reports whether the DAG's accumulated cost has crossed
// threshold with no task still waiting on a blocked upstream.
func (d *DAG) ShouldPush(threshold int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accumCost >= threshold && d.sumBlocked == 0
}

// DrainPushable moves every ACTIVE task to PUSHED and returns them for
// dispatch to the consumer pool, resetting the accumulated-cost counter.
func (d *DAG) DrainPushable() []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Task
	for _, t := range d.tasks {
		if t.Status == Active {
			t.Status = Pushed
			out = append(out, t)
		}
	}
	d.accumCost = 0
	return out
}
