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

// Package worker drives one transaction through its full lifecycle:
// registration, begin-time assignment, step execution, commit-time
// assignment, serializability validation, commit/abort, and cleanup.
package worker

import (
	"errors"

	"github.com/gquery/gquery/core/clock"
	"github.com/gquery/gquery/core/rct"
	"github.com/gquery/gquery/core/runningtrx"
	"github.com/gquery/gquery/core/trx"
	"github.com/gquery/gquery/core/txstatus"
	"github.com/gquery/gquery/log"
	"github.com/gquery/gquery/metrics"
)

// ErrAborted is returned by Run when the transaction loses validation and
// must roll back.
var ErrAborted = errors.New("worker: transaction aborted")

// Executor runs a transaction plan's query steps against the graph layout
// (vertex/edge/property/topology storage); that storage layer is outside
// this package's scope, so callers inject whatever backs it.
type Executor interface {
	Execute(plan *trx.Plan) ([][]byte, error)
}

// ConflictChecker decides whether a committed transaction's write-set
// conflicts with plan's read-set. A real implementation would cross the
// recently-committed ids against plan's accessed record ids; by default
// Run with a nil checker approves every validating transaction
// that clears the isolation window lookup, matching an isolation mode
// that only fences on the RCT window itself.
type ConflictChecker interface {
	Conflicts(plan *trx.Plan, committedIDs []trx.ID) bool
}

// PeerRCT lets a validating transaction query every peer's recently
// committed table so the [bt, ct) window spans the whole cluster rather
// than just this worker's RCT shard.
type PeerRCT interface {
	QueryRCT(peer int, bt, ct uint64) ([]trx.ID, error)
	PeerCount() int
	Rank() int
}

// Deps bundles every table a Worker must read and mutate while advancing
// a transaction plan.
type Deps struct {
	Clock   *clock.Clock
	Status  *txstatus.Table
	Running *runningtrx.List
	RCT     *rct.Table
	Peers   PeerRCT
}

// Worker runs transaction plans for one execution thread. It holds no
// plan state between calls to Run — the caller (typically a Pool) owns
// the plan's lifetime and scheduling.
type Worker struct {
	tid     uint32
	deps    Deps
	exec    Executor
	checker ConflictChecker
	logger  *log.Logger
}

func New(tid uint32, deps Deps, exec Executor, checker ConflictChecker) *Worker {
	return &Worker{tid: tid, deps: deps, exec: exec, checker: checker, logger: log.NewModuleLogger(log.Worker)}
}

// Run advances plan through every lifecycle phase to completion,
// returning ErrAborted if validation fails. It is safe to call from a
// dedicated goroutine per in-flight transaction.
func (w *Worker) Run(plan *trx.Plan) error {
	w.registerAndBegin(plan)

	results, err := w.executeSteps(plan)
	if err != nil {
		w.abort(plan)
		return err
	}
	plan.Results = results

	committed, err := w.beginValidation(plan)
	if err != nil {
		w.abort(plan)
		return err
	}
	if !committed {
		w.abort(plan)
		return ErrAborted
	}

	w.commit(plan)
	w.finalize(plan)
	return nil
}

// registerAndBegin assigns plan's begin-time and makes it visible to
// concurrent readers: insert into the status table as Processing, then
// publish bt into the running-transaction list so MIN_BT accounting
// covers it from this point on.
func (w *Worker) registerAndBegin(plan *trx.Plan) {
	plan.BeginTime = w.deps.Clock.Now()
	plan.Phase = trx.PhaseExecuting
	if err := w.deps.Status.Insert(plan.TrxID, plan.BeginTime, plan.ReadOnly); err != nil {
		w.logger.Fatal("status table insert failed", "trx_id", plan.TrxID, "err", err)
	}
	w.deps.Running.Insert(plan.BeginTime)
}

func (w *Worker) executeSteps(plan *trx.Plan) ([][]byte, error) {
	return w.exec.Execute(plan)
}

// beginValidation assigns a commit-time, transitions Processing->
// Validating, and — for a non-read-only transaction — checks every
// peer's recently-committed table over [bt, ct) for conflicts. Read-only
// transactions skip the RCT check entirely: they wrote nothing, so
// nothing could have conflicted with their reads.
func (w *Worker) beginValidation(plan *trx.Plan) (bool, error) {
	plan.CommitTime = w.deps.Clock.Now()
	plan.Phase = trx.PhaseValidating
	if !w.deps.Status.ModifyStatusWithCommitTime(plan.TrxID, txstatus.Validating, plan.CommitTime) {
		return false, errors.New("worker: trx no longer resident at validation time")
	}
	if plan.ReadOnly {
		return true, nil
	}

	local := w.deps.RCT.Query(plan.BeginTime, plan.CommitTime)
	all := [][]trx.ID{local}
	if w.deps.Peers != nil {
		for peer := 0; peer < w.deps.Peers.PeerCount(); peer++ {
			if peer == w.deps.Peers.Rank() {
				continue
			}
			ids, err := w.deps.Peers.QueryRCT(peer, plan.BeginTime, plan.CommitTime)
			if err != nil {
				w.logger.Warn("peer RCT query failed", "peer", peer, "err", err)
				continue
			}
			all = append(all, ids)
		}
	}
	committedInWindow := rct.Union(all)

	if w.checker != nil && w.checker.Conflicts(plan, committedInWindow) {
		return false, nil
	}
	return true, nil
}

func (w *Worker) commit(plan *trx.Plan) {
	w.deps.Status.ModifyStatus(plan.TrxID, txstatus.Committed)
	if !plan.ReadOnly {
		w.deps.RCT.Insert(plan.CommitTime, plan.TrxID)
	}
	plan.Phase = trx.PhaseFinished
	metrics.TrxCommitted.Inc(1)
}

func (w *Worker) abort(plan *trx.Plan) {
	w.deps.Status.ModifyStatus(plan.TrxID, txstatus.Abort)
	plan.Phase = trx.PhaseFinished
	metrics.TrxAborted.Inc(1)
	w.finalize(plan)
}

// finalize removes plan's begin-time from the running list (so MIN_BT can
// advance past it) and, for a non-read-only transaction, records its
// end-time in the status table's non-readonly GC list.
func (w *Worker) finalize(plan *trx.Plan) {
	w.deps.Running.Erase(plan.BeginTime)
	if !plan.ReadOnly {
		plan.EndTime = w.deps.Clock.Now()
		w.deps.Status.RecordNonReadOnly(plan.TrxID, plan.EndTime)
	}
}
