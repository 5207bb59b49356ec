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

// Package coordinator runs the per-worker control threads that every
// execution thread shares: timestamp issuance, clock calibration, status
// table reads/writes arriving from peers, and RCT fan-out queries. Each
// concern gets its own queue and its own goroutine so a slow peer
// (waiting on a status write, say) never blocks timestamp issuance.
package coordinator

import (
	"time"

	"github.com/gquery/gquery/core/clock"
	"github.com/gquery/gquery/core/rct"
	"github.com/gquery/gquery/core/trx"
	"github.com/gquery/gquery/core/txstatus"
	"github.com/gquery/gquery/log"
)

// tsRequest carries a reply channel a caller blocks on for its assigned
// timestamp.
type tsRequest struct {
	reply chan uint64
}

type statusWriteRequest struct {
	id      trx.ID
	phase   txstatus.Phase
	ct      uint64
	hasCT   bool
	reply   chan bool
}

type statusReadRequest struct {
	id    trx.ID
	reply chan statusReadResult
}

type statusReadResult struct {
	phase txstatus.Phase
	ok    bool
}

type rctQueryRequest struct {
	bt, ct uint64
	reply  chan []trx.ID
}

// Coordinator owns the tables a single worker process is authoritative
// for and serializes access to them through four request queues, each
// drained by its own goroutine. An issued timestamp is handed back on the
// requester's own reply channel; there is no shared queue of allocated
// timestamps.
type Coordinator struct {
	Clock   *clock.Clock
	Status  *txstatus.Table
	RCT     *rct.Table
	Allocator *trx.Allocator

	tsQueue     chan tsRequest
	statusWrite chan statusWriteRequest
	statusRead  chan statusReadRequest
	rctQuery    chan rctQueryRequest

	stop   chan struct{}
	logger *log.Logger
}

func New(c *clock.Clock, status *txstatus.Table, table *rct.Table, allocator *trx.Allocator) *Coordinator {
	return &Coordinator{
		Clock:     c,
		Status:    status,
		RCT:       table,
		Allocator: allocator,

		tsQueue:     make(chan tsRequest, 256),
		statusWrite: make(chan statusWriteRequest, 256),
		statusRead:  make(chan statusReadRequest, 256),
		rctQuery:    make(chan rctQueryRequest, 256),

		stop:   make(chan struct{}),
		logger: log.NewModuleLogger(log.Coordinator),
	}
}

// Start launches the control threads: timestamp issuance, TST writes,
// TST reads, RCT queries, and, only when link is non-nil, calibration.
// It returns immediately; call Stop to shut every thread down.
func (c *Coordinator) Start(link clock.PeerLink, calibrationPeriod time.Duration, calibrationRounds int, calibrationQuantile float64) {
	go c.runTimestampThread()
	if link != nil {
		go c.Clock.RunCalibrationLoop(c.stop, link, calibrationPeriod, calibrationRounds, calibrationQuantile)
	}
	go c.runStatusWriteThread()
	go c.runStatusReadThread()
	go c.runRCTQueryThread()
}

func (c *Coordinator) Stop() { close(c.stop) }

func (c *Coordinator) runTimestampThread() {
	for {
		select {
		case req := <-c.tsQueue:
			req.reply <- c.Clock.Now()
		case <-c.stop:
			return
		}
	}
}

// Timestamp blocks until the timestamp thread issues the next value.
// Every caller in this worker funnels through the same queue, which is
// what gives Clock.Now()'s single-issuer contract its single issuer.
func (c *Coordinator) Timestamp() uint64 {
	reply := make(chan uint64, 1)
	c.tsQueue <- tsRequest{reply: reply}
	return <-reply
}

func (c *Coordinator) runStatusWriteThread() {
	for {
		select {
		case req := <-c.statusWrite:
			var ok bool
			if req.hasCT {
				ok = c.Status.ModifyStatusWithCommitTime(req.id, req.phase, req.ct)
			} else {
				ok = c.Status.ModifyStatus(req.id, req.phase)
			}
			req.reply <- ok
		case <-c.stop:
			return
		}
	}
}

// WriteStatus applies a remote peer's phase-transition notification to
// the local status table, serialized against every other write through
// the same queue.
func (c *Coordinator) WriteStatus(id trx.ID, phase txstatus.Phase) bool {
	reply := make(chan bool, 1)
	c.statusWrite <- statusWriteRequest{id: id, phase: phase, reply: reply}
	return <-reply
}

// WriteStatusWithCommitTime is WriteStatus plus an atomically-set
// commit-time, for the Processing->Validating transition.
func (c *Coordinator) WriteStatusWithCommitTime(id trx.ID, phase txstatus.Phase, ct uint64) bool {
	reply := make(chan bool, 1)
	c.statusWrite <- statusWriteRequest{id: id, phase: phase, ct: ct, hasCT: true, reply: reply}
	return <-reply
}

func (c *Coordinator) runStatusReadThread() {
	for {
		select {
		case req := <-c.statusRead:
			phase, ok := c.Status.QueryStatus(req.id)
			req.reply <- statusReadResult{phase: phase, ok: ok}
		case <-c.stop:
			return
		}
	}
}

// ReadStatus answers a remote status-read request (RDMA one-sided reads
// need no thread at all; TCP-mode clusters route through here via the
// gRPC server in grpc.go).
func (c *Coordinator) ReadStatus(id trx.ID) (txstatus.Phase, bool) {
	reply := make(chan statusReadResult, 1)
	c.statusRead <- statusReadRequest{id: id, reply: reply}
	r := <-reply
	return r.phase, r.ok
}

func (c *Coordinator) runRCTQueryThread() {
	for {
		select {
		case req := <-c.rctQuery:
			req.reply <- c.RCT.Query(req.bt, req.ct)
		case <-c.stop:
			return
		}
	}
}

// QueryRCT answers a peer's fan-out validation query against this
// worker's RCT shard.
func (c *Coordinator) QueryRCT(bt, ct uint64) []trx.ID {
	reply := make(chan []trx.ID, 1)
	c.rctQuery <- rctQueryRequest{bt: bt, ct: ct, reply: reply}
	return <-reply
}

// NextTrxID allocates the next transaction id owned by this worker.
func (c *Coordinator) NextTrxID() trx.ID { return c.Allocator.Next() }
