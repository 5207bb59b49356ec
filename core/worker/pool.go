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

package worker

import (
	"sync"

	"github.com/gquery/gquery/core/trx"
	"github.com/gquery/gquery/log"
)

// Outcome pairs a finished plan with the error Run returned, if any.
type Outcome struct {
	Plan *trx.Plan
	Err  error
}

// Pool runs N worker threads pulling plans off a shared work channel and
// publishing results onto a shared outcome channel, the same
// work-channel / stop-channel / result-channel shape as a classic mining
// agent pool: Submit is the producer side (it blocks while the work queue
// is full), Outcomes the consumer side, and Stop waits for the plans
// already running to finish before returning.
type Pool struct {
	workCh chan *trx.Plan
	outCh  chan Outcome
	stopCh chan struct{}
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewPool starts n goroutines, each wrapping newWorker(tid) for its own
// dedicated Worker (tid is the pool-local thread index, 0..n-1).
func NewPool(n int, newWorker func(tid uint32) *Worker, queueSize int) *Pool {
	p := &Pool{
		workCh: make(chan *trx.Plan, queueSize),
		outCh:  make(chan Outcome, queueSize),
		stopCh: make(chan struct{}),
		logger: log.NewModuleLogger(log.Worker),
	}
	for i := 0; i < n; i++ {
		w := newWorker(uint32(i))
		p.wg.Add(1)
		go p.loop(w)
	}
	return p
}

func (p *Pool) loop(w *Worker) {
	defer p.wg.Done()
	for {
		select {
		case plan := <-p.workCh:
			err := w.Run(plan)
			p.outCh <- Outcome{Plan: plan, Err: err}
		case <-p.stopCh:
			return
		}
	}
}

// Submit enqueues plan for execution by the next free worker thread.
func (p *Pool) Submit(plan *trx.Plan) { p.workCh <- plan }

// Outcomes is the channel every finished plan's Outcome is published to.
func (p *Pool) Outcomes() <-chan Outcome { return p.outCh }

// Stop signals every worker goroutine to exit once its current plan
// finishes, and waits for them to do so.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}
