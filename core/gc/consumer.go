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
	"sync"

	"github.com/gquery/gquery/log"
	"github.com/gquery/gquery/metrics"
)

// Handler executes one task type. Erase-map handlers are expected to take
// a writer lock on the corresponding map for the duration of the call, so
// no concurrent add-edge operation can re-insert the id being erased
// between the scanner's decision and this call. Handlers that free MVCC
// nodes do so through the Slab passed at construction, not by returning
// anything, except TopoRowListGC whose returned edge ids the Producer
// must see on its next pass.
type Handler interface {
	Handle(t *Task) (returnedEdgeIDs []uint64, err error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(t *Task) ([]uint64, error)

func (f HandlerFunc) Handle(t *Task) ([]uint64, error) { return f(t) }

// Consumer is the GC consumer pool: K worker goroutines popping pushed
// tasks off a shared channel and dispatching by type. Event is published
// to Events for every task so an operator console can stream completions
// live.
type Consumer struct {
	dag      *DAG
	handlers map[Type]Handler

	workCh chan *Task
	stopCh chan struct{}
	wg     sync.WaitGroup

	events chan Event

	// returnedEdges accumulates TopoRowListGC's output between Producer
	// scan passes; DrainReturnedEdgeIDs on the wrapping Layout owns
	// publishing it onward, this channel is just the handoff point.
	returnedEdges chan uint64

	logger *log.Logger
}

// Event is one completed (or invalidated) task, published for observers.
type Event struct {
	Type   Type
	Target uint64
	Status Status
	Err    error
}

// NewConsumer starts k worker goroutines. handlers must cover every Type
// the DAG can produce; a missing handler fatally aborts the process the
// first time that task type is dispatched, matching the "GC consumer
// errors are fatal" failure semantics.
func NewConsumer(k int, dag *DAG, handlers map[Type]Handler, queueSize int) *Consumer {
	c := &Consumer{
		dag:           dag,
		handlers:      handlers,
		workCh:        make(chan *Task, queueSize),
		stopCh:        make(chan struct{}),
		events:        make(chan Event, queueSize),
		returnedEdges: make(chan uint64, queueSize),
		logger:        log.NewModuleLogger(log.GC),
	}
	for i := 0; i < k; i++ {
		c.wg.Add(1)
		go c.loop()
	}
	return c
}

func (c *Consumer) loop() {
	defer c.wg.Done()
	for {
		select {
		case t := <-c.workCh:
			c.run(t)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Consumer) run(t *Task) {
	if t.Status == Invalid {
		c.dag.Complete(t.ID.typ, t.ID.target)
		c.publish(Event{Type: t.ID.typ, Target: t.ID.target, Status: Invalid})
		return
	}

	h, ok := c.handlers[t.ID.typ]
	if !ok {
		c.logger.Fatal("no GC handler registered for task type", "type", t.ID.typ)
	}

	returned, err := h.Handle(t)
	if err != nil {
		metrics.GCTaskErrors.Inc(1)
		c.logger.Fatal("GC consumer handler failed", "type", t.ID.typ, "target", t.ID.target, "err", err)
	}
	for _, eid := range returned {
		select {
		case c.returnedEdges <- eid:
		default:
			c.logger.Warn("returned-eid queue full, dropping", "edge_id", eid)
		}
	}

	c.dag.Complete(t.ID.typ, t.ID.target)
	metrics.GCTasksReclaimed.Inc(1)
	c.publish(Event{Type: t.ID.typ, Target: t.ID.target, Status: Pushed})
}

func (c *Consumer) publish(e Event) {
	select {
	case c.events <- e:
	default:
	}
}

// Submit hands a PUSHED task to the consumer pool.
func (c *Consumer) Submit(t *Task) {
	metrics.GCTasksCreated.Inc(1)
	c.workCh <- t
}

// Events is the stream of completed/invalidated tasks, consumed by the
// debug server's live GC event feed.
func (c *Consumer) Events() <-chan Event { return c.events }

// ReturnedEdgeIDs drains edge ids TopoRowListGC handlers produced since
// the last call, for the Producer's next scan pass to turn into
// EraseOutE/EraseInE tasks.
func (c *Consumer) ReturnedEdgeIDs() []uint64 {
	var out []uint64
	for {
		select {
		case id := <-c.returnedEdges:
			out = append(out, id)
		default:
			return out
		}
	}
}

// Stop signals every consumer goroutine to exit once its current task
// finishes.
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}
