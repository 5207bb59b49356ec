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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for GC event")
		return Event{}
	}
}

func TestConsumerRunsHandlerAndCompletesTask(t *testing.T) {
	dag := NewDAG()
	task := dag.CreateUpstream(EraseV, 1, 5)
	dag.DrainPushable()

	var gotTarget uint64
	handlers := map[Type]Handler{
		EraseV: HandlerFunc(func(task *Task) ([]uint64, error) {
			gotTarget = task.ID.target
			return nil, nil
		}),
	}
	c := NewConsumer(1, dag, handlers, 8)
	defer c.Stop()

	c.Submit(task)
	e := waitForEvent(t, c.Events())
	assert.Equal(t, EraseV, e.Type)
	assert.Equal(t, uint64(1), e.Target)
	assert.Equal(t, uint64(1), gotTarget)
	assert.Nil(t, e.Err)
}

func TestConsumerSkipsInvalidTask(t *testing.T) {
	dag := NewDAG()
	task := dag.CreateUpstream(EraseV, 9, 1)
	task.Status = Invalid

	handlers := map[Type]Handler{
		EraseV: HandlerFunc(func(task *Task) ([]uint64, error) {
			t.Fatal("handler must not run for an Invalid task")
			return nil, nil
		}),
	}
	c := NewConsumer(1, dag, handlers, 8)
	defer c.Stop()

	c.Submit(task)
	e := waitForEvent(t, c.Events())
	assert.Equal(t, Invalid, e.Status)
}

func TestConsumerCollectsReturnedEdgeIDs(t *testing.T) {
	dag := NewDAG()
	task := dag.CreateUpstream(TopoRowListGC, 3, 1)
	dag.DrainPushable()

	handlers := map[Type]Handler{
		TopoRowListGC: HandlerFunc(func(task *Task) ([]uint64, error) {
			return []uint64{101, 102}, nil
		}),
	}
	c := NewConsumer(1, dag, handlers, 8)
	defer c.Stop()

	c.Submit(task)
	waitForEvent(t, c.Events())

	require.Eventually(t, func() bool {
		return len(c.returnedEdges) == 2
	}, time.Second, 10*time.Millisecond)

	ids := c.ReturnedEdgeIDs()
	assert.ElementsMatch(t, []uint64{101, 102}, ids)
	assert.Empty(t, c.ReturnedEdgeIDs())
}
