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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gquery/gquery/core/trx"
)

func TestPoolRunsSubmittedPlans(t *testing.T) {
	deps := newTestDeps()
	pool := NewPool(2, func(tid uint32) *Worker {
		return New(tid, deps, echoExec{}, nil)
	}, 8)
	defer pool.Stop()

	const n = 5
	for i := 0; i < n; i++ {
		pool.Submit(trx.NewPlan(trx.NewID(uint64(i), 1, 0), "c", false))
	}

	seen := 0
	for seen < n {
		select {
		case out := <-pool.Outcomes():
			require.NoError(t, out.Err)
			seen++
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d/%d outcomes", seen, n)
		}
	}
	assert.Equal(t, n, seen)
}

func TestPoolStopDrainsWorkers(t *testing.T) {
	deps := newTestDeps()
	pool := NewPool(1, func(tid uint32) *Worker {
		return New(tid, deps, echoExec{}, nil)
	}, 1)

	pool.Submit(trx.NewPlan(trx.NewID(1, 1, 0), "c", false))
	<-pool.Outcomes()
	pool.Stop() // must return once the in-flight worker goroutine exits
}
