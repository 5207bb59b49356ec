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

// Package clock implements the distributed, globally-comparable 64-bit
// timestamp. High bits are nanoseconds since a shared origin; the low
// MachineIDBits encode the allocating worker, which is what gives the
// timestamp total order across workers once calibration has run.
package clock

import (
	"time"

	"github.com/aristanetworks/goarista/monotime"
	"go.uber.org/atomic"

	"github.com/gquery/gquery/log"
	"github.com/gquery/gquery/metrics"
)

// MachineIDBits is the low-order bit width reserved for the worker id.
// It bounds the cluster to 2^MachineIDBits workers (default supports up
// to 256, matching the node descriptor file's rank field).
const MachineIDBits = 8

// PeerLatencySample is one round-trip measurement taken against a peer
// during global calibration: the send/recv round-trip plus the peer's
// self-reported offset at the time of reply.
type PeerLatencySample struct {
	RTT        time.Duration
	PeerOffset int64
}

// PeerLink abstracts the calibration ping-pong transport so Clock does not
// depend on the mailbox package directly; the coordinator's calibration
// thread supplies a concrete implementation (an RDMA reserved cache-line
// buffer, or a TCP request/reply).
type PeerLink interface {
	// Ping sends the local clock offset to peer and returns the peer's
	// measured round trip and the peer's current offset reply.
	Ping(peer int, localOffset int64) (PeerLatencySample, error)
	PeerCount() int
	Rank() int
}

// Clock issues strictly increasing, globally-ordered timestamps for a
// single worker. Callers must serialize Now() calls themselves — the
// coordinator's timestamp thread is that single caller.
type Clock struct {
	rank int

	tscGhzInv     atomic.Float64
	localNsOffset atomic.Int64
	globalOffset  atomic.Int64 // monotonic: may only increase

	last atomic.Uint64 // last nanosecond value issued, for strict-monotonicity enforcement within a worker

	logger *log.Logger
}

func New(rank int) *Clock {
	c := &Clock{rank: rank, logger: log.NewModuleLogger(log.Clock)}
	c.tscGhzInv.Store(1.0)
	return c
}

// Now returns the next timestamp. It never fails: the CAS loop below
// forces strict monotonicity even across a clock-source hiccup, so a
// regression is impossible by construction unless a caller violates the
// single-thread-issuer contract.
func (c *Clock) Now() uint64 {
	ns := uint64(monotime.Now()) + uint64(c.localNsOffset.Load()) + uint64(c.globalOffset.Load())
	ts := (ns << MachineIDBits) | uint64(c.rank)

	for {
		prev := c.last.Load()
		if ts <= prev {
			ts = prev + 1
		}
		if c.last.CAS(prev, ts) {
			break
		}
	}
	metrics.TimestampsIssued.Inc(1)
	return ts
}

// DecodeNanos extracts the nanosecond portion of a timestamp issued by
// Now, for invariant checks and tests.
func DecodeNanos(ts uint64) uint64 { return ts >> MachineIDBits }

// DecodeMachine extracts the machine-id tie-breaker.
func DecodeMachine(ts uint64) uint64 { return ts & ((1 << MachineIDBits) - 1) }

// Encode is the inverse of Decode{Nanos,Machine}, used by tests and by
// calibration arithmetic.
func Encode(rank uint64, nanos uint64) uint64 {
	return (nanos << MachineIDBits) | (rank & ((1 << MachineIDBits) - 1))
}

// CalibrateLocal samples the monotonic clock source and wall-clock pairs
// twice, separated by delay, and derives tscGhzInv / localNsOffset from
// the two deltas. On real RDMA hardware this would read the CPU cycle
// counter directly; monotime.Now() is the portable analogue.
func (c *Clock) CalibrateLocal(delay time.Duration) {
	wall1, mono1 := time.Now(), monotime.Now()
	time.Sleep(delay)
	wall2, mono2 := time.Now(), monotime.Now()

	wallDelta := wall2.Sub(wall1)
	monoDelta := mono2 - mono1
	if monoDelta == 0 {
		return
	}
	c.tscGhzInv.Store(float64(wallDelta) / float64(monoDelta))
	c.localNsOffset.Store(wall1.UnixNano() - int64(mono1))
}

// CalibrateGlobal runs rounds send-recv rounds against every peer
// measuring round-trip latency and one-way skew, keeps the
// lowest-latency quantile sample (default top 5%), and adjusts this
// worker's offset so that after adjustment the slowest observed peer is
// zero. Adjustments are monotonic: globalOffset may only increase,
// guaranteeing Now() never regresses across a recalibration.
//
// The caller typically invokes this twice per period (the coordinator's
// calibration thread does) so the second round observes any adjustment
// worker 0 accepted in the first.
func (c *Clock) CalibrateGlobal(link PeerLink, rounds int, quantile float64) {
	if link.PeerCount() == 0 {
		return
	}
	samples := make([]PeerLatencySample, 0, rounds*link.PeerCount())
	for r := 0; r < rounds; r++ {
		for peer := 0; peer < link.PeerCount(); peer++ {
			if peer == link.Rank() {
				continue
			}
			s, err := link.Ping(peer, c.globalOffset.Load())
			if err != nil {
				c.logger.Warn("calibration ping failed", "peer", peer, "err", err)
				continue
			}
			samples = append(samples, s)
		}
	}
	if len(samples) == 0 {
		return
	}
	best := lowestLatencyQuantile(samples, quantile)
	slowest := int64(0)
	for _, s := range best {
		if s.PeerOffset > slowest {
			slowest = s.PeerOffset
		}
	}
	// Every worker, worker 0 included, raises its offset to the largest
	// peer offset among the kept samples; a smaller one is ignored.
	adjustment := slowest - c.globalOffset.Load()
	if adjustment > 0 {
		c.globalOffset.Add(adjustment)
	}
	metrics.CalibrationRounds.Inc(1)
}

func lowestLatencyQuantile(samples []PeerLatencySample, quantile float64) []PeerLatencySample {
	n := len(samples)
	keep := int(float64(n) * quantile)
	if keep < 1 {
		keep = 1
	}
	sorted := append([]PeerLatencySample(nil), samples...)
	// simple insertion sort by RTT ascending; sample counts are small
	// (bounded by cluster size * rounds), so O(n^2) is fine here.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].RTT < sorted[j-1].RTT; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	if keep > len(sorted) {
		keep = len(sorted)
	}
	return sorted[:keep]
}

// RunCalibrationLoop runs CalibrateGlobal twice every period until stop
// is closed. It performs local calibration once before the first period.
func (c *Clock) RunCalibrationLoop(stop <-chan struct{}, link PeerLink, period time.Duration, rounds int, quantile float64) {
	c.CalibrateLocal(5 * time.Millisecond)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.CalibrateGlobal(link, rounds, quantile)
			c.CalibrateGlobal(link, rounds, quantile)
		}
	}
}
