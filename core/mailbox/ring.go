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

package mailbox

import (
	"encoding/binary"
	"runtime"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/gquery/gquery/log"
	"github.com/gquery/gquery/metrics"
	"github.com/gquery/gquery/wire"
)

// DefaultRingSize is R, the size of one receive ring, 8 MiB. There is one
// ring per (nid, tid), shared by every sender to that thread.
const DefaultRingSize = 8 << 20

// publishThreshold: when head advances past this many bytes since the
// last publication, the reader writes head to the peer.
func publishThreshold(ringSize uint64) uint64 { return ringSize / 16 }

// Ring is one receive ring buffer. Its backing memory is allocated via
// mmap-go (github.com/edsrzf/mmap-go), modeling the pinned, registered
// memory region a real RDMA NIC would write into; the writer/reader here
// access it directly in-process (there is no second NIC to emulate), but
// the framing, wraparound, and head/tail bookkeeping reproduce a real
// one-sided ring's bytes exactly.
type Ring struct {
	buf  mmap.MMap
	size uint64

	tailMu sync.Mutex
	tail   uint64 // writer-owned reservation cursor

	headMu           sync.Mutex
	head             uint64 // reader-owned cursor
	lastPublishedAt  uint64
	onHeadAdvance    func(head uint64) // one-sided-write head to the peer

	logger *log.Logger
}

func NewRing(size uint64, onHeadAdvance func(uint64)) (*Ring, error) {
	anon, err := mmap.MapRegion(nil, int(size), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, err
	}
	return &Ring{
		buf:           anon,
		size:          size,
		onHeadAdvance: onHeadAdvance,
		logger:        log.NewModuleLogger(log.Mailbox),
	}, nil
}

func (r *Ring) Close() error { return r.buf.Unmap() }

// Write reserves a range atomically under the ring's tail spinlock, writes
// the framed message (split into two writes if the range wraps), and
// releases. It returns false if there is not enough free space:
// R - (tail-head) < frame size.
func (r *Ring) Write(frame []byte) bool {
	r.tailMu.Lock()
	defer r.tailMu.Unlock()

	r.headMu.Lock()
	head := r.head
	r.headMu.Unlock()

	free := r.size - (r.tail - head)
	if uint64(len(frame)) > free {
		return false
	}

	start := r.tail % r.size
	end := start + uint64(len(frame))
	if end <= r.size {
		copy(r.buf[start:end], frame)
	} else {
		firstLen := r.size - start
		copy(r.buf[start:], frame[:firstLen])
		copy(r.buf[0:], frame[firstLen:])
	}
	r.tail += uint64(len(frame))
	metrics.RingBytesWritten.Inc(int64(len(frame)))
	return true
}

// Check reports whether a message header is present at head (non-blocking
// poll).
func (r *Ring) Check() (msgLen uint64, present bool) {
	r.headMu.Lock()
	defer r.headMu.Unlock()
	hdr := r.readAt(r.head, 8)
	l := binary.BigEndian.Uint64(hdr)
	return l, l != 0
}

// Pop extracts one framed message: spins on the footer until it matches
// the header (meaning the, possibly split, RDMA write completed), copies
// the payload into a fresh buffer, zeroes header/footer, and advances
// head. When advancement exceeds R/16 since the last publication it
// invokes onHeadAdvance so the peer learns about the freed space.
func (r *Ring) Pop() ([]byte, bool) {
	r.headMu.Lock()
	defer r.headMu.Unlock()

	hdr := r.readAt(r.head, 8)
	msgLen := binary.BigEndian.Uint64(hdr)
	if msgLen == 0 {
		return nil, false
	}

	padded := (msgLen + 7) &^ 7
	footerOff := r.head + 8 + padded
	for {
		ft := r.readAt(footerOff, 8)
		if binary.BigEndian.Uint64(ft) == msgLen {
			break
		}
		runtime.Gosched() // _mm_pause() analogue
	}

	payload := make([]byte, msgLen)
	copy(payload, r.readAt(r.head+8, msgLen))

	r.zeroAt(r.head, 8)
	r.zeroAt(footerOff, 8)

	r.head += 8 + padded + 8
	if r.head-r.lastPublishedAt >= publishThreshold(r.size) {
		r.lastPublishedAt = r.head
		if r.onHeadAdvance != nil {
			r.onHeadAdvance(r.head)
		}
	}
	return payload, true
}

func (r *Ring) readAt(off, n uint64) []byte {
	start := off % r.size
	end := start + n
	if end <= r.size {
		return r.buf[start:end]
	}
	out := make([]byte, n)
	firstLen := r.size - start
	copy(out, r.buf[start:])
	copy(out[firstLen:], r.buf[:n-firstLen])
	return out
}

func (r *Ring) zeroAt(off, n uint64) {
	start := off % r.size
	end := start + n
	if end <= r.size {
		for i := start; i < end; i++ {
			r.buf[i] = 0
		}
		return
	}
	for i := start; i < r.size; i++ {
		r.buf[i] = 0
	}
	for i := uint64(0); i < n-(r.size-start); i++ {
		r.buf[i] = 0
	}
}

// Send frames payload and writes it to the ring, used by RDMAMailbox for
// local-process emulation of the one-sided WRITE.
func (r *Ring) Send(payload []byte) bool {
	return r.Write(wire.FrameRing(payload))
}
