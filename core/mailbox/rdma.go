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

// RDMAMailbox implements Mailbox over one-sided RDMA-style ring writes.
// The transaction core depends only on one-sided READ/WRITE and UD
// SEND/RECV primitives, never on the RDMA device driver directly; Cluster
// is the seam at which a real verbs-backed transport would be substituted
// for the in-process Ring registry used here.
package mailbox

import (
	"runtime"
	"sync"
	"time"

	"github.com/gquery/gquery/log"
	"github.com/gquery/gquery/metrics"
	"github.com/gquery/gquery/wire"
)

// MTU is the maximum UD SEND/RECV payload before GRH overhead
// (4096 - 40 GRH).
const MTU = 4096 - 40

// Cluster resolves the destination ring for a one-sided WRITE and the
// destination notification inbox for a UD SEND. A real deployment backs
// this with registered RDMA memory regions and queue pairs; this package
// only requires the capability, not the transport underneath it.
type Cluster interface {
	RingFor(dstNID uint32, dstTID uint32) (*Ring, error)
	NotificationInbox(dstNID uint32) (chan []byte, error)
	SelfNID() uint32
}

type pendingMsg struct {
	dstNID uint32
	dstTID uint32
	frame  []byte
}

type localQueue struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  []Msg
}

func newLocalQueue() *localQueue {
	q := &localQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *localQueue) push(m Msg) {
	q.mu.Lock()
	q.buf = append(q.buf, m)
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *localQueue) tryPop() (Msg, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return Msg{}, false
	}
	m := q.buf[0]
	q.buf = q.buf[1:]
	return m, true
}

// RDMAMailbox is a single worker's mailbox endpoint.
type RDMAMailbox struct {
	cluster Cluster
	selfNID uint32

	localMu sync.Mutex
	locals  map[uint32]*localQueue // by destination tid

	pendingMu sync.Mutex
	pending   map[uint32][]pendingMsg // by sending tid

	sendSpinlock sync.Mutex // UD send is not reentrant

	reassemblyMu sync.Mutex
	reassembly   map[uint32]*udReassembly // keyed by src nid

	logger *log.Logger
}

func NewRDMAMailbox(cluster Cluster) *RDMAMailbox {
	return &RDMAMailbox{
		cluster:    cluster,
		selfNID:    cluster.SelfNID(),
		locals:     make(map[uint32]*localQueue),
		pending:    make(map[uint32][]pendingMsg),
		reassembly: make(map[uint32]*udReassembly),
		logger:     log.NewModuleLogger(log.Mailbox),
	}
}

func (m *RDMAMailbox) localQueueFor(tid uint32) *localQueue {
	m.localMu.Lock()
	defer m.localMu.Unlock()
	q, ok := m.locals[tid]
	if !ok {
		q = newLocalQueue()
		m.locals[tid] = q
	}
	return q
}

// Send is non-blocking for local-worker destinations (push onto a
// per-thread lock-protected queue); for remote destinations it enqueues
// into tid's pending list and attempts immediate transmission.
func (m *RDMAMailbox) Send(tid uint32, msg *wire.QueryMessage) error {
	if msg.RecverNID == m.selfNID {
		m.localQueueFor(msg.RecverTID).push(Msg{From: msg.SenderNID, Body: msg.Payload})
		return nil
	}
	frame := wire.FrameRing(msg.Marshal())
	m.pendingMu.Lock()
	m.pending[tid] = append(m.pending[tid], pendingMsg{dstNID: msg.RecverNID, dstTID: msg.RecverTID, frame: frame})
	m.pendingMu.Unlock()
	m.trySend(tid)
	return nil
}

func (m *RDMAMailbox) trySend(tid uint32) {
	m.pendingMu.Lock()
	pending := m.pending[tid]
	m.pendingMu.Unlock()

	var remaining []pendingMsg
	for _, p := range pending {
		if !m.writeOne(p) {
			remaining = append(remaining, p)
		}
	}
	m.pendingMu.Lock()
	m.pending[tid] = remaining
	m.pendingMu.Unlock()
}

func (m *RDMAMailbox) writeOne(p pendingMsg) bool {
	ring, err := m.cluster.RingFor(p.dstNID, p.dstTID)
	if err != nil {
		m.logger.Error("no ring for destination", "dst_nid", p.dstNID, "dst_tid", p.dstTID, "err", err)
		return false
	}
	for attempt := 0; attempt < MaxSendRetries; attempt++ {
		if ring.Write(p.frame) {
			return true
		}
		metrics.MailboxSendRetries.Inc(1)
		time.Sleep(backoff(attempt))
	}
	metrics.MailboxSendFatal.Inc(1)
	m.logger.Fatal("ring full after max retries", "dst_nid", p.dstNID, "dst_tid", p.dstTID)
	return false
}

func backoff(attempt int) time.Duration {
	d := time.Microsecond * time.Duration(1<<uint(attempt))
	if d > 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

// Sweep flushes pending remote messages for tid; called once per
// scheduling turn.
func (m *RDMAMailbox) Sweep(tid uint32) { m.trySend(tid) }

// Recv polls TryRecv, blocking until a message is available. This is one
// of the points at which a worker thread yields to the scheduler.
func (m *RDMAMailbox) Recv(tid uint32) (Msg, error) {
	for {
		if msg, ok := m.TryRecv(tid); ok {
			return msg, nil
		}
		runtime.Gosched()
		time.Sleep(50 * time.Microsecond)
	}
}

// TryRecv is the non-blocking variant: one pop from the local queue, then
// one from the single incoming ring for (selfNID, tid). Every remote
// sender writes into that same ring; there is no ring per sending peer.
func (m *RDMAMailbox) TryRecv(tid uint32) (Msg, bool) {
	if msg, ok := m.localQueueFor(tid).tryPop(); ok {
		return msg, true
	}
	ring, err := m.cluster.RingFor(m.selfNID, tid)
	if err != nil {
		return Msg{}, false
	}
	payload, ok := ring.Pop()
	if !ok {
		return Msg{}, false
	}
	qm, err := wire.UnmarshalQueryMessage(payload)
	if err != nil {
		m.logger.Error("failed to decode ring payload", "err", err)
		return Msg{}, false
	}
	return Msg{From: qm.SenderNID, Body: qm.Payload}, true
}

// udReassembly accumulates fragments of one multi-packet UD notification
// from a single source, de-duplicating on packet_id.
type udReassembly struct {
	totalLen int32
	packets  map[int32][]byte
	seen     int
	total    int32
}

// SendNotification serializes n, splits it into MTU-sized UD packets when
// necessary, and sends them to dstNID's notification inbox. The sender
// spinlock models the non-reentrant UD send queue pair.
func (m *RDMAMailbox) SendNotification(dstNID uint32, n *wire.Notification) error {
	body := n.Marshal()
	inbox, err := m.cluster.NotificationInbox(dstNID)
	if err != nil {
		return err
	}

	m.sendSpinlock.Lock()
	defer m.sendSpinlock.Unlock()

	if len(body) <= MTU-wire.UDHeaderSize {
		hdr := wire.UDPacketHeader{SrcNID: int32(m.selfNID), TotalPackets: 1, PacketID: 0, TotalLen: int32(len(body)), DataLen: int32(len(body))}
		inbox <- append(hdr.Marshal(), body...)
		return nil
	}

	chunk := MTU - wire.UDHeaderSize
	total := int32((len(body) + chunk - 1) / chunk)
	for i := int32(0); i < total; i++ {
		start := int(i) * chunk
		end := start + chunk
		if end > len(body) {
			end = len(body)
		}
		hdr := wire.UDPacketHeader{
			SrcNID: int32(m.selfNID), TotalPackets: total, PacketID: i,
			TotalLen: int32(len(body)), DataLen: int32(end - start),
		}
		inbox <- append(hdr.Marshal(), body[start:end]...)
	}
	return nil
}

// RecvNotification reassembles one logical notification from posted UD
// packets, de-duplicating on packet_id per source.
func (m *RDMAMailbox) RecvNotification() (*wire.Notification, error) {
	inbox, err := m.cluster.NotificationInbox(m.selfNID)
	if err != nil {
		return nil, err
	}
	for {
		packet := <-inbox
		hdr, err := wire.UnmarshalUDPacketHeader(packet)
		if err != nil {
			m.logger.Error("bad UD packet header", "err", err)
			continue
		}
		data := packet[wire.UDHeaderSize:]

		if hdr.TotalPackets == 1 {
			return wire.UnmarshalNotification(data)
		}

		m.reassemblyMu.Lock()
		r, ok := m.reassembly[uint32(hdr.SrcNID)]
		if !ok {
			r = &udReassembly{packets: make(map[int32][]byte), total: hdr.TotalPackets, totalLen: hdr.TotalLen}
			m.reassembly[uint32(hdr.SrcNID)] = r
		}
		if _, dup := r.packets[hdr.PacketID]; !dup {
			r.packets[hdr.PacketID] = append([]byte(nil), data...)
			r.seen++
		}
		complete := r.seen == int(r.total)
		if complete {
			delete(m.reassembly, uint32(hdr.SrcNID))
		}
		m.reassemblyMu.Unlock()

		if !complete {
			continue
		}
		full := make([]byte, 0, r.totalLen)
		for i := int32(0); i < r.total; i++ {
			full = append(full, r.packets[i]...)
		}
		return wire.UnmarshalNotification(full)
	}
}
