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

// Package wire implements the exact byte-for-byte wire formats: the query
// message stream, the notification envelope, the RDMA ring frame, and the
// UD packet header. The formats are mandated bit-for-bit so they are
// hand-framed with encoding/binary rather than a general-purpose codec;
// golang/snappy optionally compresses payloads above CompressThreshold
// before framing.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/golang/snappy"
)

// NotificationType tags the control-plane channel's payload kind.
type NotificationType int32

const (
	NotifyRCTTids       NotificationType = 0
	NotifyUpdateStatus  NotificationType = 1
	NotifyQueryRCT      NotificationType = 2
)

// CompressThreshold is the payload size above which QueryMessage.Marshal
// snappy-compresses the payload, on both transports; below it the framing
// overhead would dominate.
const CompressThreshold = 4096

// QueryMessage is the length-prefixed binary stream:
// [sender_nid, recver_nid, recver_tid, step_type, qid, payload...].
type QueryMessage struct {
	SenderNID uint32
	RecverNID uint32
	RecverTID uint32
	StepType  uint32
	QID       uint64
	Payload   []byte
}

func (m *QueryMessage) Marshal() []byte {
	payload := m.Payload
	compressed := false
	if len(payload) > CompressThreshold {
		payload = snappy.Encode(nil, payload)
		compressed = true
	}
	buf := make([]byte, 4*4+8+1+4+len(payload))
	off := 0
	binary.BigEndian.PutUint32(buf[off:], m.SenderNID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], m.RecverNID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], m.RecverTID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], m.StepType)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], m.QID)
	off += 8
	if compressed {
		buf[off] = 1
	}
	off++
	binary.BigEndian.PutUint32(buf[off:], uint32(len(payload)))
	off += 4
	copy(buf[off:], payload)
	return buf
}

var errShortBuffer = errors.New("wire: buffer too short")

func UnmarshalQueryMessage(buf []byte) (*QueryMessage, error) {
	if len(buf) < 4*4+8+1+4 {
		return nil, errShortBuffer
	}
	m := &QueryMessage{}
	off := 0
	m.SenderNID = binary.BigEndian.Uint32(buf[off:])
	off += 4
	m.RecverNID = binary.BigEndian.Uint32(buf[off:])
	off += 4
	m.RecverTID = binary.BigEndian.Uint32(buf[off:])
	off += 4
	m.StepType = binary.BigEndian.Uint32(buf[off:])
	off += 4
	m.QID = binary.BigEndian.Uint64(buf[off:])
	off += 8
	compressed := buf[off] == 1
	off++
	plen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if len(buf[off:]) < int(plen) {
		return nil, errShortBuffer
	}
	payload := buf[off : off+int(plen)]
	if compressed {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, err
		}
		m.Payload = decoded
	} else {
		m.Payload = append([]byte(nil), payload...)
	}
	return m, nil
}

// Notification is the control-plane envelope: [type:i32, ...] with
// payloads (trx_id, [trx_ids]), (sender_nid, trx_id, phase_i, is_readonly),
// and (sender_nid, trx_id, bt, ct) respectively.
type Notification struct {
	Type NotificationType

	// NotifyRCTTids
	TrxID  uint64
	TrxIDs []uint64

	// NotifyUpdateStatus
	SenderNID  uint32
	Phase      uint32
	IsReadOnly bool

	// NotifyQueryRCT
	BT uint64
	CT uint64
}

func (n *Notification) Marshal() []byte {
	switch n.Type {
	case NotifyRCTTids:
		buf := make([]byte, 4+8+4+8*len(n.TrxIDs))
		binary.BigEndian.PutUint32(buf, uint32(n.Type))
		binary.BigEndian.PutUint64(buf[4:], n.TrxID)
		binary.BigEndian.PutUint32(buf[12:], uint32(len(n.TrxIDs)))
		off := 16
		for _, id := range n.TrxIDs {
			binary.BigEndian.PutUint64(buf[off:], id)
			off += 8
		}
		return buf
	case NotifyUpdateStatus:
		buf := make([]byte, 4+4+8+4+1)
		binary.BigEndian.PutUint32(buf, uint32(n.Type))
		binary.BigEndian.PutUint32(buf[4:], n.SenderNID)
		binary.BigEndian.PutUint64(buf[8:], n.TrxID)
		binary.BigEndian.PutUint32(buf[16:], n.Phase)
		if n.IsReadOnly {
			buf[20] = 1
		}
		return buf
	case NotifyQueryRCT:
		buf := make([]byte, 4+4+8+8+8)
		binary.BigEndian.PutUint32(buf, uint32(n.Type))
		binary.BigEndian.PutUint32(buf[4:], n.SenderNID)
		binary.BigEndian.PutUint64(buf[8:], n.TrxID)
		binary.BigEndian.PutUint64(buf[16:], n.BT)
		binary.BigEndian.PutUint64(buf[24:], n.CT)
		return buf
	default:
		return nil
	}
}

func UnmarshalNotification(buf []byte) (*Notification, error) {
	if len(buf) < 4 {
		return nil, errShortBuffer
	}
	n := &Notification{Type: NotificationType(binary.BigEndian.Uint32(buf))}
	switch n.Type {
	case NotifyRCTTids:
		if len(buf) < 16 {
			return nil, errShortBuffer
		}
		n.TrxID = binary.BigEndian.Uint64(buf[4:])
		count := binary.BigEndian.Uint32(buf[12:])
		off := 16
		if len(buf) < off+int(count)*8 {
			return nil, errShortBuffer
		}
		n.TrxIDs = make([]uint64, count)
		for i := range n.TrxIDs {
			n.TrxIDs[i] = binary.BigEndian.Uint64(buf[off:])
			off += 8
		}
	case NotifyUpdateStatus:
		if len(buf) < 21 {
			return nil, errShortBuffer
		}
		n.SenderNID = binary.BigEndian.Uint32(buf[4:])
		n.TrxID = binary.BigEndian.Uint64(buf[8:])
		n.Phase = binary.BigEndian.Uint32(buf[16:])
		n.IsReadOnly = buf[20] == 1
	case NotifyQueryRCT:
		if len(buf) < 28 {
			return nil, errShortBuffer
		}
		n.SenderNID = binary.BigEndian.Uint32(buf[4:])
		n.TrxID = binary.BigEndian.Uint64(buf[8:])
		n.BT = binary.BigEndian.Uint64(buf[16:])
		n.CT = binary.BigEndian.Uint64(buf[24:])
	default:
		return nil, errors.New("wire: unknown notification type")
	}
	return n, nil
}

// FrameRing builds the RDMA ring buffer's fixed framing: [u64 len][payload
// padded to 8B][u64 len].
func FrameRing(payload []byte) []byte {
	padded := (len(payload) + 7) &^ 7
	buf := make([]byte, 8+padded+8)
	binary.BigEndian.PutUint64(buf, uint64(len(payload)))
	copy(buf[8:], payload)
	binary.BigEndian.PutUint64(buf[8+padded:], uint64(len(payload)))
	return buf
}

// FrameSize returns the total framed size (header + padded payload +
// footer) for a payload of n bytes, used by the ring writer to check
// available space before reserving a range.
func FrameSize(n int) int {
	padded := (n + 7) &^ 7
	return 8 + padded + 8
}

// UDPacketHeader is the fragmentation header for two-sided UD
// notifications larger than the MTU:
// {src_nid, total_packets, packet_id, total_len, data_len}.
type UDPacketHeader struct {
	SrcNID       int32
	TotalPackets int32
	PacketID     int32
	TotalLen     int32
	DataLen      int32
}

const udHeaderSize = 4 * 5

func (h UDPacketHeader) Marshal() []byte {
	buf := make([]byte, udHeaderSize)
	binary.BigEndian.PutUint32(buf[0:], uint32(h.SrcNID))
	binary.BigEndian.PutUint32(buf[4:], uint32(h.TotalPackets))
	binary.BigEndian.PutUint32(buf[8:], uint32(h.PacketID))
	binary.BigEndian.PutUint32(buf[12:], uint32(h.TotalLen))
	binary.BigEndian.PutUint32(buf[16:], uint32(h.DataLen))
	return buf
}

func UnmarshalUDPacketHeader(buf []byte) (UDPacketHeader, error) {
	if len(buf) < udHeaderSize {
		return UDPacketHeader{}, errShortBuffer
	}
	return UDPacketHeader{
		SrcNID:       int32(binary.BigEndian.Uint32(buf[0:])),
		TotalPackets: int32(binary.BigEndian.Uint32(buf[4:])),
		PacketID:     int32(binary.BigEndian.Uint32(buf[8:])),
		TotalLen:     int32(binary.BigEndian.Uint32(buf[12:])),
		DataLen:      int32(binary.BigEndian.Uint32(buf[16:])),
	}, nil
}

const UDHeaderSize = udHeaderSize
