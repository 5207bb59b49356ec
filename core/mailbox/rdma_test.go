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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gquery/gquery/wire"
)

func TestRDMAMailboxSendLocalDestinationIsQueuedDirectly(t *testing.T) {
	cluster := NewLocalCluster(1, 4096)
	m := NewRDMAMailbox(cluster)

	msg := &wire.QueryMessage{SenderNID: 1, RecverNID: 1, RecverTID: 5, Payload: []byte("local")}
	require.NoError(t, m.Send(0, msg))

	got, ok := m.TryRecv(5)
	require.True(t, ok)
	assert.Equal(t, uint32(1), got.From)
	assert.Equal(t, []byte("local"), got.Body)
}

func TestRDMAMailboxSendRemoteDestinationWritesFramedMessageToRing(t *testing.T) {
	cluster := NewLocalCluster(1, 4096)
	m := NewRDMAMailbox(cluster)

	msg := &wire.QueryMessage{SenderNID: 1, RecverNID: 2, RecverTID: 7, Payload: []byte("remote")}
	require.NoError(t, m.Send(3, msg))

	ring, err := cluster.RingFor(2, 7)
	require.NoError(t, err)
	payload, ok := ring.Pop()
	require.True(t, ok)

	out, err := wire.UnmarshalQueryMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("remote"), out.Payload)
	assert.Equal(t, uint32(1), out.SenderNID)
}

func TestRDMAMailboxTryRecvReadsFromOwnRing(t *testing.T) {
	cluster := NewLocalCluster(9, 4096)
	m := NewRDMAMailbox(cluster)

	qm := &wire.QueryMessage{SenderNID: 4, RecverNID: 9, RecverTID: 2, Payload: []byte("incoming")}
	ring, err := cluster.RingFor(9, 2)
	require.NoError(t, err)
	require.True(t, ring.Write(wire.FrameRing(qm.Marshal())))

	got, ok := m.TryRecv(2)
	require.True(t, ok)
	assert.Equal(t, uint32(4), got.From)
	assert.Equal(t, []byte("incoming"), got.Body)
}

func TestRDMAMailboxTryRecvEmptyReturnsFalse(t *testing.T) {
	cluster := NewLocalCluster(1, 4096)
	m := NewRDMAMailbox(cluster)
	_, ok := m.TryRecv(0)
	assert.False(t, ok)
}

func TestRDMAMailboxNotificationRoundTripSinglePacket(t *testing.T) {
	cluster := NewLocalCluster(1, 4096)
	m := NewRDMAMailbox(cluster)

	n := &wire.Notification{Type: wire.NotifyQueryRCT, SenderNID: 1, TrxID: 5, BT: 10, CT: 20}
	require.NoError(t, m.SendNotification(1, n))

	got, err := m.RecvNotification()
	require.NoError(t, err)
	assert.Equal(t, n.BT, got.BT)
	assert.Equal(t, n.CT, got.CT)
}

func TestRDMAMailboxNotificationReassemblesMultiPacket(t *testing.T) {
	cluster := NewLocalCluster(1, 4096)
	m := NewRDMAMailbox(cluster)

	ids := make([]uint64, 600)
	for i := range ids {
		ids[i] = uint64(i)
	}
	n := &wire.Notification{Type: wire.NotifyRCTTids, TrxID: 77, TrxIDs: ids}
	body := n.Marshal()
	require.Greater(t, len(body), MTU-wire.UDHeaderSize, "the test fixture must actually exceed one UD packet")

	require.NoError(t, m.SendNotification(1, n))

	got, err := m.RecvNotification()
	require.NoError(t, err)
	assert.Equal(t, n.TrxID, got.TrxID)
	assert.Equal(t, n.TrxIDs, got.TrxIDs)
}
