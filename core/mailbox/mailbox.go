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

// Package mailbox implements the point-to-point message and notification
// transport between workers: query-message delivery plus a control-plane
// notification channel, each with an RDMA-ring and a TCP-socket backend.
// Two interchangeable implementations (RDMA ring, TCP) satisfy the same
// Mailbox interface: one capability surface behind interchangeable
// transports.
package mailbox

import (
	"errors"

	"github.com/gquery/gquery/wire"
)

// Msg is a received query-message payload plus the sender's node id
// (QueryMessage.SenderNID), queued for the worker loop.
type Msg struct {
	From uint32
	Body []byte
}

// Mailbox is the capability set every subsystem that sends/receives
// messages depends on: send, sweep, recv, try_recv, send_notification,
// and recv_notification.
type Mailbox interface {
	// Send delivers msg. The RDMA backend is non-blocking for local-worker
	// destinations and, for remote destinations, enqueues into a
	// per-thread pending list and attempts immediate transmission; the
	// TCP backend writes every message to the socket synchronously.
	Send(tid uint32, msg *wire.QueryMessage) error
	// Sweep flushes pending remote messages; called once per scheduling
	// turn.
	Sweep(tid uint32)
	// Recv blocks until a message arrives. The RDMA backend polls the
	// local queue and then the thread's single incoming ring; the TCP
	// backend reads one channel shared by every tid.
	Recv(tid uint32) (Msg, error)
	// TryRecv is the non-blocking variant.
	TryRecv(tid uint32) (Msg, bool)

	SendNotification(dstNID uint32, n *wire.Notification) error
	RecvNotification() (*wire.Notification, error)
}

// ErrSendFatal is what TCPMailbox.Send returns once retries are
// exhausted. Both backends call Logger.Fatal at that point, which exits
// the process, so no caller observes it.
var ErrSendFatal = errors.New("mailbox: send failed after max retries")

// MaxSendRetries bounds the non-blocking-send retry loop.
const MaxSendRetries = 10
