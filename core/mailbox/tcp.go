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

// TCPMailbox satisfies Mailbox over plain net.Conn sockets, used on
// clusters without RDMA-capable interconnect. It carries the same
// QueryMessage/Notification encodings as the RDMA mailbox, but inside its
// own frame (a one-byte kind tag and a u32 length) rather than the ring
// frame; the rest of the core sees the same Mailbox interface either way.
package mailbox

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gquery/gquery/log"
	"github.com/gquery/gquery/metrics"
	"github.com/gquery/gquery/wire"
)

// tcpConn is one outbound connection to a peer node, serialized against
// concurrent writers.
type tcpConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *tcpConn) writeFramed(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(frame)
	return err
}

// TCPMailbox is a Mailbox backed by one persistent outbound net.Conn per
// peer node and one listener; query messages and notifications share
// both, told apart by each frame's kind tag. Unlike RDMAMailbox it has no local-queue fast path distinction:
// every Send, including to self, still round-trips the socket layer,
// matching how a pure TCP deployment would behave.
type TCPMailbox struct {
	selfNID uint32
	dialer  func(nid uint32) (net.Conn, error)

	connMu sync.Mutex
	conns  map[uint32]*tcpConn

	recvMu  sync.Mutex
	recvBuf []Msg
	recvCh  chan Msg

	notifyLn net.Listener
	notifyCh chan *wire.Notification

	logger *log.Logger
}

// NewTCPMailbox constructs a TCPMailbox that dials peers lazily via dial
// and accepts both query-message and notification connections on ln.
func NewTCPMailbox(selfNID uint32, dial func(nid uint32) (net.Conn, error), ln net.Listener) *TCPMailbox {
	m := &TCPMailbox{
		selfNID:  selfNID,
		dialer:   dial,
		conns:    make(map[uint32]*tcpConn),
		recvCh:   make(chan Msg, 1024),
		notifyLn: ln,
		notifyCh: make(chan *wire.Notification, 256),
		logger:   log.NewModuleLogger(log.Mailbox),
	}
	if ln != nil {
		go m.acceptLoop()
	}
	return m
}

func (m *TCPMailbox) acceptLoop() {
	for {
		conn, err := m.notifyLn.Accept()
		if err != nil {
			return
		}
		go m.serveConn(conn)
	}
}

// serveConn reads a stream of framed messages from one peer connection,
// dispatching each to either the query-message channel or the
// notification channel based on a one-byte kind tag prefixing each frame.
func (m *TCPMailbox) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		kindBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, kindBuf); err != nil {
			return
		}
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return
		}
		body := make([]byte, binary.BigEndian.Uint32(lenBuf))
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		switch kindBuf[0] {
		case kindQueryMessage:
			qm, err := wire.UnmarshalQueryMessage(body)
			if err != nil {
				m.logger.Error("bad query message frame", "err", err)
				continue
			}
			select {
			case m.recvCh <- Msg{From: qm.SenderNID, Body: qm.Payload}:
			default:
				m.logger.Warn("recv buffer full, dropping message", "from", qm.SenderNID)
			}
		case kindNotification:
			n, err := wire.UnmarshalNotification(body)
			if err != nil {
				m.logger.Error("bad notification frame", "err", err)
				continue
			}
			select {
			case m.notifyCh <- n:
			default:
				m.logger.Warn("notify buffer full, dropping notification")
			}
		}
	}
}

const (
	kindQueryMessage byte = 0
	kindNotification byte = 1
)

func frameWithKind(kind byte, body []byte) []byte {
	buf := make([]byte, 1+4+len(body))
	buf[0] = kind
	binary.BigEndian.PutUint32(buf[1:], uint32(len(body)))
	copy(buf[5:], body)
	return buf
}

func (m *TCPMailbox) connFor(nid uint32) (*tcpConn, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if c, ok := m.conns[nid]; ok {
		return c, nil
	}
	conn, err := m.dialer(nid)
	if err != nil {
		return nil, err
	}
	c := &tcpConn{conn: conn}
	m.conns[nid] = c
	return c, nil
}

// Send writes msg's framed bytes to the peer connection for
// msg.RecverNID, dialing lazily on first use, with bounded retries on
// transient write failures.
func (m *TCPMailbox) Send(tid uint32, msg *wire.QueryMessage) error {
	frame := frameWithKind(kindQueryMessage, msg.Marshal())
	for attempt := 0; attempt < MaxSendRetries; attempt++ {
		c, err := m.connFor(msg.RecverNID)
		if err == nil {
			if werr := c.writeFramed(frame); werr == nil {
				return nil
			}
			m.connMu.Lock()
			delete(m.conns, msg.RecverNID)
			m.connMu.Unlock()
		}
		metrics.MailboxSendRetries.Inc(1)
		time.Sleep(backoff(attempt))
	}
	metrics.MailboxSendFatal.Inc(1)
	m.logger.Fatal("tcp send failed after max retries", "dst_nid", msg.RecverNID)
	return ErrSendFatal
}

// Sweep is a no-op for TCPMailbox: Send already delivers synchronously,
// there is no pending-queue to flush.
func (m *TCPMailbox) Sweep(tid uint32) {}

func (m *TCPMailbox) Recv(tid uint32) (Msg, error) {
	return <-m.recvCh, nil
}

func (m *TCPMailbox) TryRecv(tid uint32) (Msg, bool) {
	select {
	case msg := <-m.recvCh:
		return msg, true
	default:
		return Msg{}, false
	}
}

func (m *TCPMailbox) SendNotification(dstNID uint32, n *wire.Notification) error {
	if dstNID == m.selfNID {
		m.notifyCh <- n
		return nil
	}
	c, err := m.connFor(dstNID)
	if err != nil {
		return err
	}
	return c.writeFramed(frameWithKind(kindNotification, n.Marshal()))
}

func (m *TCPMailbox) RecvNotification() (*wire.Notification, error) {
	return <-m.notifyCh, nil
}
