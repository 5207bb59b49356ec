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

package main

import (
	"context"
	"strconv"
	"time"

	"github.com/gquery/gquery/config"
	"github.com/gquery/gquery/core/coordinator"
	"github.com/gquery/gquery/core/trx"
)

// remotePeers answers worker.PeerRCT and runningtrx.PeerPublisher over
// the cluster's other ranks via each rank's ReadStatus/QueryRCT gRPC
// endpoint. There is no RPC that carries a peer's min_bt: PeerMinBT
// always returns 0 and Publish sends nothing, so no peer's min_bt is
// ever read over TCP.
type remotePeers struct {
	rank    int
	clients []*coordinator.RemoteStatusClient // nil at index == rank
}

func dialPeers(nodes []config.Node, rank int) (*remotePeers, error) {
	rp := &remotePeers{rank: rank, clients: make([]*coordinator.RemoteStatusClient, len(nodes))}
	for _, n := range nodes {
		if n.WorldRank == rank {
			continue
		}
		addr := n.Hostname + ":" + strconv.Itoa(n.TCPPort)
		c, err := coordinator.DialRemoteStatus(addr)
		if err != nil {
			return nil, err
		}
		rp.clients[n.WorldRank] = c
	}
	return rp, nil
}

func (p *remotePeers) PeerCount() int { return len(p.clients) }
func (p *remotePeers) Rank() int      { return p.rank }

// Publish is a no-op: there is no one-sided write path over TCP and no
// RPC that carries min_bt, so this rank's min_bt is not sent to peers.
func (p *remotePeers) Publish(minBT uint64) {}

func (p *remotePeers) QueryRCT(peer int, bt, ct uint64) ([]trx.ID, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.clients[peer].QueryRCT(ctx, bt, ct)
}

// PeerMinBT does not contact the peer; it always returns 0.
func (p *remotePeers) PeerMinBT(peer int) uint64 {
	return 0
}
