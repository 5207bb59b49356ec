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
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/urfave/cli"

	"github.com/gquery/gquery/admin"
	"github.com/gquery/gquery/config"
	"github.com/gquery/gquery/core/clock"
	"github.com/gquery/gquery/core/coordinator"
	"github.com/gquery/gquery/core/gc"
	"github.com/gquery/gquery/core/mailbox"
	"github.com/gquery/gquery/core/rct"
	"github.com/gquery/gquery/core/runningtrx"
	"github.com/gquery/gquery/core/trx"
	"github.com/gquery/gquery/core/txstatus"
	"github.com/gquery/gquery/core/worker"
	"github.com/gquery/gquery/indexstore"
	"github.com/gquery/gquery/snapshot"
)

const initSignalFile = "INIT_FINISHED.SIGNAL"

var serverCommand = cli.Command{
	Name:      "server",
	Usage:     "start this rank's worker or master process",
	ArgsUsage: "<config.ini> <node-descriptor-file>",
	Action:    runServer,
}

func runServer(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: gquery server <config.ini> <node-descriptor-file>")
	}
	cfg, err := config.Load(c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		return err
	}

	self := findSelf(cfg.Nodes, cfg.MyRank)
	if self == nil {
		return fmt.Errorf("gquery: rank %d not present in node descriptor file", cfg.MyRank)
	}

	if cfg.MyRank == 0 {
		return runMaster(cfg)
	}
	return runWorker(cfg, *self)
}

func findSelf(nodes []config.Node, rank int) *config.Node {
	for i := range nodes {
		if nodes[i].WorldRank == rank {
			return &nodes[i]
		}
	}
	return nil
}

// runMaster never executes the transaction core or GC; it is present
// purely as the bootstrap and cluster-membership authority the node
// descriptor file designates as rank 0.
func runMaster(cfg config.Config) error {
	logger.Info("master starting", "comm_size", cfg.CommSize)
	if err := os.WriteFile(initSignalFile, []byte(strconv.Itoa(cfg.CommSize-1)), 0o644); err != nil {
		return fmt.Errorf("gquery: writing %s: %w", initSignalFile, err)
	}
	logger.Info("wrote init signal", "file", initSignalFile)
	select {}
}

func runWorker(cfg config.Config, self config.Node) error {
	logger.Info("worker starting", "rank", cfg.MyRank, "hostname", self.Hostname)

	scratchDir := filepath.Join(cfg.IndexStoreDir, strconv.Itoa(cfg.MyRank), "snapshot-scratch")
	if staged, err := snapshot.New(cfg.SnapshotDir).Stage(scratchDir); err != nil {
		return fmt.Errorf("gquery: staging snapshot directory: %w", err)
	} else if staged != "" {
		logger.Info("staged snapshot directory", "source", cfg.SnapshotDir, "scratch", staged)
	}

	clk := clock.New(cfg.MyRank)
	status := txstatus.New(cfg.TSTSlots)
	rctTable := rct.New()
	allocator := trx.NewAllocator(cfg.CommSize, cfg.MyRank)

	rp, err := dialPeers(cfg.Nodes, cfg.MyRank)
	var peers *remotePeers
	if err != nil {
		logger.Warn("peer dial incomplete, proceeding without remote RCT/MinBT fan-out", "err", err)
	} else {
		peers = rp
	}

	// peers is only handed to runningtrx.New/worker.Deps when it is
	// actually non-nil: a nil *remotePeers boxed into a non-nil
	// PeerPublisher/PeerRCT interface value would panic on first use.
	var publisher runningtrx.PeerPublisher
	var peerRCT worker.PeerRCT
	if peers != nil {
		publisher = peers
		peerRCT = peers
	}

	running := runningtrx.New(publisher)
	stopMinBT := make(chan struct{})
	go running.RunMinBTListener(stopMinBT, cfg.MinBTGossipPeriod)
	defer close(stopMinBT)

	coord := coordinator.New(clk, status, rctTable, allocator)

	var link clock.PeerLink
	coord.Start(link, cfg.CalibrationPeriod, cfg.CalibrationRounds, cfg.CalibrationQuantile)

	srv, err := coordinator.ServeRemoteStatus(":"+strconv.Itoa(self.TCPPort), coord)
	if err != nil {
		return err
	}
	defer srv.Stop()

	mbox, err := newMailbox(cfg, self)
	if err != nil {
		return err
	}

	deps := worker.Deps{Clock: clk, Status: status, Running: running, RCT: rctTable, Peers: peerRCT}
	pool := worker.NewPool(cfg.ExecutorThreads, func(tid uint32) *worker.Worker {
		return worker.New(tid, deps, &echoExecutor{}, nil)
	}, cfg.MailboxQueue)
	defer pool.Stop()
	_ = mbox

	store, err := indexstore.Open(indexstore.Config{
		Dir:            filepath.Join(cfg.IndexStoreDir, strconv.Itoa(cfg.MyRank)),
		DBType:         cfg.IndexStoreBackend,
		EnableCaching:  cfg.EnableCaching,
		ReadCacheBytes: cfg.ReadCacheBytes,
	})
	if err != nil {
		return err
	}
	defer store.Close()
	index := indexstore.NewKVIndex(store)

	dag := gc.NewDAG()
	consumer := gc.NewConsumer(cfg.GCConsumers, dag, gc.NewDefaultHandlers(index, noopMVCC{}, gc.NewSlab(cfg.GCConsumers, cfg.GCSlabShardSize), gcThreadID), cfg.MailboxQueue)
	defer consumer.Stop()

	producer := gc.NewProducer(noopLayout{}, running, dag, consumer, gc.Thresholds{
		VPRowList:   cfg.GCThresholdVPRow,
		TopoRowList: cfg.GCThresholdTopo,
		EPRowList:   cfg.GCThresholdEPRow,
	}, cfg.GCScanPeriod, cfg.GCCostThreshold)
	go producer.Run()
	defer producer.Stop()

	adminSrv := admin.New(&workerStatus{coord: coord, running: running, cfg: cfg}, consumer.Events())
	return adminSrv.ListenAndServe(cfg.AdminListenAddr)
}

func newMailbox(cfg config.Config, self config.Node) (mailbox.Mailbox, error) {
	if cfg.UseRDMA {
		cluster := mailbox.NewLocalCluster(uint32(self.WorldRank), uint64(cfg.RingSize))
		return mailbox.NewRDMAMailbox(cluster), nil
	}
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(self.RDMAPort))
	if err != nil {
		return nil, err
	}
	dial := func(nid uint32) (net.Conn, error) {
		for _, n := range cfg.Nodes {
			if uint32(n.WorldRank) == nid {
				return net.Dial("tcp", n.Hostname+":"+strconv.Itoa(n.RDMAPort))
			}
		}
		return nil, fmt.Errorf("gquery: no node descriptor entry for rank %d", nid)
	}
	return mailbox.NewTCPMailbox(uint32(self.WorldRank), dial, ln), nil
}

// gcThreadID is a simplification: every GC consumer goroutine allocates
// from slab shard 0 rather than a distinct shard per goroutine index.
func gcThreadID() int { return 0 }

// echoExecutor stands in for the query parser/execution engine, which is
// out of scope: it returns each step's payload unchanged so the worker
// state machine has something concrete to run through commit/abort.
type echoExecutor struct{}

func (echoExecutor) Execute(plan *trx.Plan) ([][]byte, error) {
	out := make([][]byte, len(plan.Steps))
	for i, s := range plan.Steps {
		out[i] = s.Payload
	}
	return out, nil
}

type noopMVCC struct{}

func (noopMVCC) FreeChain(vertexID uint64, tid int, slab *gc.Slab) {}

type noopLayout struct{}

func (noopLayout) ReclaimableVertices(globalMinBT uint64) []gc.VertexReclaim { return nil }
func (noopLayout) FragmentedRows(t gc.Thresholds) []gc.RowFragment          { return nil }
func (noopLayout) DrainReturnedEdgeIDs() []gc.EdgeReclaim                   { return nil }

type workerStatus struct {
	coord   *coordinator.Coordinator
	running *runningtrx.List
	cfg     config.Config
}

func (s *workerStatus) Rank() int           { return s.cfg.MyRank }
func (s *workerStatus) CommSize() int       { return s.cfg.CommSize }
func (s *workerStatus) GlobalMinBT() uint64 { return s.running.GlobalMinBT() }
func (s *workerStatus) RunningCount() int   { return s.running.Count() }
