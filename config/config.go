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

// Package config loads gquery-conf.ini and the cluster's node descriptor
// file into a typed Config, applying defaults sized off the machine's
// physical memory when a value is left unset.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"github.com/pbnjay/memory"
	"gopkg.in/ini.v1"

	"github.com/gquery/gquery/indexstore"
)

// Node is one line of the node descriptor file: world_rank hostname
// ib_hostname tcp_port rdma_port.
type Node struct {
	WorldRank  int
	Hostname   string
	IBHostname string
	TCPPort    int
	RDMAPort   int
}

// Config is the fully resolved configuration for one worker process.
type Config struct {
	// [cluster]
	CommSize int
	MyRank   int
	Nodes    []Node

	// [transport]
	UseRDMA       bool
	RingSize      int
	MailboxQueue  int

	// [threads]
	ExecutorThreads int
	GCConsumers     int

	// [clock]
	CalibrationPeriod   time.Duration
	CalibrationRounds   int
	CalibrationQuantile float64

	// [runningtrx]
	MinBTGossipPeriod time.Duration

	// [txstatus]
	TSTSlots int

	// [gc]
	GCScanPeriod     time.Duration
	GCThresholdVPRow int
	GCThresholdTopo  int
	GCThresholdEPRow int
	GCCostThreshold  int
	GCSlabShardSize  int

	// [indexstore]
	IndexStoreDir     string
	IndexStoreBackend indexstore.Type
	EnableCaching     bool
	ReadCacheBytes    int

	// [admin]
	AdminListenAddr string

	// [snapshot]
	SnapshotDir string
}

const megabyte = 1 << 20

// Default returns a Config of fixed defaults, except for the read cache:
// EnableCaching and ReadCacheBytes are sized off this machine's physical
// memory, matching the teacher's own "size the caches off available RAM
// rather than hardcoding them" approach.
func Default() Config {
	total := memory.TotalMemory()
	return Config{
		CommSize:            1,
		MyRank:              0,
		UseRDMA:             false,
		RingSize:            8 * megabyte,
		MailboxQueue:        4096,
		ExecutorThreads:     16,
		GCConsumers:         2,
		CalibrationPeriod:   30 * time.Second,
		CalibrationRounds:   16,
		CalibrationQuantile: 0.05,
		MinBTGossipPeriod:   time.Second,
		TSTSlots:            1 << 20,
		GCScanPeriod:        5 * time.Second,
		GCThresholdVPRow:    64,
		GCThresholdTopo:     64,
		GCThresholdEPRow:    64,
		GCCostThreshold:     1024,
		GCSlabShardSize:     4096,
		IndexStoreDir:       "./gquery-data",
		IndexStoreBackend:   indexstore.LevelDB,
		EnableCaching:       total > 0,
		ReadCacheBytes:      int(total / 32),
		AdminListenAddr:     "127.0.0.1:8645",
		SnapshotDir:         "",
	}
}

// Load reads confPath (an ini file) over top of Default, then reads
// nodeFilePath (the cluster's node descriptor) into Config.Nodes.
func Load(confPath, nodeFilePath string) (Config, error) {
	c := Default()

	f, err := ini.Load(confPath)
	if err != nil {
		return c, fmt.Errorf("config: load %s: %w", confPath, err)
	}

	if sec := f.Section("cluster"); sec != nil {
		c.CommSize = sec.Key("comm_size").MustInt(c.CommSize)
		c.MyRank = sec.Key("my_rank").MustInt(c.MyRank)
	}
	if sec := f.Section("transport"); sec != nil {
		c.UseRDMA = sec.Key("use_rdma").MustBool(c.UseRDMA)
		c.RingSize = mustSize(sec.Key("ring_size").String(), c.RingSize)
		c.MailboxQueue = sec.Key("mailbox_queue").MustInt(c.MailboxQueue)
	}
	if sec := f.Section("threads"); sec != nil {
		c.ExecutorThreads = sec.Key("executor_threads").MustInt(c.ExecutorThreads)
		c.GCConsumers = sec.Key("gc_consumers").MustInt(c.GCConsumers)
	}
	if sec := f.Section("clock"); sec != nil {
		c.CalibrationPeriod = mustDuration(sec.Key("calibration_period").String(), c.CalibrationPeriod)
		c.CalibrationRounds = sec.Key("calibration_rounds").MustInt(c.CalibrationRounds)
		c.CalibrationQuantile = sec.Key("calibration_quantile").MustFloat64(c.CalibrationQuantile)
	}
	if sec := f.Section("runningtrx"); sec != nil {
		c.MinBTGossipPeriod = mustDuration(sec.Key("min_bt_gossip_period").String(), c.MinBTGossipPeriod)
	}
	if sec := f.Section("txstatus"); sec != nil {
		c.TSTSlots = sec.Key("slots").MustInt(c.TSTSlots)
	}
	if sec := f.Section("gc"); sec != nil {
		c.GCScanPeriod = mustDuration(sec.Key("scan_period").String(), c.GCScanPeriod)
		c.GCThresholdVPRow = sec.Key("gc_threshold_vprow").MustInt(c.GCThresholdVPRow)
		c.GCThresholdTopo = sec.Key("gc_threshold_toporow").MustInt(c.GCThresholdTopo)
		c.GCThresholdEPRow = sec.Key("gc_threshold_eprow").MustInt(c.GCThresholdEPRow)
		c.GCCostThreshold = sec.Key("cost_threshold").MustInt(c.GCCostThreshold)
		c.GCSlabShardSize = sec.Key("slab_shard_size").MustInt(c.GCSlabShardSize)
	}
	if sec := f.Section("indexstore"); sec != nil {
		c.IndexStoreDir = sec.Key("dir").MustString(c.IndexStoreDir)
		switch strings.ToLower(sec.Key("backend").MustString("leveldb")) {
		case "badger":
			c.IndexStoreBackend = indexstore.Badger
		case "memory":
			c.IndexStoreBackend = indexstore.Memory
		default:
			c.IndexStoreBackend = indexstore.LevelDB
		}
		c.EnableCaching = sec.Key("enable_caching").MustBool(c.EnableCaching)
		c.ReadCacheBytes = mustSize(sec.Key("read_cache_size").String(), c.ReadCacheBytes)
	}
	if sec := f.Section("admin"); sec != nil {
		c.AdminListenAddr = sec.Key("listen_addr").MustString(c.AdminListenAddr)
	}
	if sec := f.Section("snapshot"); sec != nil {
		c.SnapshotDir = sec.Key("dir").MustString(c.SnapshotDir)
	}

	nodes, err := loadNodeFile(nodeFilePath)
	if err != nil {
		return c, err
	}
	c.Nodes = nodes
	if c.CommSize == 1 && len(nodes) > 0 {
		c.CommSize = len(nodes)
	}
	return c, nil
}

// loadNodeFile parses lines of "world_rank hostname ib_hostname tcp_port
// rdma_port", skipping blank lines and lines starting with '#'.
func loadNodeFile(path string) ([]Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open node file %s: %w", path, err)
	}
	defer f.Close()

	var nodes []Node
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 5 {
			return nil, fmt.Errorf("config: %s:%d: expected 5 fields, got %d", path, lineNo, len(fields))
		}
		rank, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("config: %s:%d: bad world_rank: %w", path, lineNo, err)
		}
		tcpPort, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("config: %s:%d: bad tcp_port: %w", path, lineNo, err)
		}
		rdmaPort, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, fmt.Errorf("config: %s:%d: bad rdma_port: %w", path, lineNo, err)
		}
		nodes = append(nodes, Node{
			WorldRank:  rank,
			Hostname:   fields[1],
			IBHostname: fields[2],
			TCPPort:    tcpPort,
			RDMAPort:   rdmaPort,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nodes, nil
}

func mustSize(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := units.ParseBase2Bytes(s)
	if err != nil {
		return fallback
	}
	return int(v)
}

func mustDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
