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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gquery/gquery/indexstore"
)

func TestDefaultSizesCachesOffMemory(t *testing.T) {
	c := Default()
	assert.Equal(t, indexstore.LevelDB, c.IndexStoreBackend)
	assert.Greater(t, c.ReadCacheBytes, 0)
	assert.Equal(t, time.Second, c.MinBTGossipPeriod)
}

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadOverridesDefaultsAndInfersCommSize(t *testing.T) {
	dir := t.TempDir()
	confPath := writeFile(t, dir, "gquery-conf.ini", `
[cluster]
my_rank = 2

[transport]
use_rdma = true
ring_size = 8MiB

[runningtrx]
min_bt_gossip_period = 250ms

[indexstore]
backend = memory
enable_caching = false
`)
	nodePath := writeFile(t, dir, "nodes.txt", `
# world_rank hostname ib_hostname tcp_port rdma_port
0 host0 ib-host0 9000 9100
1 host1 ib-host1 9001 9101
2 host2 ib-host2 9002 9102
`)

	c, err := Load(confPath, nodePath)
	require.NoError(t, err)

	assert.Equal(t, 2, c.MyRank)
	assert.True(t, c.UseRDMA)
	assert.Equal(t, 8*1024*1024, c.RingSize)
	assert.Equal(t, 250*time.Millisecond, c.MinBTGossipPeriod)
	assert.Equal(t, indexstore.Memory, c.IndexStoreBackend)
	assert.False(t, c.EnableCaching)

	require.Len(t, c.Nodes, 3)
	assert.Equal(t, Node{WorldRank: 1, Hostname: "host1", IBHostname: "ib-host1", TCPPort: 9001, RDMAPort: 9101}, c.Nodes[1])
	assert.Equal(t, 3, c.CommSize, "comm_size left at its default of 1 must be inferred from the node count")
}

func TestLoadExplicitCommSizeIsNotOverridden(t *testing.T) {
	dir := t.TempDir()
	confPath := writeFile(t, dir, "gquery-conf.ini", `
[cluster]
comm_size = 7
`)
	nodePath := writeFile(t, dir, "nodes.txt", "0 host0 ib-host0 9000 9100\n")

	c, err := Load(confPath, nodePath)
	require.NoError(t, err)
	assert.Equal(t, 7, c.CommSize)
}

func TestLoadMissingConfFileIsAnError(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.ini"), filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)
}

func TestLoadNodeFileRejectsMalformedLine(t *testing.T) {
	dir := t.TempDir()
	confPath := writeFile(t, dir, "gquery-conf.ini", "")
	nodePath := writeFile(t, dir, "nodes.txt", "0 host0 ib-host0 9000\n")

	_, err := Load(confPath, nodePath)
	assert.Error(t, err)
}

func TestLoadNodeFileSkipsBlankAndCommentLines(t *testing.T) {
	dir := t.TempDir()
	confPath := writeFile(t, dir, "gquery-conf.ini", "")
	nodePath := writeFile(t, dir, "nodes.txt", "\n# comment\n0 host0 ib-host0 9000 9100\n\n")

	c, err := Load(confPath, nodePath)
	require.NoError(t, err)
	require.Len(t, c.Nodes, 1)
}

func TestMustSizeFallsBackOnEmptyOrInvalid(t *testing.T) {
	assert.Equal(t, 42, mustSize("", 42))
	assert.Equal(t, 42, mustSize("not-a-size", 42))
	assert.Equal(t, 2*1024*1024, mustSize("2MiB", 1))
}

func TestMustDurationFallsBackOnEmptyOrInvalid(t *testing.T) {
	assert.Equal(t, time.Minute, mustDuration("", time.Minute))
	assert.Equal(t, time.Minute, mustDuration("not-a-duration", time.Minute))
	assert.Equal(t, 5*time.Second, mustDuration("5s", time.Minute))
}
