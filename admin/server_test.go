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

package admin

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gquery/gquery/core/gc"
)

type fakeStatus struct {
	rank, commSize, running int
	minBT                   uint64
}

func (f fakeStatus) Rank() int            { return f.rank }
func (f fakeStatus) CommSize() int        { return f.commSize }
func (f fakeStatus) GlobalMinBT() uint64  { return f.minBT }
func (f fakeStatus) RunningCount() int    { return f.running }

func TestHandleHealthzReturnsOK(t *testing.T) {
	s := New(fakeStatus{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, req, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestHandleStatusReportsStatusSourceFields(t *testing.T) {
	s := New(fakeStatus{rank: 1, commSize: 4, running: 3, minBT: 77}, nil)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["rank"])
	assert.Equal(t, float64(4), body["comm_size"])
	assert.Equal(t, float64(3), body["running_trxs"])
	assert.Equal(t, float64(77), body["global_min_bt"])
}

func TestHandleMemsizeReportsTotalBytes(t *testing.T) {
	s := New(fakeStatus{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/memsize", nil)
	rec := httptest.NewRecorder()
	s.handleMemsize(rec, req, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "total_bytes")
}

func TestCloseBeforeListenIsANoOp(t *testing.T) {
	s := New(fakeStatus{}, nil)
	assert.NoError(t, s.Close())
}

func TestListenAndServeServesHealthzOverRealSocket(t *testing.T) {
	events := make(chan gc.Event)
	s := New(fakeStatus{rank: 0, commSize: 1}, events)

	free, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := free.Addr().String()
	require.NoError(t, free.Close())

	go s.ListenAndServe(addr)
	defer s.Close()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + addr + "/healthz")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
