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

// Package admin serves the debug/metrics/status HTTP surface every
// worker process exposes: health and status JSON, a prometheus-scrapable
// /metrics, a live websocket feed of GC task completions, and a
// process memory-footprint report.
package admin

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/clevergo/websocket"
	"github.com/fjl/memsize"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/gquery/gquery/core/gc"
	"github.com/gquery/gquery/log"
	"github.com/gquery/gquery/metrics"
)

// StatusSource answers the /status endpoint's questions about the worker
// this server is attached to.
type StatusSource interface {
	Rank() int
	CommSize() int
	GlobalMinBT() uint64
	RunningCount() int
}

// Server is the debug/metrics/status HTTP server, one per worker
// process.
type Server struct {
	status   StatusSource
	events   <-chan gc.Event
	upgrader websocket.Upgrader
	logger   *log.Logger
	ln       net.Listener
	httpSrv  *http.Server
}

func New(status StatusSource, gcEvents <-chan gc.Event) *Server {
	return &Server{
		status: status,
		events: gcEvents,
		logger: log.NewModuleLogger(log.Admin),
	}
}

// ListenAndServe binds addr and serves until Close is called.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln

	router := httprouter.New()
	router.GET("/healthz", s.handleHealthz)
	router.GET("/status", s.handleStatus)
	router.GET("/memsize", s.handleMemsize)
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewPrometheusCollector())
	router.Handler("GET", "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.GET("/debug/gc/stream", s.handleGCStream)

	handler := cors.Default().Handler(router)
	s.httpSrv = &http.Server{Handler: handler}
	s.logger.Info("admin server listening", "addr", addr)
	return s.httpSrv.Serve(ln)
}

func (s *Server) Close() error {
	if s.httpSrv != nil {
		return s.httpSrv.Close()
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"rank":          s.status.Rank(),
		"comm_size":     s.status.CommSize(),
		"global_min_bt": s.status.GlobalMinBT(),
		"running_trxs":  s.status.RunningCount(),
		"registered_metrics": registeredMetricCount(),
	})
}

func registeredMetricCount() int {
	n := 0
	metrics.Registry.Each(func(string, interface{}) { n++ })
	return n
}

func (s *Server) handleMemsize(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	sizes := memsize.Scan(s.status)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"total_bytes": sizes.Total,
		"report":      sizes.Report(),
	})
}

// handleGCStream upgrades to a websocket and forwards every GC task
// completion event as JSON until the client disconnects.
func (s *Server) handleGCStream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("gc stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
