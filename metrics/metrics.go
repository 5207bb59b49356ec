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

// Package metrics registers the core's counters and gauges the way
// work/worker.go registers miner counters: metrics.NewRegisteredCounter(name,
// nil). The registry is exported over /metrics via prometheus/client_golang;
// there is no InfluxDB or other push reporter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	gometrics "github.com/rcrowley/go-metrics"
)

// Registry is the process-wide go-metrics registry, a package-level value
// like go-metrics' own DefaultRegistry. The counters below are registered
// in it at package init, and subsystems use them directly.
var Registry = gometrics.NewRegistry()

func NewRegisteredCounter(name string) gometrics.Counter {
	return gometrics.NewRegisteredCounter(name, Registry)
}

func NewRegisteredGauge(name string) gometrics.GaugeFloat64 {
	return gometrics.NewRegisteredGaugeFloat64(name, Registry)
}

// Counters used across the core, named the way work/worker.go names
// "miner/timelimitreached".
var (
	TimestampsIssued   = NewRegisteredCounter("clock/timestamps_issued")
	CalibrationRounds  = NewRegisteredCounter("clock/calibration_rounds")
	TSTInsertCount     = NewRegisteredCounter("txstatus/insert")
	TSTOutOfSpace      = NewRegisteredCounter("txstatus/out_of_space")
	TSTErased          = NewRegisteredCounter("txstatus/erased")
	RCTInserted        = NewRegisteredCounter("rct/inserted")
	RCTErased          = NewRegisteredCounter("rct/erased")
	MailboxSendRetries = NewRegisteredCounter("mailbox/send_retries")
	MailboxSendFatal   = NewRegisteredCounter("mailbox/send_fatal")
	RingBytesWritten   = NewRegisteredCounter("mailbox/ring_bytes_written")
	GCTasksCreated     = NewRegisteredCounter("gc/tasks_created")
	GCTasksReclaimed   = NewRegisteredCounter("gc/tasks_reclaimed")
	GCVersionsFreed    = NewRegisteredCounter("gc/versions_freed")
	GCVerticesReclaimed = NewRegisteredCounter("gc/vertices_reclaimed")
	GCTaskErrors       = NewRegisteredCounter("gc/task_errors")
	TrxCommitted       = NewRegisteredCounter("worker/trx_committed")
	TrxAborted         = NewRegisteredCounter("worker/trx_aborted")
)

// promCollector bridges the go-metrics registry into a prometheus
// Gatherer-compatible collector, registered by the admin HTTP server in
// the registry its /metrics handler serves.
type promCollector struct{ reg gometrics.Registry }

func NewPrometheusCollector() prometheus.Collector {
	return &promCollector{reg: Registry}
}

func (c *promCollector) Describe(ch chan<- *prometheus.Desc) {
	// Intentionally unchecked: descriptions are generated dynamically in
	// Collect, matching prometheus's "unchecked collector" pattern used by
	// bridges over third-party registries.
}

func (c *promCollector) Collect(ch chan<- prometheus.Metric) {
	c.reg.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case gometrics.Counter:
			ch <- prometheus.MustNewConstMetric(
				prometheus.NewDesc(sanitize(name), name, nil, nil),
				prometheus.CounterValue, float64(m.Count()))
		case gometrics.GaugeFloat64:
			ch <- prometheus.MustNewConstMetric(
				prometheus.NewDesc(sanitize(name), name, nil, nil),
				prometheus.GaugeValue, m.Value())
		}
	})
}

func sanitize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '/' || c == '-' || c == '.' {
			out[i] = '_'
		} else {
			out[i] = c
		}
	}
	return "gquery_" + string(out)
}
