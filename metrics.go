// metrics.go: Prometheus export of logger statistics
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ulog

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes Logger.Stats as Prometheus metrics. Values are read from
// the logger at scrape time, so registering it adds no cost to Log.
//
//	registry := prometheus.NewRegistry()
//	registry.MustRegister(ulog.NewCollector(logger, "blackbox"))
type Collector struct {
	logger *Logger

	logged       *prometheus.Desc
	dropped      *prometheus.Desc
	rejected     *prometheus.Desc
	encodeErrors *prometheus.Desc
	bytesWritten *prometheus.Desc
	filesCreated *prometheus.Desc
	rotations    *prometheus.Desc
	writeErrors  *prometheus.Desc
	retries      *prometheus.Desc
	lostBytes    *prometheus.Desc
	degraded     *prometheus.Desc
	sequence     *prometheus.Desc
	bufferFill   *prometheus.Desc
	bufferCap    *prometheus.Desc
}

// NewCollector returns a collector for l. namespace prefixes every metric name
// and may be empty.
func NewCollector(l *Logger, namespace string) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "ulog", name), help, nil, prometheus.Labels{"prefix": l.cfg.Prefix})
	}
	return &Collector{
		logger:       l,
		logged:       desc("records_logged_total", "Records accepted into the ring buffer"),
		dropped:      desc("records_dropped_total", "Records dropped because the ring buffer was full"),
		rejected:     desc("records_rejected_total", "Records refused after shutdown began"),
		encodeErrors: desc("encode_errors_total", "Records refused for exceeding field or packet limits"),
		bytesWritten: desc("bytes_written_total", "Bytes written to storage, headers included"),
		filesCreated: desc("files_created_total", "Session files created"),
		rotations:    desc("rotations_total", "Session file rotations"),
		writeErrors:  desc("write_errors_total", "Failed storage operations"),
		retries:      desc("retries_total", "Storage operation retries"),
		lostBytes:    desc("lost_bytes_total", "Buffered bytes never persisted at shutdown"),
		degraded:     desc("degraded", "1 while storage writes keep failing"),
		sequence:     desc("sequence", "Sequence number of the newest session file"),
		bufferFill:   desc("buffer_fill_bytes", "Bytes waiting in the ring buffer"),
		bufferCap:    desc("buffer_capacity_bytes", "Ring buffer capacity"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.logged
	ch <- c.dropped
	ch <- c.rejected
	ch <- c.encodeErrors
	ch <- c.bytesWritten
	ch <- c.filesCreated
	ch <- c.rotations
	ch <- c.writeErrors
	ch <- c.retries
	ch <- c.lostBytes
	ch <- c.degraded
	ch <- c.sequence
	ch <- c.bufferFill
	ch <- c.bufferCap
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.logger.Stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.logged, s.Logged)
	counter(c.dropped, s.Dropped)
	counter(c.rejected, s.Rejected)
	counter(c.encodeErrors, s.EncodeErrors)
	counter(c.bytesWritten, s.BytesWritten)
	counter(c.filesCreated, s.FilesCreated)
	counter(c.rotations, s.Rotations)
	counter(c.writeErrors, s.WriteErrors)
	counter(c.retries, s.Retries)
	counter(c.lostBytes, s.LostBytes)

	degraded := 0.0
	if s.Degraded {
		degraded = 1
	}
	gauge(c.degraded, degraded)
	gauge(c.sequence, float64(s.Sequence))
	gauge(c.bufferFill, float64(s.BufferFill))
	gauge(c.bufferCap, float64(s.BufferCapacity))
}
