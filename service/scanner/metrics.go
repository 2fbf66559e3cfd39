// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package scanner

import (
	"os"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

type metrics struct {
	blocksScanned    prometheus.Counter
	blocksUndone     prometheus.Counter
	batchesCommitted prometheus.Counter
	bytesCommitted   prometheus.Counter
	queueDepth       prometheus.Gauge
	leftovers        prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		blocksScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: promSubsystem,
			Name:      "blocks_scanned_total",
			Help:      "Number of blocks indexed.",
		}),
		blocksUndone: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: promSubsystem,
			Name:      "blocks_undone_total",
			Help:      "Number of orphaned blocks removed from the index.",
		}),
		batchesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: promSubsystem,
			Name:      "batches_committed_total",
			Help:      "Number of batches durably committed.",
		}),
		bytesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: promSubsystem,
			Name:      "bytes_committed_total",
			Help:      "Key and value bytes written to the database.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "commit_queue_depth",
			Help:      "Write sets waiting for the committer.",
		}),
		leftovers: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "spentness_leftovers",
			Help:      "Deferred spentness entries waiting for their output.",
		}),
	}
}

func (s *Scanner) promScanning() float64 {
	if s.Scanning() {
		return 1
	}
	return 0
}

// Collectors returns the prometheus collectors of the scanner.
func (s *Scanner) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.metrics.blocksScanned,
		s.metrics.blocksUndone,
		s.metrics.batchesCommitted,
		s.metrics.bytesCommitted,
		s.metrics.queueDepth,
		s.metrics.leftovers,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "scanning",
			Help:      "Is the scanner running.",
		}, s.promScanning),
	}
}

// logMemStats pretty prints memory stats during lengthy scans.
func logMemStats() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	rss := "unknown"
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil {
			rss = humanize.IBytes(mi.RSS)
		}
	}

	// Go memory statistics are hard to interpret but the following list is
	// an approximation:
	//	Alloc is currently allocated memory
	// 	TotalAlloc is all memory allocated over time
	// 	Sys is basically a peak memory use
	log.Infof("Alloc = %v, TotalAlloc = %v, Sys = %v, RSS = %v, NumGC = %v",
		humanize.IBytes(mem.Alloc),
		humanize.IBytes(mem.TotalAlloc),
		humanize.IBytes(mem.Sys),
		rss,
		mem.NumGC)
}
