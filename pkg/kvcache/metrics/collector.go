// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	Inserts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "blockpool", Name: "inserts_total",
		Help: "Total number of blocks inserted into the pool",
	})
	Resets = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "blockpool", Name: "reset_requests_total",
		Help: "Total number of reset and reset-all requests",
	})

	// MatchRequests counts how many MatchBlocks/MatchSingle calls have been made.
	MatchRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "blockpool", Name: "match_requests_total",
		Help: "Total number of match calls",
	})
	// MatchedBlocks counts blocks claimed by hash.
	MatchedBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "blockpool", Name: "matched_blocks_total",
		Help: "Number of blocks claimed by sequence hash",
	})
	// MatchMisses counts hashes requested but not claimed because the chain broke.
	MatchMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "blockpool", Name: "match_misses_total",
		Help: "Number of requested hashes not claimed by match calls",
	})
	// TakenBlocks counts generic blocks handed out by TakeBlocks.
	TakenBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "blockpool", Name: "taken_blocks_total",
		Help: "Number of blocks claimed for fresh allocations",
	})
	// MatchLatency logs latency of match calls.
	MatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kvcache", Subsystem: "blockpool", Name: "match_latency_seconds",
		Help:    "Latency of match calls in seconds",
		Buckets: prometheus.DefBuckets,
	})

	TotalBlocks = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "kvcache", Subsystem: "blockpool", Name: "total_blocks",
		Help: "Number of blocks owned by the pool",
	}, func() float64 { return readCounts(BlockCounts.TotalBlocks) })
	AvailableBlocks = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "kvcache", Subsystem: "blockpool", Name: "available_blocks",
		Help: "Number of blocks not checked out",
	}, func() float64 { return readCounts(BlockCounts.AvailableBlocks) })
)

// BlockCounts is read by the block gauges at collection time.
type BlockCounts interface {
	TotalBlocks() uint64
	AvailableBlocks() uint64
}

var countsSource atomic.Pointer[BlockCounts]

// SetBlockCountsSource makes the block gauges report the counts of src.
func SetBlockCountsSource(src BlockCounts) {
	countsSource.Store(&src)
}

func readCounts(read func(BlockCounts) uint64) float64 {
	src := countsSource.Load()
	if src == nil || *src == nil {
		return 0
	}
	return float64(read(*src))
}

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Inserts, Resets,
		MatchRequests, MatchedBlocks, MatchMisses, TakenBlocks, MatchLatency,
		TotalBlocks, AvailableBlocks,
	}
}

// Registry is the registry the collectors are registered into.
var Registry = metrics.Registry

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with K8s registry.
func Register() {
	registerMetricsOnce.Do(func() {
		Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values every
// interval, until ctx is done.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMetrics(ctx)
			}
		}
	}()
}

func counterValue(c prometheus.Counter) (float64, bool) {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0, false
	}
	return m.GetCounter().GetValue(), true
}

func gaugeValue(g prometheus.Metric) (float64, bool) {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0, false
	}
	return m.GetGauge().GetValue(), true
}

func logMetrics(ctx context.Context) {
	inserts, ok := counterValue(Inserts)
	if !ok {
		return
	}
	matches, ok := counterValue(MatchRequests)
	if !ok {
		return
	}
	matched, ok := counterValue(MatchedBlocks)
	if !ok {
		return
	}
	misses, ok := counterValue(MatchMisses)
	if !ok {
		return
	}
	taken, ok := counterValue(TakenBlocks)
	if !ok {
		return
	}
	total, ok := gaugeValue(TotalBlocks)
	if !ok {
		return
	}
	available, ok := gaugeValue(AvailableBlocks)
	if !ok {
		return
	}

	var latencyMetric dto.Metric
	if err := MatchLatency.Write(&latencyMetric); err != nil {
		return
	}
	latencyCount := latencyMetric.GetHistogram().GetSampleCount()
	latencySum := latencyMetric.GetHistogram().GetSampleSum()
	latencyAvg := 0.0
	if latencyCount > 0 {
		latencyAvg = latencySum / float64(latencyCount)
	}

	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"inserts", inserts,
		"matches", matches,
		"matched_blocks", matched,
		"match_misses", misses,
		"taken_blocks", taken,
		"total_blocks", total,
		"available_blocks", available,
		"latency_count", latencyCount,
		"latency_avg", latencyAvg,
	)
}
