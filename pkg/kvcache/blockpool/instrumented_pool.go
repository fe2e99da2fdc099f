/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package blockpool

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d/llm-d-kv-block-pool/pkg/kvcache/metrics"
)

type instrumentedPool struct {
	next BlockPool
}

// NewInstrumentedPool wraps a BlockPool and emits metrics for its
// operations.
// The block count gauges follow next until another pool is instrumented.
func NewInstrumentedPool(next BlockPool) BlockPool {
	metrics.SetBlockCountsSource(next)
	return &instrumentedPool{next: next}
}

func (m *instrumentedPool) MatchBlocks(ctx context.Context, hashes []SequenceHash) ([]*Item, error) {
	timer := prometheus.NewTimer(metrics.MatchLatency)
	defer timer.ObserveDuration()

	metrics.MatchRequests.Inc()

	items, err := m.next.MatchBlocks(ctx, hashes)
	if err == nil {
		metrics.MatchedBlocks.Add(float64(len(items)))
		metrics.MatchMisses.Add(float64(len(hashes) - len(items)))
	}

	return items, err
}

func (m *instrumentedPool) MatchSingle(ctx context.Context, hash SequenceHash) (*Item, error) {
	timer := prometheus.NewTimer(metrics.MatchLatency)
	defer timer.ObserveDuration()

	metrics.MatchRequests.Inc()

	item, err := m.next.MatchSingle(ctx, hash)
	if err == nil {
		if item != nil {
			metrics.MatchedBlocks.Inc()
		} else {
			metrics.MatchMisses.Inc()
		}
	}

	return item, err
}

func (m *instrumentedPool) TakeBlocks(ctx context.Context, count uint32) ([]*Item, error) {
	items, err := m.next.TakeBlocks(ctx, count)
	metrics.TakenBlocks.Add(float64(len(items)))

	return items, err
}

func (m *instrumentedPool) Insert(ctx context.Context, block *Block) error {
	err := m.next.Insert(ctx, block)
	if err == nil {
		metrics.Inserts.Inc()
	}

	return err
}

func (m *instrumentedPool) UpdateSingle(ctx context.Context, update UpdateBlock) error {
	return m.next.UpdateSingle(ctx, update)
}

func (m *instrumentedPool) UpdateMultiple(ctx context.Context, updates []UpdateBlock) error {
	return m.next.UpdateMultiple(ctx, updates)
}

func (m *instrumentedPool) Reset(ctx context.Context, hashes []SequenceHash) error {
	metrics.Resets.Inc()
	return m.next.Reset(ctx, hashes)
}

func (m *instrumentedPool) ResetAll(ctx context.Context) error {
	metrics.Resets.Inc()
	return m.next.ResetAll(ctx)
}

func (m *instrumentedPool) Fence(ctx context.Context) error {
	err := m.next.Fence(ctx)

	return err
}

func (m *instrumentedPool) TotalBlocks() uint64 {
	return m.next.TotalBlocks()
}

func (m *instrumentedPool) AvailableBlocks() uint64 {
	return m.next.AvailableBlocks()
}

func (m *instrumentedPool) Shutdown(ctx context.Context) error {
	return m.next.Shutdown(ctx)
}
