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

package kvcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-pool/pkg/kvcache/blockpool"
	"github.com/llm-d/llm-d-kv-block-pool/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-pool/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-kv-block-pool/pkg/utils/logging"
)

// ErrNotEnoughBlocks is returned when an allocation cannot be backed by the
// blocks currently available.
var ErrNotEnoughBlocks = errors.New("not enough blocks available")

// Config holds the configuration for the Manager module.
// The configuration cover the different components found in the Manager
// module.
type Config struct {
	TokenProcessorConfig *kvblock.TokenProcessorConfig `json:"tokenProcessorConfig"`
	BlockPoolConfig      *blockpool.Config             `json:"blockPoolConfig"`
	// KVEventsConfig enables the KV-events feed when set.
	KVEventsConfig *kvevents.Config `json:"kvEventsConfig,omitempty"`
	// Capacity is a human readable memory budget (e.g. "2GiB") provisioned
	// as uninitialized blocks when the manager runs. Empty means none.
	Capacity string `json:"capacity"`
	// BlockBytes is the memory footprint of one block.
	BlockBytes uint64 `json:"blockBytes"`
}

// NewDefaultConfig returns a default configuration for the Manager module.
func NewDefaultConfig() *Config {
	return &Config{
		TokenProcessorConfig: kvblock.DefaultTokenProcessorConfig(),
		BlockPoolConfig:      blockpool.DefaultConfig(),
		BlockBytes:           2 * humanize.MiByte,
	}
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	TotalBlocks     uint64 `json:"totalBlocks"`
	AvailableBlocks uint64 `json:"availableBlocks"`
}

// Manager ties a token processor to a block pool: it turns token sequences
// into block identities and claims the blocks backing them.
type Manager struct {
	config *Config

	tokensProcessor kvblock.TokenProcessor // turns tokens to sequence hashes
	pool            blockpool.BlockPool    // owns the blocks
	publisher       *kvevents.Publisher    // optional
}

// NewManager creates a Manager given a Config. Run must be called before
// any other method.
func NewManager(config *Config) (*Manager, error) {
	if config == nil {
		config = NewDefaultConfig()
	}

	tokensProcessor, err := kvblock.NewChunkedTokenDatabase(config.TokenProcessorConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create token processor: %w", err)
	}

	m := &Manager{
		config:          config,
		tokensProcessor: tokensProcessor,
	}

	if config.KVEventsConfig != nil {
		eventsConfig := *config.KVEventsConfig
		eventsConfig.BlockSize = tokensProcessor.BlockSize()
		m.publisher, err = kvevents.NewPublisher(&eventsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create kv-events publisher: %w", err)
		}
	}

	return m, nil
}

// NewManagerWithPublisher creates a Manager reporting to the given
// publisher instead of building one from the configuration.
func NewManagerWithPublisher(config *Config, publisher *kvevents.Publisher) (*Manager, error) {
	if config == nil {
		config = NewDefaultConfig()
	}

	withoutEvents := *config
	withoutEvents.KVEventsConfig = nil

	m, err := NewManager(&withoutEvents)
	if err != nil {
		return nil, err
	}
	m.config = config
	m.publisher = publisher

	return m, nil
}

// Run starts the block pool and the events publisher, then provisions the
// configured capacity.
func (m *Manager) Run(ctx context.Context) error {
	var sink blockpool.EventSink
	if m.publisher != nil {
		m.publisher.Start(ctx)
		sink = m.publisher
	}

	m.pool = blockpool.NewBlockPool(ctx, m.config.BlockPoolConfig, sink)

	if m.config.Capacity == "" {
		return nil
	}

	n, err := m.ProvisionBytes(ctx, m.config.Capacity)
	if err != nil {
		return err
	}
	klog.FromContext(ctx).Info("provisioned block pool",
		"capacity", m.config.Capacity, "block-bytes", humanize.IBytes(m.config.BlockBytes), "blocks", n)

	return nil
}

// Shutdown stops the block pool, then flushes and stops the publisher.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	if m.pool != nil {
		err = m.pool.Shutdown(ctx)
	}
	if m.publisher != nil {
		m.publisher.Shutdown(ctx)
	}

	return err
}

// BlockPool returns the block pool used by the Manager.
func (m *Manager) BlockPool() blockpool.BlockPool {
	return m.pool
}

// BlockSize returns the number of tokens per block.
func (m *Manager) BlockSize() int {
	return m.tokensProcessor.BlockSize()
}

// SequenceHashes returns the identities of the full blocks of tokens.
func (m *Manager) SequenceHashes(tokens []uint32) []blockpool.SequenceHash {
	return m.tokensProcessor.TokensToSequenceHashes(tokens)
}

// Provision adds n uninitialized blocks to the pool.
func (m *Manager) Provision(ctx context.Context, n uint64) error {
	for i := uint64(0); i < n; i++ {
		if err := m.pool.Insert(ctx, blockpool.NewBlock(kvblock.TokenBlock{}, 0)); err != nil {
			return fmt.Errorf("failed to provision block %d of %d: %w", i+1, n, err)
		}
	}

	return nil
}

// ProvisionBytes adds as many uninitialized blocks as fit in size, a human
// readable byte count such as "512MiB". It returns the number of blocks.
func (m *Manager) ProvisionBytes(ctx context.Context, size string) (uint64, error) {
	if m.config.BlockBytes == 0 {
		return 0, errors.New("failed to provision blocks: block size in bytes is not set")
	}

	budget, err := humanize.ParseBytes(size)
	if err != nil {
		return 0, fmt.Errorf("failed to parse capacity %q: %w", size, err)
	}

	n := budget / m.config.BlockBytes
	if err := m.Provision(ctx, n); err != nil {
		return 0, err
	}

	return n, nil
}

// MatchPrefix claims the cached blocks of the longest prefix of tokens.
func (m *Manager) MatchPrefix(ctx context.Context, tokens []uint32) ([]*blockpool.Item, error) {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvcache.MatchPrefix")

	hashes := m.tokensProcessor.TokensToSequenceHashes(tokens)
	if len(hashes) == 0 {
		return nil, nil
	}

	items, err := m.pool.MatchBlocks(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("failed to match blocks: %w", err)
	}
	traceLogger.Info("matched prefix", "hashes", len(hashes), "matched", len(items))

	return items, nil
}

// Probe returns how many leading full blocks of tokens are cached and
// available right now. The blocks are claimed and released again.
func (m *Manager) Probe(ctx context.Context, tokens []uint32) (int, error) {
	items, err := m.MatchPrefix(ctx, tokens)
	if err != nil {
		return 0, err
	}
	release(items)

	return len(items), nil
}

// Allocate claims the blocks backing a token sequence: cached blocks for its
// longest available prefix, and fresh blocks stamped with the identities of
// the remaining full blocks plus one for the partial tail, if any. Every
// claimed block takes the given priority.
//
// The allocation is all-or-nothing: if not enough blocks are available,
// nothing stays claimed and ErrNotEnoughBlocks is returned.
func (m *Manager) Allocate(ctx context.Context, tokens []uint32, priority uint32) (*Allocation, error) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("kvcache.Allocate")

	tokenBlocks, tail := m.tokensProcessor.TokensToBlocks(tokens)
	hashes := make([]blockpool.SequenceHash, len(tokenBlocks))
	for i, tb := range tokenBlocks {
		hashes[i] = tb.SequenceHash
	}

	var cached []*blockpool.Item
	if len(hashes) > 0 {
		var err error
		cached, err = m.pool.MatchBlocks(ctx, hashes)
		if err != nil {
			return nil, fmt.Errorf("failed to match blocks: %w", err)
		}
	}

	remaining := tokenBlocks[len(cached):]
	needed := len(remaining)
	if len(tail) > 0 {
		needed++
	}

	var fresh []*blockpool.Item
	if needed > 0 {
		var err error
		//nolint:gosec // bounded by the token count
		fresh, err = m.pool.TakeBlocks(ctx, uint32(needed))
		if err != nil {
			release(cached)
			return nil, fmt.Errorf("failed to take blocks: %w", err)
		}
	}

	if len(fresh) < needed {
		release(cached)
		release(fresh)
		return nil, fmt.Errorf("%w: need %d, got %d", ErrNotEnoughBlocks, needed, len(fresh))
	}

	for _, item := range cached {
		item.Value().Priority = priority
	}
	for i, item := range fresh {
		block := item.Value()
		block.Priority = priority
		if i < len(remaining) {
			block.TokenBlock = remaining[i]
		} else {
			block.TokenBlock = kvblock.TokenBlock{Tokens: append([]uint32(nil), tail...)}
		}
	}

	debugLogger.Info("allocated blocks", "cached", len(cached), "fresh", len(fresh), "tail", len(tail))
	return &Allocation{Cached: cached, Fresh: fresh}, nil
}

// Stats returns the pool counters.
func (m *Manager) Stats() Stats {
	return Stats{
		TotalBlocks:     m.pool.TotalBlocks(),
		AvailableBlocks: m.pool.AvailableBlocks(),
	}
}

// Allocation holds the blocks backing one token sequence.
type Allocation struct {
	// Cached are the blocks whose content was already present, in sequence
	// order.
	Cached []*blockpool.Item
	// Fresh are the blocks for the rest of the sequence, in order. The last
	// one holds the partial tail when the sequence does not end on a block
	// boundary.
	Fresh []*blockpool.Item
}

// Blocks returns every block of the allocation in sequence order.
func (a *Allocation) Blocks() []*blockpool.Item {
	return append(append(make([]*blockpool.Item, 0, len(a.Cached)+len(a.Fresh)), a.Cached...), a.Fresh...)
}

// Release returns every block of the allocation to the pool.
func (a *Allocation) Release() {
	release(a.Cached)
	release(a.Fresh)
}

func release(items []*blockpool.Item) {
	for _, item := range items {
		item.Release()
	}
}
