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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-pool/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-kv-block-pool/pkg/utils/logging"
)

// ErrPoolClosed is returned for requests submitted after Shutdown.
var ErrPoolClosed = errors.New("block pool is closed")

// Config holds the configuration of a block pool.
type Config struct {
	// EnableMetrics wraps the pool with prometheus instrumentation.
	EnableMetrics bool `json:"enableMetrics"`
	// MetricsLoggingInterval is the period of the metrics log beat.
	// Zero disables it.
	MetricsLoggingInterval time.Duration `json:"metricsLoggingInterval"`
}

// DefaultConfig returns a default configuration for the block pool.
func DefaultConfig() *Config {
	return &Config{
		EnableMetrics:          false,
		MetricsLoggingInterval: 0,
	}
}

// BlockPool is the client surface of a block pool.
type BlockPool interface {
	// MatchBlocks claims the blocks of the longest available prefix of
	// hashes, in order. A miss ends the match.
	MatchBlocks(ctx context.Context, hashes []SequenceHash) ([]*Item, error)
	// MatchSingle claims the block with the given hash, or returns nil.
	MatchSingle(ctx context.Context, hash SequenceHash) (*Item, error)
	// TakeBlocks claims up to count blocks for new content, preferring
	// uninitialized blocks and then evicting the lowest ranked cached ones.
	TakeBlocks(ctx context.Context, count uint32) ([]*Item, error)
	// Insert adds a new block to the pool.
	Insert(ctx context.Context, block *Block) error
	// UpdateSingle changes the attributes of one available block.
	UpdateSingle(ctx context.Context, update UpdateBlock) error
	// UpdateMultiple changes the attributes of several available blocks.
	UpdateMultiple(ctx context.Context, updates []UpdateBlock) error
	// Reset clears the identity of the available blocks with the given hashes.
	Reset(ctx context.Context, hashes []SequenceHash) error
	// ResetAll clears the identity of every available cached block.
	ResetAll(ctx context.Context) error
	// Fence returns once every request submitted before it has been applied.
	Fence(ctx context.Context) error
	// TotalBlocks returns the number of blocks ever inserted.
	TotalBlocks() uint64
	// AvailableBlocks returns the number of blocks not checked out.
	AvailableBlocks() uint64
	// Shutdown stops accepting requests and waits for queued ones to finish.
	Shutdown(ctx context.Context) error
}

// Pool owns a set of blocks and serves every request on a single goroutine.
// The zero value is not usable; use NewPool.
type Pool struct {
	queues *queues
	state  *poolState

	totalBlocks     atomic.Uint64
	availableBlocks atomic.Uint64

	// mu orders submissions against Shutdown.
	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

var _ BlockPool = &Pool{}

// NewPool creates a pool. Events describing cached content changes are
// reported to sink when it is not nil. Start must be called before requests
// are served.
func NewPool(sink EventSink) *Pool {
	p := &Pool{
		queues: newQueues(),
		done:   make(chan struct{}),
	}
	p.state = newPoolState(&p.totalBlocks, &p.availableBlocks, returnHandle{pool: p}, sink)

	return p
}

// NewBlockPool creates and starts a pool, instrumented when the
// configuration asks for metrics. A nil config means the default.
func NewBlockPool(ctx context.Context, cfg *Config, sink EventSink) BlockPool {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	pool := NewPool(sink)
	pool.Start(ctx)

	if !cfg.EnableMetrics {
		return pool
	}

	metrics.Register()
	if cfg.MetricsLoggingInterval > 0 {
		metrics.StartMetricsLogging(ctx, cfg.MetricsLoggingInterval)
	}

	return NewInstrumentedPool(pool)
}

// Start launches the pool goroutine. It is non-blocking. When ctx is
// cancelled the pool is shut down.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true

	p.state.logger = klog.FromContext(ctx).WithName("blockpool.Pool")
	p.state.logger.Info("starting block pool")

	go p.run()
	go func() {
		select {
		case <-ctx.Done():
			if err := p.Shutdown(context.Background()); err != nil {
				p.state.logger.Error(err, "failed to shut down block pool")
			}
		case <-p.done:
		}
	}()
}

// Shutdown stops accepting requests and waits until every queued request
// has been served, or until ctx is done. Requests queued on a pool that was
// never started are served too. Blocks released afterwards are dropped.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	alreadyClosed := p.closed
	p.closed = true
	if !alreadyClosed {
		p.queues.shutDown()
	}
	if !p.started {
		// Serve what was queued before Start so no caller is left waiting.
		p.started = true
		go p.run()
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for block pool shutdown: %w", ctx.Err())
	}
}

// TotalBlocks returns the number of blocks ever inserted.
func (p *Pool) TotalBlocks() uint64 {
	return p.totalBlocks.Load()
}

// AvailableBlocks returns the number of blocks not checked out.
func (p *Pool) AvailableBlocks() uint64 {
	return p.availableBlocks.Load()
}

// submit runs enqueue unless the pool is closed.
func (p *Pool) submit(op string, enqueue func(q *queues)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return fmt.Errorf("failed to send %s request: %w", op, ErrPoolClosed)
	}

	enqueue(p.queues)
	p.queues.signal()

	return nil
}

// await waits for a reply. If ctx ends first, the reply is abandoned and
// discard is applied to a value that raced in.
func await[T any](ctx context.Context, r reply[T], discard func(T)) (T, error) {
	select {
	case v := <-r.ch:
		return v, nil
	case <-ctx.Done():
	}

	if v, ok := r.abandon(); ok && discard != nil {
		discard(v)
	}

	var zero T
	return zero, ctx.Err()
}

// MatchBlocks claims the blocks of the longest available prefix of hashes.
func (p *Pool) MatchBlocks(ctx context.Context, hashes []SequenceHash) ([]*Item, error) {
	r := newReply[[]*Item]()
	req := &matchMultipleRequest{hashes: hashes, reply: r}
	if err := p.submit("match multiple", func(q *queues) { q.match.Add(req) }); err != nil {
		return nil, err
	}

	return await(ctx, r, releaseAll)
}

// MatchSingle claims the block with the given hash, or returns nil.
func (p *Pool) MatchSingle(ctx context.Context, hash SequenceHash) (*Item, error) {
	r := newReply[*Item]()
	req := &matchSingleRequest{hash: hash, reply: r}
	if err := p.submit("match single", func(q *queues) { q.match.Add(req) }); err != nil {
		return nil, err
	}

	return await(ctx, r, func(item *Item) { releaseAll([]*Item{item}) })
}

// TakeBlocks claims up to count blocks for new content.
func (p *Pool) TakeBlocks(ctx context.Context, count uint32) ([]*Item, error) {
	r := newReply[[]*Item]()
	req := &takeRequest{count: count, reply: r}
	if err := p.submit("take", func(q *queues) { q.match.Add(req) }); err != nil {
		return nil, err
	}

	return await(ctx, r, releaseAll)
}

// Insert adds a new block to the pool.
func (p *Pool) Insert(ctx context.Context, block *Block) error {
	r := newReply[struct{}]()
	return p.control(ctx, "insert", &insertRequest{block: block, reply: r}, r)
}

// UpdateSingle changes the attributes of one available block.
func (p *Pool) UpdateSingle(ctx context.Context, update UpdateBlock) error {
	r := newReply[struct{}]()
	return p.control(ctx, "update single", &updateSingleRequest{update: update, reply: r}, r)
}

// UpdateMultiple changes the attributes of several available blocks.
func (p *Pool) UpdateMultiple(ctx context.Context, updates []UpdateBlock) error {
	r := newReply[struct{}]()
	return p.control(ctx, "update multiple", &updateMultipleRequest{updates: updates, reply: r}, r)
}

// Reset clears the identity of the available blocks with the given hashes.
func (p *Pool) Reset(ctx context.Context, hashes []SequenceHash) error {
	r := newReply[struct{}]()
	return p.control(ctx, "reset", &resetRequest{hashes: hashes, reply: r}, r)
}

// ResetAll clears the identity of every available cached block.
func (p *Pool) ResetAll(ctx context.Context) error {
	r := newReply[struct{}]()
	return p.control(ctx, "reset all", &resetAllRequest{reply: r}, r)
}

func (p *Pool) control(ctx context.Context, op string, req controlRequest,
	r reply[struct{}],
) error {
	if err := p.submit(op, func(q *queues) { q.control.Add(req) }); err != nil {
		return err
	}

	_, err := await(ctx, r, nil)
	return err
}

// Fence returns once every request submitted before it has been applied.
func (p *Pool) Fence(ctx context.Context) error {
	r := newReply[struct{}]()
	req := &fenceRequest{reply: r}
	if err := p.submit("fence", func(q *queues) { q.fence.Add(req) }); err != nil {
		return err
	}

	_, err := await(ctx, r, nil)
	return err
}

// returnHandle sends released blocks back through the return queue.
type returnHandle struct {
	pool *Pool
}

func (h returnHandle) ReturnToPool(block *Block) {
	err := h.pool.submit("return", func(q *queues) { q.ret.Add(block) })
	if err != nil {
		h.pool.state.logger.V(logging.TRACE).Info("dropping returned block",
			"sequence-hash", block.SequenceHash(), "err", err)
	}
}
