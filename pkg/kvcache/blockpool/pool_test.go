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

package blockpool_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-block-pool/pkg/kvcache/blockpool"
	"github.com/llm-d/llm-d-kv-block-pool/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-pool/pkg/kvcache/metrics"
)

func newTestPool(t *testing.T, sink blockpool.EventSink) *blockpool.Pool {
	t.Helper()
	pool := blockpool.NewPool(sink)
	pool.Start(context.Background())
	t.Cleanup(func() {
		assert.NoError(t, pool.Shutdown(context.Background()))
	})
	return pool
}

func createBlocks(t *testing.T, tokens []uint32, priority uint32) []*blockpool.Block {
	t.Helper()
	db, err := kvblock.NewChunkedTokenDatabase(&kvblock.TokenProcessorConfig{
		BlockSize:     2,
		HashAlgorithm: kvblock.XXHash64,
	})
	require.NoError(t, err)

	tokenBlocks, _ := db.TokensToBlocks(tokens)
	blocks := make([]*blockpool.Block, 0, len(tokenBlocks))
	for _, tb := range tokenBlocks {
		blocks = append(blocks, blockpool.NewBlock(tb, priority))
	}
	return blocks
}

func insertAll(t *testing.T, pool blockpool.BlockPool, blocks []*blockpool.Block) {
	t.Helper()
	for _, block := range blocks {
		require.NoError(t, pool.Insert(context.Background(), block))
	}
}

func release(items []*blockpool.Item) {
	for _, item := range items {
		item.Release()
	}
}

func firstTokens(items []*blockpool.Item) []uint32 {
	out := make([]uint32, 0, len(items))
	for _, item := range items {
		out = append(out, item.Value().TokenBlock.Tokens[0])
	}
	return out
}

func sequenceHashes(blocks []*blockpool.Block) []blockpool.SequenceHash {
	out := make([]blockpool.SequenceHash, 0, len(blocks))
	for _, block := range blocks {
		out = append(out, block.SequenceHash())
	}
	return out
}

func TestBasicSequenceMatching(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, nil)

	blocks := createBlocks(t, []uint32{1, 2, 3, 4}, 0)
	require.Len(t, blocks, 2)
	hashes := sequenceHashes(blocks)

	insertAll(t, pool, blocks)
	assert.Equal(t, uint64(2), pool.TotalBlocks())
	assert.Equal(t, uint64(2), pool.AvailableBlocks())

	matched, err := pool.MatchBlocks(ctx, hashes)
	require.NoError(t, err)
	require.Len(t, matched, 2)
	assert.Equal(t, uint64(2), pool.TotalBlocks())
	assert.Equal(t, uint64(0), pool.AvailableBlocks())

	assert.Equal(t, hashes[0], matched[0].Value().SequenceHash())
	assert.Equal(t, hashes[1], matched[1].Value().SequenceHash())

	// tail to root
	slices.Reverse(matched)
	release(matched)
	require.NoError(t, pool.Fence(ctx))

	assert.Equal(t, uint64(2), pool.TotalBlocks())
	assert.Equal(t, uint64(2), pool.AvailableBlocks())
}

func TestEqualPriorityTaking(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, nil)

	blocks1 := createBlocks(t, []uint32{1, 2, 3, 4}, 1)
	blocks2 := createBlocks(t, []uint32{5, 6, 7, 8}, 1)
	slices.Reverse(blocks1)
	slices.Reverse(blocks2)

	insertAll(t, pool, blocks2)
	insertAll(t, pool, blocks1)

	taken, err := pool.TakeBlocks(ctx, 4)
	require.NoError(t, err)
	defer release(taken)

	assert.Equal(t, []uint32{7, 5, 3, 1}, firstTokens(taken))
	assert.Equal(t, uint64(0), pool.AvailableBlocks())
}

func TestPriorityTaking(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, nil)

	blocks1 := createBlocks(t, []uint32{1, 2, 3, 4}, 1)
	blocks2 := createBlocks(t, []uint32{5, 6, 7, 8}, 2)
	slices.Reverse(blocks1)
	slices.Reverse(blocks2)

	// the higher priority sequence goes in first but is taken last
	insertAll(t, pool, blocks2)
	insertAll(t, pool, blocks1)

	taken, err := pool.TakeBlocks(ctx, 4)
	require.NoError(t, err)
	defer release(taken)

	assert.Equal(t, []uint32{3, 1, 7, 5}, firstTokens(taken))
}

func TestMatchBlocksStopsAtFirstMiss(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, nil)

	blocks := createBlocks(t, []uint32{1, 2, 3, 4, 5, 6}, 0)
	require.Len(t, blocks, 3)
	hashes := sequenceHashes(blocks)

	insertAll(t, pool, []*blockpool.Block{blocks[0], blocks[2]})

	matched, err := pool.MatchBlocks(ctx, hashes)
	require.NoError(t, err)
	defer release(matched)

	require.Len(t, matched, 1)
	assert.Equal(t, hashes[0], matched[0].Value().SequenceHash())
	assert.Equal(t, uint64(1), pool.AvailableBlocks())

	none, err := pool.MatchBlocks(ctx, hashes[1:2])
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMatchSingle(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, nil)

	blocks := createBlocks(t, []uint32{1, 2}, 0)
	insertAll(t, pool, blocks)

	item, err := pool.MatchSingle(ctx, blocks[0].SequenceHash())
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Same(t, blocks[0], item.Value())

	again, err := pool.MatchSingle(ctx, blocks[0].SequenceHash())
	require.NoError(t, err)
	assert.Nil(t, again, "a checked-out block cannot be matched")

	item.Release()
	require.NoError(t, pool.Fence(ctx))

	again, err = pool.MatchSingle(ctx, blocks[0].SequenceHash())
	require.NoError(t, err)
	require.NotNil(t, again)
	again.Release()
}

func TestTakeBlocksPrefersUninitialized(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, nil)

	cached := createBlocks(t, []uint32{1, 2}, 0)
	insertAll(t, pool, cached)
	for range 2 {
		require.NoError(t, pool.Insert(ctx, blockpool.NewBlock(kvblock.TokenBlock{}, 0)))
	}

	taken, err := pool.TakeBlocks(ctx, 2)
	require.NoError(t, err)
	require.Len(t, taken, 2)
	for _, item := range taken {
		assert.True(t, item.Value().SequenceHash().IsSentinel())
	}

	more, err := pool.TakeBlocks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, more, 1)
	assert.Equal(t, cached[0].SequenceHash(), more[0].Value().SequenceHash())

	empty, err := pool.TakeBlocks(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, empty)

	release(taken)
	release(more)
	require.NoError(t, pool.Fence(ctx))
	assert.Equal(t, uint64(3), pool.AvailableBlocks())
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, nil)
	insertAll(t, pool, createBlocks(t, []uint32{1, 2}, 0))

	taken, err := pool.TakeBlocks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, taken, 1)

	assert.True(t, taken[0].Release())
	assert.False(t, taken[0].Release())
	require.NoError(t, pool.Fence(ctx))

	assert.Equal(t, uint64(1), pool.AvailableBlocks())
	assert.Equal(t, uint64(1), pool.TotalBlocks())
}

func TestReturnedBlocksAreEvictedLast(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, nil)

	blocks := createBlocks(t, []uint32{1, 2, 3, 4}, 0)
	insertAll(t, pool, blocks)

	matched, err := pool.MatchBlocks(ctx, sequenceHashes(blocks[:1]))
	require.NoError(t, err)
	release(matched)
	require.NoError(t, pool.Fence(ctx))

	taken, err := pool.TakeBlocks(ctx, 2)
	require.NoError(t, err)
	defer release(taken)
	assert.Equal(t, []uint32{3, 1}, firstTokens(taken))
}

func TestUpdateChangesEvictionOrder(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, nil)

	blocks := createBlocks(t, []uint32{1, 2, 3, 4, 5, 6}, 1)
	insertAll(t, pool, blocks)

	high := uint32(5)
	low := uint32(0)
	require.NoError(t, pool.UpdateSingle(ctx, blockpool.UpdateBlock{Hash: blocks[0].SequenceHash(), Priority: &high}))
	require.NoError(t, pool.UpdateMultiple(ctx, []blockpool.UpdateBlock{
		{Hash: blocks[2].SequenceHash(), Priority: &low},
		{Hash: 12345, Priority: &low},
	}))

	taken, err := pool.TakeBlocks(ctx, 3)
	require.NoError(t, err)
	defer release(taken)
	assert.Equal(t, []uint32{5, 3, 1}, firstTokens(taken))
}

func TestUpdateWithDeadlineOnlyIsNoop(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, nil)

	blocks := createBlocks(t, []uint32{1, 2, 3, 4}, 1)
	insertAll(t, pool, blocks)

	deadline := time.Now().Add(time.Minute)
	require.NoError(t, pool.UpdateSingle(ctx, blockpool.UpdateBlock{Hash: blocks[0].SequenceHash(), Deadline: &deadline}))

	taken, err := pool.TakeBlocks(ctx, 2)
	require.NoError(t, err)
	defer release(taken)
	assert.Equal(t, []uint32{1, 3}, firstTokens(taken))
}

func TestResetClearsIdentity(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, nil)

	blocks := createBlocks(t, []uint32{1, 2, 3, 4, 5, 6}, 0)
	hashes := sequenceHashes(blocks)
	insertAll(t, pool, blocks)

	require.NoError(t, pool.Reset(ctx, hashes[1:2]))

	matched, err := pool.MatchBlocks(ctx, hashes)
	require.NoError(t, err)
	assert.Len(t, matched, 1)
	release(matched)

	require.NoError(t, pool.ResetAll(ctx))
	matched, err = pool.MatchBlocks(ctx, hashes)
	require.NoError(t, err)
	assert.Empty(t, matched)

	assert.Equal(t, uint64(3), pool.AvailableBlocks())
	assert.Equal(t, uint64(3), pool.TotalBlocks())
}

func TestFenceOrdersReturnsBeforeAcknowledgement(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, nil)

	const n = 64
	for range n {
		require.NoError(t, pool.Insert(ctx, blockpool.NewBlock(kvblock.TokenBlock{}, 0)))
	}

	taken, err := pool.TakeBlocks(ctx, n)
	require.NoError(t, err)
	require.Len(t, taken, n)

	var wg sync.WaitGroup
	for _, item := range taken {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item.Release()
		}()
	}
	wg.Wait()

	require.NoError(t, pool.Fence(ctx))
	assert.Equal(t, uint64(n), pool.AvailableBlocks())
}

func TestConcurrentClients(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, nil)

	const clients = 8
	for range clients * 2 {
		require.NoError(t, pool.Insert(ctx, blockpool.NewBlock(kvblock.TokenBlock{}, 0)))
	}

	var wg sync.WaitGroup
	for range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				taken, err := pool.TakeBlocks(ctx, 2)
				if !assert.NoError(t, err) {
					return
				}
				assert.LessOrEqual(t, pool.AvailableBlocks(), pool.TotalBlocks())
				release(taken)
			}
		}()
	}
	wg.Wait()

	require.NoError(t, pool.Fence(ctx))
	assert.Equal(t, uint64(clients*2), pool.AvailableBlocks())
}

func TestCancelledRequestKeepsBlocksInPool(t *testing.T) {
	pool := newTestPool(t, nil)
	blocks := createBlocks(t, []uint32{1, 2, 3, 4}, 0)
	insertAll(t, pool, blocks)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	matched, err := pool.MatchBlocks(ctx, sequenceHashes(blocks))
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	} else {
		// the reply won the race
		release(matched)
	}

	require.NoError(t, pool.Fence(context.Background()))
	assert.Equal(t, uint64(2), pool.AvailableBlocks())
}

func TestShutdownRejectsRequests(t *testing.T) {
	ctx := context.Background()
	pool := blockpool.NewPool(nil)
	pool.Start(ctx)

	insertAll(t, pool, createBlocks(t, []uint32{1, 2}, 0))
	taken, err := pool.TakeBlocks(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, pool.Shutdown(ctx))
	require.NoError(t, pool.Shutdown(ctx))

	_, err = pool.TakeBlocks(ctx, 1)
	assert.ErrorIs(t, err, blockpool.ErrPoolClosed)
	_, err = pool.MatchSingle(ctx, 1)
	assert.ErrorIs(t, err, blockpool.ErrPoolClosed)
	assert.ErrorIs(t, pool.Insert(ctx, blockpool.NewBlock(kvblock.TokenBlock{}, 0)), blockpool.ErrPoolClosed)
	assert.ErrorIs(t, pool.Fence(ctx), blockpool.ErrPoolClosed)

	// released after shutdown: dropped
	assert.True(t, taken[0].Release())
	assert.Equal(t, uint64(0), pool.AvailableBlocks())
}

func TestShutdownOfUnstartedPool(t *testing.T) {
	pool := blockpool.NewPool(nil)
	require.NoError(t, pool.Shutdown(context.Background()))
	require.NoError(t, pool.Shutdown(context.Background()))
	assert.ErrorIs(t, pool.ResetAll(context.Background()), blockpool.ErrPoolClosed)
}

func TestStartContextCancellationShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := blockpool.NewPool(nil)
	pool.Start(ctx)
	cancel()

	require.Eventually(t, func() bool {
		return errors.Is(pool.Fence(context.Background()), blockpool.ErrPoolClosed)
	}, 5*time.Second, 10*time.Millisecond)
}

type recordingSink struct {
	mu     sync.Mutex
	events []blockpool.BlockEvent
}

func (s *recordingSink) PublishBlockEvents(events []blockpool.BlockEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
}

func (s *recordingSink) drain() []blockpool.BlockEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events
	s.events = nil
	return events
}

func TestEventSinkSeesStoredAndRemoved(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	pool := newTestPool(t, sink)

	blocks := createBlocks(t, []uint32{1, 2, 3, 4}, 0)
	insertAll(t, pool, blocks)

	events := sink.drain()
	require.Len(t, events, 2)
	assert.Equal(t, blockpool.BlockStored, events[0].Kind)
	assert.Equal(t, blocks[0].SequenceHash(), events[0].Hash)
	assert.Equal(t, blocks[0].TokenBlock.ParentHash, events[0].ParentHash)
	assert.Equal(t, []uint32{1, 2}, events[0].Tokens)
	assert.Equal(t, blocks[0].SequenceHash(), events[1].ParentHash)

	taken, err := pool.TakeBlocks(ctx, 1)
	require.NoError(t, err)
	defer release(taken)

	assert.Equal(t, []blockpool.BlockEvent{{Kind: blockpool.BlockRemoved, Hash: blocks[0].SequenceHash()}}, sink.drain())

	require.NoError(t, pool.ResetAll(ctx))
	assert.Equal(t, []blockpool.BlockEvent{{Kind: blockpool.BlockRemoved, Hash: blocks[1].SequenceHash()}}, sink.drain())
}

func TestInstrumentedPool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := blockpool.NewBlockPool(ctx, &blockpool.Config{EnableMetrics: true}, nil)
	t.Cleanup(func() { assert.NoError(t, pool.Shutdown(context.Background())) })
	assert.Implements(t, (*blockpool.BlockPool)(nil), pool)

	requests := testutil.ToFloat64(metrics.MatchRequests)
	inserts := testutil.ToFloat64(metrics.Inserts)
	misses := testutil.ToFloat64(metrics.MatchMisses)

	blocks := createBlocks(t, []uint32{1, 2, 3, 4, 5, 6}, 0)
	insertAll(t, pool, blocks[:2])

	matched, err := pool.MatchBlocks(ctx, sequenceHashes(blocks))
	require.NoError(t, err)
	require.Len(t, matched, 2)

	assert.Equal(t, requests+1, testutil.ToFloat64(metrics.MatchRequests))
	assert.Equal(t, inserts+2, testutil.ToFloat64(metrics.Inserts))
	assert.Equal(t, misses+1, testutil.ToFloat64(metrics.MatchMisses))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.AvailableBlocks))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.TotalBlocks))

	release(matched)
	require.NoError(t, pool.Fence(ctx))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.AvailableBlocks))
}
