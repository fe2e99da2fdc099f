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

package kvevents_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-block-pool/pkg/kvcache/blockpool"
	"github.com/llm-d/llm-d-kv-block-pool/pkg/kvcache/kvevents"
)

type mockSender struct {
	mock.Mock

	mu       sync.Mutex
	messages []*kvevents.Message
}

func (m *mockSender) Send(msg *kvevents.Message) error {
	args := m.Called(msg)
	if args.Error(0) == nil {
		m.mu.Lock()
		m.messages = append(m.messages, msg)
		m.mu.Unlock()
	}
	return args.Error(0)
}

func (m *mockSender) Close() error {
	return m.Called().Error(0)
}

func testConfig() *kvevents.Config {
	return &kvevents.Config{PodIdentifier: "pod-a", ModelName: "model-x", BlockSize: 2}
}

func TestConfigTopic(t *testing.T) {
	assert.Equal(t, "kv@pod-a@model-x", testConfig().Topic())
	assert.Equal(t, "kv@localhost@default", kvevents.DefaultConfig().Topic())
}

func TestPublisherSendsEncodedBatches(t *testing.T) {
	ctx := context.Background()
	sender := &mockSender{}
	sender.On("Send", mock.MatchedBy(func(msg *kvevents.Message) bool {
		return msg.Topic == "kv@pod-a@model-x"
	})).Return(nil).Twice()
	sender.On("Close").Return(nil).Once()

	publisher := kvevents.NewPublisherWithSender(testConfig(), sender)
	publisher.Start(ctx)

	publisher.PublishBlockEvents([]blockpool.BlockEvent{
		{Kind: blockpool.BlockStored, Hash: 11, ParentHash: 10, Tokens: []uint32{1, 2}},
		{Kind: blockpool.BlockStored, Hash: 12, ParentHash: 11, Tokens: []uint32{3, 4}},
	})
	publisher.PublishBlockEvents(nil)
	publisher.PublishBlockEvents([]blockpool.BlockEvent{
		{Kind: blockpool.BlockRemoved, Hash: 11},
		{Kind: blockpool.BlockRemoved, Hash: 12},
	})
	publisher.Shutdown(ctx)

	sender.AssertExpectations(t)
	require.Len(t, sender.messages, 2)
	assert.Equal(t, uint64(0), sender.messages[0].Seq)
	assert.Equal(t, uint64(1), sender.messages[1].Seq)

	ts, events, err := kvevents.DecodeEventBatch(sender.messages[0].Payload)
	require.NoError(t, err)
	assert.Positive(t, ts)
	require.Len(t, events, 2)

	stored, ok := events[0].(kvevents.BlockStored)
	require.True(t, ok)
	assert.Equal(t, []uint64{11}, stored.BlockHashes)
	require.NotNil(t, stored.ParentBlockHash)
	assert.Equal(t, uint64(10), *stored.ParentBlockHash)
	assert.Equal(t, []uint32{1, 2}, stored.TokenIds)
	assert.Equal(t, 2, stored.BlockSize)
	assert.Nil(t, stored.LoraID)

	_, events, err = kvevents.DecodeEventBatch(sender.messages[1].Payload)
	require.NoError(t, err)
	require.Len(t, events, 1, "consecutive removals are merged")
	removed, ok := events[0].(kvevents.BlockRemoved)
	require.True(t, ok)
	assert.Equal(t, []uint64{11, 12}, removed.BlockHashes)
}

func TestPublisherContinuesAfterSendFailure(t *testing.T) {
	ctx := context.Background()
	sender := &mockSender{}
	sender.On("Send", mock.Anything).Return(errors.New("no route")).Once()
	sender.On("Send", mock.Anything).Return(nil).Once()
	sender.On("Close").Return(nil).Once()

	publisher := kvevents.NewPublisherWithSender(testConfig(), sender)
	publisher.Start(ctx)

	publisher.PublishBlockEvents([]blockpool.BlockEvent{{Kind: blockpool.BlockRemoved, Hash: 1}})
	publisher.PublishBlockEvents([]blockpool.BlockEvent{{Kind: blockpool.BlockRemoved, Hash: 2}})
	publisher.Shutdown(ctx)

	sender.AssertExpectations(t)
	require.Len(t, sender.messages, 1)
	assert.Equal(t, uint64(1), sender.messages[0].Seq)
}

func TestPublisherAsPoolSink(t *testing.T) {
	ctx := context.Background()
	sender := &mockSender{}
	sender.On("Send", mock.Anything).Return(nil)
	sender.On("Close").Return(nil).Once()

	publisher := kvevents.NewPublisherWithSender(testConfig(), sender)
	publisher.Start(ctx)

	pool := blockpool.NewPool(publisher)
	pool.Start(ctx)

	require.NoError(t, pool.Insert(ctx, blockpool.NewBlock(tokenBlock(5, []uint32{1, 2}), 0)))
	taken, err := pool.TakeBlocks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, taken, 1)
	taken[0].Release()

	require.NoError(t, pool.Shutdown(ctx))
	publisher.Shutdown(ctx)

	var kinds []string
	for _, msg := range sender.messages {
		_, events, err := kvevents.DecodeEventBatch(msg.Payload)
		require.NoError(t, err)
		for _, ev := range events {
			kinds = append(kinds, ev.ToTaggedUnion()[0].(string))
		}
	}
	// stored on insert, removed on eviction, stored again when the block
	// comes back still holding its content
	assert.Equal(t, []string{
		kvevents.BlockStoredEventTag,
		kvevents.BlockRemovedEventTag,
		kvevents.BlockStoredEventTag,
	}, kinds)
}

func TestDecodeEventBatchRejectsGarbage(t *testing.T) {
	_, _, err := kvevents.DecodeEventBatch([]byte{0xc1})
	assert.Error(t, err)
}
