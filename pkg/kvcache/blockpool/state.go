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
	"fmt"
	"sync/atomic"

	"github.com/google/btree"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-pool/pkg/checkout"
	"github.com/llm-d/llm-d-kv-block-pool/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-pool/pkg/utils/logging"
)

const priorityTreeDegree = 32

// poolState holds every index of the pool. It is owned by the pool goroutine
// and is not safe for concurrent use.
//
// Invariants:
//   - lookup and prioritySet hold the same blocks, one entry per non-sentinel
//     hash;
//   - uninitialized holds only sentinel-hash blocks;
//   - a block is in at most one of them, and in none while checked out.
type poolState struct {
	// lookup indexes available blocks by sequence hash.
	lookup map[SequenceHash]*Block
	// prioritySet orders the blocks of lookup for eviction.
	prioritySet *btree.BTreeG[priorityKey]
	// uninitialized is a FIFO of available blocks without identity.
	uninitialized []*Block

	returnTick uint64

	totalBlocks     *atomic.Uint64
	availableBlocks *atomic.Uint64

	returnHandle checkout.ReturnHandle[*Block]

	sink    EventSink
	pending []BlockEvent

	logger klog.Logger
}

func newPoolState(totalBlocks, availableBlocks *atomic.Uint64,
	returnHandle checkout.ReturnHandle[*Block], sink EventSink,
) *poolState {
	return &poolState{
		lookup:          make(map[SequenceHash]*Block),
		prioritySet:     btree.NewG(priorityTreeDegree, lessPriorityKey),
		totalBlocks:     totalBlocks,
		availableBlocks: availableBlocks,
		returnHandle:    returnHandle,
		sink:            sink,
		logger:          klog.Background(),
	}
}

// place indexes an available block according to its hash.
// The caller guarantees the hash is not already resident.
func (s *poolState) place(block *Block) {
	s.announce(block)

	sequenceHash := block.SequenceHash()
	if sequenceHash.IsSentinel() {
		s.uninitialized = append(s.uninitialized, block)
		return
	}

	if _, replaced := s.prioritySet.ReplaceOrInsert(keyOf(block)); replaced {
		panic(fmt.Sprintf("fatal error: multiple entries for sequence hash %s in priority set", sequenceHash))
	}

	if _, exists := s.lookup[sequenceHash]; exists {
		panic(fmt.Sprintf("fatal error: multiple entries for sequence hash %s in lookup map", sequenceHash))
	}
	s.lookup[sequenceHash] = block
}

// takeWithSequenceHash removes the block with the given hash from both
// indices, if it is available.
func (s *poolState) takeWithSequenceHash(sequenceHash SequenceHash) (*Block, bool) {
	if sequenceHash.IsSentinel() {
		return nil, false
	}

	block, ok := s.lookup[sequenceHash]
	if !ok {
		return nil, false
	}
	delete(s.lookup, sequenceHash)

	if _, found := s.prioritySet.Delete(keyOf(block)); !found {
		panic(fmt.Sprintf("fatal error: block %s from lookup map not found in priority set", sequenceHash))
	}

	return block, true
}

// popLowest removes the lowest ranked content-addressed block.
func (s *poolState) popLowest() (*Block, bool) {
	key, ok := s.prioritySet.DeleteMin()
	if !ok {
		return nil, false
	}

	block, found := s.lookup[key.sequenceHash]
	if !found {
		panic(fmt.Sprintf("fatal error: block %s from priority set not found in lookup map", key.sequenceHash))
	}
	delete(s.lookup, key.sequenceHash)

	return block, true
}

// take removes one block for a fresh allocation: uninitialized blocks first,
// then the lowest ranked cached block.
func (s *poolState) take() (*Block, bool) {
	if len(s.uninitialized) > 0 {
		block := s.uninitialized[0]
		s.uninitialized[0] = nil
		s.uninitialized = s.uninitialized[1:]
		return block, true
	}

	block, ok := s.popLowest()
	if !ok {
		return nil, false
	}

	// the content is about to be overwritten by the new owner
	s.retract(block)
	return block, true
}

func (s *poolState) nextTick() uint64 {
	s.returnTick++
	return s.returnTick
}

func (s *poolState) decrementAvailable(n int) {
	if n > 0 {
		s.availableBlocks.Add(^uint64(n - 1))
	}
}

func (s *poolState) checkout(block *Block) *Item {
	return checkout.New(block, s.returnHandle)
}

func (s *poolState) handleInsert(block *Block) {
	sequenceHash := block.SequenceHash()
	if _, exists := s.lookup[sequenceHash]; exists && !sequenceHash.IsSentinel() {
		panic(fmt.Sprintf("fatal error: duplicate sequence hash %s inserted into the pool", sequenceHash))
	}

	s.totalBlocks.Add(1)
	s.availableBlocks.Add(1)
	block.ReturnTick = s.nextTick()

	s.logger.V(logging.DEBUG).Info("inserting block into available blocks",
		"sequence-hash", sequenceHash, "priority", block.Priority, "return-tick", block.ReturnTick)
	s.place(block)
}

func (s *poolState) handleReturn(block *Block) {
	s.availableBlocks.Add(1)
	block.ReturnTick = s.nextTick()

	sequenceHash := block.SequenceHash()
	if _, exists := s.lookup[sequenceHash]; exists && !sequenceHash.IsSentinel() {
		// another block took this identity while this one was checked out
		s.logger.V(logging.DEBUG).Info("returned block duplicates an available block, dropping its identity",
			"sequence-hash", sequenceHash)
		if block.published == sequenceHash {
			block.published = kvblock.SentinelHash
		}
		block.Reset()
	}

	s.logger.V(logging.TRACE).Info("block returned to available blocks",
		"sequence-hash", block.SequenceHash(), "return-tick", block.ReturnTick)
	s.place(block)
	s.flushEvents()
}

func (s *poolState) matchHashes(hashes []SequenceHash) []*Item {
	matched := make([]*Item, 0, len(hashes))
	for _, sequenceHash := range hashes {
		block, ok := s.takeWithSequenceHash(sequenceHash)
		if !ok {
			// later hashes descend from this one, the chain is broken
			break
		}
		matched = append(matched, s.checkout(block))
	}

	s.decrementAvailable(len(matched))
	return matched
}

func (s *poolState) handleMatchSingle(req *matchSingleRequest) {
	var item *Item
	if matched := s.matchHashes([]SequenceHash{req.hash}); len(matched) > 0 {
		item = matched[0]
	}

	s.flushEvents()
	if !req.reply.send(item) {
		s.logger.V(logging.TRACE).Info("failed to send matched block to requester")
		releaseAll([]*Item{item})
	}
}

func (s *poolState) handleMatchMultiple(req *matchMultipleRequest) {
	matched := s.matchHashes(req.hashes)
	s.flushEvents()
	if !req.reply.send(matched) {
		s.logger.V(logging.TRACE).Info("failed to send matched blocks to requester")
		releaseAll(matched)
	}
}

func (s *poolState) handleTake(req *takeRequest) {
	taken := make([]*Item, 0, req.count)
	for range req.count {
		block, ok := s.take()
		if !ok {
			break
		}
		taken = append(taken, s.checkout(block))
	}
	s.decrementAvailable(len(taken))

	s.flushEvents()
	if !req.reply.send(taken) {
		s.logger.V(logging.TRACE).Info("failed to send taken blocks to requester")
		releaseAll(taken)
	}
}

func (s *poolState) handleMatchRequest(req matchRequest) {
	switch r := req.(type) {
	case *matchSingleRequest:
		s.handleMatchSingle(r)
	case *matchMultipleRequest:
		s.handleMatchMultiple(r)
	case *takeRequest:
		s.handleTake(r)
	default:
		panic(fmt.Sprintf("unknown match request type %T", req))
	}
}

func (s *poolState) handleControlRequest(req controlRequest) {
	switch r := req.(type) {
	case *insertRequest:
		s.handleInsert(r.block)
		s.ack(r.reply, "insert")
	case *updateSingleRequest:
		s.handleUpdates([]UpdateBlock{r.update})
		s.ack(r.reply, "update single")
	case *updateMultipleRequest:
		s.handleUpdates(r.updates)
		s.ack(r.reply, "update multiple")
	case *resetRequest:
		s.handleReset(r.hashes)
		s.ack(r.reply, "reset")
	case *resetAllRequest:
		s.handleResetAll()
		s.ack(r.reply, "reset all")
	default:
		panic(fmt.Sprintf("unknown control request type %T", req))
	}
}

func (s *poolState) ack(r reply[struct{}], op string) {
	s.flushEvents()
	if !r.send(struct{}{}) {
		s.logger.V(logging.TRACE).Info("failed to send ack; receiver dropped", "op", op)
	}
}

func (s *poolState) handleUpdates(updates []UpdateBlock) {
	for _, update := range updates {
		block, ok := s.takeWithSequenceHash(update.Hash)
		if !ok {
			continue
		}

		if update.Priority != nil {
			block.Priority = *update.Priority
		}
		// update.Deadline is reserved

		s.place(block)
	}
}

func (s *poolState) resetBlock(block *Block) {
	s.retract(block)
	block.Reset()
	s.place(block)
}

func (s *poolState) handleReset(hashes []SequenceHash) {
	seen := sets.New[SequenceHash]()
	for _, sequenceHash := range hashes {
		if seen.Has(sequenceHash) {
			continue
		}
		seen.Insert(sequenceHash)

		if block, ok := s.takeWithSequenceHash(sequenceHash); ok {
			s.logger.V(logging.DEBUG).Info("resetting block", "sequence-hash", sequenceHash)
			s.resetBlock(block)
		}
	}
}

func (s *poolState) handleResetAll() {
	count := 0
	for {
		block, ok := s.popLowest()
		if !ok {
			break
		}
		s.resetBlock(block)
		count++
	}
	s.logger.V(logging.DEBUG).Info("reset all available blocks", "count", count)
}

// announce reports the block's current identity to the sink if it differs
// from the one last reported.
func (s *poolState) announce(block *Block) {
	sequenceHash := block.SequenceHash()
	if block.published == sequenceHash {
		return
	}

	if !block.published.IsSentinel() {
		s.emit(BlockEvent{Kind: BlockRemoved, Hash: block.published})
	}
	if !sequenceHash.IsSentinel() {
		s.emit(BlockEvent{
			Kind:       BlockStored,
			Hash:       sequenceHash,
			ParentHash: block.TokenBlock.ParentHash,
			Tokens:     block.TokenBlock.Tokens,
		})
	}
	block.published = sequenceHash
}

// retract reports that the block's published content is gone.
func (s *poolState) retract(block *Block) {
	if block.published.IsSentinel() {
		return
	}
	s.emit(BlockEvent{Kind: BlockRemoved, Hash: block.published})
	block.published = kvblock.SentinelHash
}

func (s *poolState) emit(event BlockEvent) {
	if s.sink == nil {
		return
	}
	s.pending = append(s.pending, event)
}

// flushEvents hands the pending events to the sink. Every handler flushes
// once, before replying, so that a caller observes the events of its own
// request.
func (s *poolState) flushEvents() {
	if s.sink == nil || len(s.pending) == 0 {
		return
	}
	events := s.pending
	s.pending = nil
	s.sink.PublishBlockEvents(events)
}

func releaseAll(items []*Item) {
	for _, item := range items {
		if item != nil {
			item.Release()
		}
	}
}
