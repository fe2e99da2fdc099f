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
	"time"

	"github.com/llm-d/llm-d-kv-block-pool/pkg/checkout"
	"github.com/llm-d/llm-d-kv-block-pool/pkg/kvcache/kvblock"
)

// SequenceHash is the content address of a block.
type SequenceHash = kvblock.SequenceHash

// Block is one fixed-capacity unit of KV-cache memory bound to one chunk of a
// token sequence.
type Block struct {
	// TokenBlock holds the block's tokens and content address.
	TokenBlock kvblock.TokenBlock
	// Priority ranks the block for eviction. Lower values are evicted first.
	Priority uint32
	// ReturnTick is stamped by the pool each time the block becomes
	// available. Lower values are evicted first among equal priorities.
	ReturnTick uint64

	// published is the hash last reported to the pool's EventSink.
	published SequenceHash
}

// NewBlock creates a block for the given token block and priority.
func NewBlock(tokenBlock kvblock.TokenBlock, priority uint32) *Block {
	return &Block{
		TokenBlock: tokenBlock,
		Priority:   priority,
	}
}

// SequenceHash returns the content address of the block.
func (b *Block) SequenceHash() SequenceHash {
	return b.TokenBlock.SequenceHash
}

// Reset clears the content identity of the block so it can be reused for a
// different chunk.
func (b *Block) Reset() {
	b.TokenBlock.Reset()
}

// Item is a checked-out block. Release returns the block to its pool.
type Item = checkout.Item[*Block]

// UpdateBlock changes the attributes of an available block.
type UpdateBlock struct {
	Hash SequenceHash
	// Priority replaces the block's priority when set.
	Priority *uint32
	// Deadline is reserved and currently ignored.
	Deadline *time.Time
}
