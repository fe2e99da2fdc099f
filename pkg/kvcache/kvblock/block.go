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

// Package kvblock splits token sequences into fixed-size blocks and derives
// their content addresses. Each block's SequenceHash chains the hash of its
// predecessor with its own tokens, so two blocks share a hash only if the
// whole prefix up to and including them is identical.
package kvblock

import "fmt"

// SequenceHash is the content address of a block.
type SequenceHash uint64

// SentinelHash marks a block without a stable identity.
const SentinelHash SequenceHash = 0

// sentinelReplacement stands in for a computed hash that happens to be 0.
const sentinelReplacement = 1

// IsSentinel reports whether h carries no identity.
func (h SequenceHash) IsSentinel() bool {
	return h == SentinelHash
}

// String returns the hex representation of the hash.
func (h SequenceHash) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

// TokenBlock is one full chunk of a token sequence.
type TokenBlock struct {
	// Tokens holds exactly BlockSize token ids.
	Tokens []uint32
	// ParentHash is the SequenceHash of the previous block, or the
	// processor's root hash for the first block.
	ParentHash SequenceHash
	// SequenceHash is the content address of the block.
	SequenceHash SequenceHash
}

// Reset clears the block's content identity.
func (b *TokenBlock) Reset() {
	b.Tokens = nil
	b.ParentHash = SentinelHash
	b.SequenceHash = SentinelHash
}
