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

package kvevents

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-kv-block-pool/pkg/kvcache/blockpool"
)

const (
	// BlockStoredEventTag is the tag for BlockStored events.
	BlockStoredEventTag = "BlockStored"
	// BlockRemovedEventTag is the tag for BlockRemoved events.
	BlockRemovedEventTag = "BlockRemoved"
)

// Event is a marker interface for KV-cache events.
type Event interface {
	isEvent()
	ToTaggedUnion() []any
}

// EventBatch represents a batch of events.
// It is encoded as an array to match vLLM's format.
type EventBatch struct {
	_                struct{} `msgpack:",array"`
	TS               float64
	Events           []msgpack.RawMessage
	DataParallelRank *int `msgpack:",omitempty"`
}

// BlockStored event.
type BlockStored struct {
	_               struct{} `msgpack:",array"`
	BlockHashes     []uint64
	ParentBlockHash *uint64
	TokenIds        []uint32
	BlockSize       int
	LoraID          *int
}

func (bs BlockStored) ToTaggedUnion() []any {
	return []any{
		BlockStoredEventTag,
		bs.BlockHashes,
		bs.ParentBlockHash,
		bs.TokenIds,
		bs.BlockSize,
		bs.LoraID,
	}
}

func (BlockStored) isEvent() {}

// BlockRemoved event.
type BlockRemoved struct {
	_           struct{} `msgpack:",array"`
	BlockHashes []uint64
}

func (br BlockRemoved) ToTaggedUnion() []any {
	return []any{
		BlockRemovedEventTag,
		br.BlockHashes,
	}
}

func (BlockRemoved) isEvent() {}

// fromBlockEvents converts pool events to wire events. Runs of removals are
// merged into a single BlockRemoved.
func fromBlockEvents(events []blockpool.BlockEvent, blockSize int) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		switch ev.Kind {
		case blockpool.BlockStored:
			stored := BlockStored{
				BlockHashes: []uint64{uint64(ev.Hash)},
				TokenIds:    ev.Tokens,
				BlockSize:   blockSize,
			}
			if !ev.ParentHash.IsSentinel() {
				parent := uint64(ev.ParentHash)
				stored.ParentBlockHash = &parent
			}
			out = append(out, stored)
		case blockpool.BlockRemoved:
			if n := len(out); n > 0 {
				if last, ok := out[n-1].(BlockRemoved); ok {
					last.BlockHashes = append(last.BlockHashes, uint64(ev.Hash))
					out[n-1] = last
					continue
				}
			}
			out = append(out, BlockRemoved{BlockHashes: []uint64{uint64(ev.Hash)}})
		}
	}

	return out
}
