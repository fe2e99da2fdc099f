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

// BlockEventKind tells whether content became cached or stopped being cached.
type BlockEventKind int

const (
	// BlockStored is reported when a block's content becomes reusable.
	BlockStored BlockEventKind = iota
	// BlockRemoved is reported when previously stored content is evicted or
	// cleared.
	BlockRemoved
)

func (k BlockEventKind) String() string {
	switch k {
	case BlockStored:
		return "BlockStored"
	case BlockRemoved:
		return "BlockRemoved"
	default:
		return "Unknown"
	}
}

// BlockEvent describes a change of cached content.
// ParentHash and Tokens are only set for BlockStored.
type BlockEvent struct {
	Kind       BlockEventKind
	Hash       SequenceHash
	ParentHash SequenceHash
	Tokens     []uint32
}

// EventSink receives the events produced by one pool operation, in order.
// It is called from the pool's goroutine and must not block.
type EventSink interface {
	PublishBlockEvents(events []BlockEvent)
}
