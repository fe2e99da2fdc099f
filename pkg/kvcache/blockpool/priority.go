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

// priorityKey orders content-addressed blocks for eviction.
// The sequence hash is carried as payload only.
type priorityKey struct {
	priority     uint32
	returnTick   uint64
	sequenceHash SequenceHash
}

func keyOf(block *Block) priorityKey {
	return priorityKey{
		priority:     block.Priority,
		returnTick:   block.ReturnTick,
		sequenceHash: block.SequenceHash(),
	}
}

// lessPriorityKey sorts by priority (lowest first), then by return tick
// (oldest first).
func lessPriorityKey(a, b priorityKey) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.returnTick < b.returnTick
}
