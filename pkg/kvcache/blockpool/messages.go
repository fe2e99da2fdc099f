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

import "sync"

// reply carries a single response from the pool goroutine back to a caller.
type reply[T any] struct {
	ch    chan T
	state *replyState
}

type replyState struct {
	mu        sync.Mutex
	abandoned bool
}

func newReply[T any]() reply[T] {
	return reply[T]{ch: make(chan T, 1), state: &replyState{}}
}

// send delivers v unless the caller has abandoned the reply.
// It is called at most once per reply and never blocks.
func (r reply[T]) send(v T) bool {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()

	if r.state.abandoned {
		return false
	}
	r.ch <- v
	return true
}

// abandon marks the caller as gone. A value delivered before that is
// returned so the caller can dispose of it.
func (r reply[T]) abandon() (T, bool) {
	r.state.mu.Lock()
	r.state.abandoned = true
	r.state.mu.Unlock()

	select {
	case v := <-r.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// matchRequest is served from the highest priority queue.
type matchRequest interface {
	isMatchRequest()
}

type matchSingleRequest struct {
	hash  SequenceHash
	reply reply[*Item]
}

type matchMultipleRequest struct {
	hashes []SequenceHash
	reply  reply[[]*Item]
}

type takeRequest struct {
	count uint32
	reply reply[[]*Item]
}

func (*matchSingleRequest) isMatchRequest()   {}
func (*matchMultipleRequest) isMatchRequest() {}
func (*takeRequest) isMatchRequest()          {}

// controlRequest mutates the pool without checking blocks out.
type controlRequest interface {
	isControlRequest()
}

type insertRequest struct {
	block *Block
	reply reply[struct{}]
}

type updateSingleRequest struct {
	update UpdateBlock
	reply  reply[struct{}]
}

type updateMultipleRequest struct {
	updates []UpdateBlock
	reply   reply[struct{}]
}

type resetRequest struct {
	hashes []SequenceHash
	reply  reply[struct{}]
}

type resetAllRequest struct {
	reply reply[struct{}]
}

func (*insertRequest) isControlRequest()         {}
func (*updateSingleRequest) isControlRequest()   {}
func (*updateMultipleRequest) isControlRequest() {}
func (*resetRequest) isControlRequest()          {}
func (*resetAllRequest) isControlRequest()       {}

// fenceRequest is answered once every queue above it has drained.
type fenceRequest struct {
	reply reply[struct{}]
}
