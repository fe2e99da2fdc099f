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
	"k8s.io/client-go/util/workqueue"

	"github.com/llm-d/llm-d-kv-block-pool/pkg/utils/logging"
)

// queues are the four inputs of the pool goroutine, ordered by priority.
type queues struct {
	match   workqueue.TypedInterface[matchRequest]
	ret     workqueue.TypedInterface[*Block]
	control workqueue.TypedInterface[controlRequest]
	fence   workqueue.TypedInterface[*fenceRequest]

	// wake holds at most one pending signal that new work was added.
	wake chan struct{}
}

func newQueues() *queues {
	return &queues{
		match: workqueue.NewTypedWithConfig(workqueue.TypedQueueConfig[matchRequest]{
			Name: "blockpool-match",
		}),
		ret: workqueue.NewTypedWithConfig(workqueue.TypedQueueConfig[*Block]{
			Name: "blockpool-return",
		}),
		control: workqueue.NewTypedWithConfig(workqueue.TypedQueueConfig[controlRequest]{
			Name: "blockpool-control",
		}),
		fence: workqueue.NewTypedWithConfig(workqueue.TypedQueueConfig[*fenceRequest]{
			Name: "blockpool-fence",
		}),
		wake: make(chan struct{}, 1),
	}
}

func (q *queues) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queues) shutDown() {
	q.match.ShutDown()
	q.ret.ShutDown()
	q.control.ShutDown()
	q.fence.ShutDown()
	q.signal()
}

func (q *queues) drained() bool {
	return q.match.ShuttingDown() && q.match.Len() == 0 &&
		q.ret.ShuttingDown() && q.ret.Len() == 0 &&
		q.control.ShuttingDown() && q.control.Len() == 0 &&
		q.fence.ShuttingDown() && q.fence.Len() == 0
}

// run is the pool goroutine. It serves one request at a time, always from
// the highest priority non-empty queue, until every queue is shut down and
// drained.
func (p *Pool) run() {
	defer close(p.done)

	for {
		if p.processNext() {
			continue
		}
		if p.queues.drained() {
			p.state.logger.Info("block pool stopped",
				"total-blocks", p.TotalBlocks(), "available-blocks", p.AvailableBlocks())
			return
		}
		<-p.queues.wake
	}
}

// processNext serves a single request and reports whether one was found.
func (p *Pool) processNext() bool {
	q := p.queues

	switch {
	case q.match.Len() > 0:
		req, _ := q.match.Get()
		defer q.match.Done(req)
		p.state.handleMatchRequest(req)
	case q.ret.Len() > 0:
		block, _ := q.ret.Get()
		defer q.ret.Done(block)
		p.state.handleReturn(block)
	case q.control.Len() > 0:
		req, _ := q.control.Get()
		defer q.control.Done(req)
		p.state.handleControlRequest(req)
	case q.fence.Len() > 0:
		req, _ := q.fence.Get()
		defer q.fence.Done(req)
		if !req.reply.send(struct{}{}) {
			p.state.logger.V(logging.TRACE).Info("fence requester dropped before completion")
		}
	default:
		return false
	}

	return true
}
