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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-pool/pkg/kvcache/blockpool"
	"github.com/llm-d/llm-d-kv-block-pool/pkg/utils"
	"github.com/llm-d/llm-d-kv-block-pool/pkg/utils/logging"
)

// Config holds the configuration for the event publisher.
type Config struct {
	// ZMQEndpoint is the ZMQ address of the subscriber to connect to
	// (e.g., "tcp://indexer:5557").
	ZMQEndpoint string `json:"zmqEndpoint"`
	// PodIdentifier names this process in the topic.
	PodIdentifier string `json:"podIdentifier"`
	// ModelName names the served model in the topic.
	ModelName string `json:"modelName"`
	// BlockSize is reported with every BlockStored event.
	BlockSize int `json:"blockSize"`
}

// DefaultConfig returns a default configuration for the event publisher.
func DefaultConfig() *Config {
	return &Config{
		ZMQEndpoint:   "tcp://localhost:5557",
		PodIdentifier: "localhost",
		ModelName:     "default",
		BlockSize:     16,
	}
}

// Topic returns the topic events are published on.
func (c *Config) Topic() string {
	return fmt.Sprintf("kv@%s@%s", c.PodIdentifier, c.ModelName)
}

// Message is one encoded event batch ready to be sent.
type Message struct {
	Topic   string
	Payload []byte
	// Seq is the sequence number of the batch on its topic.
	Seq uint64
}

// Sender delivers encoded messages.
type Sender interface {
	Send(msg *Message) error
	Close() error
}

// Publisher encodes block pool events and sends them asynchronously.
// It implements blockpool.EventSink.
type Publisher struct {
	topic     string
	blockSize int

	queue  workqueue.TypedInterface[*pendingBatch]
	sender Sender
	seq    uint64
	wg     sync.WaitGroup
}

// pendingBatch is a queue item; a pointer so that equal batches stay distinct.
type pendingBatch struct {
	events []blockpool.BlockEvent
	ts     time.Time
}

var _ blockpool.EventSink = &Publisher{}

// NewPublisher creates a Publisher sending over a ZMQ PUB socket.
// A nil config means the default.
func NewPublisher(cfg *Config) (*Publisher, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	sender, err := newZMQSender(cfg.ZMQEndpoint)
	if err != nil {
		return nil, err
	}

	return NewPublisherWithSender(cfg, sender), nil
}

// NewPublisherWithSender creates a Publisher using the given sender.
func NewPublisherWithSender(cfg *Config, sender Sender) *Publisher {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Publisher{
		topic:     cfg.Topic(),
		blockSize: cfg.BlockSize,
		queue: workqueue.NewTypedWithConfig(workqueue.TypedQueueConfig[*pendingBatch]{
			Name: "kvevents-publisher",
		}),
		sender: sender,
	}
}

// Start runs the sending worker. It is non-blocking.
func (p *Publisher) Start(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("kvevents.Publisher")
	logger.Info("Starting kv-events publisher", "topic", p.topic)

	p.wg.Add(1)
	go p.worker(klog.NewContext(ctx, logger))
}

// Shutdown sends the queued batches, then closes the sender.
func (p *Publisher) Shutdown(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Shutting down kv-events publisher...")

	p.queue.ShutDown()
	p.wg.Wait()

	if err := p.sender.Close(); err != nil {
		logger.Error(err, "Failed to close kv-events sender")
	}
	logger.Info("kv-events publisher shut down.")
}

// PublishBlockEvents queues the events of one pool operation. It never
// blocks.
func (p *Publisher) PublishBlockEvents(events []blockpool.BlockEvent) {
	if len(events) == 0 {
		return
	}

	p.queue.Add(&pendingBatch{events: events, ts: time.Now()})
}

func (p *Publisher) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		batch, shutdown := p.queue.Get()
		if shutdown {
			return
		}

		func(batch *pendingBatch) {
			defer p.queue.Done(batch)
			p.publish(ctx, batch)
		}(batch)
	}
}

// publish encodes and sends a batch. Failed batches are dropped: a consumer
// that missed events resynchronizes from later ones.
func (p *Publisher) publish(ctx context.Context, batch *pendingBatch) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG)

	payload, err := p.encode(batch)
	if err != nil {
		debugLogger.Error(err, "Failed to encode event batch, dropping it", "events", len(batch.events))
		return
	}

	msg := &Message{Topic: p.topic, Payload: payload, Seq: p.seq}
	p.seq++

	if err := p.sender.Send(msg); err != nil {
		debugLogger.Error(err, "Failed to send event batch", "topic", msg.Topic, "seq", msg.Seq)
		return
	}
	klog.FromContext(ctx).V(logging.TRACE).Info("Sent event batch",
		"topic", msg.Topic, "seq", msg.Seq, "events", len(batch.events), "payloadSize", len(payload))
}

func (p *Publisher) encode(batch *pendingBatch) ([]byte, error) {
	rawEvents, err := utils.SliceMapE(fromBlockEvents(batch.events, p.blockSize),
		func(ev Event) (msgpack.RawMessage, error) {
			return msgpack.Marshal(ev.ToTaggedUnion())
		})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	payload, err := msgpack.Marshal(&EventBatch{
		TS:     float64(batch.ts.UnixNano()) / float64(time.Second),
		Events: rawEvents,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event batch: %w", err)
	}

	return payload, nil
}
