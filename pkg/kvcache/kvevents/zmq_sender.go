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
	"encoding/binary"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// zmqSender publishes messages as three-frame [topic, seq, payload] ZMQ
// messages on a PUB socket.
type zmqSender struct {
	socket   *zmq.Socket
	endpoint string
}

var _ Sender = &zmqSender{}

// newZMQSender connects a PUB socket to the endpoint the subscriber binds.
func newZMQSender(endpoint string) (*zmqSender, error) {
	pub, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher socket: %w", err)
	}

	if err := pub.Connect(endpoint); err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("failed to connect publisher socket to %s: %w", endpoint, err)
	}

	return &zmqSender{socket: pub, endpoint: endpoint}, nil
}

func (z *zmqSender) Send(msg *Message) error {
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, msg.Seq)

	if _, err := z.socket.SendMessage([]byte(msg.Topic), seq, msg.Payload); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", z.endpoint, err)
	}

	return nil
}

func (z *zmqSender) Close() error {
	return z.socket.Close()
}
