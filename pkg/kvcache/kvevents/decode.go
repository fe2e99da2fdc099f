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
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// DecodeEventBatch parses a payload produced by a Publisher, or by any
// vLLM-compatible producer, into its timestamp and events. Events with an
// unknown tag are skipped.
func DecodeEventBatch(payload []byte) (float64, []Event, error) {
	var eventBatch EventBatch
	if err := msgpack.Unmarshal(payload, &eventBatch); err != nil {
		return 0, nil, fmt.Errorf("failed to unmarshal event batch: %w", err)
	}

	events := make([]Event, 0, len(eventBatch.Events))
	for _, rawEvent := range eventBatch.Events {
		var taggedUnion []msgpack.RawMessage
		if err := msgpack.Unmarshal(rawEvent, &taggedUnion); err != nil {
			return 0, nil, fmt.Errorf("failed to unmarshal tagged union: %w", err)
		}

		if len(taggedUnion) < 1 {
			return 0, nil, errors.New("malformed tagged union, no tag element")
		}

		var tag string
		if err := msgpack.Unmarshal(taggedUnion[0], &tag); err != nil {
			return 0, nil, fmt.Errorf("failed to unmarshal tag from tagged union: %w", err)
		}

		// array_like tagged union: the tail parts form the payload array
		payloadBytes, err := msgpack.Marshal(taggedUnion[1:])
		if err != nil {
			return 0, nil, fmt.Errorf("failed to re-marshal payload parts: %w", err)
		}

		var event Event
		var unmarshalErr error
		switch tag {
		case BlockStoredEventTag:
			var bs BlockStored
			unmarshalErr = msgpack.Unmarshal(payloadBytes, &bs)
			event = bs
		case BlockRemovedEventTag:
			var br BlockRemoved
			unmarshalErr = msgpack.Unmarshal(payloadBytes, &br)
			event = br
		default:
			continue
		}

		if unmarshalErr != nil {
			return 0, nil, fmt.Errorf("failed to unmarshal %s event: %w", tag, unmarshalErr)
		}
		events = append(events, event)
	}

	return eventBatch.TS, events, nil
}
